package mini

import (
	"encoding/binary"

	"ember-db/records"
)

// MaxInlineKeySize bounds the keys stored in metadata entries
const MaxInlineKeySize = 256

/*
Metadata page layout

┌──────────────────────────────────────────────────────────────┐
| nextMetaAddr (8byte) | pos (4byte) | numEntries (4byte)      |
|──────────────────────16 byte header──────────────────────────|
| entry | entry | ... densely packed from pos = 16             |
└──────────────────────────────────────────────────────────────┘

Entry layout, variable length:

| extentAddr (8byte) | startKeyLen (2byte) | endKeyLen (2byte) |
| released (1byte) | endKey (256 byte fixed slot)              |
| startKey (startKeyLen bytes)                                 |

The end key slot is fixed size because it is written after the entry
was appended, once the batch's next refill defines this extent's
upper bound. Later entries never move, so the backfill cannot shift
anything.
*/
const (
	metaHdrNextOff       = 0
	metaHdrPosOff        = 8
	metaHdrNumEntriesOff = 12
	metaHdrSize          = 16

	entryExtentAddrOff  = 0
	entryStartKeyLenOff = 8
	entryEndKeyLenOff   = 10
	entryReleasedOff    = 12
	entryEndKeyOff      = 13
	entryFixedSize      = entryEndKeyOff + MaxInlineKeySize
)

func metaNextAddr(page []byte) uint64 {
	return binary.BigEndian.Uint64(page[metaHdrNextOff:])
}

func setMetaNextAddr(page []byte, addr uint64) {
	binary.BigEndian.PutUint64(page[metaHdrNextOff:], addr)
}

func metaPos(page []byte) uint32 {
	return binary.BigEndian.Uint32(page[metaHdrPosOff:])
}

func setMetaPos(page []byte, pos uint32) {
	binary.BigEndian.PutUint32(page[metaHdrPosOff:], pos)
}

func metaNumEntries(page []byte) uint32 {
	return binary.BigEndian.Uint32(page[metaHdrNumEntriesOff:])
}

func setMetaNumEntries(page []byte, n uint32) {
	binary.BigEndian.PutUint32(page[metaHdrNumEntriesOff:], n)
}

func initMetaPage(page []byte) {
	setMetaNextAddr(page, 0)
	setMetaPos(page, metaHdrSize)
	setMetaNumEntries(page, 0)
}

// entrySize is the on page footprint of an entry holding key as its
// start key
func entrySize(key []byte) uint32 {
	return entryFixedSize + uint32(len(key))
}

// metaEntry is a view over one entry in a metadata page image
type metaEntry struct {
	page []byte
	off  uint32
}

func (e metaEntry) extentAddr() uint64 {
	return binary.BigEndian.Uint64(e.page[e.off+entryExtentAddrOff:])
}

func (e metaEntry) startKeyLen() uint16 {
	return binary.BigEndian.Uint16(e.page[e.off+entryStartKeyLenOff:])
}

func (e metaEntry) endKeyLen() uint16 {
	return binary.BigEndian.Uint16(e.page[e.off+entryEndKeyLenOff:])
}

func (e metaEntry) startKey() []byte {
	start := e.off + entryFixedSize
	return e.page[start : start+uint32(e.startKeyLen())]
}

func (e metaEntry) endKey() []byte {
	start := e.off + entryEndKeyOff
	return e.page[start : start+uint32(e.endKeyLen())]
}

func (e metaEntry) released() bool {
	return e.page[e.off+entryReleasedOff] != 0
}

func (e metaEntry) setReleased(v bool) {
	if v {
		e.page[e.off+entryReleasedOff] = 1
	} else {
		e.page[e.off+entryReleasedOff] = 0
	}
}

func (e metaEntry) setEndKey(cfg records.KeyConfig, key []byte) {
	binary.BigEndian.PutUint16(e.page[e.off+entryEndKeyLenOff:], uint16(len(key)))
	cfg.Copy(e.page[e.off+entryEndKeyOff:e.off+entryEndKeyOff+MaxInlineKeySize], key)
}

func (e metaEntry) size() uint32 {
	return entryFixedSize + uint32(e.startKeyLen())
}

// writeEntry appends a fresh entry at off describing extentAddr. The
// end key slot starts zeroed, it is backfilled by the batch's next
// refill or by release.
func writeEntry(page []byte, off uint32, extentAddr uint64, cfg records.KeyConfig, key []byte) {
	binary.BigEndian.PutUint64(page[off+entryExtentAddrOff:], extentAddr)
	binary.BigEndian.PutUint16(page[off+entryStartKeyLenOff:], uint16(len(key)))
	binary.BigEndian.PutUint16(page[off+entryEndKeyLenOff:], 0)
	page[off+entryReleasedOff] = 0
	for i := uint32(0); i < MaxInlineKeySize; i++ {
		page[off+entryEndKeyOff+i] = 0
	}
	if len(key) != 0 {
		cfg.Copy(page[off+entryFixedSize:off+entryFixedSize+uint32(len(key))], key)
	}
}
