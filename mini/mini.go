package mini

import (
	"fmt"
	"sync/atomic"
	"time"

	"ember-db/extent"
	"ember-db/paging"
	"ember-db/records"

	"github.com/phuslu/log"
)

const (
	// miniWait marks a batch cursor as taken. It can never collide
	// with a page address, those are multiples of the page size and
	// the extent allocator keeps address 0 reserved.
	miniWait = 1

	// MaxBatches bounds the independent allocation cursors of one
	// allocator
	MaxBatches = 8
)

/*
Allocator carves single pages out of whole extents reserved from the
extent allocator, on behalf of one logical stream (a tree, a log).
Which extents the stream owns, and over what key ranges, is recorded
in a chain of metadata pages starting at metaHead. Batches allocate
in parallel without ordering between them, sharing the chain.

Shared state and its protection:
  - nextAddr[b] is the batch cursor, a single slot spinlock: the
    sentinel miniWait is installed with a CAS and the owner stores
    the real next address back to release it. The cursor is never
    held across cache I/O.
  - metaTail only advances, and the per batch backfill positions only
    change, while holding the tail metadata page's claim and lock.
    Readers of metaTail re check it after pinning the tail.
  - nextExtent[b] is only touched while owning batch b's cursor.
*/
type Allocator struct {
	logger log.Logger
	cc     paging.Cache
	al     extent.Allocator
	cfg    records.KeyConfig

	metaHead uint64
	metaTail atomic.Uint64
	ptype    paging.PageType

	numBatches   uint64
	nextAddr     [MaxBatches]atomic.Uint64
	nextExtent   [MaxBatches]uint64
	lastMetaAddr [MaxBatches]uint64
	lastMetaPos  [MaxBatches]uint64
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("mini: " + fmt.Sprintf(format, args...))
	}
}

// backoff sleeps for wait microseconds and doubles it up to the cap
func backoff(wait *uint64) {
	time.Sleep(time.Duration(*wait) * time.Microsecond)
	if *wait < 1024 {
		*wait *= 2
	}
}

// mustAllocExtent wraps the extent allocator for the hot path, where
// exhaustion is not recoverable: the allocator must always succeed
// in replenishing its one reserve extent per batch
func (m *Allocator) mustAllocExtent() uint64 {
	addr, err := m.al.AllocExtent()
	assertf(err == nil, "extent allocation failed: %v", err)
	return addr
}

/*
New initializes a mini allocator against its metadata chain. A zero
metaTail creates a fresh chain at metaHead, a non zero metaTail loads
an existing chain for further appends. Either way one fresh extent is
reserved per batch before returning, and the first extent reserved
for batch 0 is returned so the caller can record it as the root of
whatever structure this stream backs.
*/
func New(logger log.Logger,
	cc paging.Cache,
	cfg records.KeyConfig,
	metaHead uint64,
	metaTail uint64,
	numBatches uint64,
	ptype paging.PageType) (*Allocator, uint64) {

	assertf(numBatches >= 1 && numBatches <= MaxBatches, "numBatches %d out of range [1, %d]", numBatches, MaxBatches)
	assertf(cfg != nil, "nil key config")

	m := &Allocator{
		logger:     logger,
		cc:         cc,
		al:         cc.Allocator(),
		cfg:        cfg,
		metaHead:   metaHead,
		ptype:      ptype,
		numBatches: numBatches,
	}

	var metaPage *paging.PageHandle
	if metaTail == 0 {
		// new mini allocator
		m.metaTail.Store(metaHead)
		metaPage = cc.Alloc(metaHead, ptype)
		initMetaPage(metaPage.Data())
	} else {
		// load an existing chain, appends go to the tail
		m.metaTail.Store(metaTail)
		metaPage = cc.Get(metaTail, true, ptype)
		wait := uint64(1)
		for !cc.Claim(metaPage) {
			// should never happen, nobody else touches a freshly
			// loaded chain
			backoff(&wait)
		}
		cc.Lock(metaPage)
	}

	for batch := uint64(0); batch < numBatches; batch++ {
		m.nextExtent[batch] = m.mustAllocExtent()
	}

	cc.MarkDirty(metaPage)
	cc.Unlock(metaPage)
	cc.Unclaim(metaPage)
	cc.Unget(metaPage)

	logger.Debug().Msgf("mini allocator init head %d tail %d batches %d", metaHead, m.metaTail.Load(), numBatches)
	return m, m.nextExtent[0]
}

/*
Alloc returns the address of the next free page in batch and advances
the cursor. key is the lower bound of what the caller will write into
that page. It only lands in the metadata chain when this call crossed
into a fresh extent: the new entry records it as the extent's start
key and the batch's previous entry gets it backfilled as its end key.
An empty key skips the key bookkeeping for the entry.

When nextExtent is non nil it receives the batch's reserve extent so
the caller can start prefetching ahead of the cursor.
*/
func (m *Allocator) Alloc(batch uint64, key []byte, nextExtent *uint64) uint64 {
	assertf(batch < m.numBatches, "batch %d out of range", batch)
	assertf(len(key) <= MaxInlineKeySize, "key length %d exceeds %d", len(key), MaxInlineKeySize)

	// take the batch cursor
	wait := uint64(1)
	nextAddr := m.nextAddr[batch].Load()
	for nextAddr == miniWait || !m.nextAddr[batch].CompareAndSwap(nextAddr, miniWait) {
		backoff(&wait)
		nextAddr = m.nextAddr[batch].Load()
	}
	wait = 1

	if nextAddr%m.cc.ExtentSize() != 0 {
		// fast path, the current extent still has room
		if nextExtent != nil {
			*nextExtent = m.nextExtent[batch]
		}
		m.nextAddr[batch].Store(nextAddr + m.cc.PageSize())
		return nextAddr
	}

	// refill: consume the reserve extent and replenish it before
	// releasing the cursor, so the cursor is never held across the
	// metadata page I/O below
	page := m.nextExtent[batch]
	m.nextExtent[batch] = m.mustAllocExtent()
	if nextExtent != nil {
		*nextExtent = m.nextExtent[batch]
	}
	m.nextAddr[batch].Store(page + m.cc.PageSize())

	/*
	   Get, claim and lock the tail metadata page to append the new
	   extent's entry. Standard claim idiom: on a failed claim the
	   pin is dropped before backing off. The tail is shared across
	   batches and can move between the get and the claim, so it is
	   re checked after every get.
	*/
	var metaPage *paging.PageHandle
	for {
		metaTail := m.metaTail.Load()
		metaPage = m.cc.Get(metaTail, true, m.ptype)
		if metaTail == m.metaTail.Load() && m.cc.Claim(metaPage) {
			break
		}
		m.cc.Unget(metaPage)
		backoff(&wait)
	}
	m.cc.Lock(metaPage)

	hdr := metaPage.Data()
	if uint64(metaPos(hdr))+uint64(entrySize(key)) > m.cc.PageSize() {
		// tail page is full, chain a new one
		newMetaTail := m.metaTail.Load() + m.cc.PageSize()
		if newMetaTail%m.cc.ExtentSize() == 0 {
			// the metadata chain crossed its own extent boundary
			newMetaTail = m.mustAllocExtent()
		}
		setMetaNextAddr(hdr, newMetaTail)
		lastMetaPage := metaPage
		metaPage = m.cc.Alloc(newMetaTail, m.ptype)
		m.metaTail.Store(newMetaTail)
		m.cc.MarkDirty(lastMetaPage)
		m.cc.Unlock(lastMetaPage)
		m.cc.Unclaim(lastMetaPage)
		m.cc.Unget(lastMetaPage)
		hdr = metaPage.Data()
		initMetaPage(hdr)
	}
	assertf(uint64(metaPos(hdr))+uint64(entrySize(key)) <= m.cc.PageSize(), "entry does not fit fresh meta page")

	pos := metaPos(hdr)
	newMetaAddr := metaPage.Addr()
	writeEntry(hdr, pos, page, m.cfg, key)

	if len(key) != 0 {
		m.backfillEndKey(batch, metaPage, hdr, key)
		m.lastMetaPos[batch] = uint64(pos)
		m.lastMetaAddr[batch] = newMetaAddr
	}
	setMetaNumEntries(hdr, metaNumEntries(hdr)+1)
	setMetaPos(hdr, pos+entrySize(key))

	m.cc.MarkDirty(metaPage)
	m.cc.Unlock(metaPage)
	m.cc.Unclaim(metaPage)
	m.cc.Unget(metaPage)

	return page
}

/*
backfillEndKey closes the key range of the batch's previous entry,
now that key defines where it ends. Caller holds the tail page
locked. When the previous entry lives on an older page that page is
locked as well, tail first then the older page, which is what keeps
two writers off a deadlock.
*/
func (m *Allocator) backfillEndKey(batch uint64, metaPage *paging.PageHandle, hdr []byte, key []byte) {
	if m.lastMetaAddr[batch] == 0 {
		return
	}
	if m.lastMetaAddr[batch] == m.metaTail.Load() {
		entry := metaEntry{page: hdr, off: uint32(m.lastMetaPos[batch])}
		entry.setEndKey(m.cfg, key)
		return
	}
	wait := uint64(1)
	lastMetaPage := m.cc.Get(m.lastMetaAddr[batch], true, m.ptype)
	for !m.cc.Claim(lastMetaPage) {
		// should never happen, appends only ever touch the tail
		backoff(&wait)
	}
	m.cc.Lock(lastMetaPage)
	entry := metaEntry{page: lastMetaPage.Data(), off: uint32(m.lastMetaPos[batch])}
	entry.setEndKey(m.cfg, key)
	m.cc.MarkDirty(lastMetaPage)
	m.cc.Unlock(lastMetaPage)
	m.cc.Unclaim(lastMetaPage)
	m.cc.Unget(lastMetaPage)
}

/*
Release flushes the unused reserve extent of every batch back to the
extent allocator and, when key is non empty, closes each batch's open
key range by backfilling its last entry's end key. It does not hand
back the extents the stream consumed, that is ReleaseRange's job.
*/
func (m *Allocator) Release(key []byte) {
	assertf(len(key) <= MaxInlineKeySize, "key length %d exceeds %d", len(key), MaxInlineKeySize)

	for batch := uint64(0); batch < m.numBatches; batch++ {
		// the reserve was never returned by Alloc, its refcount
		// drops straight to zero
		m.cc.Dealloc(m.nextExtent[batch], m.ptype)

		if len(key) == 0 || m.lastMetaAddr[batch] == 0 {
			continue
		}
		lastMetaPage := m.cc.Get(m.lastMetaAddr[batch], true, m.ptype)
		wait := uint64(1)
		for !m.cc.Claim(lastMetaPage) {
			// should never happen, the stream is quiesced by now
			backoff(&wait)
		}
		m.cc.Lock(lastMetaPage)
		entry := metaEntry{page: lastMetaPage.Data(), off: uint32(m.lastMetaPos[batch])}
		entry.setEndKey(m.cfg, key)
		m.cc.MarkDirty(lastMetaPage)
		m.cc.Unlock(lastMetaPage)
		m.cc.Unclaim(lastMetaPage)
		m.cc.Unget(lastMetaPage)
	}
	m.logger.Debug().Msgf("mini allocator release head %d", m.metaHead)
}

// MetaHead names this allocator's chain for the range operations
func (m *Allocator) MetaHead() uint64 {
	return m.metaHead
}

// MetaTail is where the next metadata entry will be appended
func (m *Allocator) MetaTail() uint64 {
	return m.metaTail.Load()
}
