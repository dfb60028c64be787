package paging

import (
	"sync"
	"sync/atomic"
)

// PageType tags cached pages so dealloc and prefetch can account for
// the structure an extent belongs to
type PageType uint8

const (
	PageTypeInvalid PageType = iota
	PageTypeData
	PageTypeLog
	PageTypeMisc
)

// PageHandle is a pinned reference to a resident page. Mutating the
// page data requires walking the full access protocol:
// Get (pin) -> Claim -> Lock, released in reverse order.
type PageHandle struct {
	addr  uint64
	ptype PageType
	data  []byte

	pins    atomic.Int32
	claimed atomic.Bool
	dirty   atomic.Bool
	mu      sync.Mutex
}

func (h *PageHandle) Addr() uint64 {
	return h.addr
}

// Data is the page image, page size bytes. Read under a pin, write
// only while holding the lock.
func (h *PageHandle) Data() []byte {
	return h.data
}

func newPageHandle(addr uint64, ptype PageType, pageSize uint32) *PageHandle {
	return &PageHandle{
		addr:  addr,
		ptype: ptype,
		data:  make([]byte, pageSize),
	}
}
