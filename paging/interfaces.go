package paging

import (
	"ember-db/extent"
)

type CacheOptions struct {
	PageSizeByte   uint32
	ExtentSizeByte uint32
	// CapacityPages bounds resident pages, clean unpinned pages are
	// evicted beyond it
	CapacityPages int
}

/*
Cache is a buffered page cache over the heap page store.

Access protocol for a page:
 1. Get pins the page, reading it from disk if needed
 2. Claim registers the intent to write, non blocking, at most one
    claim per page at a time
 3. Lock takes writer exclusion, only valid while holding a claim
 4. release in reverse: Unlock, Unclaim, Unget

A failed Claim means another writer got there first, callers drop the
pin and retry with backoff rather than holding the pin while waiting.
*/
type Cache interface {
	PageSize() uint64
	ExtentSize() uint64

	// Alloc installs a brand new zeroed page at addr, returned
	// pinned, claimed and locked
	Alloc(addr uint64, ptype PageType) *PageHandle
	// Get pins a page. With blocking false a page that is not
	// resident is not read in and nil is returned.
	Get(addr uint64, blocking bool, ptype PageType) *PageHandle
	Claim(h *PageHandle) bool
	Lock(h *PageHandle)
	Unlock(h *PageHandle)
	Unclaim(h *PageHandle)
	Unget(h *PageHandle)
	MarkDirty(h *PageHandle)

	// Dealloc drops one reference on the extent at baseAddr and
	// reports whether the refcount reached zero, in which case the
	// extent's cached pages are discarded
	Dealloc(baseAddr uint64, ptype PageType) bool
	// ExtentSync writes back the extent's dirty resident pages.
	// pagesOutstanding, when non nil, accumulates writes that are
	// still in flight when the call returns.
	ExtentSync(baseAddr uint64, pagesOutstanding *uint64)
	// Prefetch populates the extent's pages into the cache
	Prefetch(baseAddr uint64, ptype PageType)

	Allocator() extent.Allocator

	Flush() error
}
