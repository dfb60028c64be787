package paging

import (
	"fmt"
	"sync"

	"ember-db/extent"
	"ember-db/heap"
	"ember-db/utils/cache"

	"github.com/phuslu/log"
)

/*
bufferedCache keeps resident pages in an LRU table keyed by byte
address. The table lock covers lookups and residency changes only,
never page content. Content protection is per page via the
pin/claim/lock protocol on the handle.

Pages come and go at page granularity but allocation and reclamation
happen at extent granularity through the extent allocator, which is
what makes Dealloc's boolean return the "refcount reached zero"
signal for the structures above.
*/
type bufferedCache struct {
	logger  log.Logger
	options CacheOptions
	store   heap.PageStore
	al      extent.Allocator

	mu    sync.Mutex
	pages cache.Cache[uint64, *PageHandle]
}

func NewBufferedCache(logger log.Logger, store heap.PageStore, al extent.Allocator, options CacheOptions) (Cache, error) {
	if options.ExtentSizeByte%options.PageSizeByte != 0 {
		return nil, fmt.Errorf("extent size must be a multiple of the page size")
	}
	if options.CapacityPages <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive")
	}
	return &bufferedCache{
		logger:  logger,
		options: options,
		store:   store,
		al:      al,
		pages:   cache.NewLRUCache[uint64, *PageHandle](options.CapacityPages),
	}, nil
}

func (c *bufferedCache) PageSize() uint64 {
	return uint64(c.options.PageSizeByte)
}

func (c *bufferedCache) ExtentSize() uint64 {
	return uint64(c.options.ExtentSizeByte)
}

func (c *bufferedCache) Allocator() extent.Allocator {
	return c.al
}

// evictLocked trims the table back to capacity, only clean pages
// nobody holds are eligible
func (c *bufferedCache) evictLocked() {
	c.pages.Compact(func(addr uint64, h *PageHandle) bool {
		return h.pins.Load() == 0 && !h.claimed.Load() && !h.dirty.Load()
	})
}

func (c *bufferedCache) Alloc(addr uint64, ptype PageType) *PageHandle {
	h := newPageHandle(addr, ptype, c.options.PageSizeByte)
	h.pins.Store(1)
	h.claimed.Store(true)
	h.mu.Lock()

	c.mu.Lock()
	c.pages.Put(addr, h)
	c.evictLocked()
	c.mu.Unlock()
	return h
}

func (c *bufferedCache) Get(addr uint64, blocking bool, ptype PageType) *PageHandle {
	c.mu.Lock()
	h, ok := c.pages.Get(addr)
	if !ok {
		if !blocking {
			c.mu.Unlock()
			return nil
		}
		h = newPageHandle(addr, ptype, c.options.PageSizeByte)
		if err := c.store.ReadPage(addr/c.PageSize(), h.data); err != nil {
			c.mu.Unlock()
			panic(fmt.Sprintf("paging: failed to read page %d: %v", addr, err))
		}
		c.pages.Put(addr, h)
		c.evictLocked()
	}
	h.pins.Add(1)
	c.mu.Unlock()
	return h
}

func (c *bufferedCache) Claim(h *PageHandle) bool {
	return h.claimed.CompareAndSwap(false, true)
}

func (c *bufferedCache) Lock(h *PageHandle) {
	if !h.claimed.Load() {
		panic(fmt.Sprintf("paging: lock without claim on page %d", h.addr))
	}
	h.mu.Lock()
}

func (c *bufferedCache) Unlock(h *PageHandle) {
	h.mu.Unlock()
}

func (c *bufferedCache) Unclaim(h *PageHandle) {
	h.claimed.Store(false)
}

func (c *bufferedCache) Unget(h *PageHandle) {
	if h.pins.Add(-1) < 0 {
		panic(fmt.Sprintf("paging: unbalanced unget on page %d", h.addr))
	}
}

func (c *bufferedCache) MarkDirty(h *PageHandle) {
	h.dirty.Store(true)
}

func (c *bufferedCache) Dealloc(baseAddr uint64, ptype PageType) bool {
	if c.al.DecRefcount(baseAddr) != 0 {
		return false
	}

	// refcount hit zero, the extent's pages are dead, drop them
	// without writeback
	c.mu.Lock()
	for addr := baseAddr; addr < baseAddr+c.ExtentSize(); addr += c.PageSize() {
		if h, ok := c.pages.Get(addr); ok {
			if h.pins.Load() != 0 {
				c.mu.Unlock()
				panic(fmt.Sprintf("paging: dealloc of extent %d with pinned page %d", baseAddr, addr))
			}
			c.pages.Delete(addr)
		}
	}
	c.mu.Unlock()
	c.logger.Debug().Msgf("dealloc extent %d", baseAddr)
	return true
}

func (c *bufferedCache) ExtentSync(baseAddr uint64, pagesOutstanding *uint64) {
	for addr := baseAddr; addr < baseAddr+c.ExtentSize(); addr += c.PageSize() {
		c.mu.Lock()
		h, ok := c.pages.Get(addr)
		c.mu.Unlock()
		if !ok || !h.dirty.Load() {
			continue
		}
		if err := c.store.WritePage(addr/c.PageSize(), h.data); err != nil {
			c.logger.Error().Err(err).Msgf("error syncing page %d", addr)
			continue
		}
		h.dirty.Store(false)
	}
	// writes above complete before return, nothing is added to
	// pagesOutstanding
}

func (c *bufferedCache) Prefetch(baseAddr uint64, ptype PageType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := baseAddr; addr < baseAddr+c.ExtentSize(); addr += c.PageSize() {
		if _, ok := c.pages.Get(addr); ok {
			continue
		}
		h := newPageHandle(addr, ptype, c.options.PageSizeByte)
		if err := c.store.ReadPage(addr/c.PageSize(), h.data); err != nil {
			c.logger.Error().Err(err).Msgf("error prefetching page %d", addr)
			return
		}
		c.pages.Put(addr, h)
	}
	c.evictLocked()
}

// Flush writes back every dirty page. Callers quiesce writers first,
// Flush takes each page's lock to avoid tearing an in flight write.
func (c *bufferedCache) Flush() error {
	var flushErr error
	c.mu.Lock()
	handles := make([]*PageHandle, 0)
	c.pages.Range(func(addr uint64, h *PageHandle) bool {
		handles = append(handles, h)
		return true
	})
	c.mu.Unlock()

	for _, h := range handles {
		if !h.dirty.Load() {
			continue
		}
		h.mu.Lock()
		if err := c.store.WritePage(h.addr/c.PageSize(), h.data); err != nil {
			c.logger.Error().Err(err).Msgf("error flushing page %d", h.addr)
			flushErr = err
		} else {
			h.dirty.Store(false)
		}
		h.mu.Unlock()
	}
	return flushErr
}
