package mini

import (
	"ember-db/paging"
	"ember-db/records"

	"github.com/phuslu/log"
)

// ExtentFunc acts on one extent of the chain during a traversal. Its
// return value lands in the entry's released flag: deallocation
// returns the extent allocator's "refcount reached zero" signal,
// read style actions return false and leave the flag alone.
type ExtentFunc func(cc paging.Cache, ptype paging.PageType, baseAddr uint64, pagesOutstanding *uint64) bool

func addrsShareExtent(cc paging.Cache, leftAddr uint64, rightAddr uint64) bool {
	extentSize := cc.ExtentSize()
	return leftAddr/extentSize == rightAddr/extentSize
}

/*
entryInRange decides whether an entry's stored [start, end] key span
intersects the query range. An extent is in range if
 1. the query is the full range (both bounds empty)
 2. the query is a point (end empty) and the point falls in the span
 3. the spans intersect
*/
func entryInRange(cfg records.KeyConfig, entry metaEntry, startKey []byte, endKey []byte) bool {
	if len(startKey) == 0 && len(endKey) == 0 {
		return true
	}
	if len(endKey) == 0 {
		return cfg.Compare(startKey, entry.endKey()) <= 0 &&
			cfg.Compare(entry.startKey(), startKey) <= 0
	}
	return cfg.Compare(startKey, entry.endKey()) <= 0 &&
		cfg.Compare(entry.startKey(), endKey) <= 0
}

/*
ForEach walks the metadata chain of the mini allocator rooted at
metaHead and invokes fn on every extent whose entry intersects the
query range. Each page is visited under claim and lock because the
walk stores fn's result into the released flag, even for read style
specializations that never flip it.

It returns whether every entry of the chain is now released. When
this traversal is the one that finished the job, the stream is fully
dead and the chain's own extents, which are not represented as
entries, are handed to fn as well, once per distinct metadata extent,
so they cannot leak. Already released entries are skipped, so a
traversal over a dead stream is harmless and the teardown runs
exactly once.
*/
func ForEach(cc paging.Cache,
	cfg records.KeyConfig,
	ptype paging.PageType,
	metaHead uint64,
	fn ExtentFunc,
	startKey []byte,
	endKey []byte,
	pagesOutstanding *uint64) bool {

	assertf(cfg != nil || len(startKey) == 0 && len(endKey) == 0, "range query requires a key config")

	wait := uint64(1)
	fullyReleased := true
	didRelease := false
	nextMetaAddr := metaHead
	for {
		metaPage := cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
		for !cc.Claim(metaPage) {
			cc.Unget(metaPage)
			backoff(&wait)
			metaPage = cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
		}
		wait = 1
		cc.Lock(metaPage)

		hdr := metaPage.Data()
		off := uint32(metaHdrSize)
		for i := uint32(0); i < metaNumEntries(hdr); i++ {
			entry := metaEntry{page: hdr, off: off}
			if !entry.released() && entryInRange(cfg, entry, startKey, endKey) {
				released := fn(cc, ptype, entry.extentAddr(), pagesOutstanding)
				entry.setReleased(released)
				didRelease = didRelease || released
			}
			fullyReleased = fullyReleased && entry.released()
			off += entry.size()
		}

		nextMetaAddr = metaNextAddr(hdr)

		cc.MarkDirty(metaPage)
		cc.Unlock(metaPage)
		cc.Unclaim(metaPage)
		cc.Unget(metaPage)

		if nextMetaAddr == 0 {
			break
		}
	}

	if fullyReleased && didRelease {
		// free the chain itself: walk again and act on each distinct
		// metadata extent base exactly once
		nextMetaAddr = metaHead
		for {
			metaPage := cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
			lastMetaAddr := nextMetaAddr
			nextMetaAddr = metaNextAddr(metaPage.Data())
			cc.Unget(metaPage)
			if !addrsShareExtent(cc, lastMetaAddr, nextMetaAddr) {
				lastMetaBase := lastMetaAddr / cc.ExtentSize() * cc.ExtentSize()
				fn(cc, ptype, lastMetaBase, pagesOutstanding)
			}
			if nextMetaAddr == 0 {
				break
			}
		}
	}

	return fullyReleased
}

func releaseExtent(cc paging.Cache, ptype paging.PageType, baseAddr uint64, pagesOutstanding *uint64) bool {
	return cc.Dealloc(baseAddr, ptype)
}

// ReleaseRange hands the extents covering [startKey, endKey] back to
// the extent allocator and reports whether the whole stream is now
// dead, in which case the metadata chain was torn down as well.
// Empty bounds release everything.
func ReleaseRange(cc paging.Cache,
	cfg records.KeyConfig,
	metaHead uint64,
	startKey []byte,
	endKey []byte,
	ptype paging.PageType) bool {
	return ForEach(cc, cfg, ptype, metaHead, releaseExtent, startKey, endKey, nil)
}

func incExtent(cc paging.Cache, ptype paging.PageType, baseAddr uint64, pagesOutstanding *uint64) bool {
	cc.Allocator().IncRefcount(baseAddr)
	return false
}

// IncRange bumps the refcount of every extent intersecting the
// range, used when a subrange is cloned into a second structure
func IncRange(cc paging.Cache,
	cfg records.KeyConfig,
	ptype paging.PageType,
	metaHead uint64,
	startKey []byte,
	endKey []byte) {
	ForEach(cc, cfg, ptype, metaHead, incExtent, startKey, endKey, nil)
}

func syncExtent(cc paging.Cache, ptype paging.PageType, baseAddr uint64, pagesOutstanding *uint64) bool {
	cc.ExtentSync(baseAddr, pagesOutstanding)
	return false
}

// Sync flushes every extent of the stream, pagesOutstanding
// accumulates writes still in flight when non nil
func Sync(cc paging.Cache, ptype paging.PageType, metaHead uint64, pagesOutstanding *uint64) {
	ForEach(cc, nil, ptype, metaHead, syncExtent, nil, nil, pagesOutstanding)
}

func prefetchExtent(cc paging.Cache, ptype paging.PageType, baseAddr uint64, pagesOutstanding *uint64) bool {
	cc.Prefetch(baseAddr, ptype)
	return false
}

// Prefetch pulls the stream's extents into the page cache
func Prefetch(cc paging.Cache, ptype paging.PageType, metaHead uint64) {
	ForEach(cc, nil, ptype, metaHead, prefetchExtent, nil, nil, nil)
}

func countExtent(cc paging.Cache, ptype paging.PageType, baseAddr uint64, count *uint64) bool {
	*count++
	return false
}

// ExtentCountInRange counts the live extents whose key span
// intersects the query range
func ExtentCountInRange(cc paging.Cache,
	cfg records.KeyConfig,
	ptype paging.PageType,
	metaHead uint64,
	startKey []byte,
	endKey []byte) uint64 {
	numExtents := uint64(0)
	ForEach(cc, cfg, ptype, metaHead, countExtent, startKey, endKey, &numExtents)
	return numExtents
}

// ExtentCount tallies the chain's footprint, one per metadata page
// plus one per live entry. Read only, no claims taken.
func ExtentCount(cc paging.Cache, ptype paging.PageType, metaHead uint64) uint64 {
	numExtents := uint64(0)
	nextMetaAddr := metaHead
	for {
		metaPage := cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
		numExtents++

		hdr := metaPage.Data()
		off := uint32(metaHdrSize)
		for i := uint32(0); i < metaNumEntries(hdr); i++ {
			entry := metaEntry{page: hdr, off: off}
			if !entry.released() {
				numExtents++
			}
			off += entry.size()
		}
		nextMetaAddr = metaNextAddr(hdr)
		cc.Unget(metaPage)
		if nextMetaAddr == 0 {
			return numExtents
		}
	}
}

// BlindInc pins the chain's head page to keep the allocator
// structurally alive without traversing, BlindRelease drops it
func BlindInc(cc paging.Cache, metaHead uint64) *paging.PageHandle {
	return cc.Get(metaHead, true, paging.PageTypeMisc)
}

func BlindRelease(cc paging.Cache, metaPage *paging.PageHandle) {
	cc.Unget(metaPage)
}

// Dump logs the chain entry by entry with current extent refcounts
func Dump(logger log.Logger, cc paging.Cache, cfg records.KeyConfig, metaHead uint64) {
	al := cc.Allocator()
	nextMetaAddr := metaHead
	for {
		metaPage := cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
		hdr := metaPage.Data()
		logger.Info().Msgf("meta addr %12d", nextMetaAddr)

		off := uint32(metaHdrSize)
		for i := uint32(0); i < metaNumEntries(hdr); i++ {
			entry := metaEntry{page: hdr, off: off}
			logger.Info().Msgf("%2d %12d %s %s %v (%d)",
				i, entry.extentAddr(),
				cfg.String(entry.startKey()), cfg.String(entry.endKey()),
				entry.released(), al.GetRefcount(entry.extentAddr()))
			off += entry.size()
		}
		nextMetaAddr = metaNextAddr(hdr)
		cc.Unget(metaPage)
		if nextMetaAddr == 0 {
			return
		}
	}
}
