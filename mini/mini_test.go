package mini

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"ember-db/heap"
	"ember-db/logging"
	"ember-db/paging"
	"ember-db/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	testPageSize   = uint64(4096)
	testExtentSize = uint64(16384)
)

func newTestStore(t *testing.T) *store.Store {
	st, err := store.NewStore(*logging.CreateQuietLogger(), store.Options{
		FileOptions: heap.FileOptions{
			PageSizeByte:     uint32(testPageSize),
			FileDirectory:    t.TempDir(),
			HeapFileSizeByte: uint32(testPageSize) * 64,
		},
		CacheOptions: paging.CacheOptions{
			PageSizeByte:   uint32(testPageSize),
			ExtentSizeByte: uint32(testExtentSize),
			CapacityPages:  512,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestAllocator(t *testing.T, st *store.Store, numBatches uint64) (*Allocator, uint64, uint64) {
	metaHead, err := st.Cache().Allocator().AllocExtent()
	require.NoError(t, err)
	m, root := New(*logging.CreateQuietLogger(), st.Cache(), st.KeyConfig(), metaHead, 0, numBatches, paging.PageTypeData)
	return m, metaHead, root
}

// recordingCache observes which extents hit refcount zero
type recordingCache struct {
	paging.Cache
	mu    sync.Mutex
	freed []uint64
}

func (rc *recordingCache) Dealloc(baseAddr uint64, ptype paging.PageType) bool {
	zero := rc.Cache.Dealloc(baseAddr, ptype)
	if zero {
		rc.mu.Lock()
		rc.freed = append(rc.freed, baseAddr)
		rc.mu.Unlock()
	}
	return zero
}

type entrySnap struct {
	extentAddr uint64
	startKey   string
	endKey     string
	released   bool
}

type pageSnap struct {
	addr       uint64
	next       uint64
	pos        uint32
	numEntries uint32
	entries    []entrySnap
}

func readChain(cc paging.Cache, metaHead uint64) []pageSnap {
	snaps := []pageSnap{}
	nextMetaAddr := metaHead
	for {
		metaPage := cc.Get(nextMetaAddr, true, paging.PageTypeMisc)
		hdr := metaPage.Data()
		snap := pageSnap{
			addr:       nextMetaAddr,
			next:       metaNextAddr(hdr),
			pos:        metaPos(hdr),
			numEntries: metaNumEntries(hdr),
		}
		off := uint32(metaHdrSize)
		for i := uint32(0); i < snap.numEntries; i++ {
			entry := metaEntry{page: hdr, off: off}
			snap.entries = append(snap.entries, entrySnap{
				extentAddr: entry.extentAddr(),
				startKey:   string(entry.startKey()),
				endKey:     string(entry.endKey()),
				released:   entry.released(),
			})
			off += entry.size()
		}
		snaps = append(snaps, snap)
		cc.Unget(metaPage)
		nextMetaAddr = snap.next
		if nextMetaAddr == 0 {
			return snaps
		}
	}
}

func allEntries(cc paging.Cache, metaHead uint64) []entrySnap {
	entries := []entrySnap{}
	for _, snap := range readChain(cc, metaHead) {
		entries = append(entries, snap.entries...)
	}
	return entries
}

func TestMiniAllocatorBasic(t *testing.T) {

	t.Run("Test first extent is returned as the root", func(t *testing.T) {
		st := newTestStore(t)
		m, _, root := newTestAllocator(t, st, 1)

		page := m.Alloc(0, []byte("a"), nil)
		assert.Equal(t, root, page)
		assert.Zero(t, page%testExtentSize)
	})

	t.Run("Test addresses advance page by page then jump extents", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		// first four allocs fill one extent page by page
		addrs := []uint64{}
		for i := 0; i < 4; i++ {
			addrs = append(addrs, m.Alloc(0, []byte("a"), nil))
		}
		for i := 1; i < 4; i++ {
			assert.Equal(t, addrs[i-1]+testPageSize, addrs[i])
		}

		// the fifth crosses into a fresh extent
		fifth := m.Alloc(0, []byte("b"), nil)
		assert.Zero(t, fifth%testExtentSize)
		assert.NotEqual(t, addrs[0], fifth)

		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 2)
		assert.Equal(t, addrs[0], entries[0].extentAddr)
		assert.Equal(t, "a", entries[0].startKey)
		assert.Equal(t, "b", entries[0].endKey)
		assert.Equal(t, fifth, entries[1].extentAddr)
		assert.Equal(t, "b", entries[1].startKey)
		assert.Equal(t, "", entries[1].endKey)
	})

	t.Run("Test release backfills the open end key and frees the reserve", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for i := 0; i < 4; i++ {
			m.Alloc(0, []byte("a"), nil)
		}
		m.Alloc(0, []byte("b"), nil)

		inUseBefore := st.Allocator().InUse()
		m.Release([]byte("c"))
		// exactly the unused reserve extent went away
		assert.Equal(t, inUseBefore-1, st.Allocator().InUse())

		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 2)
		assert.Equal(t, "c", entries[1].endKey)
		assert.False(t, entries[0].released)
		assert.False(t, entries[1].released)
	})

	t.Run("Test release with empty key leaves the end key open", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		m.Alloc(0, []byte("a"), nil)
		m.Release(nil)

		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 1)
		assert.Equal(t, "", entries[0].endKey)
	})

	t.Run("Test alloc exposes the reserve extent for prefetch", func(t *testing.T) {
		st := newTestStore(t)
		m, _, _ := newTestAllocator(t, st, 1)

		var reserve uint64
		page := m.Alloc(0, []byte("a"), &reserve)
		assert.NotZero(t, reserve)
		assert.Zero(t, reserve%testExtentSize)
		assert.NotEqual(t, page/testExtentSize, reserve/testExtentSize)

		// the reserve only becomes the cursor after the current
		// extent is exhausted
		for i := 0; i < 3; i++ {
			m.Alloc(0, []byte("a"), nil)
		}
		next := m.Alloc(0, []byte("b"), nil)
		assert.Equal(t, reserve, next)
	})

	t.Run("Test keyless entries skip key bookkeeping", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for i := 0; i < 5; i++ {
			m.Alloc(0, nil, nil)
		}
		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 2)
		for _, entry := range entries {
			assert.Equal(t, "", entry.startKey)
			assert.Equal(t, "", entry.endKey)
		}
	})
}

func TestMiniAllocatorFullRelease(t *testing.T) {

	t.Run("Test full range release frees data and metadata extents", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, root := newTestAllocator(t, st, 1)

		for i := 0; i < 4; i++ {
			m.Alloc(0, []byte("a"), nil)
		}
		second := m.Alloc(0, []byte("b"), nil)
		m.Release([]byte("c"))

		rc := &recordingCache{Cache: st.Cache()}
		fullyReleased := ReleaseRange(rc, st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData)
		assert.True(t, fullyReleased)

		// refcount hit zero for the two data extents and the one
		// metadata extent, each exactly once
		assert.Equal(t, []uint64{root, second, metaHead}, rc.freed)
		assert.Equal(t, uint64(0), st.Allocator().InUse())
		assert.Equal(t, uint64(0), ExtentCountInRange(st.Cache(), st.KeyConfig(), paging.PageTypeData, metaHead, nil, nil))
	})

	t.Run("Test release of a dead stream is idempotent", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		m.Alloc(0, []byte("a"), nil)
		m.Release([]byte("b"))

		rc := &recordingCache{Cache: st.Cache()}
		assert.True(t, ReleaseRange(rc, st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData))
		freed := len(rc.freed)

		// a second pass finds everything released and must not touch
		// the extent allocator again
		assert.True(t, ReleaseRange(rc, st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData))
		assert.Equal(t, freed, len(rc.freed))
	})

	t.Run("Test narrow range releases only the covered entry", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for _, key := range []string{"a", "b", "c"} {
			for i := 0; i < 4; i++ {
				m.Alloc(0, []byte(key), nil)
			}
		}
		m.Release([]byte("d"))
		// entries span [a,b] [b,c] [c,d]

		inUseBefore := st.Allocator().InUse()
		fullyReleased := ReleaseRange(st.Cache(), st.KeyConfig(), metaHead, []byte("bb"), []byte("bc"), paging.PageTypeData)
		assert.False(t, fullyReleased)

		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 3)
		assert.False(t, entries[0].released)
		assert.True(t, entries[1].released)
		assert.False(t, entries[2].released)

		// only the middle extent went away, metadata stays put
		assert.Equal(t, inUseBefore-1, st.Allocator().InUse())
		assert.Equal(t, uint64(2), ExtentCountInRange(st.Cache(), st.KeyConfig(), paging.PageTypeData, metaHead, nil, nil))
	})

	t.Run("Test cloned range needs two releases", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for i := 0; i < 4; i++ {
			m.Alloc(0, []byte("a"), nil)
		}
		m.Release([]byte("b"))

		IncRange(st.Cache(), st.KeyConfig(), paging.PageTypeData, metaHead, nil, nil)

		// first owner lets go, the clone still holds the extents
		assert.False(t, ReleaseRange(st.Cache(), st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData))
		assert.NotZero(t, st.Allocator().InUse())

		// the clone lets go, now the stream dies for real
		assert.True(t, ReleaseRange(st.Cache(), st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData))
		assert.Equal(t, uint64(0), st.Allocator().InUse())
	})
}

func TestMiniAllocatorMetaChain(t *testing.T) {

	t.Run("Test full tail page links a fresh one", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		// worst case entries, 256 byte keys, fill the first meta page
		key := func(i int) []byte {
			k := bytes.Repeat([]byte{'k'}, MaxInlineKeySize)
			copy(k, fmt.Sprintf("%03d", i))
			return k
		}
		perPage := int((testPageSize - metaHdrSize) / uint64(entrySize(key(0))))
		refills := perPage + 1
		for i := 0; i < refills; i++ {
			for p := 0; p < 4; p++ {
				m.Alloc(0, key(i), nil)
			}
		}

		chain := readChain(st.Cache(), metaHead)
		require.Len(t, chain, 2)
		assert.Equal(t, chain[1].addr, chain[0].next)
		assert.Equal(t, metaHead+testPageSize, chain[1].addr)
		assert.Equal(t, chain[1].addr, m.MetaTail())
		assert.Equal(t, uint32(perPage), chain[0].numEntries)
		assert.Equal(t, uint32(1), chain[1].numEntries)
		assert.Equal(t, uint32(metaHdrSize)+entrySize(key(refills-1)), chain[1].pos)
	})

	t.Run("Test metadata chain crossing its extent", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		// enough worst case entries to fill every meta page of the
		// head extent plus one, forcing a second meta extent
		key := func(i int) []byte {
			k := bytes.Repeat([]byte{'k'}, MaxInlineKeySize)
			copy(k, fmt.Sprintf("%03d", i))
			return k
		}
		perPage := int((testPageSize - metaHdrSize) / uint64(entrySize(key(0))))
		pagesPerExtent := int(testExtentSize / testPageSize)
		refills := perPage*pagesPerExtent + 1
		for i := 0; i < refills; i++ {
			for p := 0; p < 4; p++ {
				m.Alloc(0, key(i), nil)
			}
		}

		chain := readChain(st.Cache(), metaHead)
		require.Len(t, chain, pagesPerExtent+1)
		tail := chain[len(chain)-1]
		assert.NotEqual(t, metaHead/testExtentSize, tail.addr/testExtentSize)
		assert.Zero(t, tail.addr%testExtentSize)

		// a full release tears down both metadata extents
		m.Release([]byte("zzz"))
		rc := &recordingCache{Cache: st.Cache()}
		assert.True(t, ReleaseRange(rc, st.KeyConfig(), metaHead, nil, nil, paging.PageTypeData))
		assert.Equal(t, uint64(0), st.Allocator().InUse())
	})

	t.Run("Test load continues an existing chain", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for i := 0; i < 4; i++ {
			m.Alloc(0, []byte("a"), nil)
		}
		m.Alloc(0, []byte("b"), nil)
		m.Release([]byte("c"))
		tail := m.MetaTail()

		loaded, _ := New(*logging.CreateQuietLogger(), st.Cache(), st.KeyConfig(), metaHead, tail, 1, paging.PageTypeData)
		loaded.Alloc(0, []byte("d"), nil)

		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, 3)
		assert.Equal(t, "a", entries[0].startKey)
		assert.Equal(t, "b", entries[1].startKey)
		assert.Equal(t, "c", entries[1].endKey)
		assert.Equal(t, "d", entries[2].startKey)
	})
}

func TestMiniAllocatorProperties(t *testing.T) {

	t.Run("Test per batch monotone contiguous addresses", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		addrs := []uint64{}
		for i := 0; i < 40; i++ {
			addrs = append(addrs, m.Alloc(0, []byte(fmt.Sprintf("k%03d", i)), nil))
		}
		refills := 0
		for i, addr := range addrs {
			if addr%testExtentSize == 0 {
				refills++
			}
			if i == 0 {
				continue
			}
			assert.Greater(t, addr, addrs[i-1])
			if addr%testExtentSize != 0 {
				assert.Equal(t, addrs[i-1]+testPageSize, addr)
			}
		}

		// one entry per refill, start keys from the refill calls
		entries := allEntries(st.Cache(), metaHead)
		require.Len(t, entries, refills)
		for i, entry := range entries {
			assert.Equal(t, fmt.Sprintf("k%03d", i*4), entry.startKey)
		}
	})

	t.Run("Test no duplicate extents across the chain", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 2)

		for i := 0; i < 24; i++ {
			m.Alloc(uint64(i%2), []byte(fmt.Sprintf("k%03d", i)), nil)
		}
		seen := map[uint64]bool{}
		for _, entry := range allEntries(st.Cache(), metaHead) {
			assert.False(t, seen[entry.extentAddr])
			seen[entry.extentAddr] = true
		}
	})

	t.Run("Test metadata page packing is re-derivable", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 2)

		for i := 0; i < 30; i++ {
			m.Alloc(uint64(i%2), []byte(fmt.Sprintf("key%04d", i)), nil)
		}
		for _, snap := range readChain(st.Cache(), metaHead) {
			assert.GreaterOrEqual(t, snap.pos, uint32(metaHdrSize))
			assert.LessOrEqual(t, uint64(snap.pos), testPageSize)

			derived := uint32(metaHdrSize)
			for _, entry := range snap.entries {
				derived += entrySize([]byte(entry.startKey))
			}
			assert.Equal(t, snap.pos, derived)
		}
	})

	t.Run("Test reserve extent is never handed out while live", func(t *testing.T) {
		st := newTestStore(t)
		m, _, _ := newTestAllocator(t, st, 1)

		handedOut := map[uint64]bool{}
		for i := 0; i < 20; i++ {
			var reserve uint64
			page := m.Alloc(0, []byte("k"), &reserve)
			handedOut[page] = true
			assert.False(t, handedOut[reserve], "reserve extent %d was already returned by alloc", reserve)
		}
	})
}

func TestMiniAllocatorConcurrency(t *testing.T) {

	t.Run("Test parallel batches stay monotone and consistent", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 2)

		const allocsPerBatch = 64
		results := [2][]uint64{}
		var eg errgroup.Group
		for batch := uint64(0); batch < 2; batch++ {
			batch := batch
			eg.Go(func() error {
				addrs := make([]uint64, 0, allocsPerBatch)
				for i := 0; i < allocsPerBatch; i++ {
					key := []byte(fmt.Sprintf("b%d-%04d", batch, i))
					addrs = append(addrs, m.Alloc(batch, key, nil))
				}
				results[batch] = addrs
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		for batch := 0; batch < 2; batch++ {
			for i := 1; i < allocsPerBatch; i++ {
				assert.Greater(t, results[batch][i], results[batch][i-1])
				if results[batch][i]%testExtentSize != 0 {
					assert.Equal(t, results[batch][i-1]+testPageSize, results[batch][i])
				}
			}
		}

		// the chain survived the contention intact
		totalEntries := uint32(0)
		for _, snap := range readChain(st.Cache(), metaHead) {
			derived := uint32(metaHdrSize)
			for _, entry := range snap.entries {
				assert.LessOrEqual(t, len(entry.startKey), MaxInlineKeySize)
				derived += entrySize([]byte(entry.startKey))
			}
			assert.Equal(t, snap.pos, derived)
			totalEntries += snap.numEntries
		}
		assert.Equal(t, uint32(2*allocsPerBatch/4), totalEntries)

		seen := map[uint64]bool{}
		for _, entry := range allEntries(st.Cache(), metaHead) {
			assert.False(t, seen[entry.extentAddr])
			seen[entry.extentAddr] = true
		}
	})

	t.Run("Test same batch contention keeps addresses unique", func(t *testing.T) {
		st := newTestStore(t)
		m, _, _ := newTestAllocator(t, st, 1)

		const workers = 4
		const perWorker = 32
		var mu sync.Mutex
		all := map[uint64]int{}

		var eg errgroup.Group
		for w := 0; w < workers; w++ {
			eg.Go(func() error {
				for i := 0; i < perWorker; i++ {
					addr := m.Alloc(0, []byte("k"), nil)
					mu.Lock()
					all[addr]++
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		assert.Len(t, all, workers*perWorker)
		for addr, count := range all {
			assert.Equal(t, 1, count, "address %d handed out twice", addr)
		}
	})
}

func TestMiniAllocatorBulkOps(t *testing.T) {

	t.Run("Test sync and prefetch leave the stream alive", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, root := newTestAllocator(t, st, 1)

		for i := 0; i < 8; i++ {
			page := m.Alloc(0, []byte(fmt.Sprintf("k%d", i)), nil)
			h := st.Cache().Alloc(page, paging.PageTypeData)
			copy(h.Data(), []byte("payload"))
			st.Cache().MarkDirty(h)
			st.Cache().Unlock(h)
			st.Cache().Unclaim(h)
			st.Cache().Unget(h)
		}

		pagesOutstanding := uint64(0)
		Sync(st.Cache(), paging.PageTypeData, metaHead, &pagesOutstanding)
		Prefetch(st.Cache(), paging.PageTypeData, metaHead)

		// a prefetched page is resident without blocking
		h := st.Cache().Get(root, false, paging.PageTypeData)
		require.NotNil(t, h)
		st.Cache().Unget(h)
		assert.Equal(t, uint64(2), ExtentCountInRange(st.Cache(), st.KeyConfig(), paging.PageTypeData, metaHead, nil, nil))
	})

	t.Run("Test extent count tallies pages and live entries", func(t *testing.T) {
		st := newTestStore(t)
		m, metaHead, _ := newTestAllocator(t, st, 1)

		for i := 0; i < 8; i++ {
			m.Alloc(0, []byte(fmt.Sprintf("k%d", i)), nil)
		}
		// one meta page plus two live entries
		assert.Equal(t, uint64(3), ExtentCount(st.Cache(), paging.PageTypeData, metaHead))
	})

	t.Run("Test blind inc keeps the head pinned", func(t *testing.T) {
		st := newTestStore(t)
		_, metaHead, _ := newTestAllocator(t, st, 1)

		h := BlindInc(st.Cache(), metaHead)
		require.NotNil(t, h)
		assert.Equal(t, metaHead, h.Addr())
		BlindRelease(st.Cache(), h)
	})
}
