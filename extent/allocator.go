package extent

import (
	"fmt"
	"math"
	"sync"

	"ember-db/heap"
	"ember-db/utils/freelist"

	"github.com/phuslu/log"
)

// MaxRefcount saturates an extent refcount
const MaxRefcount = uint8(math.MaxUint8)

// growthExtents is how many extents the backing store grows by when
// the free map runs dry
const growthExtents = 8

/*
Allocator hands out whole extents, contiguous runs of pages addressed
by their byte offset in the page address space. Every live extent
carries a refcount:
- AllocExtent returns a fresh extent with refcount 1
- IncRefcount / DecRefcount move it up and down
- at zero the extent returns to the free map and its address may be
  handed out again

Extent 0 is reserved so that address 0 can be used as a nil pointer
by structures that store extent addresses on disk.
*/
type Allocator interface {
	AllocExtent() (uint64, error)
	IncRefcount(addr uint64) uint8
	DecRefcount(addr uint64) uint8
	GetRefcount(addr uint64) uint8
	// InUse reports the number of extents with a non zero refcount
	InUse() uint64
}

type rcAllocator struct {
	logger         log.Logger
	store          heap.PageStore
	pageSize       uint64
	extentSize     uint64
	pagesPerExtent uint64

	mu   sync.Mutex
	free *freelist.BitmapFreeList
	refs []uint8
}

func NewAllocator(logger log.Logger, store heap.PageStore, pageSize uint64, extentSize uint64) (Allocator, error) {
	if extentSize == 0 || extentSize%pageSize != 0 {
		return nil, fmt.Errorf("extent size must be a multiple of the page size")
	}

	al := &rcAllocator{
		logger:         logger,
		store:          store,
		pageSize:       pageSize,
		extentSize:     extentSize,
		pagesPerExtent: extentSize / pageSize,
	}

	slots := store.PageCount() / al.pagesPerExtent
	if slots == 0 {
		if err := store.ExtendBy(int(al.pagesPerExtent)); err != nil {
			return nil, err
		}
		slots = 1
	}
	al.free = freelist.NewBitmapFreeList(slots)
	al.refs = make([]uint8, slots)

	// extent 0 stays reserved forever
	al.free.Reserve(0)

	return al, nil
}

func (al *rcAllocator) slot(addr uint64) uint64 {
	if addr%al.extentSize != 0 {
		panic(fmt.Sprintf("extent: address %d is not extent aligned", addr))
	}
	return addr / al.extentSize
}

func (al *rcAllocator) AllocExtent() (uint64, error) {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.free.Available() == 0 {
		if err := al.store.ExtendBy(int(growthExtents * al.pagesPerExtent)); err != nil {
			al.logger.Error().Err(err).Msg("failed to grow page store for new extents")
			return 0, err
		}
		al.free.Grow(growthExtents)
		al.refs = append(al.refs, make([]uint8, growthExtents)...)
	}

	slots, err := al.free.Get(1)
	if err != nil {
		return 0, err
	}
	al.refs[slots[0]] = 1
	addr := slots[0] * al.extentSize
	al.logger.Debug().Msgf("alloc extent %d", addr)
	return addr, nil
}

func (al *rcAllocator) IncRefcount(addr uint64) uint8 {
	al.mu.Lock()
	defer al.mu.Unlock()

	slot := al.slot(addr)
	if al.refs[slot] == 0 {
		panic(fmt.Sprintf("extent: refcount increment on free extent %d", addr))
	}
	if al.refs[slot] < MaxRefcount {
		al.refs[slot]++
	}
	return al.refs[slot]
}

func (al *rcAllocator) DecRefcount(addr uint64) uint8 {
	al.mu.Lock()
	defer al.mu.Unlock()

	slot := al.slot(addr)
	if al.refs[slot] == 0 {
		panic(fmt.Sprintf("extent: refcount decrement on free extent %d", addr))
	}
	al.refs[slot]--
	if al.refs[slot] == 0 {
		al.free.Release([]uint64{slot})
		al.logger.Debug().Msgf("free extent %d", addr)
	}
	return al.refs[slot]
}

func (al *rcAllocator) GetRefcount(addr uint64) uint8 {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.refs[al.slot(addr)]
}

func (al *rcAllocator) InUse() uint64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	inUse := uint64(0)
	for _, rc := range al.refs {
		if rc != 0 {
			inUse++
		}
	}
	return inUse
}
