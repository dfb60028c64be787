package freelist

import (
	"fmt"
	"math/bits"
)

var ErrNoFreeSlots = fmt.Errorf("no free slots available")

// FreeList hands out slot numbers, lowest free slot first
type FreeList interface {
	Get(count uint64) ([]uint64, error)
	Release(slots []uint64)
	// Reserve marks a specific slot used, returns false if already taken
	Reserve(slot uint64) bool
	IsFree(slot uint64) bool
	Available() uint64
	Grow(slots uint64)
	Len() uint64
}

// BitmapFreeList tracks one bit per slot, set bit = used slot
type BitmapFreeList struct {
	bitmap []byte
	size   uint64
	free   uint64
}

func NewBitmapFreeList(slots uint64) *BitmapFreeList {
	return &BitmapFreeList{
		bitmap: make([]byte, (slots+7)/8),
		size:   slots,
		free:   slots,
	}
}

func (fl *BitmapFreeList) Get(count uint64) ([]uint64, error) {
	if count > fl.free {
		return nil, ErrNoFreeSlots
	}
	slots := make([]uint64, 0, count)
	for i := range fl.bitmap {
		for fl.bitmap[i] != 0xff {
			bit := uint64(bits.TrailingZeros8(^fl.bitmap[i]))
			slot := uint64(i)*8 + bit
			if slot >= fl.size {
				break
			}
			fl.bitmap[i] |= 1 << bit
			fl.free--
			slots = append(slots, slot)
			if uint64(len(slots)) == count {
				return slots, nil
			}
		}
	}
	// count <= free so the scan above always fills the request
	return slots, nil
}

func (fl *BitmapFreeList) Release(slots []uint64) {
	for _, slot := range slots {
		if slot >= fl.size {
			continue
		}
		mask := byte(1) << (slot % 8)
		if fl.bitmap[slot/8]&mask != 0 {
			fl.bitmap[slot/8] &^= mask
			fl.free++
		}
	}
}

func (fl *BitmapFreeList) Reserve(slot uint64) bool {
	if slot >= fl.size || !fl.IsFree(slot) {
		return false
	}
	fl.bitmap[slot/8] |= 1 << (slot % 8)
	fl.free--
	return true
}

func (fl *BitmapFreeList) IsFree(slot uint64) bool {
	if slot >= fl.size {
		return false
	}
	return fl.bitmap[slot/8]&(1<<(slot%8)) == 0
}

func (fl *BitmapFreeList) Available() uint64 {
	return fl.free
}

func (fl *BitmapFreeList) Grow(slots uint64) {
	newSize := fl.size + slots
	needed := (newSize + 7) / 8
	for uint64(len(fl.bitmap)) < needed {
		fl.bitmap = append(fl.bitmap, 0)
	}
	fl.size = newSize
	fl.free += slots
}

func (fl *BitmapFreeList) Len() uint64 {
	return fl.size
}
