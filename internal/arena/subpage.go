package arena

import "math/bits"

// subpage splits one page of a chunk into fixed-size elements for
// small allocations (C3). Free slots are tracked with a bitmap; the
// subpage is linked into its owning arena's size-class list
// (tinyPools/smallPools) whenever at least one slot is free, and
// unlinks itself once full or once its last slot is freed.
type subpage struct {
	chunk        *chunk
	memoryMapIdx int
	pageOffset   int
	pageSize     int
	elemSize     int
	maxNumElems  int
	bitmap       []uint64
	numAvail     int

	// doNotDestroy is true exactly while at least one slot is
	// allocated; it mirrors whether this subpage currently owns its
	// backing page (false means the page has been returned to the
	// tree and this subpage object is dead).
	doNotDestroy bool

	classIdx  int // index into the arena's per-class pool this subpage lives in
	sizeClass sizeClassKind

	// intrusive doubly-linked list within the arena's size-class pool
	prev, next *subpage
}

type sizeClassKind int

const (
	classTiny sizeClassKind = iota
	classSmall
)

func newSubpage(c *chunk, memoryMapIdx, pageOffset, pageSize, elemSize, classIdx int, kind sizeClassKind) *subpage {
	maxNumElems := pageSize / elemSize
	sp := &subpage{
		chunk:        c,
		memoryMapIdx: memoryMapIdx,
		pageOffset:   pageOffset,
		pageSize:     pageSize,
		elemSize:     elemSize,
		maxNumElems:  maxNumElems,
		bitmap:       make([]uint64, (maxNumElems+63)/64),
		numAvail:     maxNumElems,
		doNotDestroy: true,
		classIdx:     classIdx,
		sizeClass:    kind,
	}
	c.installSubpage(memoryMapIdx, sp)
	return sp
}

// allocate returns the first free bitmap slot and marks it taken.
// Callers must have already verified numAvail > 0.
func (sp *subpage) allocate() int {
	idx := sp.firstFreeBit()
	sp.setBit(idx)
	sp.numAvail--
	return idx
}

// free clears bitIdx. It returns true while the subpage still has
// slots in use (the caller should leave the page allocated); it
// returns false once the last slot has been released, at which point
// the caller is responsible for unlinking the subpage and returning
// its page to the chunk's tree.
func (sp *subpage) free(bitIdx int) bool {
	sp.clearBit(bitIdx)
	sp.numAvail++
	if sp.numAvail == sp.maxNumElems {
		sp.doNotDestroy = false
		return false
	}
	return true
}

func (sp *subpage) full() bool { return sp.numAvail == 0 }

func (sp *subpage) firstFreeBit() int {
	for word := range sp.bitmap {
		if sp.bitmap[word] != ^uint64(0) {
			bit := bits.TrailingZeros64(^sp.bitmap[word])
			idx := word*64 + bit
			if idx < sp.maxNumElems {
				return idx
			}
		}
	}
	panic("arena: subpage.firstFreeBit called with no free slots")
}

func (sp *subpage) setBit(idx int)   { sp.bitmap[idx/64] |= 1 << uint(idx%64) }
func (sp *subpage) clearBit(idx int) { sp.bitmap[idx/64] &^= 1 << uint(idx%64) }
