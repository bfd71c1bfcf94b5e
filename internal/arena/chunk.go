package arena

import (
	"math/bits"
	"sync"

	"github.com/nativekv/offheapcache/internal/memory"
)

// chunk is one contiguous native region managed as a complete binary
// tree over 2^maxOrder pages (C2). memoryMap[i] holds the minimum
// unallocated depth reachable under node i; depthMap[i] holds node i's
// natural (unallocated) depth and never changes after construction.
//
// Node ids follow the usual 1-indexed complete-binary-tree convention:
// the root is id 1, node i's children are 2i and 2i+1, and a node at
// tree depth d (0 == root) corresponds to a run of pageSize<<(maxOrder-d)
// bytes.
type chunk struct {
	arena *Arena
	region *memory.Region

	pageSize int
	maxOrder int
	chunkSize int

	memoryMap []byte
	depthMap  []byte
	subpages  []*subpage // indexed by memoryMapIdx, nil unless that leaf holds a subpage

	freeBytes int

	// lastHandle is scratch space used by Arena to pass the handle of
	// the allocation it just performed back out of a band scan or a
	// freshly created chunk without a second map lookup.
	lastHandle int64

	unpooled bool
	// unpooledSize is set only for unpooled chunks and equals the
	// single allocation's length.
	unpooledSize int

	// band membership, mutated only under arena.mu.
	band     *usageBand
	bandPrev *chunk
	bandNext *chunk

	// debug-mode outstanding-handle tracking (§ debugChecks). Populated
	// lazily only when the owning arena was built with WithDebugChecks,
	// and guarded by its own mutex rather than arena.mu so it also
	// catches stale frees routed through the per-goroutine thread cache,
	// which never touches arena.mu on its fast path.
	debugMu     sync.Mutex
	outstanding map[int64]struct{}
}

func newPooledChunk(a *Arena, pageSize, maxOrder int) *chunk {
	chunkSize := pageSize << uint(maxOrder)
	numNodes := 1 << uint(maxOrder+1)
	c := &chunk{
		arena:     a,
		region:    memory.NewRegion(chunkSize),
		pageSize:  pageSize,
		maxOrder:  maxOrder,
		chunkSize: chunkSize,
		memoryMap: make([]byte, numNodes),
		depthMap:  make([]byte, numNodes),
		subpages:  make([]*subpage, numNodes),
		freeBytes: chunkSize,
	}
	for id := 1; id < numNodes; id++ {
		d := byte(depthOf(id))
		c.memoryMap[id] = d
		c.depthMap[id] = d
	}
	return c
}

func newUnpooledChunk(a *Arena, size int) *chunk {
	return &chunk{
		arena:        a,
		region:       memory.NewRegion(size),
		chunkSize:    size,
		unpooled:     true,
		unpooledSize: size,
	}
}

func depthOf(id int) int {
	return bits.Len(uint(id)) - 1
}

func (c *chunk) runLength(id int) int {
	return c.pageSize << uint(c.maxOrder-depthOf(id))
}

func (c *chunk) runOffset(id int) int {
	d := depthOf(id)
	siblingsBefore := id - (1 << uint(d))
	return siblingsBefore * c.runLength(id)
}

// usagePercent returns 0-100, rounded up: a chunk with any bytes in
// use reports at least 1.
func (c *chunk) usagePercent() int {
	if c.unpooled {
		return 100
	}
	return 100 - (c.freeBytes*100)/c.chunkSize
}

// allocateRun allocates a contiguous run of normCapacity bytes (>= pageSize).
// Returns -1 if the chunk has no run large enough.
func (c *chunk) allocateRun(normCapacity int) int64 {
	d := c.maxOrder - (log2(normCapacity/c.pageSize))
	id := c.allocateNode(d)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.runLength(id)
	return makeRunHandle(id)
}

// allocateSubpageRun allocates exactly one leaf page (depth == maxOrder)
// to back a brand-new Subpage, as described in §4.2: sub-page requests
// always mint a fresh page; reuse of partially-filled subpages happens
// one level up, in the Arena, before the chunk is ever consulted.
func (c *chunk) allocateSubpageRun() int {
	id := c.allocateNode(c.maxOrder)
	if id < 0 {
		return -1
	}
	return id
}

// allocateNode descends the tree choosing the left child whenever its
// stored depth qualifies (<= d), otherwise the right child; fails if
// neither qualifies. This is the descent spelled out in §4.2.
func (c *chunk) allocateNode(d int) int {
	if c.memoryMap[1] > byte(d) {
		return -1
	}
	id := 1
	for depthOf(id) < d {
		left := id * 2
		right := left + 1
		if c.memoryMap[left] <= byte(d) {
			id = left
		} else if c.memoryMap[right] <= byte(d) {
			id = right
		} else {
			return -1
		}
	}
	c.memoryMap[id] = byte(c.maxOrder + 1)
	c.propagateAfterAlloc(id)
	return id
}

func (c *chunk) propagateAfterAlloc(id int) {
	for id > 1 {
		id >>= 1
		left := c.memoryMap[id*2]
		right := c.memoryMap[id*2+1]
		if left < right {
			c.memoryMap[id] = left
		} else {
			c.memoryMap[id] = right
		}
	}
}

// freeNode restores id's natural depth and collapses ancestors whose
// children are both back to their natural depth, per §4.2.
func (c *chunk) freeNode(id int) {
	c.memoryMap[id] = c.depthMap[id]
	for id > 1 {
		id >>= 1
		leftID, rightID := id*2, id*2+1
		left, right := c.memoryMap[leftID], c.memoryMap[rightID]
		natural := c.depthMap[id]
		if left == c.depthMap[leftID] && right == c.depthMap[rightID] {
			c.memoryMap[id] = natural
		} else if left < right {
			c.memoryMap[id] = left
		} else {
			c.memoryMap[id] = right
		}
	}
}

// debugEnabled reports whether this chunk's arena was built with
// WithDebugChecks. Unpooled chunks are never tracked: allocateHuge does
// not record their handle and Arena.free returns before chunk.free for
// them.
func (c *chunk) debugEnabled() bool {
	return c.arena != nil && c.arena.debugChecks
}

// debugTrackAlloc records handle as outstanding. Called once per
// minted handle, at the point the handle's final form (including any
// subpage bitmap index) is known.
func (c *chunk) debugTrackAlloc(handle int64) {
	if !c.debugEnabled() {
		return
	}
	c.debugMu.Lock()
	if c.outstanding == nil {
		c.outstanding = make(map[int64]struct{})
	}
	c.outstanding[handle] = struct{}{}
	c.debugMu.Unlock()
}

// debugUntrackAlloc removes handle from the outstanding set and panics
// if it was not present, which means the caller is freeing a handle
// this chunk never recorded as allocated, almost always a duplicate
// free of a handle already released once before.
func (c *chunk) debugUntrackAlloc(handle int64) {
	if !c.debugEnabled() {
		return
	}
	c.debugMu.Lock()
	_, ok := c.outstanding[handle]
	if ok {
		delete(c.outstanding, handle)
	}
	c.debugMu.Unlock()
	if !ok {
		panic(&InvalidHandleError{Handle: handle, Reason: "double free: handle was not recorded as outstanding on this chunk"})
	}
}

// free releases the allocation addressed by handle. It returns the
// number of bytes returned to the chunk's free pool (0 if the
// allocation was a subpage slot that did not empty the page).
func (c *chunk) free(handle int64) int {
	c.debugUntrackAlloc(handle)
	memoryMapIdx := handleMemoryMapIdx(handle)
	if handleIsSubpage(handle) {
		sp := c.subpages[memoryMapIdx]
		if sp == nil {
			panic(&InvalidHandleError{Handle: handle, Reason: "subpage slot freed but no subpage is installed at that leaf"})
		}
		bitmapIdx := handleBitmapIdx(handle)
		var pool *subpagePool
		if c.arena != nil {
			if sp.sizeClass == classTiny {
				pool = c.arena.tinyPools[sp.classIdx]
			} else {
				pool = c.arena.smallPools[sp.classIdx]
			}
		}
		stillInUse := sp.free(bitmapIdx)
		if stillInUse {
			if pool != nil && sp.prev == nil {
				pool.pushFront(sp) // was full and unlinked; has a free slot again
			}
			return 0
		}
		if pool != nil && sp.prev != nil {
			pool.remove(sp)
		}
		c.subpages[memoryMapIdx] = nil
		c.freeNode(memoryMapIdx)
		freed := c.runLength(memoryMapIdx)
		c.freeBytes += freed
		return freed
	}
	c.freeNode(memoryMapIdx)
	freed := c.runLength(memoryMapIdx)
	c.freeBytes += freed
	return freed
}

// installSubpage records a freshly created subpage at its owning leaf.
func (c *chunk) installSubpage(memoryMapIdx int, sp *subpage) {
	c.subpages[memoryMapIdx] = sp
}

// bufView returns the offset into the chunk's region and the length of
// the full run/slot that handle addresses; a ByteBuf uses the length as
// its maxLength, which can exceed the bytes actually written.
func (c *chunk) bufView(handle int64) (offset, maxLength int) {
	if c.unpooled {
		return 0, c.unpooledSize
	}
	memoryMapIdx := handleMemoryMapIdx(handle)
	if handleIsSubpage(handle) {
		sp := c.subpages[memoryMapIdx]
		bitmapIdx := handleBitmapIdx(handle)
		return sp.pageOffset + bitmapIdx*sp.elemSize, sp.elemSize
	}
	return c.runOffset(memoryMapIdx), c.runLength(memoryMapIdx)
}

func log2(n int) int {
	return bits.Len(uint(n)) - 1
}
