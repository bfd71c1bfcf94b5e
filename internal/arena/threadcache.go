package arena

import "sync"

// cacheSlot holds one allocation a threadCache is holding onto for
// reuse, not yet returned to its owning chunk.
type cacheSlot struct {
	c      *chunk
	handle int64
}

// sizeClassCache is a small bounded ring buffer of cacheSlots for one
// size class. Capacity is fixed at construction; offers past capacity
// are rejected and the caller falls back to the arena lock instead.
type sizeClassCache struct {
	slots []cacheSlot
	head  int
	count int
}

func newSizeClassCache(capacity int) *sizeClassCache {
	return &sizeClassCache{slots: make([]cacheSlot, capacity)}
}

func (s *sizeClassCache) pop() (cacheSlot, bool) {
	if s.count == 0 {
		return cacheSlot{}, false
	}
	tail := (s.head - s.count + len(s.slots)) % len(s.slots)
	slot := s.slots[tail]
	s.count--
	return slot, true
}

func (s *sizeClassCache) push(slot cacheSlot) bool {
	if s.count == len(s.slots) {
		return false
	}
	s.slots[s.head] = slot
	s.head = (s.head + 1) % len(s.slots)
	s.count++
	return true
}

func (s *sizeClassCache) drain(f func(cacheSlot)) {
	for {
		slot, ok := s.pop()
		if !ok {
			return
		}
		f(slot)
	}
}

// defaultSlotsPerClass bounds how many freed allocations of one exact
// size a threadCache holds before spilling back to the arena lock.
const defaultSlotsPerClass = 32

// threadCache is the per-goroutine fast path from §4.5: a bounded set
// of recently-freed allocations, keyed by normalized capacity, that a
// later allocate() call can reuse without ever taking the arena lock.
//
// Go has no true thread-local storage and goroutines migrate across Ms
// freely, so instead of pinning a cache to an OS thread the way Netty
// pins one to a Java thread, Arena hands a threadCache out of a
// sync.Pool for the span of a single NewBuffer/Release call and
// returns it immediately after. sync.Pool's per-P free list gives
// "usually the same cache, occasionally a different one" — the same
// approximate stickiness Netty relies on ThreadLocal for — without any
// unsafe affinity tricks.
type threadCache struct {
	arena *Arena

	mu     sync.Mutex
	tiny   []*sizeClassCache // indexed by tinyClassIndex
	small  []*sizeClassCache // indexed by smallClassIndex
	normal map[int]*sizeClassCache
}

func newThreadCache(a *Arena) *threadCache {
	tc := &threadCache{
		arena:  a,
		tiny:   make([]*sizeClassCache, tinyClassCount),
		small:  make([]*sizeClassCache, smallClassCount(a.pageSize)),
		normal: make(map[int]*sizeClassCache),
	}
	for i := range tc.tiny {
		tc.tiny[i] = newSizeClassCache(defaultSlotsPerClass)
	}
	for i := range tc.small {
		tc.small[i] = newSizeClassCache(defaultSlotsPerClass)
	}
	return tc
}

func (tc *threadCache) popSubpage(kind sizeClassKind, normCapacity int) (int64, *chunk, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var pool *sizeClassCache
	if kind == classTiny {
		pool = tc.tiny[tinyClassIndex(normCapacity)]
	} else {
		pool = tc.small[smallClassIndex(normCapacity)]
	}
	slot, ok := pool.pop()
	if !ok {
		return 0, nil, false
	}
	return slot.handle, slot.c, true
}

func (tc *threadCache) popNormal(normCapacity int) (int64, *chunk, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	pool, ok := tc.normal[normCapacity]
	if !ok {
		return 0, nil, false
	}
	slot, ok := pool.pop()
	if !ok {
		return 0, nil, false
	}
	return slot.handle, slot.c, true
}

// offer tries to stash a freed allocation for reuse without touching
// the chunk's free list at all — the memory stays allocated from the
// chunk's point of view until either this cache reissues it or trim
// drains it back to the arena. It returns false (no room, or the
// handle addresses a leaf whose subpage already vanished) when the
// caller must fall back to releasing through the arena lock.
func (tc *threadCache) offer(c *chunk, handle int64) bool {
	memoryMapIdx := handleMemoryMapIdx(handle)

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if handleIsSubpage(handle) {
		sp := c.subpages[memoryMapIdx]
		if sp == nil {
			return false
		}
		var pool *sizeClassCache
		if sp.sizeClass == classTiny {
			pool = tc.tiny[sp.classIdx]
		} else {
			pool = tc.small[sp.classIdx]
		}
		return pool.push(cacheSlot{c: c, handle: handle})
	}

	normCapacity := c.runLength(memoryMapIdx)
	pool, ok := tc.normal[normCapacity]
	if !ok {
		pool = newSizeClassCache(defaultSlotsPerClass)
		tc.normal[normCapacity] = pool
	}
	return pool.push(cacheSlot{c: c, handle: handle})
}

// trim releases every slot this cache is holding back to its owning
// arena, taking the arena lock once per slot. A background goroutine
// calls this periodically (Allocator's trim interval) so an idle
// thread cache doesn't pin chunks at an artificially high utilization
// indefinitely.
func (tc *threadCache) trim() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	release := func(slot cacheSlot) {
		tc.arena.mu.Lock()
		slot.c.free(slot.handle)
		tc.arena.afterMutate(slot.c)
		tc.arena.mu.Unlock()
	}
	for _, pool := range tc.tiny {
		pool.drain(release)
	}
	for _, pool := range tc.small {
		pool.drain(release)
	}
	for _, pool := range tc.normal {
		pool.drain(release)
	}
}
