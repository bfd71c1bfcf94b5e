package arena

import (
	"sync"

	"go.uber.org/zap"
)

// Arena aggregates chunks into the six utilization bands and holds the
// tiny/small size-class subpage free lists (C4). One mutex serializes
// every cross-thread allocate/free that cannot be satisfied from a
// ThreadCache; arenas are otherwise fully independent, so no thread
// ever holds two arena locks at once.
type Arena struct {
	id         int
	pageSize   int
	maxOrder   int
	chunkSize  int
	chunkBudget int // max chunks this arena may create

	logger      *zap.Logger
	metrics     *Metrics
	debugChecks bool

	mu sync.Mutex

	qInit, q000, q025, q050, q075, q100 *usageBand
	allBands  []*usageBand
	allocOrder []*usageBand

	tinyPools  []*subpagePool
	smallPools []*subpagePool

	chunkCount int

	cachePool sync.Pool

	cacheMu    sync.Mutex
	liveCaches []*threadCache
}

// newArena constructs one arena. chunkBudget caps the number of pooled
// chunks it may create (huge/unpooled allocations are never counted
// against the budget, matching §4.4 step 4).
func newArena(id, pageSize, maxOrder, chunkBudget int, logger *zap.Logger, metrics *Metrics, debugChecks bool) *Arena {
	a := &Arena{
		id:          id,
		pageSize:    pageSize,
		maxOrder:    maxOrder,
		chunkSize:   pageSize << uint(maxOrder),
		chunkBudget: chunkBudget,
		logger:      logger,
		metrics:     metrics,
		debugChecks: debugChecks,
	}

	a.qInit = newUsageBand("qInit", 0, 25)
	a.q000 = newUsageBand("q000", 1, 50)
	a.q025 = newUsageBand("q025", 25, 75)
	a.q050 = newUsageBand("q050", 50, 100)
	a.q075 = newUsageBand("q075", 75, 100)
	a.q100 = newUsageBand("q100", 100, 100)
	a.allBands = []*usageBand{a.qInit, a.q000, a.q025, a.q050, a.q075, a.q100}

	// Chain order qInit -> q000 -> q025 -> q050 -> q075 -> q100. Both
	// qInit and q000 deliberately have a nil prevBand (see band.go).
	a.qInit.nextBand = a.q000
	a.q000.nextBand = a.q025
	a.q025.prevBand, a.q025.nextBand = a.q000, a.q050
	a.q050.prevBand, a.q050.nextBand = a.q025, a.q075
	a.q075.prevBand, a.q075.nextBand = a.q050, a.q100
	a.q100.prevBand = a.q075
	// §9 open question: preserve this exact order — it favors
	// already-busy-but-not-saturated chunks for locality without
	// excluding brand-new ones.
	a.allocOrder = []*usageBand{a.q050, a.q025, a.q000, a.qInit, a.q075, a.q100}

	a.tinyPools = make([]*subpagePool, tinyClassCount)
	for i := range a.tinyPools {
		a.tinyPools[i] = newSubpagePool()
	}
	a.smallPools = make([]*subpagePool, smallClassCount(pageSize))
	for i := range a.smallPools {
		a.smallPools[i] = newSubpagePool()
	}

	a.cachePool.New = func() interface{} { return a.newRegisteredThreadCache() }

	return a
}

func (a *Arena) newRegisteredThreadCache() *threadCache {
	tc := newThreadCache(a)
	a.cacheMu.Lock()
	a.liveCaches = append(a.liveCaches, tc)
	a.cacheMu.Unlock()
	return tc
}

// getThreadCache borrows a threadCache for the duration of one
// allocate/free call.
func (a *Arena) getThreadCache() *threadCache {
	return a.cachePool.Get().(*threadCache)
}

func (a *Arena) putThreadCache(tc *threadCache) {
	a.cachePool.Put(tc)
}

// trimCaches drains every thread cache this arena has ever handed out,
// returning their held allocations to the real free lists.
func (a *Arena) trimCaches() {
	a.cacheMu.Lock()
	caches := append([]*threadCache(nil), a.liveCaches...)
	a.cacheMu.Unlock()
	for _, tc := range caches {
		tc.trim()
	}
}

func (a *Arena) poolFor(normCapacity int) (*subpagePool, int, sizeClassKind) {
	if isTiny(normCapacity) {
		idx := tinyClassIndex(normCapacity)
		return a.tinyPools[idx], idx, classTiny
	}
	idx := smallClassIndex(normCapacity)
	return a.smallPools[idx], idx, classSmall
}

// allocate serves reqCapacity bytes, consulting cache first for the
// sub-page/normal fast paths, falling back to the arena lock, and
// finally to a brand-new or unpooled chunk. It never touches the OS
// allocator beyond the make calls needed to mint a new chunk (its
// backing Region and tree arrays) — Go has no separate "OS allocator" hook to
// avoid, so "hot path never calls the OS allocator" here means: never
// allocates a new chunk when an existing one has room.
func (a *Arena) allocate(cache *threadCache, reqCapacity int) (*ByteBuf, error) {
	normCapacity := normalizeCapacity(reqCapacity, a.chunkSize)

	switch {
	case normCapacity >= a.chunkSize:
		return a.allocateHuge(normCapacity, reqCapacity)
	case isSubpageSize(normCapacity, a.pageSize):
		return a.allocateSubpage(cache, normCapacity, reqCapacity)
	default:
		return a.allocateNormal(cache, normCapacity, reqCapacity)
	}
}

func (a *Arena) allocateHuge(normCapacity, reqCapacity int) (*ByteBuf, error) {
	c := newUnpooledChunk(a, normCapacity)
	if a.metrics != nil {
		a.metrics.allocations.WithLabelValues("huge").Inc()
	}
	return newByteBuf(c, makeRunHandle(0), reqCapacity, true), nil
}

func (a *Arena) allocateSubpage(cache *threadCache, normCapacity, reqCapacity int) (*ByteBuf, error) {
	kind := classTiny
	if isSmall(normCapacity, a.pageSize) {
		kind = classSmall
	}
	if cache != nil {
		if h, c, ok := cache.popSubpage(kind, normCapacity); ok {
			if a.metrics != nil {
				a.metrics.allocations.WithLabelValues(classLabel(kind)).Inc()
			}
			return newByteBuf(c, h, reqCapacity, false), nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pool, classIdx, _ := a.poolFor(normCapacity)
	if sp := pool.head(); sp != nil {
		bitmapIdx := sp.allocate()
		if sp.full() {
			pool.remove(sp)
		}
		h := makeSubpageHandle(sp.memoryMapIdx, bitmapIdx)
		sp.chunk.debugTrackAlloc(h)
		a.afterMutate(sp.chunk)
		if a.metrics != nil {
			a.metrics.allocations.WithLabelValues(classLabel(kind)).Inc()
		}
		return newByteBuf(sp.chunk, h, reqCapacity, false), nil
	}

	c, err := a.ensureChunkLocked(func(c *chunk) int64 {
		leafID := c.allocateSubpageRun()
		if leafID < 0 {
			return -1
		}
		offset := c.runOffset(leafID)
		sp := newSubpage(c, leafID, offset, a.pageSize, normCapacity, classIdx, kind)
		if !sp.full() {
			pool.pushFront(sp)
		}
		c.freeBytes -= a.pageSize
		return makeSubpageHandle(leafID, sp.allocate())
	})
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.allocations.WithLabelValues(classLabel(kind)).Inc()
	}
	lastHandle := c.lastHandle
	c.debugTrackAlloc(lastHandle)
	a.afterMutate(c)
	return newByteBuf(c, lastHandle, reqCapacity, false), nil
}

func (a *Arena) allocateNormal(cache *threadCache, normCapacity, reqCapacity int) (*ByteBuf, error) {
	if cache != nil {
		if h, c, ok := cache.popNormal(normCapacity); ok {
			if a.metrics != nil {
				a.metrics.allocations.WithLabelValues("normal").Inc()
			}
			return newByteBuf(c, h, reqCapacity, false), nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, band := range a.allocOrder {
		var found *chunk
		var handle int64 = -1
		band.forEach(func(c *chunk) bool {
			if h := c.allocateRun(normCapacity); h >= 0 {
				found, handle = c, h
				return false
			}
			return true
		})
		if found != nil {
			found.debugTrackAlloc(handle)
			a.afterMutate(found)
			if a.metrics != nil {
				a.metrics.allocations.WithLabelValues("normal").Inc()
			}
			return newByteBuf(found, handle, reqCapacity, false), nil
		}
	}

	c, err := a.ensureChunkLocked(func(c *chunk) int64 {
		return c.allocateRun(normCapacity)
	})
	if err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.allocations.WithLabelValues("normal").Inc()
	}
	h := c.lastHandle
	c.debugTrackAlloc(h)
	a.afterMutate(c)
	return newByteBuf(c, h, reqCapacity, false), nil
}

// ensureChunkLocked creates a fresh chunk, admits it to qInit, and
// retries try on it. Must be called with a.mu held.
func (a *Arena) ensureChunkLocked(try func(*chunk) int64) (*chunk, error) {
	if a.chunkBudget > 0 && a.chunkCount >= a.chunkBudget {
		if a.metrics != nil {
			a.metrics.allocFailures.Inc()
		}
		return nil, &AllocationFailureError{Requested: a.chunkSize, ArenaID: a.id}
	}
	c := newPooledChunk(a, a.pageSize, a.maxOrder)
	h := try(c)
	if h < 0 {
		if a.metrics != nil {
			a.metrics.allocFailures.Inc()
		}
		return nil, &AllocationFailureError{Requested: a.chunkSize, ArenaID: a.id}
	}
	c.lastHandle = h
	a.chunkCount++
	a.qInit.pushFront(c)
	if a.logger != nil {
		a.logger.Debug("arena: created chunk", zap.Int("arena", a.id), zap.Int("chunk_size", a.chunkSize))
	}
	return c, nil
}

// afterMutate recomputes c's band membership and destroys it if it has
// fallen below q000's minimum usage (the only path that returns native
// memory to the OS allocator under normal operation, per §5).
func (a *Arena) afterMutate(c *chunk) {
	switch rebalance(c) {
	case moveDestroy:
		a.chunkCount--
		if a.logger != nil {
			a.logger.Debug("arena: destroyed chunk below q000 watermark", zap.Int("arena", a.id))
		}
		// c is already unlinked from every band by rebalance(); once
		// the caller drops its reference the Go GC reclaims the
		// backing Region, which is this system's only "return to the
		// OS" path.
	case moveRelocated, moveStayed:
	}
}

// free releases handle back to c, offering it to cache first when the
// chunk is pooled (the thread-cache fast path) and otherwise taking
// the arena lock.
func (a *Arena) free(cache *threadCache, c *chunk, handle int64) {
	if c.unpooled {
		if a.logger != nil {
			a.logger.Debug("arena: destroyed unpooled chunk", zap.Int("arena", a.id))
		}
		return
	}

	if cache != nil && cache.offer(c, handle) {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	c.free(handle)
	a.afterMutate(c)
}

// snapshot computes this arena's point-in-time byte usage and per-band
// chunk counts. Takes a.mu, same as any other cross-thread accessor.
func (a *Arena) snapshot() (bytesUsed, bytesCapacity int, chunksPerBand map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	chunksPerBand = make(map[string]int, len(a.allBands))
	for _, band := range a.allBands {
		n := 0
		used := 0
		band.forEach(func(c *chunk) bool {
			n++
			bytesCapacity += c.chunkSize
			used += c.chunkSize - c.freeBytes
			return true
		})
		chunksPerBand[band.name] = n
		bytesUsed += used
	}
	return bytesUsed, bytesCapacity, chunksPerBand
}

func classLabel(k sizeClassKind) string {
	if k == classTiny {
		return "tiny"
	}
	return "small"
}
