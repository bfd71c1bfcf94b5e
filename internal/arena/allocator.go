// Package arena implements the pooled, off-heap-style byte allocator
// described by C1-C6: a fixed number of Arenas, each tracking its
// chunks across six utilization bands and serving tiny/small
// allocations from size-class subpage pools, with a per-call thread
// cache fast path in front of every arena.
package arena

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPageSize         = 8192
	defaultMaxOrder         = 11 // chunkSize = pageSize << maxOrder = 16 MiB
	defaultArenaMultiplier  = 2  // arenas = defaultArenaMultiplier * GOMAXPROCS
	defaultTrimInterval     = 30 * time.Second
	defaultTraceSpanName    = "offheapcache.arena"
)

// Config controls Allocator construction. Zero values are replaced
// with the defaults noted per field.
type Config struct {
	// PageSize is the smallest unit a chunk's buddy tree allocates.
	// Defaults to 8 KiB.
	PageSize int
	// MaxOrder sets each chunk's size to PageSize<<MaxOrder. Defaults
	// to 11 (16 MiB chunks at the default page size).
	MaxOrder int
	// NumArenas is how many independent arenas to stripe load across.
	// Defaults to 2*runtime.GOMAXPROCS(0).
	NumArenas int
	// ArenaChunkBudget caps how many chunks each arena may create (0
	// means unbounded, unless TotalCapacity is set). Total capacity is
	// NumArenas*ArenaChunkBudget*chunkSize.
	ArenaChunkBudget int
	// TotalCapacity, if set and ArenaChunkBudget is 0, derives
	// ArenaChunkBudget as ceil(TotalCapacity / (NumArenas * chunkSize)),
	// per §6's allocator construction rule.
	TotalCapacity int64
	// TrimInterval is how often the background goroutine drains idle
	// thread caches back to their arenas. Defaults to 30s; a negative
	// value disables the background trimmer entirely.
	TrimInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxOrder <= 0 {
		c.MaxOrder = defaultMaxOrder
	}
	if c.NumArenas <= 0 {
		c.NumArenas = defaultArenaMultiplier * runtime.GOMAXPROCS(0)
	}
	if c.TrimInterval == 0 {
		c.TrimInterval = defaultTrimInterval
	}
	if c.ArenaChunkBudget == 0 && c.TotalCapacity > 0 {
		chunkSize := int64(c.PageSize) << uint(c.MaxOrder)
		allArenasChunk := int64(c.NumArenas) * chunkSize
		c.ArenaChunkBudget = int((c.TotalCapacity + allArenasChunk - 1) / allArenasChunk)
		if c.ArenaChunkBudget < 1 {
			c.ArenaChunkBudget = 1
		}
	}
	return c
}

// Option customizes an Allocator at construction time.
type Option func(*Allocator)

// WithLogger attaches a zap.Logger. Allocator is silent without one.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// WithTracer attaches an OpenTelemetry tracer used to wrap each
// NewBuffer call in a span; Release is not traced. Allocator does not
// create spans without one.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Allocator) { a.tracer = tracer }
}

// WithMetrics registers a prometheus.Collector-compatible Metrics
// instance that every arena reports into.
func WithMetrics(m *Metrics) Option {
	return func(a *Allocator) { a.metrics = m }
}

// WithDebugChecks enables extra bookkeeping (currently: validating that
// a released handle belongs to the chunk it claims to) at the cost of
// extra allocations per call. Off by default, since Go has no
// release/debug build distinction to gate this on for free.
func WithDebugChecks(enabled bool) Option {
	return func(a *Allocator) { a.debugChecks = enabled }
}

// affinity is the per-goroutine-ish arena assignment: which arena index
// a caller was last routed to. Like threadCache, it is handed out of a
// sync.Pool rather than pinned to anything, so "sticky" means "usually
// the same index, occasionally not" rather than a hard guarantee.
type affinity struct {
	idx int
}

// Allocator is the facade over a fixed set of Arenas (C6). Callers get
// a ByteBuf from NewBuffer and must eventually call Release exactly
// once; Allocator routes each call to one arena and, within it, through
// a borrowed thread cache.
type Allocator struct {
	arenas []*Arena

	logger      *zap.Logger
	tracer      trace.Tracer
	metrics     *Metrics
	debugChecks bool

	next         atomic.Uint64
	affinityPool sync.Pool

	trimInterval time.Duration
	cancelTrim   context.CancelFunc
	trimGroup    *errgroup.Group
}

// New builds an Allocator per cfg and starts its background trim loop
// unless cfg.TrimInterval is negative.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	cfg = cfg.withDefaults()
	if cfg.PageSize <= 0 || cfg.MaxOrder <= 0 || cfg.NumArenas <= 0 {
		return nil, ErrConfigError
	}

	a := &Allocator{
		trimInterval: cfg.TrimInterval,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.arenas = make([]*Arena, cfg.NumArenas)
	for i := range a.arenas {
		a.arenas[i] = newArena(i, cfg.PageSize, cfg.MaxOrder, cfg.ArenaChunkBudget, a.logger, a.metrics, a.debugChecks)
	}
	if a.metrics != nil {
		a.metrics.attachSource(a.Stats)
	}
	a.affinityPool.New = func() interface{} {
		return &affinity{idx: int(a.next.Inc()) % len(a.arenas)}
	}

	if a.trimInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelTrim = cancel
		g, gctx := errgroup.WithContext(ctx)
		a.trimGroup = g
		g.Go(func() error { return a.runTrimLoop(gctx) })
	}

	return a, nil
}

func (a *Allocator) runTrimLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.trimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, arena := range a.arenas {
				arena.trimCaches()
			}
		}
	}
}

// NewBuffer allocates a ByteBuf able to hold reqCapacity bytes. It
// takes no initial contents: the buffer starts empty (Len 0) and the
// caller fills it with Write.
func (a *Allocator) NewBuffer(ctx context.Context, reqCapacity int) (*ByteBuf, error) {
	if reqCapacity < 0 {
		return nil, ErrConfigError
	}

	var span trace.Span
	if a.tracer != nil {
		_, span = a.tracer.Start(ctx, defaultTraceSpanName)
		defer span.End()
	}

	aff := a.affinityPool.Get().(*affinity)
	defer a.affinityPool.Put(aff)
	arenaInst := a.arenas[aff.idx]

	tc := arenaInst.getThreadCache()
	defer arenaInst.putThreadCache(tc)

	buf, err := arenaInst.allocate(tc, reqCapacity)
	if err != nil && span != nil {
		span.RecordError(err)
	}
	return buf, err
}

// Release returns buf's memory to its arena, offering it to a borrowed
// thread cache first. Releasing the same ByteBuf twice panics with an
// InvalidHandleError.
func (a *Allocator) Release(buf *ByteBuf) {
	if !buf.markDisposed() {
		panic(&InvalidHandleError{Handle: buf.handle, Reason: "buffer released twice"})
	}
	c, handle := buf.identity()
	if buf.unpooled {
		return
	}

	arenaInst := c.arena
	tc := arenaInst.getThreadCache()
	defer arenaInst.putThreadCache(tc)
	arenaInst.free(tc, c, handle)
}

// Close stops the background trim loop and performs one final trim of
// every arena so no thread cache is left holding memory.
func (a *Allocator) Close() error {
	if a.cancelTrim != nil {
		a.cancelTrim()
		_ = a.trimGroup.Wait()
	}
	for _, arenaInst := range a.arenas {
		arenaInst.trimCaches()
	}
	return nil
}

// AllocatorStats is a point-in-time snapshot of allocator-wide byte
// usage and band occupancy, for callers that want a plain value rather
// than running a Prometheus scrape loop against Metrics.
type AllocatorStats struct {
	NumArenas     int
	BytesUsed     int64
	BytesCapacity int64
	ChunksPerBand map[string]int64
}

// Stats walks every arena under its lock and returns a merged snapshot.
// It is safe to call concurrently with allocation traffic but is not
// cheap, since it takes every arena's lock in turn. Metrics.Collect
// calls it once per scrape.
func (a *Allocator) Stats() AllocatorStats {
	stats := AllocatorStats{
		NumArenas:     len(a.arenas),
		ChunksPerBand: make(map[string]int64),
	}
	for _, arenaInst := range a.arenas {
		used, capacity, perBand := arenaInst.snapshot()
		stats.BytesUsed += int64(used)
		stats.BytesCapacity += int64(capacity)
		for band, n := range perBand {
			stats.ChunksPerBand[band] += int64(n)
		}
	}
	return stats
}
