package offheapcache

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nativekv/offheapcache/internal/arena"
)

const (
	defaultConcurrency   = 16
	defaultLoadFactor    = 0.75
	defaultEvictionBatch = 4
	defaultMaxRetries    = 1
)

// Config controls Cache construction, per §6's recognized options.
type Config struct {
	// MaxMemorySize is the total off-heap budget passed to the allocator.
	MaxMemorySize int64
	// Concurrency is the segment count (rounded up to a power of two, capped at 65536).
	Concurrency int
	// InitialCapacity is the total bucket count across segments.
	InitialCapacity int
	// LoadFactor is each segment's rehash threshold. Defaults to 0.75.
	LoadFactor float64
}

// Option customizes a Cache at construction time.
type Option func(*Cache)

// WithLogger attaches a zap.Logger. The Cache passes it to the
// allocator, which logs chunk creation and destruction at debug level,
// and syncs it on Close; eviction and rehash are not logged.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithTracer attaches an OpenTelemetry tracer. Set is wrapped in a span
// and the allocator spans each buffer allocation; Get and Remove are
// not traced.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Cache) { c.tracer = tracer }
}

// WithEvictionPolicy overrides the default LRU eviction policy.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *Cache) { c.evictionPolicy = p }
}

// WithMetrics registers a Prometheus collector the allocator reports
// arena-level metrics into.
func WithMetrics(m *arena.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithDebugChecks enables extra runtime invariant checks (e.g.
// double-free detection) at some cost to throughput.
func WithDebugChecks(enabled bool) Option {
	return func(c *Cache) { c.debugChecks = enabled }
}

// WithTrimInterval overrides how often idle thread caches are drained
// back to their arenas. A negative value disables the background
// trimmer.
func WithTrimInterval(d time.Duration) Option {
	return func(c *Cache) { c.trimInterval = d }
}

// WithMaxRetries overrides how many times Set invokes the eviction
// policy and retries an allocation that failed with
// ErrAllocationFailure before giving up.
func WithMaxRetries(n int) Option {
	return func(c *Cache) { c.maxRetries = n }
}

func nonZeroFloat(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
