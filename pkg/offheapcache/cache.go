package offheapcache

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nativekv/offheapcache/internal/arena"
	"github.com/nativekv/offheapcache/internal/store"
)

// Cache is the collaborator-facing facade (§6's public API) over the
// pooled allocator and the segmented concurrent index: Set, Get,
// Remove, Exists, Size, Clear, Range. It owns serialization of
// arbitrary Go values to bytes; the core underneath only ever sees
// opaque keys and byte-backed value entries.
type Cache struct {
	alloc *arena.Allocator
	index *store.Map

	evictionPolicy EvictionPolicy
	maxRetries     int

	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *arena.Metrics
	debugChecks  bool
	trimInterval time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New builds a Cache per cfg.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.LoadFactor < 0 || cfg.Concurrency < 0 || cfg.InitialCapacity < 0 || cfg.MaxMemorySize < 0 {
		return nil, ErrConfigError
	}

	c := &Cache{
		evictionPolicy: NewLRUEvictionPolicy(defaultEvictionBatch),
		maxRetries:     defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(c)
	}

	allocCfg := arena.Config{TotalCapacity: cfg.MaxMemorySize}
	if c.trimInterval != 0 {
		allocCfg.TrimInterval = c.trimInterval
	}

	var allocOpts []arena.Option
	if c.logger != nil {
		allocOpts = append(allocOpts, arena.WithLogger(c.logger))
	}
	if c.tracer != nil {
		allocOpts = append(allocOpts, arena.WithTracer(c.tracer))
	}
	if c.metrics != nil {
		allocOpts = append(allocOpts, arena.WithMetrics(c.metrics))
	}
	allocOpts = append(allocOpts, arena.WithDebugChecks(c.debugChecks))

	alloc, err := arena.New(allocCfg, allocOpts...)
	if err != nil {
		return nil, err
	}
	c.alloc = alloc

	c.index = store.New(store.Config{
		Concurrency:     cfg.Concurrency,
		InitialCapacity: cfg.InitialCapacity,
		LoadFactor:      nonZeroFloat(cfg.LoadFactor, defaultLoadFactor),
		Release: func(e *store.Entry) {
			e.Release(func(buf *arena.ByteBuf) { c.alloc.Release(buf) })
		},
	})

	return c, nil
}

// releaseEntry drops one reference on e, freeing its buffer if this
// was the last one.
func (c *Cache) releaseEntry(e *store.Entry) {
	e.Release(func(buf *arena.ByteBuf) { c.alloc.Release(buf) })
}

// Set serializes value and stores it under key, replacing any existing
// value. If the allocator reports ErrAllocationFailure, Set invokes
// the configured EvictionPolicy and retries up to maxRetries times
// before surfacing the failure to the caller.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "offheapcache.Set")
		defer span.End()
	}

	encoded, err := encode(value)
	if err != nil {
		return err
	}

	hash := store.HashKey(key)
	buf, err := c.allocateWithEviction(ctx, key, len(encoded))
	if err != nil {
		return err
	}
	if werr := buf.Write(encoded); werr != nil {
		c.alloc.Release(buf)
		return werr
	}

	entry := store.NewEntry(key, hash, buf, time.Now().UnixNano())
	c.index.Put(key, hash, entry, false)
	return nil
}

// SetIfAbsent stores value under key only if key is not already
// present, otherwise leaving the existing value untouched. It returns
// true if the value was stored.
func (c *Cache) SetIfAbsent(ctx context.Context, key string, value interface{}) (bool, error) {
	encoded, err := encode(value)
	if err != nil {
		return false, err
	}

	hash := store.HashKey(key)
	buf, err := c.allocateWithEviction(ctx, key, len(encoded))
	if err != nil {
		return false, err
	}
	if werr := buf.Write(encoded); werr != nil {
		c.alloc.Release(buf)
		return false, werr
	}

	entry := store.NewEntry(key, hash, buf, time.Now().UnixNano())
	winner := c.index.Put(key, hash, entry, true)
	return winner == entry, nil
}

func (c *Cache) allocateWithEviction(ctx context.Context, keyHint string, size int) (*arena.ByteBuf, error) {
	buf, err := c.alloc.NewBuffer(ctx, size)
	if err == nil {
		return buf, nil
	}
	if !errors.Is(err, ErrAllocationFailure) {
		return nil, err
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if c.evictionPolicy == nil || c.evictionPolicy.Evict(c, keyHint) == 0 {
			break
		}
		buf, err = c.alloc.NewBuffer(ctx, size)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, ErrAllocationFailure) {
			return nil, err
		}
	}
	return nil, err
}

// Get decodes key's value into dst, a pointer to a type compatible
// with how the value was stored. It returns false if key is absent.
func (c *Cache) Get(key string, dst interface{}) (bool, error) {
	hash := store.HashKey(key)
	entry := c.index.Get(key, hash)
	if entry == nil {
		c.misses.Inc()
		return false, nil
	}
	c.hits.Inc()
	defer c.releaseEntry(entry)

	raw, err := entry.Buf.Read()
	if err != nil {
		return false, err
	}
	if err := decodeInto(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

// GetBytes returns key's raw stored bytes, with the type tag prefix
// stripped and without decoding, or false if key is absent.
func (c *Cache) GetBytes(key string) ([]byte, bool, error) {
	hash := store.HashKey(key)
	entry := c.index.Get(key, hash)
	if entry == nil {
		c.misses.Inc()
		return nil, false, nil
	}
	c.hits.Inc()
	defer c.releaseEntry(entry)

	raw, err := entry.Buf.Read()
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, true, nil
	}
	return raw[1:], true, nil
}

// Exists reports whether key is currently present. Like Get, a hit
// still promotes the entry in its segment's LRU list.
func (c *Cache) Exists(key string) bool {
	hash := store.HashKey(key)
	entry := c.index.Get(key, hash)
	if entry == nil {
		c.misses.Inc()
		return false
	}
	c.hits.Inc()
	c.releaseEntry(entry)
	return true
}

// Remove deletes key, releasing its buffer. It returns whether
// anything was removed.
func (c *Cache) Remove(key string) bool {
	hash := store.HashKey(key)
	return c.index.Remove(key, hash)
}

// Size returns the number of live entries (best-effort under
// concurrent mutation, per the modCount-stability protocol).
func (c *Cache) Size() int { return c.index.Size() }

// Clear empties the cache, releasing every buffer.
func (c *Cache) Clear() { c.index.Clear() }

// Range calls f once per live entry with its key and its stored bytes
// (type tag stripped, not decoded), stopping early if f returns false. f must not call back into
// the Cache for the segment currently being walked.
func (c *Cache) Range(f func(key string, raw []byte) bool) {
	c.index.Range(func(key string, hash uint32, e *store.Entry) bool {
		raw, err := e.Buf.Read()
		if err != nil {
			return true
		}
		if len(raw) == 0 {
			return f(key, nil)
		}
		return f(key, raw[1:])
	})
}

// CacheStats is a point-in-time snapshot for callers that want plain
// values rather than scraping Metrics through Prometheus.
type CacheStats struct {
	Entries       int
	NumSegments   int
	BytesUsed     int64
	BytesCapacity int64
	ChunksPerBand map[string]int64
	Hits          uint64
	Misses        uint64
	HitRatio      float64
}

// Metrics returns a snapshot of current cache and allocator occupancy,
// along with Get/GetBytes/Exists hit and miss counts accumulated since
// the cache was constructed.
func (c *Cache) Metrics() CacheStats {
	allocStats := c.alloc.Stats()
	hits, misses := c.hits.Load(), c.misses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return CacheStats{
		Entries:       c.index.Size(),
		NumSegments:   c.index.NumSegments(),
		BytesUsed:     allocStats.BytesUsed,
		BytesCapacity: allocStats.BytesCapacity,
		ChunksPerBand: allocStats.ChunksPerBand,
		Hits:          hits,
		Misses:        misses,
		HitRatio:      ratio,
	}
}

// Close stops the allocator's background trim loop and performs one
// final trim, returning memory held by idle thread caches. It also
// flushes the logger, if one was configured.
func (c *Cache) Close() error {
	var err error
	if closeErr := c.alloc.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}
	if c.logger != nil {
		if syncErr := c.logger.Sync(); syncErr != nil {
			err = multierr.Append(err, syncErr)
		}
	}
	return err
}
