package offheapcache

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxMemory int64) *Cache {
	t.Helper()
	c, err := New(Config{
		MaxMemorySize:   maxMemory,
		Concurrency:     4,
		InitialCapacity: 16,
	}, WithTrimInterval(-1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheSetGetSizeClear(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "value123"))
	require.Equal(t, 1, c.Size())

	var got string
	ok, err := c.Get("k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value123", got)

	c.Clear()
	require.Equal(t, 0, c.Size())
	ok, err = c.Get("k", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheMetricsReflectsEntriesAndBytesUsed(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	before := c.Metrics()
	require.Equal(t, 0, before.Entries)
	require.Greater(t, before.NumSegments, 0)

	require.NoError(t, c.Set(ctx, "k1", "value123"))
	require.NoError(t, c.Set(ctx, "k2", "value456"))

	var out string
	_, _ = c.Get("k1", &out)
	_, _ = c.Get("missing", &out)

	after := c.Metrics()
	require.Equal(t, 2, after.Entries)
	require.Greater(t, after.BytesUsed, int64(0))
	require.GreaterOrEqual(t, after.BytesCapacity, after.BytesUsed)
	require.Equal(t, uint64(1), after.Hits)
	require.Equal(t, uint64(1), after.Misses)
	require.InDelta(t, 0.5, after.HitRatio, 0.001)
}

func TestCacheSetOverwriteReturnsLatestValue(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "first"))
	require.NoError(t, c.Set(ctx, "k", "second"))

	var got string
	ok, err := c.Get("k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", got)
	require.Equal(t, 1, c.Size())
}

func TestCacheSetIfAbsentFirstWriterWins(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	stored, err := c.SetIfAbsent(ctx, "k", "first")
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = c.SetIfAbsent(ctx, "k", "second")
	require.NoError(t, err)
	require.False(t, stored)

	var got string
	ok, err := c.Get("k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", got)
}

func TestCacheRemoveThenSizeIsZero(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v"))
	require.True(t, c.Exists("k"))
	require.True(t, c.Remove("k"))
	require.Equal(t, 0, c.Size())
	require.False(t, c.Exists("k"))
	require.False(t, c.Remove("k"))
}

func TestCacheGetMissingKeyReturnsFalse(t *testing.T) {
	c := newTestCache(t, 1<<20)
	var got string
	ok, err := c.Get("absent", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheRangeVisitsEveryLiveKey(t *testing.T) {
	c := newTestCache(t, 1<<20)
	ctx := context.Background()

	want := map[string]string{}
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("r%d", i)
		val := fmt.Sprintf("val-%d", i)
		require.NoError(t, c.Set(ctx, key, val))
		want[key] = val
	}

	got := map[string]string{}
	c.Range(func(key string, raw []byte) bool {
		got[key] = string(raw)
		return true
	})
	require.Equal(t, want, got)
}

func TestCacheConcurrentSetGetRemoveDisjointKeys(t *testing.T) {
	c := newTestCache(t, 4<<20)
	ctx := context.Background()

	const workers = 8
	const perWorker = 100
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := c.Set(ctx, key, key); err != nil {
					panic(err)
				}
				if _, _, err := c.GetBytes(key); err != nil {
					panic(err)
				}
			}
			for i := 0; i < perWorker; i += 2 {
				key := fmt.Sprintf("w%d-%d", w, i)
				c.Remove(key)
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, workers*perWorker/2, c.Size())
}

func TestCacheAllocationFailureAtMemoryBoundary(t *testing.T) {
	// A single goroutine's sequential calls keep landing on the same
	// pooled arena affinity, so pinning GOMAXPROCS fixes the arena
	// count (2*GOMAXPROCS) and makes the boundary deterministic: every
	// Set below drains the one chunk budget that arena is allowed.
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	c, err := New(Config{
		MaxMemorySize:   1,
		Concurrency:     1,
		InitialCapacity: 4,
	}, WithTrimInterval(-1), WithMaxRetries(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	payload := make([]byte, 2<<20) // 2 MiB, well under the default 16 MiB chunk
	var stored int
	var failure error
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("big-%d", i)
		if err := c.Set(ctx, key, payload); err != nil {
			failure = err
			break
		}
		stored++
	}
	require.Error(t, failure)
	require.True(t, errors.Is(failure, ErrAllocationFailure))
	require.Greater(t, stored, 0)

	// Freeing a previously stored key reclaims enough room for a retry.
	require.True(t, c.Remove("big-0"))
	require.NoError(t, c.Set(ctx, "retry-key", payload))
}
