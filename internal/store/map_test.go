package store

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nativekv/offheapcache/internal/arena"
)

func newTestMap(t *testing.T, a *arena.Allocator, concurrency int) *Map {
	t.Helper()
	return New(Config{
		Concurrency:     concurrency,
		InitialCapacity: 16,
		Release:         releaseFor(a),
	})
}

func TestMapPutGetRemove(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 8)

	e := newTestEntry(t, a, "hello", "world")
	m.Put("hello", e.Hash, e, false)

	got := m.Get("hello", HashKey("hello"))
	require.NotNil(t, got)
	out, err := got.Buf.Read()
	require.NoError(t, err)
	require.Equal(t, "world", string(out))
	got.Release(func(buf *arena.ByteBuf) { a.Release(buf) })

	require.Equal(t, 1, m.Size())
	require.True(t, m.Remove("hello", HashKey("hello")))
	require.Equal(t, 0, m.Size())
	require.Nil(t, m.Get("hello", HashKey("hello")))
}

func TestMapDistributesAcrossSegments(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 16)
	require.Equal(t, 16, m.NumSegments())

	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		hash := HashKey(key)
		idx := 0
		for j, s := range m.segments {
			if s == m.segmentFor(hash) {
				idx = j
				break
			}
		}
		seen[idx] = true
	}
	require.Greater(t, len(seen), 1, "keys should spread across more than one segment")
}

func TestMapSizeAfterBulkInsertAndRemoval(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 8)

	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		e := newTestEntry(t, a, key, key)
		m.Put(key, e.Hash, e, false)
	}
	require.Equal(t, n, m.Size())
	require.Equal(t, n, m.QuickSize())

	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("k%d", i)
		require.True(t, m.Remove(key, HashKey(key)))
	}
	require.Equal(t, n/2, m.Size())
}

func TestMapPutIfAbsent(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 4)

	first := newTestEntry(t, a, "k", "first")
	winner := m.Put("k", first.Hash, first, true)
	require.Same(t, first, winner)

	second := newTestEntry(t, a, "k", "second")
	result := m.Put("k", second.Hash, second, true)
	require.Same(t, first, result)
	require.Equal(t, int32(0), second.RefCount())

	got := m.Get("k", HashKey("k"))
	out, err := got.Buf.Read()
	require.NoError(t, err)
	require.Equal(t, "first", string(out))
	got.Release(func(buf *arena.ByteBuf) { a.Release(buf) })
}

func TestMapRangeVisitsEveryLiveEntry(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 8)

	want := map[string]bool{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("r%d", i)
		e := newTestEntry(t, a, key, key)
		m.Put(key, e.Hash, e, false)
		want[key] = true
	}

	got := map[string]bool{}
	m.Range(func(key string, hash uint32, e *Entry) bool {
		got[key] = true
		return true
	})
	require.Equal(t, want, got)
}

func TestMapEvictCandidatesScopedToOneSegment(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 8)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("e%d", i)
		e := newTestEntry(t, a, key, key)
		m.Put(key, e.Hash, e, false)
	}

	candidates := m.EvictCandidates("e0", 3)
	expectedSeg := m.segmentFor(HashKey("e0"))
	for _, c := range candidates {
		require.Equal(t, expectedSeg, m.segmentFor(c.Hash))
		c.Release(func(buf *arena.ByteBuf) { a.Release(buf) })
	}
}

func TestMapConcurrentDisjointKeySetsNoDeadlock(t *testing.T) {
	a := newTestArena(t)
	m := newTestMap(t, a, 16)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				buf, err := a.NewBuffer(context.Background(), len(key))
				if err != nil {
					panic(err)
				}
				if err := buf.Write([]byte(key)); err != nil {
					panic(err)
				}
				hash := HashKey(key)
				e := NewEntry(key, hash, buf, 1)
				m.Put(key, hash, e, false)
				if rng.Intn(2) == 0 {
					if got := m.Get(key, hash); got != nil {
						got.Release(func(buf *arena.ByteBuf) { a.Release(buf) })
					}
				}
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, workers*perWorker, m.Size())
}
