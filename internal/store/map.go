package store

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	maxSegments         = 1 << 16
	retriesBeforeLock   = 2
	defaultLoadFactor   = 0.75
	defaultConcurrency  = 16
	defaultInitialTable = 16
)

// Map is the concurrent map from C9: a fixed array of segments, each an
// independently-locked stripe of the overall key space. Reads and
// writes to different segments never contend with each other.
type Map struct {
	segments     []*segment
	segmentShift uint
	segmentMask  uint32
}

// Config controls Map construction.
type Config struct {
	// Concurrency is the requested segment count, rounded up to the
	// next power of two and capped at 65536.
	Concurrency int
	// InitialCapacity is the total bucket count across all segments,
	// divided evenly (and rounded up to a power of two per segment).
	InitialCapacity int
	// LoadFactor is each segment's rehash threshold as a fraction of
	// its table length. Defaults to 0.75.
	LoadFactor float64
	// Release returns a displaced or removed entry's buffer to its
	// arena. Required.
	Release func(*Entry)
}

// New builds a Map per cfg.
func New(cfg Config) *Map {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	ssize := 1
	for ssize < concurrency && ssize < maxSegments {
		ssize <<= 1
	}

	loadFactor := cfg.LoadFactor
	if loadFactor <= 0 {
		loadFactor = defaultLoadFactor
	}

	bucketsPerSegment := defaultInitialTable
	if cfg.InitialCapacity > 0 {
		bucketsPerSegment = cfg.InitialCapacity / ssize
		if bucketsPerSegment < 1 {
			bucketsPerSegment = 1
		}
	}

	m := &Map{
		segments:     make([]*segment, ssize),
		segmentShift: uint(32 - bits.Len(uint(ssize-1))),
		segmentMask:  uint32(ssize - 1),
	}
	for i := range m.segments {
		m.segments[i] = newSegment(bucketsPerSegment, loadFactor, cfg.Release)
	}
	return m
}

// mix spreads the bits of a native hash so both the segment selector
// (the upper bits) and the bucket selector (the lower bits, inside a
// segment) decorrelate from patterns in the caller's original hash —
// the fixed mix from §4.9.
func mix(h uint32) uint32 {
	h += (h << 15) ^ 0xffffcd7d
	h ^= h >> 10
	h += h << 3
	h ^= h >> 6
	h += (h << 2) + (h << 14)
	return h ^ (h >> 16)
}

// HashKey computes the mixed hash a Map uses for key, from xxhash's
// 64-bit digest folded down to 32 bits before mixing.
func HashKey(key string) uint32 {
	sum := xxhash.Sum64String(key)
	native := uint32(sum) ^ uint32(sum>>32)
	return mix(native)
}

func (m *Map) segmentFor(hash uint32) *segment {
	if len(m.segments) == 1 {
		return m.segments[0]
	}
	idx := (hash >> m.segmentShift) & m.segmentMask
	return m.segments[idx]
}

// Get looks up key, returning the Entry retained on the caller's
// behalf, or nil. Callers must Release it when done.
func (m *Map) Get(key string, hash uint32) *Entry {
	return m.segmentFor(hash).get(key, hash)
}

// Put inserts or replaces key's value. If onlyIfAbsent and key is
// already present, incoming is released immediately and the existing
// entry is returned unchanged.
func (m *Map) Put(key string, hash uint32, incoming *Entry, onlyIfAbsent bool) *Entry {
	return m.segmentFor(hash).put(key, hash, incoming, onlyIfAbsent)
}

// Remove deletes key's entry if present, releasing it. Returns whether
// anything was removed.
func (m *Map) Remove(key string, hash uint32) bool {
	return m.segmentFor(hash).remove(key, hash)
}

// Clear empties every segment, releasing every entry.
func (m *Map) Clear() {
	for _, s := range m.segments {
		s.clear()
	}
}

// QuickSize sums each segment's count with no stability check — a
// cheap, possibly-stale estimate. It is not lock-free: it takes each
// segment's read lock in turn, only for that segment's own read, and
// never holds two at once.
func (m *Map) QuickSize() int {
	total := 0
	for _, s := range m.segments {
		total += s.lockedCount()
	}
	return total
}

// Size returns the number of live entries. It first tries up to
// retriesBeforeLock double-samples of (count, modCount) across every
// segment, holding each segment's read lock only while reading that
// segment; if the modCount vector is stable across a sample, the
// summed count from that sample is exact. Failing that, it falls back
// to acquiring every segment's read lock, in segment order, and
// summing exactly.
func (m *Map) Size() int {
	for attempt := 0; attempt < retriesBeforeLock; attempt++ {
		counts := make([]int, len(m.segments))
		modsBefore := make([]int, len(m.segments))
		for i, s := range m.segments {
			counts[i], modsBefore[i] = s.snapshot()
		}
		stable := true
		for i, s := range m.segments {
			_, modAfter := s.snapshot()
			if modAfter != modsBefore[i] {
				stable = false
				break
			}
		}
		if stable {
			total := 0
			for _, c := range counts {
				total += c
			}
			return total
		}
	}

	total := 0
	for _, s := range m.segments {
		s.mu.RLock()
	}
	for _, s := range m.segments {
		total += s.count
	}
	for _, s := range m.segments {
		s.mu.RUnlock()
	}
	return total
}

// EvictCandidates returns up to n LRU-tail entries from the single
// segment keyHint's hash selects. Each returned Entry is retained;
// callers must Release after acting on it. Sweeping every segment for
// a cache-wide candidate set is the caller's responsibility.
func (m *Map) EvictCandidates(keyHint string, n int) []*Entry {
	hash := HashKey(keyHint)
	return m.segmentFor(hash).evictCandidates(n)
}

// NumSegments returns the segment count, mostly useful for tests and
// diagnostics.
func (m *Map) NumSegments() int { return len(m.segments) }

// Range calls f once per live entry, segment by segment, stopping
// early if f returns false. Each segment is walked under its own read
// lock, held for the duration of that segment's callbacks; a
// concurrent writer on a different segment is never blocked, and
// Range never observes a segment's table mid-rehash.
func (m *Map) Range(f func(key string, hash uint32, e *Entry) bool) {
	for _, s := range m.segments {
		if !s.rangeLocked(f) {
			return
		}
	}
}
