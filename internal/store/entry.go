// Package store implements the segmented concurrent hash table that
// indexes live cache values: value entries (C7), the segment and its
// hash table (C8), the concurrent map that splays operations across
// segments (C9), and each segment's intrusive LRU list (C10).
package store

import (
	"go.uber.org/atomic"

	"github.com/nativekv/offheapcache/internal/arena"
)

// Entry is the reference-counted value wrapper described in C7: a key,
// the ByteBuf holding its bytes, and the bookkeeping an eviction policy
// needs (hits, createTime). It starts life with referenceCount == 1,
// held by the hash table; the LRU list holds no separate reference —
// its linkage is intrusive through lruPrev/lruNext.
type Entry struct {
	Key        string
	Hash       uint32
	Buf        *arena.ByteBuf
	createTime int64

	hits     atomic.Uint64
	refCount atomic.Int32

	// Intrusive LRU linkage, mutated only under the owning segment's
	// write lock (or its promote sub-lock — see lru.go).
	lruPrev, lruNext *Entry
}

// NewEntry wraps buf for key, with an initial reference count of 1.
// createTime is a caller-supplied unix-nanosecond timestamp so this
// package never calls time.Now() itself.
func NewEntry(key string, hash uint32, buf *arena.ByteBuf, createTime int64) *Entry {
	e := &Entry{Key: key, Hash: hash, Buf: buf, createTime: createTime}
	e.refCount.Store(1)
	return e
}

// CreateTime returns the unix-nanosecond timestamp this entry was created at.
func (e *Entry) CreateTime() int64 { return e.createTime }

// Hits returns the number of times Touch has recorded a read.
func (e *Entry) Hits() uint64 { return e.hits.Load() }

// Touch records one access, for eviction policies that weigh recency
// against frequency.
func (e *Entry) Touch() { e.hits.Inc() }

// Retain increments the reference count. Callers that escape a
// segment's read lock holding a pointer to an Entry must Retain while
// still holding that lock.
func (e *Entry) Retain() { e.refCount.Inc() }

// Release decrements the reference count and, if it reaches zero,
// releases the backing buffer back to its arena via release. Returns
// true if this call dropped the count to zero.
func (e *Entry) Release(release func(*arena.ByteBuf)) bool {
	if e.refCount.Dec() == 0 {
		release(e.Buf)
		return true
	}
	return false
}

// RefCount returns the current reference count, for diagnostics and tests.
func (e *Entry) RefCount() int32 { return e.refCount.Load() }
