package store

import "sync"

// lruList is the per-segment intrusive doubly-linked list from C10.
// insert/remove are called under the segment's write lock and need no
// extra synchronization; promote and tails may be called under only
// the segment's read lock, so they take lruList's own mutex — the
// "intra-segment LRU sub-lock" the design allows, always acquired
// strictly inside the segment lock, never the other way round.
type lruList struct {
	mu         sync.Mutex
	head, tail *Entry // sentinels; head.lruNext is most-recently-used
	size       int
}

func newLRUList() *lruList {
	l := &lruList{head: &Entry{}, tail: &Entry{}}
	l.head.lruNext = l.tail
	l.tail.lruPrev = l.head
	return l
}

// insert links e at the most-recently-used end.
func (l *lruList) insert(e *Entry) {
	next := l.head.lruNext
	e.lruPrev = l.head
	e.lruNext = next
	l.head.lruNext = e
	next.lruPrev = e
	l.size++
}

// remove unlinks e. e must currently be a member of this list.
func (l *lruList) remove(e *Entry) {
	e.lruPrev.lruNext = e.lruNext
	e.lruNext.lruPrev = e.lruPrev
	e.lruPrev, e.lruNext = nil, nil
	l.size--
}

// promote moves e to the most-recently-used end. Safe to call
// concurrently with other promotes and tails calls, which all take
// l.mu; must not race insert/remove on the same entry without the
// segment's write lock held by the caller of those — the segment's
// RWMutex already guarantees that, since insert/remove only run under
// the write lock and promote/tails only run under the read lock, and
// the two are mutually exclusive.
func (l *lruList) promote(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head.lruNext == e {
		return
	}
	e.lruPrev.lruNext = e.lruNext
	e.lruNext.lruPrev = e.lruPrev

	next := l.head.lruNext
	e.lruPrev = l.head
	e.lruNext = next
	l.head.lruNext = e
	next.lruPrev = e
}

// tails returns up to n entries from the least-recently-used end,
// nearest the tail sentinel first — eviction candidates.
func (l *lruList) tails(n int) []*Entry {
	if n <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Entry, 0, n)
	for e := l.tail.lruPrev; e != l.head && len(out) < n; e = e.lruPrev {
		out = append(out, e)
	}
	return out
}
