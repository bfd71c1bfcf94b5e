package store

import "sync"

// hashNode is one chain link in a segment's bucket table. Per C8,
// (key, hash, next) are treated as immutable once constructed; only
// value is mutable, and only under the segment's write lock. remove
// and rehash both rebuild the prefix of a chain rather than splicing
// in place (clone-prefix), so a reader holding only the read lock can
// keep walking the chain it already has.
type hashNode struct {
	key   string
	hash  uint32
	next  *hashNode
	value *Entry
}

// segment is one stripe of the concurrent map (C8): its own bucket
// table, reader-writer lock, modification counter, and LRU list.
type segment struct {
	mu sync.RWMutex

	table      []*hashNode
	count      int
	modCount   int
	threshold  int
	loadFactor float64

	lru *lruList

	// release returns a disposed entry's buffer to its arena. Shared by
	// every segment in a map; stored per-segment only to keep segment
	// self-contained and independently testable.
	release func(*Entry)
}

func newSegment(initialBuckets int, loadFactor float64, release func(*Entry)) *segment {
	if initialBuckets < 1 {
		initialBuckets = 1
	}
	n := 1
	for n < initialBuckets {
		n <<= 1
	}
	return &segment{
		table:      make([]*hashNode, n),
		threshold:  int(float64(n) * loadFactor),
		loadFactor: loadFactor,
		lru:        newLRUList(),
		release:    release,
	}
}

func (s *segment) bucketIndex(hash uint32) int {
	return int(hash) & (len(s.table) - 1)
}

// get looks up key under the read lock, promoting the entry in the LRU
// list on a hit and retaining a reference so the caller can safely use
// the Entry after releasing the lock.
func (s *segment) get(key string, hash uint32) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for n := s.table[s.bucketIndex(hash)]; n != nil; n = n.next {
		if n.hash == hash && n.key == key {
			n.value.Touch()
			n.value.Retain()
			s.lru.promote(n.value)
			return n.value
		}
	}
	return nil
}

// put inserts or replaces the value for (key, hash). If an existing
// value is replaced (or, with onlyIfAbsent, the incoming value is
// rejected), the loser is released via s.release. Returns the Entry
// now indexed under key.
func (s *segment) put(key string, hash uint32, incoming *Entry, onlyIfAbsent bool) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count+1 > s.threshold {
		s.rehashLocked()
	}

	idx := s.bucketIndex(hash)
	for n := s.table[idx]; n != nil; n = n.next {
		if n.hash == hash && n.key == key {
			if onlyIfAbsent {
				s.release(incoming)
				return n.value
			}
			old := n.value
			n.value = incoming
			s.lru.remove(old)
			s.lru.insert(incoming)
			s.modCount++
			s.release(old)
			return incoming
		}
	}

	node := &hashNode{key: key, hash: hash, next: s.table[idx], value: incoming}
	s.table[idx] = node
	s.lru.insert(incoming)
	s.count++
	s.modCount++
	return incoming
}

// remove deletes key's entry, if present, rebuilding the chain prefix
// up to the removed node (clone-prefix) and sharing the unchanged
// suffix with any reader already traversing it.
func (s *segment) remove(key string, hash uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.bucketIndex(hash)
	head := s.table[idx]

	var prefix []*hashNode
	for n := head; n != nil; n = n.next {
		if n.hash == hash && n.key == key {
			newHead := n.next
			for i := len(prefix) - 1; i >= 0; i-- {
				newHead = &hashNode{key: prefix[i].key, hash: prefix[i].hash, next: newHead, value: prefix[i].value}
			}
			s.table[idx] = newHead
			s.lru.remove(n.value)
			s.count--
			s.modCount++
			s.release(n.value)
			return true
		}
		prefix = append(prefix, n)
	}
	return false
}

// clear drops every entry in the segment, releasing each one.
func (s *segment) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.table {
		for n := s.table[i]; n != nil; n = n.next {
			s.lru.remove(n.value)
			s.release(n.value)
		}
		s.table[i] = nil
	}
	s.count = 0
	s.modCount++
}

// snapshot returns (count, modCount) under the read lock, for the
// modCount-stability protocol in map.go.
func (s *segment) snapshot() (count, modCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count, s.modCount
}

// lockedCount returns count under the segment's read lock. Map.QuickSize
// uses it to read each segment in turn.
func (s *segment) lockedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// rangeLocked walks every bucket under the read lock, calling f for
// each entry. It returns false if f asked to stop.
func (s *segment) rangeLocked(f func(key string, hash uint32, e *Entry) bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.table {
		for ; n != nil; n = n.next {
			if !f(n.key, n.hash, n.value) {
				return false
			}
		}
	}
	return true
}

// evictCandidates returns up to n LRU-tail entries without removing
// them, retaining each so the caller may act on them after the lock is
// released.
func (s *segment) evictCandidates(n int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tails := s.lru.tails(n)
	for _, e := range tails {
		e.Retain()
	}
	return tails
}

// rehashLocked doubles the table. For each old bucket it finds the
// maximal trailing run of entries whose new bucket index agrees with
// the one the run's head would get, reuses that run unchanged, and
// clones only the entries before it onto the correct new head — the
// same split used by remove, generalized to two destination buckets.
func (s *segment) rehashLocked() {
	oldTable := s.table
	newCap := len(oldTable) * 2
	newTable := make([]*hashNode, newCap)
	newMask := newCap - 1

	for i := range oldTable {
		head := oldTable[i]
		if head == nil {
			continue
		}

		lastRun := head
		lastIdx := int(head.hash) & newMask
		for n := head.next; n != nil; n = n.next {
			idx := int(n.hash) & newMask
			if idx != lastIdx {
				lastRun = n
				lastIdx = idx
			}
		}
		newTable[lastIdx] = lastRun

		for n := head; n != lastRun; n = n.next {
			idx := int(n.hash) & newMask
			newTable[idx] = &hashNode{key: n.key, hash: n.hash, next: newTable[idx], value: n.value}
		}
	}

	s.table = newTable
	s.threshold = int(float64(newCap) * s.loadFactor)
	s.modCount++
}
