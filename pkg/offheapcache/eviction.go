package offheapcache

// EvictionPolicy is layered above the core index, per §6: the core
// only exposes evictCandidates, and a policy decides how to use it to
// make room. A Cache calls its policy when NewBuffer fails with
// ErrAllocationFailure and retries the allocation after each call, up
// to its retry limit (one by default, see WithMaxRetries); it stops
// early once the policy evicts nothing.
//
// Because evictCandidates is advisory and scoped to a single segment
// (the one keyHint's hash selects), and because LRU order is only
// eventually consistent under concurrent promotions, an EvictionPolicy
// must tolerate evicting a candidate that was already replaced or
// removed by a concurrent writer — exact LRU ordering under
// contention is explicitly not guaranteed.
type EvictionPolicy interface {
	// Evict asks the policy to free room, using keyHint to pick a
	// segment to evict from. It returns the number of entries evicted.
	Evict(c *Cache, keyHint string) int
}

// lruEvictionPolicy is the default: evict the batch least-recently-used
// entries from the segment keyHint's key would hash to.
type lruEvictionPolicy struct {
	batch int
}

// NewLRUEvictionPolicy returns the default eviction policy, which
// evicts up to batch entries per call from one segment's LRU tail.
func NewLRUEvictionPolicy(batch int) EvictionPolicy {
	if batch <= 0 {
		batch = 1
	}
	return &lruEvictionPolicy{batch: batch}
}

func (p *lruEvictionPolicy) Evict(c *Cache, keyHint string) int {
	candidates := c.index.EvictCandidates(keyHint, p.batch)
	evicted := 0
	for _, e := range candidates {
		if c.index.Remove(e.Key, e.Hash) {
			evicted++
		}
		// Drop the reference EvictCandidates took on our behalf; Remove
		// (if it found this exact entry) already dropped the table's own
		// reference via the segment's release callback.
		c.releaseEntry(e)
	}
	return evicted
}
