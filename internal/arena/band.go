package arena

// usageBand is one of the six utilization bands (qInit, q000, q025,
// q050, q075, q100) a chunk can occupy, per §3/§4.4. Membership is an
// intrusive doubly-linked list through chunk.bandPrev/bandNext with a
// sentinel head so insert/remove never needs a nil special case.
//
// Bands additionally form a chain via prevBand/nextBand so that a
// chunk whose usage no longer fits its current band moves to the
// neighboring band in the direction usage changed, rather than being
// re-scanned from scratch. qInit.prevBand and q000.prevBand are both
// nil: a chunk can never fall out the bottom of qInit (freshly
// created, 0% used chunks belong there and stay there), and a chunk
// that falls below q000's minimum has nowhere lower to go — §5 and §8
// require it to be destroyed instead of demoted.
type usageBand struct {
	name     string
	minUsage int
	maxUsage int // exclusive, except q100 which is inclusive of 100

	prevBand *usageBand
	nextBand *usageBand

	sentinelHead *chunk
	sentinelTail *chunk
}

func newUsageBand(name string, min, max int) *usageBand {
	b := &usageBand{name: name, minUsage: min, maxUsage: max}
	b.sentinelHead = &chunk{band: b}
	b.sentinelTail = &chunk{band: b}
	b.sentinelHead.bandNext = b.sentinelTail
	b.sentinelTail.bandPrev = b.sentinelHead
	return b
}

// fits reports whether usage belongs in this band. Every band except
// the terminal one (q100, identified by having no nextBand) treats its
// upper bound as exclusive; q075 and q100 both declare maxUsage 100,
// but only q100 — the one with nowhere higher to go — accepts a chunk
// sitting at exactly 100% full.
func (b *usageBand) fits(usage int) bool {
	if b.nextBand == nil {
		return usage >= b.minUsage && usage <= 100
	}
	return usage >= b.minUsage && usage < b.maxUsage
}

func (b *usageBand) pushFront(c *chunk) {
	c.band = b
	head := b.sentinelHead
	next := head.bandNext
	c.bandPrev = head
	c.bandNext = next
	head.bandNext = c
	next.bandPrev = c
}

func (b *usageBand) remove(c *chunk) {
	c.bandPrev.bandNext = c.bandNext
	c.bandNext.bandPrev = c.bandPrev
	c.bandPrev, c.bandNext = nil, nil
}

func (b *usageBand) empty() bool {
	return b.sentinelHead.bandNext == b.sentinelTail
}

// forEach walks live chunks front to back. The callback must not
// mutate band membership while iterating; callers collect a snapshot
// first if they need to move chunks.
func (b *usageBand) forEach(f func(*chunk) bool) {
	for c := b.sentinelHead.bandNext; c != b.sentinelTail; c = c.bandNext {
		if !f(c) {
			return
		}
	}
}

// moveResult describes what rebalance did with a chunk.
type moveResult int

const (
	moveStayed moveResult = iota
	moveRelocated
	moveDestroy // chunk fell below the bottom of the chain (q000 underflow) and was unlinked
)

// rebalance re-homes c after its usage changed. c.band must be
// non-nil. It returns moveDestroy (with c already unlinked from every
// band) when c fell out the bottom of the chain.
func rebalance(c *chunk) moveResult {
	usage := c.usagePercent()
	cur := c.band
	if cur.fits(usage) {
		return moveStayed
	}

	cur.remove(c)
	if usage < cur.minUsage {
		b := cur.prevBand
		for b != nil && !b.fits(usage) {
			b = b.prevBand
		}
		if b == nil {
			return moveDestroy
		}
		b.pushFront(c)
		return moveRelocated
	}

	b := cur.nextBand
	for b != nil && b.nextBand != nil && !b.fits(usage) {
		b = b.nextBand
	}
	if b == nil {
		b = cur
		for b.nextBand != nil {
			b = b.nextBand
		}
	}
	b.pushFront(c)
	return moveRelocated
}
