package arena

// subpagePool is the intrusive doubly-linked list of subpages sharing
// one size class, per §4.4 step 2: "pop the head subpage from the
// size-class list (if any) and reuse a slot". A sentinel makes insert
// and remove branch-free.
type subpagePool struct {
	sentinel subpage
}

func newSubpagePool() *subpagePool {
	p := &subpagePool{}
	p.sentinel.prev = &p.sentinel
	p.sentinel.next = &p.sentinel
	return p
}

func (p *subpagePool) pushFront(sp *subpage) {
	head := &p.sentinel
	next := head.next
	sp.prev = head
	sp.next = next
	head.next = sp
	next.prev = sp
}

func (p *subpagePool) remove(sp *subpage) {
	sp.prev.next = sp.next
	sp.next.prev = sp.prev
	sp.prev, sp.next = nil, nil
}

// head returns a subpage with at least one free slot, or nil.
func (p *subpagePool) head() *subpage {
	if p.sentinel.next == &p.sentinel {
		return nil
	}
	return p.sentinel.next
}
