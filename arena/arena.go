// Package arena tracks ownership of rawevent.Event values as they move
// through a StreamAligner's per-packet deques, backup slot, and transient
// shifted-events scratch map.
//
// The engine is explicitly single-threaded and cooperative (one
// StreamAligner is driven synchronously by its Orchestrator), so this is a
// plain free list rather than the sharded, lock-striped pool the teacher
// uses for concurrent record reuse — the sharding and per-P pinning exist
// there to avoid contention across goroutines, a problem this engine does
// not have.
package arena

import "github.com/sphenix-offline/seballign/rawevent"

// Pool is a free list of []rawevent.Event slices: GetSlice reuses a slice
// returned through PutSlice when one is available.
type Pool struct {
	free [][]rawevent.Event
}

// GetSlice returns a []rawevent.Event with the given length, reused from
// the free list when possible.
func (p *Pool) GetSlice(n int) []rawevent.Event {
	if last := len(p.free) - 1; last >= 0 {
		s := p.free[last]
		p.free = p.free[:last]
		if cap(s) >= n {
			return s[:n]
		}
	}
	return make([]rawevent.Event, n)
}

// PutSlice returns a slice to the free list for reuse. The caller must not
// retain references into it afterward.
func (p *Pool) PutSlice(s []rawevent.Event) {
	for i := range s {
		s[i] = nil
	}
	p.free = append(p.free, s[:0])
}

// ReleaseSet deduplicates a batch of events that may be referenced from
// more than one packet's deque (the common case when every packet is
// unshifted) and releases each one exactly once via release.
type ReleaseSet struct {
	seen map[rawevent.Event]struct{}
}

// NewReleaseSet returns an empty dedup set sized for n candidate events.
func NewReleaseSet(n int) *ReleaseSet {
	return &ReleaseSet{seen: make(map[rawevent.Event]struct{}, n)}
}

// Add marks evt for release, returning false if it was already marked
// (e.g. because it sits at the front of another pid's deque too).
func (r *ReleaseSet) Add(evt rawevent.Event) bool {
	if evt == nil {
		return false
	}
	if _, ok := r.seen[evt]; ok {
		return false
	}
	r.seen[evt] = struct{}{}
	return true
}

// Len reports how many distinct events are marked.
func (r *ReleaseSet) Len() int {
	return len(r.seen)
}

// Release calls Release on every distinct event marked via Add, then
// empties the set so it can be reused for the next emission cycle.
func (r *ReleaseSet) Release() {
	for evt := range r.seen {
		evt.Release()
		delete(r.seen, evt)
	}
}
