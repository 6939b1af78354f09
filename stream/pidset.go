package stream

import "github.com/biogo/store/llrb"

type pidKey int32

func (k pidKey) Compare(c llrb.Comparable) int {
	return int(k) - int(c.(pidKey))
}

// pidSet is an ordered set of packet identifiers. The reference engine
// discovers packets into a std::set<int>, and every later loop over
// "known packet ids" depends on that set's ascending iteration order for
// determinism (e.g. which pid's clock pool is chosen as the GL1 reference,
// or the order output records are populated in). llrb.Tree gives the same
// ordered-set shape natively instead of re-sorting a slice every cycle.
type pidSet struct {
	tree llrb.Tree
	n    int
}

// Add inserts pid if not already present, reporting whether it was new.
func (s *pidSet) Add(pid int32) bool {
	k := pidKey(pid)
	if s.tree.Get(k) != nil {
		return false
	}
	s.tree.Insert(k)
	s.n++
	return true
}

// Len reports the number of distinct pids.
func (s *pidSet) Len() int { return s.n }

// Each visits every pid in ascending order, stopping early if fn returns
// true.
func (s *pidSet) Each(fn func(pid int32) bool) {
	s.tree.Do(func(c llrb.Comparable) bool {
		return fn(int32(c.(pidKey)))
	})
}

// First returns the smallest pid in the set.
func (s *pidSet) First() (pid int32, ok bool) {
	s.tree.Do(func(c llrb.Comparable) bool {
		pid = int32(c.(pidKey))
		ok = true
		return true
	})
	return
}
