// Package pool implements ClockPool, the per-packet sliding window of
// pooled clock values and their consecutive differences that the alignment
// checker compares against the GL1 reference.
package pool

import "github.com/sphenix-offline/seballign/clockmath"

// Depth is the sliding window size (spec.md POOL_DEPTH).
const Depth = 10

// ClockPool holds a packet's clock values across one pool of Depth events,
// plus the carryover slot, and the Depth consecutive differences between
// them.
//
// Invariant: Clk[i] has length Depth+1; Diff[i] = clockmath.Diff(Clk[i+1],
// Clk[i]) whenever both operands are non-sentinel, else clockmath.Sentinel.
type ClockPool struct {
	Clk  [Depth + 1]uint64
	Diff [Depth]uint64
}

// New returns a freshly rolled-over ClockPool (no carryover).
func New() *ClockPool {
	p := &ClockPool{}
	p.reset()
	return p
}

func (p *ClockPool) reset() {
	for i := range p.Clk {
		p.Clk[i] = clockmath.Sentinel
	}
	for i := range p.Diff {
		p.Diff[i] = clockmath.Sentinel
	}
}

// RollOver seeds the next pool's slot 0 from this pool's last slot and
// clears everything else, ready for a new FillPool cycle.
func (p *ClockPool) RollOver() {
	carry := p.Clk[Depth]
	p.reset()
	p.Clk[0] = carry
}

// Record stores the clock observed at the given slot (0-indexed within
// [0,Depth)) and recomputes the corresponding diff entry.
func (p *ClockPool) Record(slot int, clock uint64) {
	p.Clk[slot+1] = clock
	p.recomputeDiff(slot)
}

func (p *ClockPool) recomputeDiff(slot int) {
	if p.Clk[slot] == clockmath.Sentinel || p.Clk[slot+1] == clockmath.Sentinel {
		p.Diff[slot] = clockmath.Sentinel
		return
	}
	p.Diff[slot] = clockmath.Diff(p.Clk[slot+1], p.Clk[slot])
}

// ShiftLeft is applied after a -1 recovery: the SEB was ahead by one event,
// so slot 0's clock is dropped and every later slot slides down by one.
// The caller is expected to Record a fresh value into the freed last slot
// afterward.
func (p *ClockPool) ShiftLeft() {
	for i := 0; i < Depth; i++ {
		p.Clk[i] = p.Clk[i+1]
	}
	for i := 0; i < Depth; i++ {
		p.recomputeDiff(i)
	}
}

// ShiftRight is applied after a +1 recovery: the SEB was behind by one
// event, so a dummy clock of 0 is inserted at slot 0 and every later slot
// slides up by one (dropping the former last slot).
func (p *ClockPool) ShiftRight() {
	for i := Depth; i > 0; i-- {
		p.Clk[i] = p.Clk[i-1]
	}
	p.Clk[0] = 0
	p.Diff[0] = 0
	for i := 1; i < Depth; i++ {
		p.recomputeDiff(i)
	}
}
