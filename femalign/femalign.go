// Package femalign implements FemClockAligner, a secondary check used only
// on packet-clock-copied runs to decide whether an apparent +1 event shift
// is really just a packet-level clock-copy artifact that leaves the
// independent FEM-module clocks aligned with GL1.
package femalign

import (
	"sort"

	"github.com/sphenix-offline/seballign/clockmath"
)

// FemClockSource exposes the module-level FEM clocks for one pool slot of
// one packet. It lets the checker run without depending on the full
// rawevent.Packet surface.
type FemClockSource interface {
	// NumModules returns the packet's module count at this slot, or 0 if
	// the packet is absent at this slot.
	NumModules(slot int) int
	// FemClock returns module m's FEMCLOCK value at this slot.
	FemClock(slot, module int) int32
}

const femClockMask = 0xFFFF

// Check runs the FEM-clock majority-vote alignment test over depth pool
// slots. gl1Diff is the GL1 reference diff array for the same pool. It
// returns true when the packet-level clock is merely a copy (the caller
// should add the pid to its FEM-copy-aligned set and ditch only slot 0),
// and false when the misalignment is a genuine event-level shift.
func Check(src FemClockSource, gl1Diff []uint64, depth int) bool {
	prevClk := clockmath.Sentinel

	for i := 0; i < depth; i++ {
		nmod := src.NumModules(i)
		if nmod == 0 {
			continue
		}

		counts := make(map[int32]int, nmod)
		for m := 0; m < nmod; m++ {
			clk := int32(uint32(src.FemClock(i, m)) & femClockMask)
			counts[clk]++
		}
		if len(counts) == 0 {
			continue
		}

		majority, majorityCount := majorityClock(counts)
		if majorityCount < 2 {
			return false
		}

		if i >= 1 && prevClk != clockmath.Sentinel && gl1Diff[i] != clockmath.Sentinel {
			femDiff := clockmath.Diff(uint64(majority), prevClk) & femClockMask
			gl1Low := gl1Diff[i] & femClockMask
			if femDiff != gl1Low {
				return false
			}
		}

		prevClk = uint64(majority)
	}
	return true
}

// majorityClock picks the mode, breaking ties toward the smaller clock
// value to match std::max_element over an ordered std::map<int,int>.
func majorityClock(counts map[int32]int) (clock int32, count int) {
	keys := make([]int32, 0, len(counts))
	for clk := range counts {
		keys = append(keys, clk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	best := keys[0]
	bestCount := counts[best]
	for _, clk := range keys[1:] {
		if counts[clk] > bestCount {
			best, bestCount = clk, counts[clk]
		}
	}
	return best, bestCount
}
