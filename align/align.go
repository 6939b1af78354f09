// Package align implements AlignmentChecker: given one stream's pool of
// consecutive clock differences and the GL1 reference pool, it classifies
// the comparison as an exact/intermittent match, a systemic ±1 shift, or
// unrecoverable.
package align

import "github.com/sphenix-offline/seballign/clockmath"

// Kind is the classification AlignmentChecker assigns to a pool comparison.
type Kind int

const (
	// Reject means no recovery is possible; the caller must flag
	// event_alignment_problem and stop reconciling this stream.
	Reject Kind = iota
	// Aligned means the pools match exactly or only intermittently
	// (single corrupted events); BadIndices names the slots to ditch.
	Aligned
	// ShiftMinus1 means the SEB stream is ahead of GL1 by one event.
	ShiftMinus1
	// ShiftPlus1 means the SEB stream is behind GL1 by one event.
	ShiftPlus1
)

// Verdict is the outcome of one Check call.
type Verdict struct {
	Kind Kind

	// BadIndices are the pool slots whose event must be ditched. Only
	// meaningful when Kind == Aligned.
	BadIndices []int

	// CurrentPoolLastDiffBad is true when a bad run starts at this pool's
	// last slot (index Depth-1), so that slot is bad and the one before it
	// is not; a run that merely ends there does not set it. The corruption actually
	// belongs to the next pool's slot 0, so only this pool's boundary
	// index is marked here. Only meaningful when Kind == Aligned.
	CurrentPoolLastDiffBad bool
}

// Check compares a SEB stream's diff array against the GL1 reference diff
// array for one pool. Both arrays must have the same length, the pool
// depth. prevPoolLastDiffBad carries forward the previous pool's
// CurrentPoolLastDiffBad for this same pid, so a bad run that starts at
// slot 0 can be forgiven as a continuation across the pool boundary.
func Check(sebDiff, gl1Diff []uint64, prevPoolLastDiffBad bool) Verdict {
	n := len(sebDiff)

	if equal(sebDiff, gl1Diff) {
		return Verdict{Kind: Aligned}
	}

	var badDiffIndices []int
	for i := 0; i < n; i++ {
		if sebDiff[i] != gl1Diff[i] {
			badDiffIndices = append(badDiffIndices, i)
		}
	}

	if len(badDiffIndices) >= 5 {
		return checkShift(sebDiff, gl1Diff)
	}

	var badIndices []int
	idx := 0
	for idx < len(badDiffIndices) {
		start := badDiffIndices[idx]
		end := start
		for idx+1 < len(badDiffIndices) && badDiffIndices[idx+1] == end+1 {
			idx++
			end++
		}
		length := end - start + 1
		switch {
		case length <= 0 || length >= 5:
			return Verdict{Kind: Reject}
		case start == n-1:
			badIndices = append(badIndices, n-1)
		case start == 0:
			if !prevPoolLastDiffBad && length == 1 {
				return Verdict{Kind: Reject}
			}
			badIndices = append(badIndices, rangeExclusive(start, end)...)
		case start > 0 && start < n-1:
			if length == 1 {
				return Verdict{Kind: Reject}
			}
			badIndices = append(badIndices, rangeExclusive(start, end)...)
		default:
			return Verdict{Kind: Reject}
		}
		idx++
	}

	if len(badIndices) == 0 || len(badIndices) >= 4 {
		return Verdict{Kind: Reject}
	}
	return Verdict{
		Kind:                   Aligned,
		BadIndices:             badIndices,
		CurrentPoolLastDiffBad: containsLastSlotRun(badDiffIndices, n),
	}
}

// containsLastSlotRun reports whether any consecutive run in badDiffIndices
// starts at the pool's last slot (n-1); that is precisely the condition
// under which Check appends n-1 to badIndices and sets
// CurrentPoolLastDiffBad.
func containsLastSlotRun(badDiffIndices []int, n int) bool {
	idx := 0
	for idx < len(badDiffIndices) {
		start := badDiffIndices[idx]
		end := start
		for idx+1 < len(badDiffIndices) && badDiffIndices[idx+1] == end+1 {
			idx++
			end++
		}
		if start == n-1 {
			return true
		}
		idx++
	}
	return false
}

func checkShift(sebDiff, gl1Diff []uint64) Verdict {
	n := len(sebDiff)
	firstPool := gl1Diff[0] == clockmath.Sentinel

	start := 1
	if firstPool {
		start = 2
	}
	match := true
	for i := start; i < n; i++ {
		if sebDiff[i] != gl1Diff[i-1] {
			match = false
			break
		}
	}
	if match {
		return Verdict{Kind: ShiftMinus1}
	}

	start = 0
	if firstPool {
		start = 1
	}
	match = true
	for i := start; i < n-1; i++ {
		if sebDiff[i] != gl1Diff[i+1] {
			match = false
			break
		}
	}
	if match {
		return Verdict{Kind: ShiftPlus1}
	}

	return Verdict{Kind: Reject}
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rangeExclusive(start, end int) []int {
	out := make([]int, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, j)
	}
	return out
}
