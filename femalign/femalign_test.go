package femalign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sphenix-offline/seballign/clockmath"
)

// fakeSource drives Check with explicit per-slot module clocks.
type fakeSource struct {
	modules [][]int32 // modules[slot] = per-module FEMCLOCK values
}

func (f *fakeSource) NumModules(slot int) int { return len(f.modules[slot]) }
func (f *fakeSource) FemClock(slot, module int) int32 {
	return f.modules[slot][module]
}

func TestCheckPassesWhenFemClocksTrackGl1(t *testing.T) {
	// Two modules agree every slot; FEM clock advances by 5 each slot,
	// matching gl1Diff.
	src := &fakeSource{modules: [][]int32{
		{100, 100}, {105, 105}, {110, 110}, {115, 115},
	}}
	gl1 := []uint64{clockmath.Sentinel, 5, 5, 5}
	assert.True(t, Check(src, gl1, 4))
}

func TestCheckFailsWhenFemClocksDiverge(t *testing.T) {
	src := &fakeSource{modules: [][]int32{
		{100, 100}, {105, 105}, {999, 999}, {115, 115},
	}}
	gl1 := []uint64{clockmath.Sentinel, 5, 5, 5}
	assert.False(t, Check(src, gl1, 4))
}

func TestCheckFailsWithoutMajority(t *testing.T) {
	src := &fakeSource{modules: [][]int32{
		{1, 2, 3}, // no value repeats: no majority
	}}
	gl1 := []uint64{clockmath.Sentinel}
	assert.False(t, Check(src, gl1, 1))
}

func TestCheckSkipsAbsentPackets(t *testing.T) {
	src := &fakeSource{modules: [][]int32{
		{100, 100}, {}, {110, 110},
	}}
	gl1 := []uint64{clockmath.Sentinel, clockmath.Sentinel, clockmath.Sentinel}
	assert.True(t, Check(src, gl1, 3))
}
