package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-offline/seballign/outsink"
	"github.com/sphenix-offline/seballign/rawevent"
)

// --- fake Event/Packet/Source ---

type fakePacket struct {
	id                                         int32
	clock                                      uint64
	evtnr, nmod, nchan, nsamp                  int32
	femclock, femevtnr, femslot                []int32
	cksumlsb, cksummsb, calclsb, calcmsb        []int32
	suppressed                                 []bool
	pre, post                                  []int32
	samples                                    [][]int32
}

func (p *fakePacket) ID() int32 { return p.id }

func (p *fakePacket) IValue(row int, key rawevent.FieldKey) int32 {
	switch key {
	case rawevent.FieldEVTNR:
		return p.evtnr
	case rawevent.FieldNRMODULES:
		return p.nmod
	case rawevent.FieldCHANNELS:
		return p.nchan
	case rawevent.FieldSAMPLES:
		return p.nsamp
	case rawevent.FieldFEMCLOCK:
		return p.femclock[row]
	case rawevent.FieldFEMEVTNR:
		return p.femevtnr[row]
	case rawevent.FieldFEMSLOT:
		return p.femslot[row]
	case rawevent.FieldCHECKSUMLSB:
		return p.cksumlsb[row]
	case rawevent.FieldCHECKSUMMSB:
		return p.cksummsb[row]
	case rawevent.FieldCALCCHECKSUMLSB:
		return p.calclsb[row]
	case rawevent.FieldCALCCHECKSUMMSB:
		return p.calcmsb[row]
	case rawevent.FieldSUPPRESSED:
		if p.suppressed[row] {
			return 1
		}
		return 0
	case rawevent.FieldPRE:
		return p.pre[row]
	case rawevent.FieldPOST:
		return p.post[row]
	}
	return 0
}

func (p *fakePacket) LValue(row int, key rawevent.FieldKey) uint64 {
	if key == rawevent.FieldCLOCK {
		return p.clock
	}
	return 0
}

func (p *fakePacket) Sample(ipmt, isamp int) int32 { return p.samples[ipmt][isamp] }

// onePacketEvent builds a Data event carrying a single packet with nmod
// modules (all fields set to deterministic, agreeing values) and one
// channel with nsamp unsuppressed samples.
func onePacketEvent(seq uint64, run int32, pid int32, clock uint64, nmod int) *fakeEvent {
	p := &fakePacket{
		id: pid, clock: clock, evtnr: int32(seq), nmod: int32(nmod), nchan: 1, nsamp: 2,
		suppressed: []bool{false}, pre: []int32{0}, post: []int32{0},
		samples: [][]int32{{int32(seq), int32(seq) + 1}},
	}
	for m := 0; m < nmod; m++ {
		p.femclock = append(p.femclock, int32(clock))
		p.femevtnr = append(p.femevtnr, int32(seq))
		p.femslot = append(p.femslot, int32(m))
		p.cksumlsb = append(p.cksumlsb, 0)
		p.cksummsb = append(p.cksummsb, 0)
		p.calclsb = append(p.calclsb, 0)
		p.calcmsb = append(p.calcmsb, 0)
	}
	return &fakeEvent{seq: seq, typ: rawevent.Data, run: run, pkts: map[int32]*fakePacket{pid: p}}
}

type fakeEvent struct {
	seq          uint64
	typ          rawevent.Type
	run          int32
	pkts         map[int32]*fakePacket
	released     bool
	releaseCount int
}

func (e *fakeEvent) Sequence() uint64    { return e.seq }
func (e *fakeEvent) Type() rawevent.Type { return e.typ }
func (e *fakeEvent) RunNumber() int32    { return e.run }
func (e *fakeEvent) Convert()            {}
func (e *fakeEvent) Release()            { e.released = true; e.releaseCount++ }

func (e *fakeEvent) PacketIDs() []int32 {
	ids := make([]int32, 0, len(e.pkts))
	for id := range e.pkts {
		ids = append(ids, id)
	}
	return ids
}

func (e *fakeEvent) Packet(pid int32) rawevent.Packet {
	p, ok := e.pkts[pid]
	if !ok {
		return nil
	}
	return p
}

// fakeSource serves a fixed slice of events from a single file.
type fakeSource struct {
	events []*fakeEvent
	idx    int
	opened bool
}

func (s *fakeSource) OpenNextFile() (bool, error) {
	if s.opened {
		return false, nil
	}
	s.opened = true
	return true, nil
}

func (s *fakeSource) NextEvent() (rawevent.Event, error) {
	if s.idx >= len(s.events) {
		return nil, nil
	}
	e := s.events[s.idx]
	s.idx++
	return e, nil
}

// --- fake Sink/Record ---

type fakeRecord struct {
	status    outsink.PacketStatus
	id        int32
	bco       uint64
	femStatus map[int]outsink.FemStatus
}

func (r *fakeRecord) Reset() {
	r.status = outsink.PacketOK
	r.id = 0
	r.bco = 0
	r.femStatus = make(map[int]outsink.FemStatus)
}
func (r *fakeRecord) SetStatus(s outsink.PacketStatus)  { r.status = s }
func (r *fakeRecord) SetIdentifier(pid int32)           { r.id = pid }
func (r *fakeRecord) SetPacketEvtSequence(int32)        {}
func (r *fakeRecord) SetNrModules(int32)                {}
func (r *fakeRecord) SetNrChannels(int32)                {}
func (r *fakeRecord) SetNrSamples(int32)                {}
func (r *fakeRecord) SetBCO(v uint64)                    { r.bco = v }
func (r *fakeRecord) SetFemClock(int, int32)             {}
func (r *fakeRecord) SetFemEvtSequence(int, int32)       {}
func (r *fakeRecord) SetFemSlot(int, int32)              {}
func (r *fakeRecord) SetChecksumLsb(int, int32)          {}
func (r *fakeRecord) SetChecksumMsb(int, int32)          {}
func (r *fakeRecord) SetCalcChecksumLsb(int, int32)      {}
func (r *fakeRecord) SetCalcChecksumMsb(int, int32)      {}
func (r *fakeRecord) SetFemStatus(m int, s outsink.FemStatus) { r.femStatus[m] = s }
func (r *fakeRecord) SetSuppressed(int, bool)            {}
func (r *fakeRecord) SetPre(int, int32)                  {}
func (r *fakeRecord) SetPost(int, int32)                 {}
func (r *fakeRecord) SetSample(int, int, int32)          {}

type fakeSink struct {
	records map[int32]*fakeRecord
}

func newFakeSink() *fakeSink { return &fakeSink{records: make(map[int32]*fakeRecord)} }

func (s *fakeSink) Record(pid int32) outsink.Record {
	r, ok := s.records[pid]
	if !ok {
		r = &fakeRecord{femStatus: make(map[int]outsink.FemStatus)}
		s.records[pid] = r
	}
	return r
}

// --- tests ---

const (
	gl1Pid = 100
	sebPid = 7
)

func buildStream(name string, pid int32, n int, clockStart, clockStep uint64, sink *fakeSink) *StreamAligner {
	events := make([]*fakeEvent, n)
	clk := clockStart
	for i := 0; i < n; i++ {
		events[i] = onePacketEvent(uint64(i), 50000, pid, clk, 2)
		clk += clockStep
	}
	return New(name, &fakeSource{events: events}, sink)
}

func TestPerfectAlignmentEmitsAllOK(t *testing.T) {
	sink := newFakeSink()
	gl1 := buildStream("gl1", gl1Pid, 10, 1000, 5, sink)
	seb := buildStream("seb", sebPid, 10, 2000, 5, sink)

	require.NoError(t, gl1.FillPool())
	require.NoError(t, seb.FillPool())
	require.NoError(t, seb.Reconcile(gl1))

	for i := 0; i < 10; i++ {
		okGl1, err := gl1.ReadEvent()
		require.NoError(t, err)
		assert.True(t, okGl1)

		okSeb, err := seb.ReadEvent()
		require.NoError(t, err)
		require.True(t, okSeb)

		rec := sink.records[sebPid]
		assert.Equal(t, outsink.PacketOK, rec.status)
		assert.Equal(t, uint64(2000+5*i), rec.bco)
	}

	assert.False(t, seb.EventAlignmentProblem)
}

// S2 — intermittent corruption: a length-2 bad run at slots [4,5] (gl1
// steps of 5, seb stepping 10 then 3 there) ditches only slot 4.
func TestIntermittentBadDiffDitchesOneSlot(t *testing.T) {
	sink := newFakeSink()
	gl1 := buildStream("gl1", gl1Pid, 10, 1000, 5, sink)

	events := make([]*fakeEvent, 10)
	clk := uint64(2000)
	deltas := []uint64{0, 5, 5, 5, 10, 3, 5, 5, 5, 5}
	for i := 0; i < 10; i++ {
		clk += deltas[i]
		events[i] = onePacketEvent(uint64(i), 50000, sebPid, clk, 2)
	}
	seb := New("seb", &fakeSource{events: events}, sink)

	require.NoError(t, gl1.FillPool())
	require.NoError(t, seb.FillPool())
	require.NoError(t, seb.Reconcile(gl1))

	require.False(t, seb.EventAlignmentProblem)
	assert.True(t, seb.packets[sebPid].ditch[4])
	assert.Len(t, seb.packets[sebPid].ditch, 1)

	for i := 0; i < 4; i++ {
		_, err := seb.ReadEvent()
		require.NoError(t, err)
		assert.Equal(t, outsink.PacketOK, sink.records[sebPid].status)
	}
	_, err := seb.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, outsink.PacketDropped, sink.records[sebPid].status)
}

func TestShiftMinus1PullsOneExtraEvent(t *testing.T) {
	sink := newFakeSink()

	// gl1Diff[1..9] = 1..9 (diff[0] is sentinel: this is each stream's
	// first-ever pool, so clk[0] starts unseeded regardless of values).
	gl1Clocks := []uint64{100, 101, 103, 106, 110, 115, 121, 128, 136, 145}
	gl1Events := make([]*fakeEvent, len(gl1Clocks))
	for i, c := range gl1Clocks {
		gl1Events[i] = onePacketEvent(uint64(i), 50000, gl1Pid, c, 2)
	}
	gl1 := New("gl1", &fakeSource{events: gl1Events}, sink)

	// sebDiff[2..9] = gl1Diff[1..8] = 1..8, matching scenario S4's shift(-1)
	// test (sebDiff[i] == gl1Diff[i-1] for i in [2,10) since gl1 is its own
	// first pool too). sebDiff[1] is unconstrained by the -1 test phase.
	// An 11th event is available for the recovery step to pull.
	sebClocks := []uint64{2000, 2099, 2100, 2102, 2105, 2109, 2114, 2120, 2127, 2135, 9999}
	sebEvents := make([]*fakeEvent, len(sebClocks))
	for i, c := range sebClocks {
		sebEvents[i] = onePacketEvent(uint64(i), 50000, sebPid, c, 2)
	}
	seb := New("seb", &fakeSource{events: sebEvents}, sink)

	require.NoError(t, gl1.FillPool())
	require.NoError(t, seb.FillPool())
	require.NoError(t, seb.Reconcile(gl1))

	assert.False(t, seb.EventAlignmentProblem)
	assert.Equal(t, int32(-1), seb.packets[sebPid].shiftOffset)
	// the dropped front event (clock 2000) was released, and the pulled
	// 11th event is now buffered.
	assert.True(t, sebEvents[0].released)
	assert.Equal(t, 10, len(seb.packets[sebPid].events))
}

// S5 — +1 shift: gl1 is one event ahead of seb. applyShiftPlus1 ditches
// the duplicated front slot and copies the same event pointer into slot 1,
// so exactly one of the two ReadEvent calls that drain those slots must
// release it.
func TestShiftPlus1DitchesFrontAndReleasesSharedEventOnce(t *testing.T) {
	sink := newFakeSink()

	// gl1Diff[1..9] = 1..9 (diff[0] is sentinel: this is gl1's first-ever
	// pool). run 10000 is outside the default packet-clock-copy window, so
	// this test exercises the plain +1 shift path, not the FEM-copied-run
	// special case.
	gl1Clocks := []uint64{100, 101, 103, 106, 110, 115, 121, 128, 136, 145}
	gl1Events := make([]*fakeEvent, len(gl1Clocks))
	for i, c := range gl1Clocks {
		gl1Events[i] = onePacketEvent(uint64(i), 10000, gl1Pid, c, 2)
	}
	gl1 := New("gl1", &fakeSource{events: gl1Events}, sink)

	// sebDiff[1..8] = gl1Diff[2..9] = 2..9, matching scenario S5's shift(+1)
	// test (sebDiff[i] == gl1Diff[i+1] for i in [1,9) since gl1 is its own
	// first pool too). sebDiff[9] is unconstrained by the +1 test phase.
	sebClocks := []uint64{2000, 2002, 2005, 2009, 2014, 2020, 2027, 2035, 2044, 2045}
	sebEvents := make([]*fakeEvent, len(sebClocks))
	for i, c := range sebClocks {
		sebEvents[i] = onePacketEvent(uint64(i), 10000, sebPid, c, 2)
	}
	seb := New("seb", &fakeSource{events: sebEvents}, sink)

	require.NoError(t, gl1.FillPool())
	require.NoError(t, seb.FillPool())
	require.NoError(t, seb.Reconcile(gl1))

	require.False(t, seb.EventAlignmentProblem)
	require.Equal(t, int32(1), seb.packets[sebPid].shiftOffset)
	require.True(t, seb.packets[sebPid].ditch[0])

	// slot 0 is ditched: dropped, and its event (duplicated into slot 1
	// too by applyShiftPlus1) must not be released yet.
	ok, err := seb.ReadEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, outsink.PacketDropped, sink.records[sebPid].status)
	assert.Equal(t, 0, sebEvents[0].releaseCount)

	// slot 1 carries the same event pointer; this is the one call that
	// must release it.
	ok, err = seb.ReadEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, outsink.PacketOK, sink.records[sebPid].status)
	assert.Equal(t, 1, sebEvents[0].releaseCount)

	// further reads don't touch sebEvents[0] again.
	ok, err = seb.ReadEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sebEvents[0].releaseCount)
	assert.Equal(t, 1, sebEvents[1].releaseCount)
}

func TestReadEventDrainsThenMarksAllDone(t *testing.T) {
	sink := newFakeSink()
	gl1 := buildStream("gl1", gl1Pid, 3, 1000, 5, sink)

	require.NoError(t, gl1.FillPool())
	for i := 0; i < 3; i++ {
		ok, err := gl1.ReadEvent()
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := gl1.ReadEvent()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, gl1.AllDone)
}
