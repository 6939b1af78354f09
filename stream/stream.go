// Package stream implements StreamAligner, the per-SEB-stream state
// machine: it owns a ClockPool and event deque per packet identifier,
// drives pool filling from a rawevent.Source, reconciles against a GL1
// reference stream via package align (and, on packet-clock-copied runs,
// package femalign), and emits one aligned record per pid per ReadEvent
// call to an outsink.Sink.
package stream

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"

	"github.com/sphenix-offline/seballign/align"
	"github.com/sphenix-offline/seballign/arena"
	"github.com/sphenix-offline/seballign/clockmath"
	"github.com/sphenix-offline/seballign/femalign"
	"github.com/sphenix-offline/seballign/outsink"
	"github.com/sphenix-offline/seballign/pool"
	"github.com/sphenix-offline/seballign/rawevent"
)

// Packet-clock-copy run-number window (original_source run range where a
// firmware bug copies the packet-level clock from the previous event).
const (
	defaultCopyRunStart = 44000
	defaultCopyRunEnd   = 56079
)

type perPacketState struct {
	pool   *pool.ClockPool
	events []rawevent.Event

	shiftOffset         int32
	prevPoolLastDiffBad bool
	ditch               map[int]bool

	backupEvent rawevent.Event

	inFemCopiedSet   bool
	previousValidBCO uint64
}

func newPerPacketState() *perPacketState {
	return &perPacketState{pool: pool.New(), ditch: make(map[int]bool)}
}

// StreamAligner is one per SEB stream (or, with a single pid, the GL1
// reference stream). Orchestrator drives FillPool/Reconcile/ReadEvent in
// lockstep across every aligner it owns.
type StreamAligner struct {
	Name   string
	Source rawevent.Source
	Sink   outsink.Sink

	// Verbosity gates optional vlog trace output; 0 is silent.
	Verbosity int

	// ScratchDir, if non-empty, receives gzip diagnostic dumps once the
	// in-memory hard-mismatch warn budget (1000) is exhausted.
	ScratchDir string

	// CopyRunStart/CopyRunEnd override the packet-clock-copy run-number
	// window; both zero means use the defaults.
	CopyRunStart, CopyRunEnd int32

	packets map[int32]*perPacketState
	order   pidSet

	sourceOpen        bool
	firstCall         bool
	packetClkCopyRuns bool
	filledThisCycle   bool

	FilesDone             bool
	AllDone               bool
	EventAlignmentProblem bool

	femEventNrSet map[int32]struct{}

	warnedFirstPool  map[int32]bool
	femSoftWarnCount int
	femHardWarnCount int

	arena   arena.Pool
	release *arena.ReleaseSet
}

// New returns a StreamAligner reading from src and writing emitted records
// to sink.
func New(name string, src rawevent.Source, sink outsink.Sink) *StreamAligner {
	return &StreamAligner{
		Name:            name,
		Source:          src,
		Sink:            sink,
		packets:         make(map[int32]*perPacketState),
		firstCall:       true,
		warnedFirstPool: make(map[int32]bool),
		femEventNrSet:   make(map[int32]struct{}),
	}
}

func (s *StreamAligner) copyRunWindow() (int32, int32) {
	if s.CopyRunStart == 0 && s.CopyRunEnd == 0 {
		return defaultCopyRunStart, defaultCopyRunEnd
	}
	return s.CopyRunStart, s.CopyRunEnd
}

// anyDiff returns the diff array for the smallest pid this aligner knows
// about. A SEB aligner calls this on the GL1 aligner to get its reference;
// "any pid" is exact here since a GL1 stream carries exactly one.
func (s *StreamAligner) anyDiff() (int32, []uint64, bool) {
	pid, ok := s.order.First()
	if !ok {
		return 0, nil, false
	}
	return pid, s.packets[pid].pool.Diff[:], true
}

func allSentinel(diff []uint64) bool {
	for _, d := range diff {
		if d != clockmath.Sentinel {
			return false
		}
	}
	return true
}

func getClock(evt rawevent.Event, pid int32) uint64 {
	if evt == nil {
		return clockmath.Sentinel
	}
	pkt := evt.Packet(pid)
	if pkt == nil {
		return clockmath.Sentinel
	}
	return rawevent.Clock(pkt)
}

// FillPool reads up to pool.Depth events into every known packet's deque
// and ClockPool, opening and cycling files as needed. It is a no-op once
// this stream is done or has hit an unrecoverable alignment problem.
func (s *StreamAligner) FillPool() error {
	s.filledThisCycle = false
	if s.AllDone || s.EventAlignmentProblem || s.FilesDone {
		return nil
	}
	n, err := s.fillEventVector()
	if err != nil {
		return err
	}
	s.filledThisCycle = n > 0
	return nil
}

func (s *StreamAligner) fillEventVector() (int, error) {
	if !s.sourceOpen {
		ok, err := s.Source.OpenNextFile()
		if err != nil {
			return 0, errors.E(err, "stream", s.Name, "opening first file")
		}
		if !ok {
			s.AllDone = true
			return 0, nil
		}
		s.sourceOpen = true
	}

	drained := true
	s.order.Each(func(pid int32) bool {
		if len(s.packets[pid].events) > 0 {
			drained = false
			return true
		}
		return false
	})
	if !drained {
		return 0, nil
	}

	s.order.Each(func(pid int32) bool {
		s.packets[pid].pool.RollOver()
		return false
	})

	shiftedEvents := make(map[int32]rawevent.Event, s.order.Len())

	for slot := 0; slot < pool.Depth; slot++ {
		evt, err := s.nextDataEvent()
		if err != nil {
			return 0, err
		}
		if evt == nil {
			break
		}
		evt.Convert()

		if s.firstCall {
			s.discoverPacketSet(evt)
			start, end := s.copyRunWindow()
			s.packetClkCopyRuns = evt.RunNumber() >= start && evt.RunNumber() < end
			s.firstCall = false
		}

		s.order.Each(func(pid int32) bool {
			pps := s.packets[pid]
			effectiveEvent := evt
			if pps.shiftOffset == 1 {
				if slot == 0 {
					effectiveEvent = pps.backupEvent
				} else {
					effectiveEvent = shiftedEvents[pid]
				}
				shiftedEvents[pid] = evt
				if slot == pool.Depth-1 {
					pps.backupEvent = evt
				}
			}

			if effectiveEvent == nil || effectiveEvent.Packet(pid) == nil {
				return false
			}
			s.fillPacketClock(pid, pps, effectiveEvent, slot)
			pps.events = append(pps.events, effectiveEvent)
			return false
		})

		if s.Verbosity > 1 {
			vlog.VI(2).Infof("%s: filled pool slot %d from event seq %d", s.Name, slot, evt.Sequence())
		}
	}

	minSize := pool.Depth
	s.order.Each(func(pid int32) bool {
		if n := len(s.packets[pid].events); n < minSize {
			minSize = n
		}
		return false
	})
	return minSize, nil
}

func (s *StreamAligner) discoverPacketSet(evt rawevent.Event) {
	for _, pid := range evt.PacketIDs() {
		if s.order.Add(pid) {
			s.packets[pid] = newPerPacketState()
		}
	}
}

// nextDataEvent returns the next Data event, transparently cycling files
// and discarding non-data events (releasing them immediately).
func (s *StreamAligner) nextDataEvent() (rawevent.Event, error) {
	for {
		evt, err := s.Source.NextEvent()
		if err != nil {
			return nil, errors.E(err, "stream", s.Name, "reading next event")
		}
		if evt == nil {
			s.sourceOpen = false
			ok, err := s.Source.OpenNextFile()
			if err != nil {
				return nil, errors.E(err, "stream", s.Name, "opening next file")
			}
			if !ok {
				s.FilesDone = true
				return nil, nil
			}
			s.sourceOpen = true
			continue
		}
		if evt.Type() != rawevent.Data {
			evt.Release()
			continue
		}
		return evt, nil
	}
}

func (s *StreamAligner) fillPacketClock(pid int32, pps *perPacketState, effectiveEvent rawevent.Event, slot int) {
	if s.packetClkCopyRuns && pps.inFemCopiedSet {
		if slot == 0 {
			pps.pool.Record(0, pps.previousValidBCO)
		} else {
			pps.pool.Record(slot, getClock(pps.events[slot-1], pid))
		}
		return
	}

	clk := getClock(effectiveEvent, pid)
	if clk == clockmath.Sentinel {
		log.Error.Printf("%s: bad clock for packet %d at pool slot %d", s.Name, pid, slot)
		return
	}
	prevWasSentinel := pps.pool.Clk[slot] == clockmath.Sentinel
	pps.pool.Record(slot, clk)
	if prevWasSentinel && !s.warnedFirstPool[pid] {
		s.warnedFirstPool[pid] = true
		log.Info.Printf("%s: packet %d has no carryover clock at pool slot %d, diff left at sentinel", s.Name, pid, slot)
	}
}

// Reconcile compares this stream's just-filled pools against gl1's
// reference diff array and applies whatever recovery package align
// prescribes. It is a no-op unless FillPool produced a non-empty pool this
// cycle. Call once per cycle, after every aligner (including gl1 itself)
// has run FillPool.
func (s *StreamAligner) Reconcile(gl1 *StreamAligner) error {
	if !s.filledThisCycle || s.EventAlignmentProblem {
		return nil
	}
	_, gl1Diff, ok := gl1.anyDiff()
	if !ok {
		return nil
	}
	if allSentinel(gl1Diff) {
		return nil
	}

	var reconcileErr error
	s.order.Each(func(pid int32) bool {
		pps := s.packets[pid]
		if len(pps.events) == 0 {
			log.Error.Printf("%s: packet %d pool size is zero during reconciliation", s.Name, pid)
			return true
		}

		verdict := align.Check(pps.pool.Diff[:], gl1Diff, pps.prevPoolLastDiffBad)
		switch verdict.Kind {
		case align.Reject:
			log.Error.Printf("%s: packet %d alignment unrecoverable", s.Name, pid)
			s.EventAlignmentProblem = true
			return true
		case align.Aligned:
			pps.prevPoolLastDiffBad = verdict.CurrentPoolLastDiffBad
			for _, bi := range verdict.BadIndices {
				pps.ditch[bi] = true
			}
			if s.Verbosity > 1 && len(verdict.BadIndices) > 0 {
				s.dumpPoolTable(pid, pps, gl1Diff)
			}
		case align.ShiftMinus1:
			if err := s.applyShiftMinus1(pid, pps); err != nil {
				reconcileErr = err
				return true
			}
		case align.ShiftPlus1:
			if err := s.applyShiftPlus1(pid, pps, gl1Diff); err != nil {
				reconcileErr = err
				return true
			}
		}
		return false
	})
	return reconcileErr
}

func (s *StreamAligner) applyShiftMinus1(pid int32, pps *perPacketState) error {
	if pps.shiftOffset == -1 {
		log.Error.Printf("%s: packet %d requested a second -1 shift", s.Name, pid)
		s.EventAlignmentProblem = true
		return nil
	}
	if len(pps.events) == 0 {
		log.Error.Printf("%s: packet %d has no buffered event to drop for a -1 shift", s.Name, pid)
		return nil
	}

	dropped := pps.events[0]
	pps.events = pps.events[1:]
	dropped.Release()
	pps.pool.ShiftLeft()

	evt, err := s.nextDataEvent()
	if err != nil {
		return err
	}
	if evt == nil {
		s.FilesDone = true
		pps.shiftOffset--
		return nil
	}
	evt.Convert()
	if evt.Packet(pid) != nil {
		s.fillPacketClock(pid, pps, evt, pool.Depth-1)
	}
	pps.events = append(pps.events, evt)
	pps.shiftOffset--
	return nil
}

func (s *StreamAligner) applyShiftPlus1(pid int32, pps *perPacketState, gl1Diff []uint64) error {
	if s.packetClkCopyRuns {
		src := &packetFemSource{events: pps.events, pid: pid}
		if femalign.Check(src, gl1Diff, len(pps.events)) {
			pps.inFemCopiedSet = true
			pps.ditch[0] = true
			pps.previousValidBCO = getClock(pps.events[0], pid)
			pps.pool.Clk[pool.Depth] = pps.pool.Clk[pool.Depth-1]
			return nil
		}
	}

	if pps.shiftOffset == 1 {
		log.Error.Printf("%s: packet %d requested a second +1 shift", s.Name, pid)
		s.EventAlignmentProblem = true
	}
	pps.pool.ShiftRight()
	pps.ditch[0] = true

	n := len(pps.events)
	if n == 0 {
		log.Error.Printf("%s: packet %d has no buffered events for a +1 shift", s.Name, pid)
		pps.shiftOffset++
		return nil
	}
	pps.backupEvent = pps.events[n-1]
	shifted := make([]rawevent.Event, n)
	shifted[0] = pps.events[0]
	copy(shifted[1:], pps.events[:n-1])
	pps.events = shifted
	pps.shiftOffset++
	return nil
}

// ReadEvent pops one event off every pid's deque and writes the
// corresponding record to the sink. It returns false once any pid's deque
// runs dry (setting AllDone, unless the stream already has an alignment
// problem).
func (s *StreamAligner) ReadEvent() (bool, error) {
	if s.AllDone {
		return false, nil
	}

	exhausted := false
	s.order.Each(func(pid int32) bool {
		if len(s.packets[pid].events) == 0 {
			exhausted = true
			return true
		}
		return false
	})
	if exhausted {
		if !s.EventAlignmentProblem {
			s.AllDone = true
		}
		return false, nil
	}

	allUnshifted := true
	s.order.Each(func(pid int32) bool {
		if s.packets[pid].shiftOffset != 0 {
			allUnshifted = false
			return true
		}
		return false
	})

	s.femEventNrSet = make(map[int32]struct{})
	if s.release == nil {
		s.release = arena.NewReleaseSet(s.order.Len())
	}

	var emitErr error
	s.order.Each(func(pid int32) bool {
		pps := s.packets[pid]
		evt := pps.events[0]
		pkt := evt.Packet(pid)
		if pkt == nil || pkt.ID() != pid {
			log.Error.Printf("%s: packet identifier mismatch for pid %d", s.Name, pid)
			s.EventAlignmentProblem = true
			emitErr = errors.New(fmt.Sprintf("stream %s: packet identifier mismatch for pid %d", s.Name, pid))
			return true
		}

		rec := s.Sink.Record(pid)
		rec.Reset()
		rec.SetIdentifier(pid)

		if pps.ditch[0] {
			rec.SetStatus(outsink.PacketDropped)
			return false
		}
		s.populateRecord(rec, pps, evt, pkt, pid)

		if allUnshifted || pps.shiftOffset == 1 {
			s.release.Add(evt)
		}
		return false
	})
	if emitErr != nil {
		return false, emitErr
	}

	s.release.Release()

	s.order.Each(func(pid int32) bool {
		pps := s.packets[pid]
		shifted := make(map[int]bool, len(pps.ditch))
		for idx := range pps.ditch {
			if idx-1 >= 0 {
				shifted[idx-1] = true
			}
		}
		pps.ditch = shifted
		pps.events = pps.events[1:]
		return false
	})

	return true, nil
}

func (s *StreamAligner) populateRecord(rec outsink.Record, pps *perPacketState, evt rawevent.Event, pkt rawevent.Packet, pid int32) {
	rec.SetStatus(outsink.PacketOK)
	rec.SetPacketEvtSequence(pkt.IValue(0, rawevent.FieldEVTNR))

	nmod := int(pkt.IValue(0, rawevent.FieldNRMODULES))
	nchan := int(pkt.IValue(0, rawevent.FieldCHANNELS))
	nsamp := int(pkt.IValue(0, rawevent.FieldSAMPLES))
	rec.SetNrModules(int32(nmod))
	rec.SetNrChannels(int32(nchan))
	rec.SetNrSamples(int32(nsamp))

	if s.packetClkCopyRuns && pps.inFemCopiedSet {
		rec.SetBCO(pps.previousValidBCO)
		pps.previousValidBCO = getClock(evt, pid)
	} else {
		rec.SetBCO(rawevent.Clock(pkt))
	}

	for m := 0; m < nmod; m++ {
		rec.SetFemClock(m, pkt.IValue(m, rawevent.FieldFEMCLOCK))
		rec.SetFemEvtSequence(m, pkt.IValue(m, rawevent.FieldFEMEVTNR))
		rec.SetFemSlot(m, pkt.IValue(m, rawevent.FieldFEMSLOT))
		rec.SetChecksumLsb(m, pkt.IValue(m, rawevent.FieldCHECKSUMLSB))
		rec.SetChecksumMsb(m, pkt.IValue(m, rawevent.FieldCHECKSUMMSB))
		rec.SetCalcChecksumLsb(m, pkt.IValue(m, rawevent.FieldCALCCHECKSUMLSB))
		rec.SetCalcChecksumMsb(m, pkt.IValue(m, rawevent.FieldCALCCHECKSUMMSB))
		rec.SetFemStatus(m, outsink.FemOK)
	}

	for c := 0; c < nchan; c++ {
		suppressed := pkt.IValue(c, rawevent.FieldSUPPRESSED) != 0
		rec.SetSuppressed(c, suppressed)
		if suppressed {
			rec.SetPre(c, pkt.IValue(c, rawevent.FieldPRE))
			rec.SetPost(c, pkt.IValue(c, rawevent.FieldPOST))
		} else {
			for si := 0; si < nsamp; si++ {
				rec.SetSample(c, si, pkt.Sample(c, si))
			}
		}
	}

	if s.femEventNrClockCheck(rec, pkt, pid, nmod, nchan, nsamp) < 0 {
		rec.Reset()
		rec.SetStatus(outsink.PacketDropped)
		rec.SetIdentifier(pid)
	}
}

// femEventNrClockCheck cross-checks the module-level FEMEVTNR fields
// against each other, tolerating a lone outlier when the FEM clocks still
// agree. Returns 0 (all agree), 1 (soft mismatch tolerated), or -1 (hard
// mismatch, caller must reset the record).
func (s *StreamAligner) femEventNrClockCheck(rec outsink.Record, pkt rawevent.Packet, pid int32, nmod, nchan, nsamp int) int {
	if nmod == 0 {
		return 0
	}

	byValue := make(map[int32][]int, nmod)
	for m := 0; m < nmod; m++ {
		v := pkt.IValue(m, rawevent.FieldFEMEVTNR)
		byValue[v] = append(byValue[v], m)
	}

	if len(byValue) == 1 {
		for v := range byValue {
			s.femEventNrSet[v] = struct{}{}
		}
		return 0
	}

	if len(byValue) == 2 {
		var vals [2]int32
		var groups [2][]int
		i := 0
		for v, mods := range byValue {
			vals[i], groups[i] = v, mods
			i++
		}
		if vals[0] > vals[1] {
			vals[0], vals[1] = vals[1], vals[0]
			groups[0], groups[1] = groups[1], groups[0]
		}
		minority, majority := 0, 1
		if len(groups[0]) > len(groups[1]) {
			minority, majority = 1, 0
		}
		if len(groups[minority]) == 1 && femClocksIdentical(pkt, nmod) {
			for _, m := range groups[minority] {
				rec.SetFemStatus(m, outsink.FemBadEventNr)
			}
			s.femEventNrSet[vals[majority]] = struct{}{}
			if s.femSoftWarnCount < 10 {
				s.femSoftWarnCount++
				log.Info.Printf("%s: packet %d fem event-number soft mismatch, module %v tagged bad", s.Name, pid, groups[minority])
			}
			return 1
		}
	}

	for m := 0; m < nmod; m++ {
		rec.SetFemStatus(m, outsink.FemBadEventNr)
	}
	if s.femHardWarnCount < 1000 {
		s.femHardWarnCount++
		log.Error.Printf("%s: packet %d fem event-number hard mismatch across %d modules", s.Name, pid, nmod)
	} else {
		s.dumpHardMismatch(pid, pkt, nmod, nchan, nsamp)
	}
	return -1
}

func femClocksIdentical(pkt rawevent.Packet, nmod int) bool {
	first := pkt.IValue(0, rawevent.FieldFEMCLOCK)
	for m := 1; m < nmod; m++ {
		if pkt.IValue(m, rawevent.FieldFEMCLOCK) != first {
			return false
		}
	}
	return true
}

// dumpHardMismatch gzips a compact diagnostic table (plus a seahash
// fingerprint of the packet's channel-sample payload) to ScratchDir once
// the in-memory warn budget is spent, instead of flooding the log.
func (s *StreamAligner) dumpHardMismatch(pid int32, pkt rawevent.Packet, nmod, nchan, nsamp int) {
	if s.ScratchDir == "" {
		return
	}
	path := filepath.Join(s.ScratchDir, fmt.Sprintf("%s-pid%d-%d.gz", s.Name, pid, time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		log.Error.Printf("%s: could not open diagnostic dump %s: %v", s.Name, path, err)
		return
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()

	fmt.Fprintf(gw, "pid=%d nmod=%d payload_fingerprint=%016x\n", pid, nmod, fingerprintSamples(pkt, nchan, nsamp))
	for m := 0; m < nmod; m++ {
		fmt.Fprintf(gw, "module=%d evtnr=%d femclock=%d\n", m, pkt.IValue(m, rawevent.FieldFEMEVTNR), pkt.IValue(m, rawevent.FieldFEMCLOCK))
	}
}

// dumpPoolTable writes a verbosity-gated table of the seb and gl1 diffs at
// each slot of one reconciled pool (the clock values are not printed), matching the source's unconditional debug print but
// gated behind Verbosity so production runs stay quiet.
func (s *StreamAligner) dumpPoolTable(pid int32, pps *perPacketState, gl1Diff []uint64) {
	for i := 0; i < pool.Depth; i++ {
		vlog.VI(2).Infof("%s: pid %d slot %d seb_diff=%d gl1_diff=%d", s.Name, pid, i, pps.pool.Diff[i], gl1Diff[i])
	}
}

func fingerprintSamples(pkt rawevent.Packet, nchan, nsamp int) uint64 {
	h := seahash.New()
	var buf [4]byte
	for c := 0; c < nchan; c++ {
		for si := 0; si < nsamp; si++ {
			binary.LittleEndian.PutUint32(buf[:], uint32(pkt.Sample(c, si)))
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}
