package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/sphenix-offline/seballign/outsink"
)

// textSink is a stand-in OutputSink that formats each aligned record as one
// TSV line. The real downstream node tree lives outside this engine (see
// package outsink's doc comment); this exists only so cmd/ebalign has
// somewhere concrete to write.
type textSink struct {
	w       *bufio.Writer
	records map[int32]*textRecord
}

func newTextSink(w io.Writer) *textSink {
	return &textSink{w: bufio.NewWriter(w), records: make(map[int32]*textRecord)}
}

func (s *textSink) Record(pid int32) outsink.Record {
	r, ok := s.records[pid]
	if !ok {
		r = &textRecord{w: s.w, pid: pid}
		s.records[pid] = r
	}
	return r
}

// FlushRecords emits every record's last-populated state (the state as of
// the final ReadEvent call each pid received) and flushes the writer. Call
// once after the orchestrator finishes, since textRecord otherwise only
// emits a record when the following one's Reset overwrites it.
func (s *textSink) FlushRecords() error {
	for _, r := range s.records {
		if r.written {
			r.emit()
			r.written = false
		}
	}
	return s.w.Flush()
}

// textRecord accumulates one packet's fields for one event, then writes
// itself to the sink's writer on the next Reset (which is how stream
// signals "this record is finished, about to start the next one").
type textRecord struct {
	w   *bufio.Writer
	pid int32

	status   outsink.PacketStatus
	evtnr    int32
	nmod     int32
	nchan    int32
	nsamp    int32
	bco      uint64
	femBad   []int32
	written  bool
}

func (r *textRecord) Reset() {
	if r.written {
		r.emit()
	}
	r.status = outsink.PacketOK
	r.evtnr, r.nmod, r.nchan, r.nsamp, r.bco = 0, 0, 0, 0, 0
	r.femBad = r.femBad[:0]
	r.written = true
}

func (r *textRecord) emit() {
	if r.status == outsink.PacketDropped {
		fmt.Fprintf(r.w, "pid=%d\tstatus=DROPPED\n", r.pid)
		return
	}
	fmt.Fprintf(r.w, "pid=%d\tstatus=OK\tevtnr=%d\tnmod=%d\tnchan=%d\tnsamp=%d\tbco=%d\tfembad=%v\n",
		r.pid, r.evtnr, r.nmod, r.nchan, r.nsamp, r.bco, r.femBad)
}

func (r *textRecord) SetStatus(s outsink.PacketStatus)    { r.status = s }
func (r *textRecord) SetIdentifier(pid int32)             { r.pid = pid }
func (r *textRecord) SetPacketEvtSequence(v int32)        { r.evtnr = v }
func (r *textRecord) SetNrModules(v int32)                { r.nmod = v }
func (r *textRecord) SetNrChannels(v int32)               { r.nchan = v }
func (r *textRecord) SetNrSamples(v int32)                { r.nsamp = v }
func (r *textRecord) SetBCO(v uint64)                     { r.bco = v }
func (r *textRecord) SetFemClock(int, int32)              {}
func (r *textRecord) SetFemEvtSequence(int, int32)        {}
func (r *textRecord) SetFemSlot(int, int32)               {}
func (r *textRecord) SetChecksumLsb(int, int32)           {}
func (r *textRecord) SetChecksumMsb(int, int32)           {}
func (r *textRecord) SetCalcChecksumLsb(int, int32)       {}
func (r *textRecord) SetCalcChecksumMsb(int, int32)       {}
func (r *textRecord) SetSuppressed(int, bool)             {}
func (r *textRecord) SetPre(int, int32)                   {}
func (r *textRecord) SetPost(int, int32)                  {}
func (r *textRecord) SetSample(int, int, int32)           {}

func (r *textRecord) SetFemStatus(module int, status outsink.FemStatus) {
	if status == outsink.FemBadEventNr {
		r.femBad = append(r.femBad, int32(module))
	}
}
