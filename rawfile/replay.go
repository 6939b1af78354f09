package rawfile

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/grailbio/base/log"

	"github.com/sphenix-offline/seballign/rawevent"
)

// replaySnapshot is the diagnostic footprint of one decoded event: just
// enough to reconstruct the clock-and-sequence picture around a FEM-copy
// run's event-number mismatch, without holding onto full sample payloads.
type replaySnapshot struct {
	seq  uint64
	run  int32
	pid  int32
	clk  uint64
}

// ReplayBuffer holds per-packet clock/sequence snapshots of decoded events
// in memory for diagnostic replay. Once it holds more than Capacity
// snapshots it writes them all, snappy-compressed, to a file under
// ScratchDir and empties itself; with no ScratchDir it discards the oldest
// half instead.
//
// This is diagnostic scaffolding for hard FEM event-number mismatches
// (stream.femEventNrClockCheck's "log diagnostic tables" path): a
// LocalSource or S3Source wired with a ReplayBuffer lets the caller dump
// the raw clock trail leading up to a hard mismatch instead of only the
// single offending pool.
type ReplayBuffer struct {
	Capacity   int
	ScratchDir string

	name string
	buf  []replaySnapshot
}

// NewReplayBuffer constructs a ReplayBuffer that spills under the given
// name once it holds more than capacity snapshots.
func NewReplayBuffer(name string, capacity int, scratchDir string) *ReplayBuffer {
	return &ReplayBuffer{Capacity: capacity, ScratchDir: scratchDir, name: name}
}

// Record appends evt's clock footprint for every packet it carries.
func (rb *ReplayBuffer) Record(evt rawevent.Event) {
	for _, pid := range evt.PacketIDs() {
		pkt := evt.Packet(pid)
		if pkt == nil {
			continue
		}
		rb.buf = append(rb.buf, replaySnapshot{
			seq: evt.Sequence(),
			run: evt.RunNumber(),
			pid: pid,
			clk: rawevent.Clock(pkt),
		})
	}
	if len(rb.buf) > rb.Capacity {
		rb.spill()
	}
}

func (rb *ReplayBuffer) spill() {
	if rb.ScratchDir == "" {
		// No scratch configured: just drop the oldest half rather than
		// growing without bound.
		half := len(rb.buf) / 2
		rb.buf = append(rb.buf[:0], rb.buf[half:]...)
		return
	}

	raw := make([]byte, 0, len(rb.buf)*24)
	for _, s := range rb.buf {
		var rec [24]byte
		binary.LittleEndian.PutUint64(rec[0:8], s.seq)
		binary.LittleEndian.PutUint32(rec[8:12], uint32(s.run))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(s.pid))
		binary.LittleEndian.PutUint64(rec[16:24], s.clk)
		raw = append(raw, rec[:]...)
	}
	compressed := snappy.Encode(nil, raw)

	path := filepath.Join(rb.ScratchDir, fmt.Sprintf("%s-replay-%d.snappy", rb.name, time.Now().UnixNano()))
	if err := ioutil.WriteFile(path, compressed, 0644); err != nil {
		log.Error.Printf("rawfile: spilling replay buffer %s: %v", rb.name, err)
	}
	rb.buf = rb.buf[:0]
}
