package rawfile

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphenix-offline/seballign/rawevent"
)

type replayFakePacket struct {
	id    int32
	clock uint64
}

func (p *replayFakePacket) ID() int32                                    { return p.id }
func (p *replayFakePacket) IValue(int, rawevent.FieldKey) int32          { return 0 }
func (p *replayFakePacket) LValue(row int, key rawevent.FieldKey) uint64 {
	if key == rawevent.FieldCLOCK {
		return p.clock
	}
	return 0
}
func (p *replayFakePacket) Sample(int, int) int32 { return 0 }

type replayFakeEvent struct {
	seq uint64
	run int32
	pkt *replayFakePacket
}

func (e *replayFakeEvent) Sequence() uint64    { return e.seq }
func (e *replayFakeEvent) Type() rawevent.Type { return rawevent.Data }
func (e *replayFakeEvent) RunNumber() int32    { return e.run }
func (e *replayFakeEvent) Convert()            {}
func (e *replayFakeEvent) Release()            {}
func (e *replayFakeEvent) PacketIDs() []int32  { return []int32{e.pkt.id} }
func (e *replayFakeEvent) Packet(pid int32) rawevent.Packet {
	if pid != e.pkt.id {
		return nil
	}
	return e.pkt
}

func TestReplayBufferSpillsOnceOverCapacity(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	rb := NewReplayBuffer("seb7", 3, tmpdir)
	for i := 0; i < 5; i++ {
		rb.Record(&replayFakeEvent{seq: uint64(i), run: 50000, pkt: &replayFakePacket{id: 7, clock: uint64(1000 + i)}})
	}
	assert.Len(t, rb.buf, 1)

	entries, err := ioutil.ReadDir(tmpdir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Ext(entries[0].Name()), ".snappy")
}

func TestReplayBufferDropsOldestHalfWithoutScratchDir(t *testing.T) {
	rb := NewReplayBuffer("seb7", 3, "")
	for i := 0; i < 5; i++ {
		rb.Record(&replayFakeEvent{seq: uint64(i), run: 50000, pkt: &replayFakePacket{id: 7, clock: uint64(1000 + i)}})
	}
	assert.NotEmpty(t, rb.buf)
	assert.True(t, len(rb.buf) < 5)
}
