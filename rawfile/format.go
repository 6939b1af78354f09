// Package rawfile implements concrete rawevent.Source adapters over a
// simple length-prefixed binary frame format: a sequential local file
// reader and a sequential S3 object reader. Both share the same frame
// decoder; they differ only in how raw bytes are sourced.
//
// The frame format is this repository's own concrete encoding of the
// abstract Event/Packet traits rawevent describes; spec.md places the raw
// object model out of scope, so there is no wire format to match here —
// this one exists purely so LocalSource and S3Source have something real
// to decode.
package rawfile

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/sphenix-offline/seballign/clockmath"
	"github.com/sphenix-offline/seballign/rawevent"
)

// frame layout, all little-endian:
//
//	u32  total frame length (excludes this field)
//	u8   event type (0=Other, 1=Data)
//	i32  run number
//	u64  sequence
//	u32  packet count
//	  per packet:
//	    i32  id
//	    u64  clock
//	    i32  evtnr
//	    i32  nmod
//	    i32  nchan
//	    i32  nsamp
//	    per module: i32 femclock, i32 femevtnr, i32 femslot,
//	                i32 cksumlsb, i32 cksummsb, i32 calclsb, i32 calcmsb
//	    per channel: u8 suppressed, i32 pre, i32 post, nsamp x i32 sample

// decodeEvent reads one frame from r. It returns io.EOF when r is
// exhausted at a frame boundary.
func decodeEvent(r *bufio.Reader) (*fileEvent, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(err, "truncated frame length")
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "truncated frame body")
	}
	return parseFrame(body)
}

func parseFrame(body []byte) (*fileEvent, error) {
	br := &byteReader{buf: body}

	typ := br.u8()
	run := br.i32()
	seq := br.u64()
	npkt := int(br.u32())
	if br.err != nil {
		return nil, errors.Wrap(br.err, "decoding frame header")
	}

	evt := &fileEvent{
		typ:  rawevent.Type(typ),
		run:  run,
		seq:  seq,
		pkts: make(map[int32]*filePacket, npkt),
	}
	for i := 0; i < npkt; i++ {
		p := &filePacket{}
		p.id = br.i32()
		p.clock = br.u64()
		p.evtnr = br.i32()
		p.nmod = br.i32()
		p.nchan = br.i32()
		p.nsamp = br.i32()
		for m := int32(0); m < p.nmod; m++ {
			p.femclock = append(p.femclock, br.i32())
			p.femevtnr = append(p.femevtnr, br.i32())
			p.femslot = append(p.femslot, br.i32())
			p.cksumlsb = append(p.cksumlsb, br.i32())
			p.cksummsb = append(p.cksummsb, br.i32())
			p.calclsb = append(p.calclsb, br.i32())
			p.calcmsb = append(p.calcmsb, br.i32())
		}
		for c := int32(0); c < p.nchan; c++ {
			p.suppressed = append(p.suppressed, br.u8() != 0)
			p.pre = append(p.pre, br.i32())
			p.post = append(p.post, br.i32())
			samples := make([]int32, p.nsamp)
			for s := range samples {
				samples[s] = br.i32()
			}
			p.samples = append(p.samples, samples)
		}
		if br.err != nil {
			return nil, errors.Wrap(br.err, "decoding packet")
		}
		evt.pkts[p.id] = p
	}
	return evt, nil
}

// byteReader is a tiny bounds-checked cursor over a decoded frame body.
type byteReader struct {
	buf []byte
	off int
	err error
}

func (b *byteReader) need(n int) bool {
	if b.err != nil {
		return false
	}
	if b.off+n > len(b.buf) {
		b.err = errors.New("frame body too short")
		return false
	}
	return true
}

func (b *byteReader) u8() uint8 {
	if !b.need(1) {
		return 0
	}
	v := b.buf[b.off]
	b.off++
	return v
}

func (b *byteReader) i32() int32 {
	if !b.need(4) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(b.buf[b.off:]))
	b.off += 4
	return v
}

func (b *byteReader) u32() uint32 {
	if !b.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v
}

func (b *byteReader) u64() uint64 {
	if !b.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(b.buf[b.off:])
	b.off += 8
	return v
}

// filePacket implements rawevent.Packet over decoded frame fields.
type filePacket struct {
	id                                   int32
	clock                                uint64
	evtnr, nmod, nchan, nsamp            int32
	femclock, femevtnr, femslot          []int32
	cksumlsb, cksummsb, calclsb, calcmsb []int32
	suppressed                           []bool
	pre, post                            []int32
	samples                              [][]int32
}

func (p *filePacket) ID() int32 { return p.id }

func (p *filePacket) IValue(row int, key rawevent.FieldKey) int32 {
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

func (p *filePacket) LValue(row int, key rawevent.FieldKey) uint64 {
	if key == rawevent.FieldCLOCK {
		return p.clock & clockmath.Mask
	}
	return 0
}

func (p *filePacket) Sample(ipmt, isamp int) int32 { return p.samples[ipmt][isamp] }

// fileEvent implements rawevent.Event. Decoding is eager (Convert is a
// no-op); frame bodies are already fully materialized by decodeEvent.
type fileEvent struct {
	typ  rawevent.Type
	run  int32
	seq  uint64
	pkts map[int32]*filePacket

	release func(*fileEvent)
}

func (e *fileEvent) Sequence() uint64    { return e.seq }
func (e *fileEvent) Type() rawevent.Type { return e.typ }
func (e *fileEvent) RunNumber() int32    { return e.run }
func (e *fileEvent) Convert()            {}

func (e *fileEvent) PacketIDs() []int32 {
	ids := make([]int32, 0, len(e.pkts))
	for id := range e.pkts {
		ids = append(ids, id)
	}
	return ids
}

func (e *fileEvent) Packet(pid int32) rawevent.Packet {
	p, ok := e.pkts[pid]
	if !ok {
		return nil
	}
	return p
}

func (e *fileEvent) Release() {
	if e.release != nil {
		e.release(e)
	}
}
