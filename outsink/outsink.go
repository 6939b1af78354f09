// Package outsink defines the OutputSink external-facing trait: the
// downstream node tree the core populates one aligned record into per
// packet, per emitted event. The concrete object model lives outside this
// core (spec.md §1, out of scope).
package outsink

// FemStatus is the per-module status the core assigns during emission.
type FemStatus int

const (
	FemOK FemStatus = iota
	FemBadEventNr
)

// PacketStatus is the per-packet status the core assigns during emission.
type PacketStatus int

const (
	PacketOK PacketStatus = iota
	PacketDropped
)

// Record is the per-packet, per-event output the core populates. A real
// sink returns a Record bound to the packet identifier so repeated lookups
// reuse the same downstream node.
type Record interface {
	Reset()

	SetStatus(PacketStatus)
	SetIdentifier(pid int32)
	SetPacketEvtSequence(v int32)
	SetNrModules(v int32)
	SetNrChannels(v int32)
	SetNrSamples(v int32)
	SetBCO(v uint64)

	SetFemClock(module int, v int32)
	SetFemEvtSequence(module int, v int32)
	SetFemSlot(module int, v int32)
	SetChecksumLsb(module int, v int32)
	SetChecksumMsb(module int, v int32)
	SetCalcChecksumLsb(module int, v int32)
	SetCalcChecksumMsb(module int, v int32)
	SetFemStatus(module int, status FemStatus)

	SetSuppressed(channel int, suppressed bool)
	SetPre(channel int, v int32)
	SetPost(channel int, v int32)
	SetSample(channel, sample int, v int32)
}

// Sink resolves a packet identifier to the Record that FillPool/ReadEvent
// should populate for it.
type Sink interface {
	Record(pid int32) Record
}
