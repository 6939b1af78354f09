// Package rawevent defines the external-facing traits the alignment core
// consumes: the raw Event/Packet produced by a stream source, and the
// typed field keys that stand in for the original dynamic iValue/lValue
// lookups. The concrete sources live in package rawfile; this package only
// describes the capability boundary.
package rawevent

import "github.com/sphenix-offline/seballign/clockmath"

// Type distinguishes data events from other framework event types (begin
// run, end run, scalers, ...). Only Data events carry packets.
type Type int

const (
	// Other is any non-data event; the core discards these.
	Other Type = iota
	// Data is a physics data event; it may contain packets.
	Data
)

// FieldKey is a validated accessor key into a Packet's per-module or
// per-channel integer fields. Keys are checked once here rather than via
// free-form string lookups at every call site.
type FieldKey int

const (
	FieldCLOCK FieldKey = iota
	FieldEVTNR
	FieldNRMODULES
	FieldCHANNELS
	FieldSAMPLES
	FieldDETID
	FieldMODULEADDRESS
	FieldFEMCLOCK
	FieldFEMEVTNR
	FieldFEMSLOT
	FieldCHECKSUMLSB
	FieldCHECKSUMMSB
	FieldCALCCHECKSUMLSB
	FieldCALCCHECKSUMMSB
	FieldSUPPRESSED
	FieldPRE
	FieldPOST
)

// Packet is a per-detector subcomponent of an Event.
type Packet interface {
	// ID returns the packet identifier.
	ID() int32

	// IValue returns an integer field. row indexes the module or channel
	// the key applies to (ignored by scalar keys like NRMODULES).
	IValue(row int, key FieldKey) int32

	// LValue returns a 64-bit field (presently only CLOCK).
	LValue(row int, key FieldKey) uint64

	// Sample returns waveform sample isamp of channel ipmt.
	Sample(ipmt, isamp int) int32
}

// Clock returns the packet's truncated 32-bit clock value:
// lValue(0, CLOCK) & clockmath.Mask.
func Clock(p Packet) uint64 {
	return p.LValue(0, FieldCLOCK) & clockmath.Mask
}

// Event is an opaque raw event produced by a Source. Ownership of an Event
// transfers to whoever holds it last (see package arena); the core never
// assumes a language-level destructor runs it down.
type Event interface {
	// Sequence is the event's monotonic sequence number within its run.
	Sequence() uint64

	// Type reports whether this is a Data event.
	Type() Type

	// RunNumber is the DAQ run number this event belongs to.
	RunNumber() int32

	// Convert performs the source's lazy decode step; it is a no-op if
	// the event was already materialized.
	Convert()

	// PacketIDs returns the set of packet identifiers present in this
	// event.
	PacketIDs() []int32

	// Packet returns the packet with the given id, or nil if absent.
	Packet(pid int32) Packet

	// Release returns the event to whatever pool the Source allocated it
	// from. The caller must not touch the event afterward. StreamAligner
	// releases a non-data event as soon as it reads it, and the front event
	// of a pid's deque when a -1 shift drops it. ReadEvent releases an
	// emitted event, at most once per call even when several pids share
	// it, only while every pid is unshifted or when the emitting pid is +1
	// shifted; a ditched slot does not cause its event to be released.
	Release()
}
