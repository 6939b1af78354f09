package stream

import "github.com/sphenix-offline/seballign/rawevent"

// packetFemSource adapts a pid's buffered events to femalign.FemClockSource,
// reading the module-level FEMCLOCK field directly from each slot's packet.
type packetFemSource struct {
	events []rawevent.Event
	pid    int32
}

func (f *packetFemSource) NumModules(slot int) int {
	pkt := f.events[slot].Packet(f.pid)
	if pkt == nil {
		return 0
	}
	return int(pkt.IValue(0, rawevent.FieldNRMODULES))
}

func (f *packetFemSource) FemClock(slot, module int) int32 {
	pkt := f.events[slot].Packet(f.pid)
	return pkt.IValue(module, rawevent.FieldFEMCLOCK)
}
