package xhci

import (
	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// erstEntrySize is the size in bytes of one Event-Ring-Segment-Table
// entry (xHCI 1.2 Table 6-84): base address (8), size (2), reserved (6).
const erstEntrySize = 16

// eventSegment is one software-side record of an event-ring segment: its
// DMA-coherent TRB storage and length.
type eventSegment struct {
	mem  CoherentMemory
	trbs int
}

// EventRing is the hardware-producer/software-consumer ring the
// controller posts completion events to, per spec.md §3 and §4.3. This
// core allocates a single segment, which is sufficient for one
// interrupter; the segment-table machinery is still general enough to
// grow to more segments if a deployment needs deeper event buffering.
type EventRing struct {
	segments     []eventSegment
	erst         CoherentMemory // event-ring-segment-table backing memory
	segIndex     int
	trbIndex     int
	consumerCycle bool
}

// newEventRing allocates an event ring with the given number of segments,
// each holding trbsPerSegment TRBs, and its backing segment table.
func newEventRing(dma DMAAllocator, addrSpace addressSpace, pageSize uintptr, segmentCount, trbsPerSegment int) (*EventRing, error) {
	er := &EventRing{consumerCycle: true}
	for i := 0; i < segmentCount; i++ {
		mem, err := coherentAlloc(dma, addrSpace, uintptr(trbsPerSegment)*TRBSize, pageSize, "event-ring-segment")
		if err != nil {
			return nil, err
		}
		er.segments = append(er.segments, eventSegment{mem: mem, trbs: trbsPerSegment})
	}
	erst, err := coherentAlloc(dma, addrSpace, uintptr(segmentCount)*erstEntrySize, 64, "event-ring-segment-table")
	if err != nil {
		return nil, err
	}
	er.erst = erst
	er.writeERST()
	return er, nil
}

func (er *EventRing) writeERST() {
	for i, seg := range er.segments {
		base := uintptr(er.erst.Virtual) + uintptr(i)*erstEntrySize
		*(*uint64)(ptrAdd(base, 0)) = uint64(seg.mem.Physical)
		*(*uint16)(ptrAdd(base, 8)) = uint16(seg.trbs)
	}
}

// ERSTBaseAddress returns the physical address of the segment table, for
// ERSTBA.
func (er *EventRing) ERSTBaseAddress() PhysAddr { return er.erst.Physical }

// SegmentCount returns the number of segments, for ERSTSZ.
func (er *EventRing) SegmentCount() uint16 { return uint16(len(er.segments)) }

// DequeuePointer returns the physical address of the next TRB this
// software instance will consume, for the initial ERDP write.
func (er *EventRing) DequeuePointer() PhysAddr {
	seg := er.segments[er.segIndex]
	return seg.mem.Physical + PhysAddr(er.trbIndex*TRBSize)
}

func (er *EventRing) readTRBAt(segIndex, trbIndex int) TRB {
	seg := er.segments[segIndex]
	base := uintptr(seg.mem.Virtual) + uintptr(trbIndex)*TRBSize
	var raw [4]uint32
	for w := 0; w < 4; w++ {
		raw[w] = *(*uint32)(ptrAdd(base, uintptr(w)*4))
	}
	var t TRB
	t.setRaw(raw)
	return t
}

// Poll returns the next event TRB owned by software (cycle bit matches
// the consumer cycle), or ok=false if none is pending, per spec.md §4.3:
// "if its cycle bit != consumer cycle, no event is pending."
func (er *EventRing) Poll() (TRB, bool) {
	trb := er.readTRBAt(er.segIndex, er.trbIndex)
	if trb.CycleBit() != er.consumerCycle {
		return TRB{}, false
	}
	xlog.Tracef(xlog.Event, "event trb type=%d seg=%d idx=%d", trb.Type(), er.segIndex, er.trbIndex)
	er.advance()
	return trb, true
}

// advance moves the dequeue position forward by one TRB, toggling the
// consumer cycle bit exactly once per full segment-table traversal
// (spec.md §8's event-ring invariant).
func (er *EventRing) advance() {
	er.trbIndex++
	if er.trbIndex >= er.segments[er.segIndex].trbs {
		er.trbIndex = 0
		er.segIndex++
		if er.segIndex >= len(er.segments) {
			er.segIndex = 0
			er.consumerCycle = !er.consumerCycle
		}
	}
}

// Drain calls fn for every currently-owned event, stopping at the first
// TRB software does not yet own. It returns the dequeue pointer to
// publish via ERDP after the batch (spec.md §4.3).
func (er *EventRing) Drain(fn func(TRB)) PhysAddr {
	for {
		trb, ok := er.Poll()
		if !ok {
			break
		}
		fn(trb)
	}
	return er.DequeuePointer()
}
