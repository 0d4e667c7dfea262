package xhci

import (
	"fmt"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// DefaultRingLength is the number of TRB slots in a transfer or command
// ring, including the trailing Link TRB. One page's worth of TRBs is the
// usual sizing; a smaller constant keeps tests cheap.
const DefaultRingLength = 256

// Ring is a producer-side view of an xHCI TRB ring: a contiguous,
// DMA-coherent circular array of TRBs with a trailing Link TRB that wraps
// back to the start, per spec.md §3 and §4.2.
//
// Ring is single-producer, single-consumer by construction (spec.md §5):
// this core is always the sole producer on behalf of the endpoint or
// command engine that owns the ring, and the controller is always the
// sole consumer.
type Ring struct {
	mem   CoherentMemory
	trbs  []TRB // len == capacity; last slot is always the Link TRB
	enqueueIndex int
	dequeueIndex int
	producerCycle bool // software's current cycle-bit parity
}

// newRing allocates and initializes a ring of the given capacity
// (including its Link TRB), with the producer cycle bit starting at 1 per
// spec.md §4.2.
func newRing(dma DMAAllocator, addrSpace addressSpace, pageSize uintptr, capacity int) (*Ring, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring: capacity %d too small: %w", capacity, ErrInvalidParameter)
	}
	size := uintptr(capacity) * TRBSize
	mem, err := coherentAlloc(dma, addrSpace, size, pageSize, "trb-ring")
	if err != nil {
		return nil, err
	}
	r := &Ring{
		mem:           mem,
		trbs:          make([]TRB, capacity),
		producerCycle: true,
	}
	r.initLinkTRB()
	return r, nil
}

func (r *Ring) capacity() int { return len(r.trbs) }

func (r *Ring) linkIndex() int { return r.capacity() - 1 }

// BaseAddress returns the ring's physical base address (the address of
// TRB index 0).
func (r *Ring) BaseAddress() PhysAddr { return r.mem.Physical }

func (r *Ring) trbAddress(i int) PhysAddr {
	return r.BaseAddress() + PhysAddr(i*TRBSize)
}

// initLinkTRB writes the trailing Link TRB, pointing at the ring base
// with its Toggle-Cycle bit set, per spec.md §8 ("the link TRB's
// Toggle-Cycle bit is set").
func (r *Ring) initLinkTRB() {
	var link TRB
	link.setType(TRBTypeLink)
	link.setParameter(uint64(r.trbAddress(0)))
	link.setControl(link.Control() | (1 << 1)) // Toggle Cycle bit (bit 1)
	link.setCycleBit(r.producerCycle)
	r.trbs[r.linkIndex()] = link
	r.writeThrough(r.linkIndex())
}

// writeThrough copies trbs[i] into the DMA-coherent backing memory.
func (r *Ring) writeThrough(i int) {
	raw := r.trbs[i].raw()
	base := uintptr(r.mem.Virtual) + uintptr(i)*TRBSize
	for w := 0; w < 4; w++ {
		*(*uint32)(ptrAdd(base, uintptr(w)*4)) = raw[w]
	}
}

// Full reports whether one more enqueue would make the enqueue index
// equal the dequeue index, per spec.md §4.2's full-ring rule. The Link
// TRB slot is never a usable data slot, so the ring has capacity-1 data
// slots; because one of them always stays empty, at most capacity-2 TRBs
// are outstanding at once.
func (r *Ring) Full() bool {
	next := r.nextDataIndex(r.enqueueIndex)
	return next == r.dequeueIndex
}

// nextDataIndex returns the next data-bearing index after i, skipping
// over (and conceptually wrapping at) the Link TRB.
func (r *Ring) nextDataIndex(i int) int {
	i++
	if i == r.linkIndex() {
		return 0
	}
	return i
}

// Enqueue writes trb at the current enqueue position and advances it,
// following the cycle-bit-last discipline of spec.md §4.2:
//  1. write the TRB body with the *opposite* of the producer cycle
//  2. (memory barrier — provided by writeThrough's ordered stores)
//  3. flip the cycle bit to match producer_cycle, publishing the TRB
//  4. advance the enqueue index, toggling the Link TRB and producer
//     cycle on wrap
//
// It returns the physical address of the TRB just enqueued, the handle
// callers correlate against completion events.
func (r *Ring) Enqueue(trb TRB) (PhysAddr, error) {
	if r.Full() {
		return 0, ErrRingFull
	}
	i := r.enqueueIndex
	trb.setCycleBit(!r.producerCycle)
	r.trbs[i] = trb
	r.writeThrough(i)

	trb.setCycleBit(r.producerCycle)
	r.trbs[i] = trb
	r.writeThrough(i)

	addr := r.trbAddress(i)
	xlog.Tracef(xlog.Ring, "enqueue trb type=%d @%#x cycle=%v", trb.Type(), uint64(addr), r.producerCycle)
	r.advanceEnqueue()
	return addr, nil
}

func (r *Ring) advanceEnqueue() {
	next := r.enqueueIndex + 1
	if next == r.linkIndex() {
		link := r.trbs[r.linkIndex()]
		link.setCycleBit(r.producerCycle)
		r.trbs[r.linkIndex()] = link
		r.writeThrough(r.linkIndex())
		r.producerCycle = !r.producerCycle
		r.enqueueIndex = 0
	} else {
		r.enqueueIndex = next
	}
}

// AdvanceDequeue moves the ring's notion of the consumer's position
// forward by one data slot. The core's rings don't read hardware-owned
// dequeue state directly (the controller keeps its own); this tracks the
// dequeue pointer this software instance has reported via Set-TR-Dequeue-
// Pointer / Stop-Endpoint bookkeeping, used by cancellation (spec.md
// §4.5) to know which TRBs are safe to skip.
func (r *Ring) AdvanceDequeue() {
	r.dequeueIndex = r.nextDataIndex(r.dequeueIndex)
}

// CycleBit returns the current software (producer) cycle-bit parity,
// used by callers constructing Set-TR-Dequeue-Pointer commands.
func (r *Ring) CycleBit() bool { return r.producerCycle }

// EnqueuePointer returns the physical address the next Enqueue call will
// use, useful for Set-TR-Dequeue-Pointer after a Stop-Endpoint.
func (r *Ring) EnqueuePointer() PhysAddr { return r.trbAddress(r.enqueueIndex) }
