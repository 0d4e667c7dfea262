package xhci

import (
	"fmt"
	"unsafe"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// addressMask32 is the highest admissible physical address when the
// controller's AC64 capability bit is clear (spec.md §4.1).
const addressMask32 = 0xffff_ffff

// DMAAllocator is the narrow DMA boundary the core requires from its
// caller, per spec.md §6: "an object implementing the DMA-coherent-
// allocator interface". Every memory-visible structure shared with the
// controller — device contexts, rings, the event-ring segment table,
// scratchpad buffers, and caller-provided transfer buffers — flows
// through this interface.
type DMAAllocator interface {
	// AllocateCoherent allocates size bytes aligned to align, coherent
	// between software and the controller (or backed by explicit cache
	// maintenance hooks invoked by this allocator at the map/unmap
	// boundary, per spec.md §4.1).
	AllocateCoherent(size, align uintptr) (CoherentMemory, error)
	// FreeCoherent releases memory previously returned by
	// AllocateCoherent.
	FreeCoherent(mem CoherentMemory)
	// Map prepares a caller-supplied buffer for DMA in the given
	// direction, returning its physical address. Unmap must be called
	// once the matching completion event has been observed (spec.md §5).
	Map(buf []byte, dir Direction) (PhysAddr, error)
	// Unmap releases a mapping previously returned by Map.
	Unmap(buf []byte, dir Direction)
}

// PhysAddr is a 64-bit bus/physical address as seen by the controller.
type PhysAddr uint64

// CoherentMemory is a DMA-coherent allocation: a virtual pointer usable by
// software and the physical address to hand to the controller.
type CoherentMemory struct {
	Virtual  unsafe.Pointer
	Physical PhysAddr
	Size     uintptr
	// Handle is allocator-private bookkeeping returned unmodified to
	// FreeCoherent.
	Handle any
}

// addressSpace enforces the AC64 addressing-width rule at the point where
// a DMA address is about to be handed to the controller, per spec.md §4.1:
// "When AC64=0, every DMA address handed to the controller ... must fit in
// 32 bits."
type addressSpace struct {
	ac64 bool
}

func (a addressSpace) check(addr PhysAddr, what string) error {
	if !a.ac64 && uint64(addr) > addressMask32 {
		xlog.Errorf(xlog.Host, "%s address %#x exceeds 32-bit limit (AC64=0)", what, uint64(addr))
		return fmt.Errorf("%s: %w", what, ErrDMAAddressOutOfRange)
	}
	return nil
}

// coherentAlloc is a convenience wrapper combining AllocateCoherent with
// the AC64 address check, used by every ring/context allocation site.
func coherentAlloc(dma DMAAllocator, addrSpace addressSpace, size, align uintptr, what string) (CoherentMemory, error) {
	mem, err := dma.AllocateCoherent(size, align)
	if err != nil {
		return CoherentMemory{}, fmt.Errorf("%s: %w", what, ErrNoMemory)
	}
	if err := addrSpace.check(mem.Physical, what); err != nil {
		dma.FreeCoherent(mem)
		return CoherentMemory{}, err
	}
	return mem, nil
}
