package xhci

import "unsafe"

// ptrAdd returns a pointer offset bytes past base, used when writing TRB
// words directly into DMA-coherent backing memory.
func ptrAdd(base uintptr, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(base + offset) //nolint:govet // DMA-coherent memory, not GC-managed
}

// ptrAddBytes returns a pointer to a [64]byte block offset bytes past
// base, used when copying context entries to and from DMA-coherent
// backing memory.
func ptrAddBytes(base unsafe.Pointer, offset uintptr) *[contextEntrySize64]byte {
	return (*[contextEntrySize64]byte)(unsafe.Pointer(uintptr(base) + offset)) //nolint:govet // DMA-coherent memory, not GC-managed
}
