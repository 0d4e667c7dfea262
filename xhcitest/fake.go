// Package xhcitest provides a hardware-free MMIO and DMA backend for
// exercising the xhci package's ring, event-ring, and dispatcher logic
// without real silicon, in the spirit of the teacher's config_test.go
// table-driven fixtures.
package xhcitest

import (
	"context"
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	xhci "github.com/kestrelsoc/xhcihost"
)

// MMIO is an in-memory register space addressable the same way a real
// controller's BAR would be, implementing xhci.MMIO.
type MMIO struct {
	mu   sync.Mutex
	data []byte

	// usbcmdOffset, when resetSim is set, lets WriteU32 stand in for
	// hardware's self-clearing HCRST handshake so a full
	// xhci.Controller.Init can run against this fake without real
	// silicon. Set by NewFakeController; zero value leaves WriteU32 a
	// plain store. USBSTS.CNR needs no such handling: it starts zero
	// (ready) and nothing here ever sets it.
	resetSim     bool
	usbcmdOffset uintptr
}

// NewMMIO allocates a zeroed register space of size bytes.
func NewMMIO(size int) *MMIO {
	return &MMIO{data: make([]byte, size)}
}

func (m *MMIO) ReadU32(offset uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint32(m.data[offset : offset+4])
}

func (m *MMIO) WriteU32(offset uintptr, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.data[offset:offset+4], value)
	if m.resetSim && offset == m.usbcmdOffset && value&usbcmdHCReset != 0 {
		// Real hardware clears HCRST itself once reset completes;
		// nothing else will here, so do it on the controller's behalf.
		binary.LittleEndian.PutUint32(m.data[offset:offset+4], value&^usbcmdHCReset)
	}
}

func (m *MMIO) ReadU64(offset uintptr) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return binary.LittleEndian.Uint64(m.data[offset : offset+8])
}

func (m *MMIO) WriteU64(offset uintptr, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint64(m.data[offset:offset+8], value)
}

// Poke writes a register directly, used by tests to simulate the
// controller's own writes (e.g. a PORTSC change bit appearing).
func (m *MMIO) Poke(offset uintptr, value uint32) { m.WriteU32(offset, value) }

// Peek reads a register directly.
func (m *MMIO) Peek(offset uintptr) uint32 { return m.ReadU32(offset) }

// DMA is a plain-Go-heap allocator implementing xhci.DMAAllocator:
// every allocation is backed by a pinned byte slice, and "physical"
// addresses are just the slice's address cast to an integer. Good
// enough for exercising cycle-bit and ring-wrap logic without a real
// IOMMU; AC64-limit testing uses a synthetic PhysAddr instead.
type DMA struct {
	mu      sync.Mutex
	regions map[xhci.PhysAddr][]byte
}

// NewDMA constructs an empty fake DMA allocator.
func NewDMA() *DMA { return &DMA{regions: make(map[xhci.PhysAddr][]byte)} }

func (d *DMA) AllocateCoherent(size, align uintptr) (xhci.CoherentMemory, error) {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, int(size)+int(align))
	ptr := unsafe.Pointer(&buf[0])
	phys := xhci.PhysAddr(uintptr(ptr))
	d.mu.Lock()
	d.regions[phys] = buf
	d.mu.Unlock()
	return xhci.CoherentMemory{Virtual: ptr, Physical: phys, Size: size}, nil
}

func (d *DMA) FreeCoherent(mem xhci.CoherentMemory) {
	d.mu.Lock()
	delete(d.regions, mem.Physical)
	d.mu.Unlock()
}

func (d *DMA) Map(buf []byte, dir xhci.Direction) (xhci.PhysAddr, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return xhci.PhysAddr(uintptr(unsafe.Pointer(&buf[0]))), nil
}

func (d *DMA) Unmap(buf []byte, dir xhci.Direction) {}

// Platform is a deterministic xhci.Platform implementation for tests:
// Sleep returns immediately unless ctx is already done.
type Platform struct{}

func (Platform) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (Platform) PageSize() uintptr { return 4096 }

// usbcmdHCReset mirrors register.go's unexported USBCMD.HCRST bit; kept
// in sync by hand since xhcitest deliberately has no access to xhci's
// unexported register layout.
const usbcmdHCReset uint32 = 1 << 1

const (
	fakeCapLength = 0x20
	fakeUSBCMDOff = fakeCapLength + 0x00
	fakeRTSOff    = 0x2000
	fakeDBOff     = 0x3000
	fakePortBase  = fakeCapLength + 0x400
)

// NewFakeController builds an MMIO region pre-populated with capability
// registers describing a controller with maxSlots slots and maxPorts
// root-hub ports, so xhci.Controller.Init can run against it end to
// end. ac64 and csz64 select 64-bit addressing and the 64-byte context
// size, mirroring the two capability bits a real Controller branches
// on during Init.
func NewFakeController(maxSlots, maxPorts uint8, ac64, csz64 bool) *MMIO {
	size := fakePortBase + int(maxPorts)*0x10
	if s := fakeDBOff + (int(maxSlots)+1)*4; s > size {
		size = s
	}
	if s := fakeRTSOff + 0x20 + 0x20 + 8; s > size { // interrupter 0's register block
		size = s
	}
	m := NewMMIO(size)
	m.resetSim = true
	m.usbcmdOffset = fakeUSBCMDOff

	// CAPLENGTH (byte 0) / HCIVERSION (bytes 2-3).
	m.WriteU32(0x00, uint32(fakeCapLength)|0x0100<<16)
	// HCSPARAMS1: MaxSlots[7:0], MaxIntrs[18:8], MaxPorts[31:24].
	m.WriteU32(0x04, uint32(maxSlots)|uint32(maxPorts)<<24|1<<8)
	// HCSPARAMS2, HCSPARAMS3: left zero, nothing here depends on them.
	var hccparams1 uint32
	if ac64 {
		hccparams1 |= 1
	}
	if csz64 {
		hccparams1 |= 1 << 2
	}
	m.WriteU32(0x10, hccparams1)
	m.WriteU32(0x14, uint32(fakeDBOff)) // DBOFF
	m.WriteU32(0x18, uint32(fakeRTSOff)) // RTSOFF

	// PAGESIZE: bit 0 set means a 4096-byte page, per xHCI 5.4.3.
	m.WriteU32(fakeCapLength+0x08, 1)
	return m
}
