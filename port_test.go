package xhci

import (
	"context"
	"sync"
	"testing"
	"time"
)

// portscFakeMMIO models the write semantics real PORTSC hardware has,
// since Port's ack/reset logic (register.go's ClearChangeBits in
// particular) relies on RW1C behavior: writing 1 to a change bit clears
// it, writing 0 leaves it untouched, and status bits the controller
// itself owns (CCS, PED, OCA, speed) never change except via poke,
// which stands in for the simulated device/controller side.
type portscFakeMMIO struct {
	mu sync.Mutex
	v  uint32
}

const portscHardwareOwnedMask = portscCCS | portscPED | portscOCA | portscSpeedMask

func (m *portscFakeMMIO) poke(bits uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v |= bits
}

// setChangeBit raises a change bit directly, standing in for the
// controller itself signaling a PORTSC event (a real RW1C bit is never
// "written" to 1 by software in this emulation, only cleared).
func (m *portscFakeMMIO) setChangeBit(bit uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v |= bit & portscChangeMask
}

func (m *portscFakeMMIO) hasBit(bit uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v&bit != 0
}

func (m *portscFakeMMIO) ReadU32(offset uintptr) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v
}

func (m *portscFakeMMIO) WriteU32(offset uintptr, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear := value & portscChangeMask
	rw := value &^ (portscChangeMask | portscHardwareOwnedMask)
	m.v = (m.v &^ portscChangeMask &^ clear) | (m.v & portscChangeMask &^ clear) | rw | (m.v & portscHardwareOwnedMask)
}

func (m *portscFakeMMIO) ReadU64(offset uintptr) uint64  { return 0 }
func (m *portscFakeMMIO) WriteU64(offset uintptr, value uint64) {}

func newTestPortRegister() (PortRegister, *portscFakeMMIO) {
	mmio := &portscFakeMMIO{}
	return PortRegister{mmio: mmio, off: 0}, mmio
}

func TestPortRegisterResetAndStatus(t *testing.T) {
	reg, mmio := newTestPortRegister()
	mmio.poke(portscCCS | (uint32(3) << portscSpeedShift))
	mmio.v |= portscCSC

	status := reg.Status()
	if !status.Connected || !status.ConnectChanged {
		t.Fatalf("Status() = %+v, want Connected && ConnectChanged", status)
	}
	if status.Speed != SpeedHigh {
		t.Fatalf("Status().Speed = %v, want SpeedHigh", status.Speed)
	}

	reg.Reset(false)
	if !reg.Status().ResetInProgress {
		t.Fatalf("Reset(false) did not assert PORTSC.PR")
	}
}

func TestPortRegisterClearChangeBitsOnlyClearsRequestedBits(t *testing.T) {
	reg, mmio := newTestPortRegister()
	mmio.v = portscCSC | portscPRC
	reg.ClearChangeBits(portscCSC)
	if mmio.v&portscCSC != 0 {
		t.Fatalf("ClearChangeBits(portscCSC) left CSC set")
	}
	if mmio.v&portscPRC == 0 {
		t.Fatalf("ClearChangeBits(portscCSC) cleared PRC, which it wasn't asked to")
	}
}

func TestPortFSMConnectResetEnable(t *testing.T) {
	reg, mmio := newTestPortRegister()
	p := newPort(reg, 1, testPlatform{})

	if p.State() != PortStateDisconnected {
		t.Fatalf("initial State() = %v, want PortStateDisconnected", p.State())
	}

	// Connect event.
	mmio.poke(portscCCS | (uint32(3) << portscSpeedShift))
	mmio.v |= portscCSC
	p.Refresh()
	if p.State() != PortStateDisabled {
		t.Fatalf("after connect, State() = %v, want PortStateDisabled", p.State())
	}
	if mmio.v&portscCSC != 0 {
		t.Fatalf("Refresh did not acknowledge CSC")
	}
	if mmio.v&portscCCS == 0 {
		t.Fatalf("Refresh's acknowledgment clobbered the hardware-owned CCS bit")
	}

	// Controller completes the reset: PED and PRC appear together.
	mmio.poke(portscPED)
	mmio.v |= portscPRC
	if err := p.WaitForReset(context.Background(), false); err != nil {
		t.Fatalf("WaitForReset: %v", err)
	}
	if p.State() != PortStateEnabled {
		t.Fatalf("after reset, State() = %v, want PortStateEnabled", p.State())
	}
	if mmio.v&portscPRC != 0 {
		t.Fatalf("WaitForReset did not acknowledge PRC")
	}
}

func TestPortAssignSlotAndMarkConfigured(t *testing.T) {
	reg, _ := newTestPortRegister()
	p := newPort(reg, 2, testPlatform{})
	p.AssignSlot(5)
	if p.SlotID() != 5 {
		t.Fatalf("SlotID() = %d, want 5", p.SlotID())
	}
	if p.State() != PortStateAddressing {
		t.Fatalf("State() after AssignSlot = %v, want PortStateAddressing", p.State())
	}
	p.MarkConfigured()
	if p.State() != PortStateConfigured {
		t.Fatalf("State() after MarkConfigured = %v, want PortStateConfigured", p.State())
	}
}

func TestClearFeatureOrderAcknowledgesResetAndConnectionFirst(t *testing.T) {
	if len(clearFeatureOrder) < 3 {
		t.Fatalf("clearFeatureOrder too short")
	}
	if clearFeatureOrder[0] != portscPRC || clearFeatureOrder[1] != portscWRC {
		t.Fatalf("clearFeatureOrder = %v, want C_PORT_RESET variants acknowledged first", clearFeatureOrder)
	}
	if clearFeatureOrder[2] != portscCSC {
		t.Fatalf("clearFeatureOrder = %v, want C_PORT_CONNECTION acknowledged right after the reset bits", clearFeatureOrder)
	}
}

// testPlatform is a deterministic Platform for tests: Sleep returns
// immediately unless the context is already done.
type testPlatform struct{}

func (testPlatform) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
func (testPlatform) PageSize() uintptr { return 4096 }
