package xhci

import (
	"context"
	"errors"
	"testing"
	"time"
)

// resettingMMIO layers two pieces of hardware behavior onto fakeMMIO
// that Controller.Init and port enumeration both depend on and a plain
// byte-slice store doesn't provide:
//
//   - USBCMD.HCRST self-clears once reset completes (real silicon does
//     this itself; nothing else would here, so ResetInProgress would
//     poll forever without it).
//   - each PORTSC register's RW1C change bits and hardware-owned status
//     bits (CCS, PED, OCA, speed) behave as register.go's ClearChangeBits
//     assumes, via the same emulation portscFakeMMIO uses in
//     port_test.go. pokePort stands in for the simulated device/
//     controller side setting those hardware-owned bits directly.
type resettingMMIO struct {
	*fakeMMIO
	usbcmdOffset uintptr
	ports        map[uintptr]*portscFakeMMIO
}

func (m *resettingMMIO) addPort(offset uintptr) {
	if m.ports == nil {
		m.ports = make(map[uintptr]*portscFakeMMIO)
	}
	m.ports[offset] = &portscFakeMMIO{}
}

func (m *resettingMMIO) pokePort(offset uintptr, bits uint32) {
	m.ports[offset].poke(bits)
}

func (m *resettingMMIO) ReadU32(offset uintptr) uint32 {
	if p, ok := m.ports[offset]; ok {
		return p.ReadU32(0)
	}
	return m.fakeMMIO.ReadU32(offset)
}

func (m *resettingMMIO) WriteU32(offset uintptr, value uint32) {
	if p, ok := m.ports[offset]; ok {
		p.WriteU32(0, value)
		return
	}
	m.fakeMMIO.WriteU32(offset, value)
	if offset == m.usbcmdOffset && value&usbcmdHCReset != 0 {
		m.fakeMMIO.WriteU32(offset, value&^usbcmdHCReset)
	}
}

const (
	testCapLength = 0x20
	testRTSOff    = 0x2000
	testDBOff     = 0x3000
	testPortBase  = testCapLength + opOffPortBase
)

// newTestController builds a Controller over a fake register space sized
// for maxSlots slots and maxPorts ports, with AC64 and the 32-byte
// context layout, and runs Init. It returns the controller along with
// the raw MMIO so tests can poke PORTSC directly to simulate a device
// attaching.
func newTestController(t *testing.T, maxSlots, maxPorts uint8) (*Controller, *resettingMMIO) {
	t.Helper()
	size := int(testPortBase) + int(maxPorts)*0x10
	if s := testDBOff + (int(maxSlots)+1)*4; s > size {
		size = s
	}
	if s := testRTSOff + 0x20 + 0x20 + 8; s > size {
		size = s
	}
	mmio := &resettingMMIO{fakeMMIO: newFakeMMIO(size), usbcmdOffset: testCapLength + opOffUSBCMD}
	for i := uint8(1); i <= maxPorts; i++ {
		mmio.addPort(testPortBase + uintptr(i-1)*opPortStride)
	}

	mmio.WriteU32(0x00, uint32(testCapLength)|0x0100<<16)
	mmio.WriteU32(0x04, uint32(maxSlots)|uint32(maxPorts)<<24|1<<8)
	mmio.WriteU32(0x10, 1) // HCCPARAMS1: AC64=1, CSZ=0
	mmio.WriteU32(0x14, uint32(testDBOff))
	mmio.WriteU32(0x18, uint32(testRTSOff))
	mmio.WriteU32(testCapLength+uintptr(opOffPAGESIZE), 1)

	cfg := Config{MMIO: mmio, DMA: fakeRingDMA{}, Platform: testPlatform{}}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c, mmio
}

func TestControllerInitBringsUpRegistersAndPorts(t *testing.T) {
	c, mmio := newTestController(t, 8, 2)
	if mmio.ReadU32(testCapLength+opOffUSBCMD)&usbcmdRunStop == 0 {
		t.Fatalf("USBCMD.RunStop not set after Init")
	}
	if len(c.ports) != 2 {
		t.Fatalf("len(ports) = %d, want 2", len(c.ports))
	}
	stats := c.Stats()
	if stats.SlotsEnabled != 0 {
		t.Fatalf("SlotsEnabled = %d, want 0 before any enumeration", stats.SlotsEnabled)
	}
}

func TestControllerHandleEventWithNoPendingEventsReturnsZero(t *testing.T) {
	c, _ := newTestController(t, 8, 2)
	if n := c.HandleEvent(); n != 0 {
		t.Fatalf("HandleEvent() = %d, want 0", n)
	}
}

func TestControllerShutdownClearsRunStop(t *testing.T) {
	c, mmio := newTestController(t, 8, 2)
	c.Shutdown()
	if mmio.ReadU32(testCapLength+opOffUSBCMD)&usbcmdRunStop != 0 {
		t.Fatalf("USBCMD.RunStop still set after Shutdown")
	}
}

// fakeDeviceDescriptor builds an 18-byte device descriptor a simulated
// responder hands back for GET_DESCRIPTOR, matching the field layout
// ParseDeviceDescriptor expects.
func fakeDeviceDescriptor(maxPacketSize0 uint8) []byte {
	buf := make([]byte, 18)
	buf[0] = 18
	buf[1] = descTypeDevice
	buf[7] = maxPacketSize0
	buf[8] = 0x6b
	buf[9] = 0x1d
	buf[10] = 0x02
	buf[11] = 0x00
	buf[17] = 1
	return buf
}

// waitForSlot spins until Enumerate has registered id in the
// controller's slot table, synchronizing via the controller's own
// mutex rather than a sleep.
func waitForSlot(c *Controller, id uint8) *Slot {
	for {
		c.mu.Lock()
		slot := c.slots[id]
		c.mu.Unlock()
		if slot != nil {
			return slot
		}
	}
}

// waitForControlEndpoint spins until AddressDevice's completion has run
// far enough to attach the default control endpoint.
func waitForControlEndpoint(slot *Slot) *Endpoint {
	for {
		if ep := slot.ControlEndpoint(); ep != nil {
			return ep
		}
	}
}

// respondToControlFetch waits for a control-transfer waiter to register
// on ep, locates the Data Stage TRB immediately preceding the Status
// Stage TRB the waiter is keyed on, copies data into the buffer that
// TRB points at, synthesizes the matching Transfer Event, and drains it
// through the controller's dispatcher exactly as HandleEvent would.
func respondToControlFetch(t *testing.T, c *Controller, ep *Endpoint, data []byte) {
	t.Helper()
	statusAddr := waitForRegisteredTransferWaiter(ep.waiters)
	statusIdx := trbAddrToIndex(ep.ring, statusAddr)
	dataIdx := statusIdx - 1
	if dataIdx < 0 {
		dataIdx += ep.ring.capacity()
	}
	dataTRB := ep.ring.trbs[dataIdx]
	dst := ptrAddBytes(ptrAdd(uintptr(dataTRB.Parameter()), 0), 0)
	copy(dst[:], data)

	var event TRB
	event.setType(TRBTypeTransferEvent)
	event.setCompletionCode(CompletionSuccess)
	event.setParameter(uint64(statusAddr))
	event.setSlotID(ep.SlotID())
	event.setEndpointID(ep.Index())
	event.setCycleBit(c.eventRing.consumerCycle)
	writeHardwareTRB(c.eventRing, c.eventRing.segIndex, c.eventRing.trbIndex, event)
	c.HandleEvent()
}

func TestControllerEnumerateDrivesPortThroughAddressing(t *testing.T) {
	c, mmio := newTestController(t, 8, 1)

	portOff := testPortBase
	port := mmio.ports[portOff]
	port.poke(portscCCS | (uint32(3) << portscSpeedShift)) // high speed, hardware-owned bits
	port.setChangeBit(portscCSC)

	go func() {
		for i := 0; i < 2_000_000; i++ {
			if port.hasBit(portscPR) {
				port.poke(portscPED)
				port.setChangeBit(portscPRC)
				return
			}
		}
	}()

	var dev *Device
	var enumErr error
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dev, enumErr = c.Enumerate(ctx, 1)
		close(done)
	}()

	completeNextCommand(c.commands, CompletionSuccess, 2) // Enable Slot

	slot := waitForSlot(c, 2)
	completeNextCommand(c.commands, CompletionSuccess, 2) // Address Device
	ep := waitForControlEndpoint(slot)
	respondToControlFetch(t, c, ep, fakeDeviceDescriptor(64))
	completeNextCommand(c.commands, CompletionSuccess, 2) // Evaluate Context (max packet size)
	respondToControlFetch(t, c, ep, fakeDeviceDescriptor(64))

	<-done
	if enumErr != nil {
		t.Fatalf("Enumerate: %v", enumErr)
	}
	if dev.SlotID() != 2 {
		t.Fatalf("SlotID() = %d, want 2", dev.SlotID())
	}
	if dev.DeviceDescriptor().VendorID != 0x1d6b {
		t.Fatalf("VendorID = %#04x, want 0x1d6b", dev.DeviceDescriptor().VendorID)
	}
	if got := c.Device(2); got != dev {
		t.Fatalf("Device(2) did not return the enumerated device")
	}
	if list := c.DeviceList(); len(list) != 1 || list[0] != dev {
		t.Fatalf("DeviceList() = %v, want [dev]", list)
	}
}

func TestControllerEnumerateRejectsOverCurrentPort(t *testing.T) {
	c, mmio := newTestController(t, 8, 1)
	port := mmio.ports[testPortBase]
	port.poke(portscOCA)
	port.setChangeBit(portscOCC)

	_, err := c.Enumerate(context.Background(), 1)
	if !errors.Is(err, ErrPortOverCurrent) {
		t.Fatalf("Enumerate on an over-current port = %v, want ErrPortOverCurrent", err)
	}
}

func TestControllerEnumerateRejectsUnknownSpeedAfterReset(t *testing.T) {
	c, mmio := newTestController(t, 8, 1)
	port := mmio.ports[testPortBase]
	port.poke(portscCCS) // connected, but no speed code set
	port.setChangeBit(portscCSC)

	go func() {
		for i := 0; i < 2_000_000; i++ {
			if port.hasBit(portscPR) {
				port.poke(portscPED)
				port.setChangeBit(portscPRC)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Enumerate(ctx, 1)
	if !errors.Is(err, ErrUnsupportedSpeed) {
		t.Fatalf("Enumerate with no speed code set = %v, want ErrUnsupportedSpeed", err)
	}
}

func TestControllerHandleEventMarksDeadAndFailsOutstandingWaiters(t *testing.T) {
	c, mmio := newTestController(t, 8, 1)

	done := make(chan struct{})
	var cmdErr error
	go func() {
		cmdErr = c.commands.NoOp(context.Background())
		close(done)
	}()
	waitForRegisteredWaiter(c.commands)

	mmio.WriteU32(testCapLength+opOffUSBSTS, usbstsHSError)
	if n := c.HandleEvent(); n != 0 {
		t.Fatalf("HandleEvent() during a fatal host error = %d, want 0", n)
	}
	<-done
	if !errors.Is(cmdErr, ErrControllerDead) {
		t.Fatalf("outstanding command after fatal host error = %v, want ErrControllerDead", cmdErr)
	}

	if _, err := c.commands.submit(TRB{}); !errors.Is(err, ErrControllerDead) {
		t.Fatalf("submit after fatal host error = %v, want ErrControllerDead", err)
	}
	if err := c.Init(context.Background()); !errors.Is(err, ErrControllerDead) {
		t.Fatalf("Init after fatal host error = %v, want ErrControllerDead", err)
	}
	if _, err := c.Enumerate(context.Background(), 1); !errors.Is(err, ErrControllerDead) {
		t.Fatalf("Enumerate after fatal host error = %v, want ErrControllerDead", err)
	}

	// HandleEvent stays a no-op once dead, rather than re-entering the
	// fatal-host-error branch a second time.
	if n := c.HandleEvent(); n != 0 {
		t.Fatalf("HandleEvent() after controller marked dead = %d, want 0", n)
	}
}

