package xhci

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// Config supplies the capabilities a Controller needs from its
// environment: MMIO access, DMA-coherent memory, and cooperative
// scheduling, per spec.md §6's external-interfaces boundary. There is
// no file- or flag-based configuration surface for the library itself
// (SPEC_FULL.md §2.3) — cmd/xhcidemo builds a Config from flags, the
// core never reads configuration on its own.
type Config struct {
	MMIO     MMIO
	DMA      DMAAllocator
	Platform Platform

	// EventRingSegments and TRBsPerSegment size interrupter 0's event
	// ring. Defaulted if zero.
	EventRingSegments int
	TRBsPerSegment    int
	// CommandRingLength sizes the command ring, including its Link TRB.
	// Defaulted if zero.
	CommandRingLength int
}

func (c *Config) setDefaults() {
	if c.EventRingSegments == 0 {
		c.EventRingSegments = 1
	}
	if c.TRBsPerSegment == 0 {
		c.TRBsPerSegment = DefaultRingLength
	}
	if c.CommandRingLength == 0 {
		c.CommandRingLength = DefaultRingLength
	}
}

// Stats is a point-in-time snapshot of controller activity, the
// ambient observability surface SPEC_FULL.md §4.10 adds atop spec.md's
// facade. Stats() fills in SlotsEnabled and EventsHandled;
// CommandsIssued is not updated anywhere and always reads zero.
type Stats struct {
	SlotsEnabled   int
	EventsHandled  uint64
	CommandsIssued uint64
}

// Controller is the top-level facade spec.md §6 describes: it owns the
// register regions, rings, and slot table, and exposes the handful of
// entry points a caller's own executor drives (Init, HandleEvent,
// DeviceList). It never spawns a goroutine of its own (spec.md §5).
type Controller struct {
	cfg Config

	cap     CapabilityRegisters
	op      OperationalRegisters
	runtime RuntimeRegisters
	doorbell DoorbellRegisters

	addrSpace  addressSpace
	pageSize   uintptr
	entrySize  int
	maxSlots   uint8

	dcbaa      CoherentMemory
	commandRing *Ring
	eventRing   *EventRing
	commands    *CommandEngine
	dispatcher  *Dispatcher

	ports map[uint8]*Port
	rootHub RootHub

	mu    sync.Mutex
	slots map[uint8]*Slot
	devices map[uint8]*Device

	eventsHandled  uint64
	dead           *deadFlag
}

// New builds a Controller bound to cfg but does not yet touch hardware;
// call Init to reset and bring the controller up.
func New(cfg Config) (*Controller, error) {
	if cfg.MMIO == nil || cfg.DMA == nil || cfg.Platform == nil {
		return nil, fmt.Errorf("xhci: Config missing MMIO/DMA/Platform: %w", ErrInvalidParameter)
	}
	cfg.setDefaults()
	c := &Controller{
		cfg: cfg,
		cap: newCapabilityRegisters(cfg.MMIO),
		ports: make(map[uint8]*Port),
		slots: make(map[uint8]*Slot),
		devices: make(map[uint8]*Device),
		dead: &deadFlag{},
	}
	return c, nil
}

// Init resets the controller, sizes its register views from the
// Capability registers, allocates the DCBAA/command ring/event ring,
// and starts the controller running (spec.md §4.1, §4.6).
func (c *Controller) Init(ctx context.Context) error {
	if c.dead.isDead() {
		return ErrControllerDead
	}
	capLength := c.cap.CapLength()
	c.op = newOperationalRegisters(c.cfg.MMIO, capLength)
	c.runtime = newRuntimeRegisters(c.cfg.MMIO, c.cap.RuntimeOffset())
	c.doorbell = newDoorbellRegisters(c.cfg.MMIO, c.cap.DoorbellOffset())
	c.addrSpace = addressSpace{ac64: c.cap.AC64()}
	if c.cap.ContextSize64() {
		c.entrySize = contextEntrySize64
	} else {
		c.entrySize = contextEntrySize32
	}
	c.maxSlots = c.cap.MaxSlots()
	c.pageSize = c.op.PageSize()
	if c.pageSize == 0 {
		c.pageSize = c.cfg.Platform.PageSize()
	}

	c.op.ResetController()
	for c.op.ResetInProgress() {
		if err := c.cfg.Platform.Sleep(ctx, 0); err != nil {
			return fmt.Errorf("xhci: waiting for controller reset: %w", err)
		}
	}
	for c.op.ControllerNotReady() {
		if err := c.cfg.Platform.Sleep(ctx, 0); err != nil {
			return fmt.Errorf("xhci: waiting for CNR: %w", err)
		}
	}

	dcbaaSize := uintptr(c.maxSlots+1) * 8
	dcbaa, err := coherentAlloc(c.cfg.DMA, c.addrSpace, dcbaaSize, 64, "dcbaa")
	if err != nil {
		return fmt.Errorf("xhci: dcbaa: %w", err)
	}
	c.dcbaa = dcbaa
	c.op.SetDCBAAP(dcbaa.Physical)
	c.op.SetMaxSlotsEnabled(c.maxSlots)

	c.commandRing, err = newRing(c.cfg.DMA, c.addrSpace, c.pageSize, c.cfg.CommandRingLength)
	if err != nil {
		return fmt.Errorf("xhci: command ring: %w", err)
	}
	c.op.SetCRCR(c.commandRing.BaseAddress(), c.commandRing.CycleBit())
	c.commands = newCommandEngine(c.commandRing, c.doorbell, c.dead)

	c.eventRing, err = newEventRing(c.cfg.DMA, c.addrSpace, c.pageSize, c.cfg.EventRingSegments, c.cfg.TRBsPerSegment)
	if err != nil {
		return fmt.Errorf("xhci: event ring: %w", err)
	}
	c.runtime.SetERSTSZ(0, c.eventRing.SegmentCount())
	c.runtime.SetERSTBA(0, c.eventRing.ERSTBaseAddress())
	c.runtime.SetERDP(0, c.eventRing.DequeuePointer())
	c.runtime.SetInterruptEnable(0, true)

	c.dispatcher = newDispatcher(c.eventRing, c.runtime, c.commands)
	c.dispatcher.SetPortChangeHandler(c.onPortChange)

	for i := uint8(1); i <= c.cap.MaxPorts(); i++ {
		c.ports[i] = newPort(c.op.Port(i), i, c.cfg.Platform)
	}

	c.op.SetInterrupterEnable(true)
	c.op.SetRunStop(true)
	for c.op.Halted() {
		if err := c.cfg.Platform.Sleep(ctx, 0); err != nil {
			return fmt.Errorf("xhci: waiting for controller to leave Halted: %w", ErrControllerHalted)
		}
	}
	xlog.Infof(xlog.Host, "controller initialized maxSlots=%d maxPorts=%d ac64=%v csz64=%v",
		c.maxSlots, len(c.ports), c.addrSpace.ac64, c.entrySize == contextEntrySize64)
	return nil
}

// HandleEvent drains and dispatches everything currently pending on the
// event ring. The caller decides when and how often to call this —
// from an interrupt handler, a polling loop, or any other scheduling
// domain it controls (spec.md §5).
func (c *Controller) HandleEvent() int {
	if c.dead.isDead() {
		return 0
	}
	if c.op.HostControllerError() || c.op.HostSystemError() {
		c.dead.set()
		xlog.Errorf(xlog.Host, "fatal host error observed, controller marked dead")
		c.failAllOutstanding()
		return 0
	}
	n := c.dispatcher.HandleEvent()
	c.op.AckEventInterrupt()
	c.mu.Lock()
	c.eventsHandled += uint64(n)
	c.mu.Unlock()
	return n
}

// failAllOutstanding resolves every completion the command engine and
// every slot's every endpoint are still waiting on with ErrControllerDead,
// so no in-flight slot.wait(ctx) call hangs past a fatal host error
// (spec.md §7).
func (c *Controller) failAllOutstanding() {
	c.commands.waiters.failAll()
	c.mu.Lock()
	slots := make([]*Slot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()
	for _, s := range slots {
		for _, ep := range s.endpoints {
			ep.waiters.failAll()
		}
	}
}

// onPortChange reacts to a Port-Status-Change event by refreshing that
// port's PORTSC snapshot (spec.md §4.8) and dropping the port's device
// on disconnect. It does not start enumeration: a new connection waits
// for the caller's Enumerate. It runs synchronously inside HandleEvent's
// call stack, not on a separate goroutine.
func (c *Controller) onPortChange(index uint8) {
	port, ok := c.ports[index]
	if !ok {
		return
	}
	status := port.Refresh()
	if status.OverCurrent {
		xlog.Warningf(xlog.Port, "port %d overcurrent, leaving disabled", index)
		return
	}
	if !status.Connected {
		c.detachPort(port)
	}
}

func (c *Controller) detachPort(port *Port) {
	c.mu.Lock()
	slot := port.SlotID()
	defer c.mu.Unlock()
	if slot == 0 {
		return
	}
	delete(c.devices, slot)
	delete(c.slots, slot)
	c.dispatcher.removeSlot(slot)
}

// Enumerate drives a connected root-hub port through reset, slot
// enablement, addressing, and descriptor discovery, returning the
// resulting Device (spec.md §4.8). If the device identifies itself as a
// hub, Enumerate recurses into its downstream ports before returning
// (spec.md §4.7): the returned Device's whole subtree is enumerated by
// the time this call completes. Callers typically invoke this from
// their own port-change-triggered loop rather than polling.
func (c *Controller) Enumerate(ctx context.Context, portIndex uint8) (*Device, error) {
	if c.dead.isDead() {
		return nil, ErrControllerDead
	}
	port, ok := c.ports[portIndex]
	if !ok {
		return nil, fmt.Errorf("xhci: no such port %d: %w", portIndex, ErrInvalidParameter)
	}
	status := port.Refresh()
	if status.OverCurrent {
		return nil, fmt.Errorf("xhci: port %d: %w", portIndex, ErrPortOverCurrent)
	}
	if !status.Connected {
		return nil, fmt.Errorf("xhci: port %d not connected: %w", portIndex, ErrInvalidParameter)
	}

	if err := port.Reset(ctx, status.Speed); err != nil {
		return nil, fmt.Errorf("xhci: port %d: %w", portIndex, ErrPortResetFailed)
	}
	status = port.Refresh()
	if status.Speed == SpeedUnknown {
		return nil, fmt.Errorf("xhci: port %d: %w", portIndex, ErrUnsupportedSpeed)
	}

	device, err := c.enumerateAtSlot(ctx, status.Speed, portIndex, 0, 0, 0, c.rootHub, portIndex, port.AssignSlot)
	if err != nil {
		return nil, fmt.Errorf("xhci: port %d: %w", portIndex, err)
	}
	port.MarkConfigured()
	return device, nil
}

// enumerateAtSlot enables a slot, addresses it at the given topology
// position, and runs descriptor discovery on it. rootHubPort is the
// root-hub port the whole branch originates from; routeString/ttHubSlot/
// ttPort are the slot-context fields spec.md §3/§4.7 assign from the
// device's position; parent/parentPort record that position so a
// hub found during discovery can build its own ExternalHub.
// onSlotAssigned, if non-nil, runs once the slot id is known but before
// Address-Device reaches the wire, matching Port.AssignSlot's original
// call order.
func (c *Controller) enumerateAtSlot(ctx context.Context, speed DeviceSpeed, rootHubPort uint8, routeString uint32, ttHubSlot, ttPort uint8, parent Hub, parentPort uint8, onSlotAssigned func(slotID uint8)) (*Device, error) {
	slotID, err := c.commands.EnableSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("xhci: enable-slot: %w", err)
	}
	slot, err := newSlot(slotID, c.commands, c.doorbell, c.cfg.DMA, c.addrSpace, c.pageSize, c.entrySize, c.dead)
	if err != nil {
		return nil, fmt.Errorf("xhci: slot %d: %w", slotID, err)
	}
	c.writeDCBAASlot(slotID, slot.device.BaseAddress())

	c.mu.Lock()
	c.slots[slotID] = slot
	c.mu.Unlock()
	c.dispatcher.addSlot(slot)
	if onSlotAssigned != nil {
		onSlotAssigned(slotID)
	}

	if err := slot.AddressDevice(ctx, speed, rootHubPort, routeString, ttHubSlot, ttPort); err != nil {
		return nil, fmt.Errorf("xhci: slot %d: %w", slotID, err)
	}
	return c.discoverDevice(ctx, slot, speed, rootHubPort, parent, parentPort)
}

// discoverDevice fetches an already-addressed slot's device descriptor,
// corrects the control endpoint's max packet size once the real value
// is known, registers the resulting Device, and recurses into it if it
// turns out to be a hub (spec.md §4.4, §4.7-§4.8).
func (c *Controller) discoverDevice(ctx context.Context, slot *Slot, speed DeviceSpeed, rootHubPort uint8, parent Hub, parentPort uint8) (*Device, error) {
	slotID := slot.ID()
	device := &Device{slot: slot, speed: speed, port: rootHubPort, parentHub: parent, parentPort: parentPort}

	mem, err := coherentAlloc(c.cfg.DMA, c.addrSpace, 18, 8, "descriptor-fetch")
	if err != nil {
		return nil, fmt.Errorf("xhci: descriptor buffer: %w", err)
	}
	if _, err := device.GetDescriptor(ctx, descTypeDevice, 0, 8, mem); err != nil {
		return nil, fmt.Errorf("xhci: slot %d: initial descriptor fetch: %w", slotID, err)
	}
	buf := make([]byte, 18)
	copyFromCoherent(buf[:8], mem)
	actualMaxPacket := buf[7]
	if actualMaxPacket != 0 {
		mp := uint16(actualMaxPacket)
		if speed.IsSuperSpeedOrHigher() {
			mp = 1 << actualMaxPacket
		}
		if err := slot.SetControlMaxPacketSize(ctx, mp); err != nil {
			return nil, fmt.Errorf("xhci: slot %d: evaluate-context: %w", slotID, err)
		}
	}

	if _, err := device.GetDescriptor(ctx, descTypeDevice, 0, 18, mem); err != nil {
		return nil, fmt.Errorf("xhci: slot %d: device descriptor fetch: %w", slotID, err)
	}
	copyFromCoherent(buf, mem)
	desc, err := ParseDeviceDescriptor(buf)
	if err != nil {
		return nil, fmt.Errorf("xhci: slot %d: %w", slotID, err)
	}
	device.device = desc
	device.isHub = desc.DeviceClass == 0x09

	c.mu.Lock()
	c.devices[slotID] = device
	c.mu.Unlock()
	xlog.Infof(xlog.Host, "slot %d enumerated vendor=%#04x product=%#04x speed=%s",
		slotID, desc.VendorID, desc.ProductID, speed)

	if device.isHub {
		if err := c.recognizeHub(ctx, device); err != nil {
			xlog.Warningf(xlog.Hub, "slot %d: hub recognition failed: %v", slotID, err)
		}
	}
	return device, nil
}

func copyFromCoherent(dst []byte, mem CoherentMemory) {
	src := ptrAddBytes(mem.Virtual, 0)
	copy(dst, src[:len(dst)])
}

func (c *Controller) writeDCBAASlot(slot uint8, addr PhysAddr) {
	base := uintptr(c.dcbaa.Virtual) + uintptr(slot)*8
	*(*uint64)(ptrAdd(base, 0)) = uint64(addr)
}

// Device returns the device enumerated at slot id, or nil.
func (c *Controller) Device(slot uint8) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[slot]
}

// DeviceList returns every currently-enumerated device.
func (c *Controller) DeviceList() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}

// Stats returns a snapshot of controller activity counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{SlotsEnabled: len(c.slots), EventsHandled: c.eventsHandled}
}

// Shutdown stops the controller (USBCMD.Run/Stop cleared) and disables
// interrupts, per spec.md §4.6's teardown path.
func (c *Controller) Shutdown() {
	c.op.SetInterrupterEnable(false)
	c.runtime.SetInterruptEnable(0, false)
	c.op.SetRunStop(false)
}
