package xhci

import (
	"context"
	"fmt"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// Slot owns one device's DeviceContext, InputContext, and the set of
// Endpoints configured on it, tying together the command engine and
// transfer engines for a single addressed device (spec.md §4.4).
//
// Slot's own state machine adds SlotAddressingDeferred to the raw
// xHCI slot-context states: the two-stage BSR (Block Set Address
// Request) addressing sequence a hub-downstream full/low-speed device
// needs when its parent hub hasn't finished resetting every sibling
// port (SPEC_FULL.md §4.4).
type Slot struct {
	id       uint8
	commands *CommandEngine
	input    *InputContext
	device   *DeviceContext
	entrySize int

	doorbell  DoorbellRegisters
	dma       DMAAllocator
	addrSpace addressSpace
	pageSize  uintptr
	env       endpointEnv

	state     SlotState
	deferred  bool
	endpoints map[uint8]*Endpoint
	ep0Ring   *Ring
}

// newSlot wires a freshly-enabled slot id to its device/input contexts.
// The control endpoint's ring is allocated immediately: every slot has
// at least the default control endpoint from the moment it is
// addressed (spec.md §4.4). dead is the controller-wide kill switch
// HandleEvent trips on a fatal host error; this slot gets its own
// independent one, tripped by Disable, for the endpoints it attaches.
func newSlot(id uint8, commands *CommandEngine, doorbell DoorbellRegisters, dma DMAAllocator, addrSpace addressSpace, pageSize uintptr, entrySize int, dead *deadFlag) (*Slot, error) {
	device, err := newDeviceContext(dma, addrSpace, pageSize, entrySize)
	if err != nil {
		return nil, fmt.Errorf("slot %d: device context: %w", id, err)
	}
	input, err := newInputContext(dma, addrSpace, pageSize, entrySize)
	if err != nil {
		return nil, fmt.Errorf("slot %d: input context: %w", id, err)
	}
	ep0Ring, err := newRing(dma, addrSpace, pageSize, DefaultRingLength)
	if err != nil {
		return nil, fmt.Errorf("slot %d: ep0 ring: %w", id, err)
	}
	return &Slot{
		id: id, commands: commands, input: input, device: device,
		entrySize: entrySize, doorbell: doorbell, dma: dma, addrSpace: addrSpace,
		pageSize: pageSize, state: SlotStateDisabledEnabled,
		endpoints: make(map[uint8]*Endpoint), ep0Ring: ep0Ring,
		env: endpointEnv{addrSpace: addrSpace, dead: dead, disabled: &deadFlag{}},
	}, nil
}

// ID returns the assigned slot id.
func (s *Slot) ID() uint8 { return s.id }

// State returns the slot's enumeration state.
func (s *Slot) State() SlotState { return s.state }

// IsAddressingDeferred reports whether this slot is parked in the
// deferred-addressing state (SPEC_FULL.md §4.4): the BSR form of
// Address-Device has completed but Set-Address has not yet been sent
// over the wire, because the parent hub's port-reset fan-out is not
// finished for every sibling.
func (s *Slot) IsAddressingDeferred() bool { return s.deferred }

// AddressDeviceDeferred issues the two-stage BSR form of Address-Device:
// the controller assigns internal slot state and a transfer-ring dequeue
// pointer but does not issue SET_ADDRESS on the wire, so a USB2 hub can
// serialize per-port resets without exceeding the USB timing budget
// (SPEC_FULL.md §4.4).
func (s *Slot) AddressDeviceDeferred(ctx context.Context, speed DeviceSpeed, rootHubPort uint8, routeString uint32, ttHubSlot, ttPort uint8) error {
	s.prepareAddressInput(speed, rootHubPort, routeString, ttHubSlot, ttPort)
	if err := s.commands.AddressDevice(ctx, s.id, s.input, true); err != nil {
		return fmt.Errorf("slot %d: address-device (BSR): %w", s.id, err)
	}
	s.device.refreshFromDMA()
	s.deferred = true
	s.state = SlotStateDefault
	s.attachEndpoint(ControlEndpointIndex, TransferKindControl, defaultControlMaxPacketSize(speed))
	return nil
}

// CompleteDeferredAddressing issues the plain form of Address-Device,
// completing a slot parked by AddressDeviceDeferred: this is where
// SET_ADDRESS actually reaches the wire.
func (s *Slot) CompleteDeferredAddressing(ctx context.Context) error {
	if !s.deferred {
		return fmt.Errorf("slot %d: not in deferred-addressing state: %w", s.id, ErrContextStateError)
	}
	if err := s.commands.AddressDevice(ctx, s.id, s.input, false); err != nil {
		return fmt.Errorf("slot %d: address-device: %w", s.id, err)
	}
	s.device.refreshFromDMA()
	s.deferred = false
	s.state = SlotStateAddressed
	return nil
}

// AddressDevice issues the single-stage form of Address-Device directly,
// for devices that don't need deferred addressing (the common case:
// root-hub-attached devices, or hub-downstream devices whose siblings
// have already finished resetting).
func (s *Slot) AddressDevice(ctx context.Context, speed DeviceSpeed, rootHubPort uint8, routeString uint32, ttHubSlot, ttPort uint8) error {
	s.prepareAddressInput(speed, rootHubPort, routeString, ttHubSlot, ttPort)
	if err := s.commands.AddressDevice(ctx, s.id, s.input, false); err != nil {
		return fmt.Errorf("slot %d: address-device: %w", s.id, err)
	}
	s.device.refreshFromDMA()
	s.state = SlotStateAddressed
	s.attachEndpoint(ControlEndpointIndex, TransferKindControl, defaultControlMaxPacketSize(speed))
	return nil
}

func (s *Slot) prepareAddressInput(speed DeviceSpeed, rootHubPort uint8, routeString uint32, ttHubSlot, ttPort uint8) {
	s.input.Control().SetAddContext(0, true)
	s.input.Control().SetAddContext(ControlEndpointIndex, true)

	slotCtx := s.input.Device().Slot()
	slotCtx.SetRouteString(routeString)
	slotCtx.SetSpeed(speed)
	slotCtx.SetRootHubPort(rootHubPort)
	slotCtx.SetContextEntries(ControlEndpointIndex)
	slotCtx.SetInterrupterTarget(0)
	slotCtx.SetTTHubSlotID(ttHubSlot)
	slotCtx.SetTTPortNumber(ttPort)

	ep0 := s.input.Device().Endpoint(ControlEndpointIndex)
	ep0.SetType(EndpointTypeControl)
	ep0.SetMaxPacketSize(defaultControlMaxPacketSize(speed))
	ep0.SetErrorCount(3)
	ep0.SetAverageTRBLength(8)
	ep0.SetTRDequeuePointer(s.ep0Ring.EnqueuePointer(), s.ep0Ring.CycleBit())
}

// defaultControlMaxPacketSize returns the default-pipe max packet size
// the host assumes before reading the device's device descriptor
// (spec.md §4.4): 8 for low-speed, 64 for full/high-speed, 512 for
// super-speed and above.
func defaultControlMaxPacketSize(speed DeviceSpeed) uint16 {
	switch speed {
	case SpeedLow:
		return 8
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 64
	}
}

// SetControlMaxPacketSize updates the control endpoint's max packet size
// after reading the actual value from the device descriptor, via
// Evaluate-Context (spec.md §4.4).
func (s *Slot) SetControlMaxPacketSize(ctx context.Context, size uint16) error {
	s.input.Control().SetAddContext(0, false)
	s.input.Control().SetAddContext(ControlEndpointIndex, true)
	s.input.Device().Endpoint(ControlEndpointIndex).SetMaxPacketSize(size)
	if err := s.commands.EvaluateContext(ctx, s.id, s.input); err != nil {
		return fmt.Errorf("slot %d: evaluate-context: %w", s.id, err)
	}
	s.device.refreshFromDMA()
	if ep, ok := s.endpoints[ControlEndpointIndex]; ok {
		ep.maxPacketSize = size
	}
	return nil
}

// endpointDescriptor is the subset of a USB endpoint descriptor
// ConfigureEndpoints needs (spec.md §4.4); descriptor.go's parser
// produces these.
type endpointDescriptor struct {
	Number        uint8
	In            bool
	Kind          TransferKind
	MaxPacketSize uint16
	MaxBurstSize  uint8
	Interval      uint8
}

// ConfigureEndpoints issues a single Configure Endpoint command adding
// every endpoint in eps, per spec.md §4.4. Each endpoint gets its own
// transfer ring.
func (s *Slot) ConfigureEndpoints(ctx context.Context, configurationValue, interfaceNumber, alternateSetting uint8, eps []endpointDescriptor) error {
	highestIndex := ControlEndpointIndex
	var newRings []struct {
		index uint8
		ring  *Ring
	}
	for _, ep := range eps {
		index := EndpointIndex(ep.Number, ep.In)
		if index > highestIndex {
			highestIndex = index
		}
		ring, err := newRing(s.dma, s.addrSpace, s.pageSize, DefaultRingLength)
		if err != nil {
			return fmt.Errorf("slot %d: endpoint %d ring: %w", s.id, index, err)
		}
		newRings = append(newRings, struct {
			index uint8
			ring  *Ring
		}{index, ring})

		s.input.Control().SetAddContext(index, true)
		epCtx := s.input.Device().Endpoint(index)
		ty := EndpointTypeFor(ep.Kind, ep.In)
		epCtx.SetType(ty)
		epCtx.SetMaxPacketSize(ep.MaxPacketSize)
		epCtx.SetMaxBurstSize(ep.MaxBurstSize)
		epCtx.SetInterval(ep.Interval)
		if ep.Kind == TransferKindIsochronous {
			epCtx.SetErrorCount(0)
			epCtx.SetMult(0)
		} else {
			epCtx.SetErrorCount(3)
		}
		epCtx.SetAverageTRBLength(uint16(ep.MaxPacketSize))
		epCtx.SetTRDequeuePointer(ring.EnqueuePointer(), ring.CycleBit())
	}

	s.input.Control().SetConfigurationValue(configurationValue)
	s.input.Control().SetInterfaceNumber(interfaceNumber)
	s.input.Control().SetAlternateSetting(alternateSetting)
	s.input.Device().Slot().SetContextEntries(highestIndex)

	if err := s.commands.ConfigureEndpoint(ctx, s.id, s.input, false); err != nil {
		return fmt.Errorf("slot %d: configure-endpoint: %w", s.id, err)
	}
	s.device.refreshFromDMA()
	s.state = SlotStateConfigured

	for _, nr := range newRings {
		ep := s.input.Device().Endpoint(nr.index)
		s.attachEndpointRing(nr.index, nr.ring, endpointKindFromContext(ep), ep.MaxPacketSize())
	}
	xlog.Infof(xlog.Slot, "slot %d configured with %d endpoints", s.id, len(eps))
	return nil
}

func endpointKindFromContext(ep *EndpointContext) TransferKind {
	switch {
	case ep.e.u32(1)>>3&0x7 == uint32(EndpointTypeControl):
		return TransferKindControl
	case ep.e.u32(1)>>3&0x7 == uint32(EndpointTypeBulkIn) || ep.e.u32(1)>>3&0x7 == uint32(EndpointTypeBulkOut):
		return TransferKindBulk
	case ep.e.u32(1)>>3&0x7 == uint32(EndpointTypeIsochIn) || ep.e.u32(1)>>3&0x7 == uint32(EndpointTypeIsochOut):
		return TransferKindIsochronous
	default:
		return TransferKindInterrupt
	}
}

func (s *Slot) attachEndpoint(index uint8, kind TransferKind, maxPacketSize uint16) {
	s.attachEndpointRing(index, s.ep0Ring, kind, maxPacketSize)
}

func (s *Slot) attachEndpointRing(index uint8, ring *Ring, kind TransferKind, maxPacketSize uint16) {
	s.endpoints[index] = newEndpoint(ring, s.doorbell, s.id, index, kind, maxPacketSize, s.env)
}

// Endpoint returns the endpoint handle for index, or nil if it hasn't
// been configured.
func (s *Slot) Endpoint(index uint8) *Endpoint { return s.endpoints[index] }

// ControlEndpoint returns the default control endpoint handle.
func (s *Slot) ControlEndpoint() *Endpoint { return s.endpoints[ControlEndpointIndex] }

// handleTransferEvent routes an event to the endpoint it names (via the
// Endpoint ID field), per spec.md §4.9.
func (s *Slot) handleTransferEvent(event TRB) bool {
	ep, ok := s.endpoints[event.EndpointID()]
	if !ok {
		return false
	}
	return ep.handleEvent(event)
}

// StopAndRealign issues Stop-Endpoint then Set-TR-Dequeue-Pointer for
// index, the cancellation sequence of spec.md §4.5: the endpoint's ring
// position is reset to the given address/cycle so previously-enqueued,
// now-abandoned TRBs are skipped rather than re-executed.
func (s *Slot) StopAndRealign(ctx context.Context, index uint8, newDequeue PhysAddr, dcs bool) error {
	if err := s.commands.StopEndpoint(ctx, s.id, index); err != nil {
		return fmt.Errorf("slot %d: stop-endpoint %d: %w", s.id, index, err)
	}
	if err := s.commands.SetTRDequeuePointer(ctx, s.id, index, newDequeue, dcs); err != nil {
		return fmt.Errorf("slot %d: set-tr-dequeue-pointer %d: %w", s.id, index, err)
	}
	if ep, ok := s.endpoints[index]; ok {
		ep.CancelPending()
	}
	return nil
}

// ResetHaltedEndpoint recovers index from the Halted state after a
// Stall completion, per spec.md §4.4.
func (s *Slot) ResetHaltedEndpoint(ctx context.Context, index uint8) error {
	if err := s.commands.ResetEndpoint(ctx, s.id, index, false); err != nil {
		return fmt.Errorf("slot %d: reset-endpoint %d: %w", s.id, index, err)
	}
	return nil
}

// Disable issues Disable Slot, releasing this slot's resources back to
// the controller (spec.md §4.4). Every endpoint attached to this slot
// fails any further submit with ErrSlotDisabled from this point on.
func (s *Slot) Disable(ctx context.Context) error {
	if err := s.commands.DisableSlot(ctx, s.id); err != nil {
		return fmt.Errorf("slot %d: disable-slot: %w", s.id, err)
	}
	s.state = SlotStateDisabledEnabled
	s.env.disabled.set()
	return nil
}

// RealignEndpoint issues Set-TR-Dequeue-Pointer for index without a
// preceding Stop-Endpoint, the step Stall recovery needs once
// Reset-Endpoint has already left the endpoint Stopped rather than
// Running (spec.md §4.4, §8 scenario 4: "Reset-Endpoint +
// Set-TR-Dequeue-Pointer + Clear-Feature(ENDPOINT_HALT,EP0)").
// StopAndRealign is for the live-cancellation path, where the endpoint
// is still Running when Stop-Endpoint is issued.
func (s *Slot) RealignEndpoint(ctx context.Context, index uint8, newDequeue PhysAddr, dcs bool) error {
	if err := s.commands.SetTRDequeuePointer(ctx, s.id, index, newDequeue, dcs); err != nil {
		return fmt.Errorf("slot %d: realign-endpoint %d: %w", s.id, index, err)
	}
	return nil
}
