package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// Hub class-specific control requests (USB 2.0 §11.24.2), issued
// against a hub device's own control endpoint with the "Other"
// recipient and wIndex set to the downstream port number.
const (
	hubRequestGetStatus    = 0x00
	hubRequestClearFeature = 0x01
	hubRequestSetFeature   = 0x03

	hubRequestTypeGetPortStatus  = 0xa3 // device-to-host | class | other
	hubRequestTypeSetPortFeature = 0x23 // host-to-device | class | other

	featurePortReset       = 4
	featureCPortConnection = 16
	featureCPortReset      = 20
)

// Port status/change bits a GET_PORT_STATUS response carries (USB 2.0
// §11.24.2.7). SuperSpeed hubs encode port status differently; every
// ExternalHub this core enumerates behind is USB2.
const (
	hubPortStatusConnection uint16 = 1 << 0
	hubPortStatusEnable     uint16 = 1 << 1
	hubPortStatusReset      uint16 = 1 << 4
	hubPortStatusLowSpeed   uint16 = 1 << 9
	hubPortStatusHighSpeed  uint16 = 1 << 10

	hubPortChangeReset uint16 = 1 << 4
)

// hubPortSpeed decodes a non-SuperSpeed hub's wPortStatus speed bits.
func hubPortSpeed(status uint16) DeviceSpeed {
	switch {
	case status&hubPortStatusLowSpeed != 0:
		return SpeedLow
	case status&hubPortStatusHighSpeed != 0:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// hubGetPortStatus issues GET_PORT_STATUS against a hub's downstream
// port (USB 2.0 §11.24.2.7), reusing the caller-provided 4-byte
// coherent buffer for the response.
func hubGetPortStatus(ctx context.Context, hubEp *Endpoint, mem CoherentMemory, port uint8) (status, change uint16, err error) {
	setup := SetupPacket{
		RequestType: hubRequestTypeGetPortStatus,
		Request:     hubRequestGetStatus,
		Index:       uint16(port),
		Length:      4,
	}
	if _, err := hubEp.SubmitControl(ctx, setup, mem.Physical, 4, true); err != nil {
		return 0, 0, fmt.Errorf("get-port-status port %d: %w", port, err)
	}
	buf := make([]byte, 4)
	copyFromCoherent(buf, mem)
	return uint16(buf[0]) | uint16(buf[1])<<8, uint16(buf[2]) | uint16(buf[3])<<8, nil
}

func hubSetPortFeature(ctx context.Context, hubEp *Endpoint, feature uint16, port uint8) error {
	setup := SetupPacket{RequestType: hubRequestTypeSetPortFeature, Request: hubRequestSetFeature, Value: feature, Index: uint16(port)}
	_, err := hubEp.SubmitControl(ctx, setup, 0, 0, false)
	return err
}

func hubClearPortFeature(ctx context.Context, hubEp *Endpoint, feature uint16, port uint8) error {
	setup := SetupPacket{RequestType: hubRequestTypeSetPortFeature, Request: hubRequestClearFeature, Value: feature, Index: uint16(port)}
	_, err := hubEp.SubmitControl(ctx, setup, 0, 0, false)
	return err
}

// hubPortResetPollInterval bounds how often resetHubPort polls
// GET_PORT_STATUS while waiting for C_PORT_RESET, the class-request
// counterpart to resetPollInterval for root-hub ports.
const hubPortResetPollInterval = time.Millisecond

// resetHubPort drives one of hub's downstream ports through reset via
// SET_PORT_FEATURE/GET_PORT_STATUS and waits for C_PORT_RESET, the
// class-request equivalent of Port.Reset for a device that isn't on
// the root hub (spec.md §4.7-§4.8).
func (c *Controller) resetHubPort(ctx context.Context, hubEp *Endpoint, mem CoherentMemory, port uint8) (DeviceSpeed, error) {
	if err := hubSetPortFeature(ctx, hubEp, featurePortReset, port); err != nil {
		return SpeedUnknown, fmt.Errorf("hub port %d: set-port-feature(reset): %w", port, err)
	}
	for {
		status, change, err := hubGetPortStatus(ctx, hubEp, mem, port)
		if err != nil {
			return SpeedUnknown, err
		}
		if change&hubPortChangeReset != 0 {
			if err := hubClearPortFeature(ctx, hubEp, featureCPortReset, port); err != nil {
				return SpeedUnknown, fmt.Errorf("hub port %d: clear-feature(C_PORT_RESET): %w", port, err)
			}
			if status&hubPortStatusEnable == 0 {
				return SpeedUnknown, fmt.Errorf("hub port %d: %w", port, ErrPortResetFailed)
			}
			return hubPortSpeed(status), nil
		}
		if err := c.cfg.Platform.Sleep(ctx, hubPortResetPollInterval); err != nil {
			return SpeedUnknown, fmt.Errorf("hub port %d: waiting for reset: %w", port, err)
		}
	}
}

// recognizeHub fetches a newly-addressed hub device's class descriptor
// with GET_DESCRIPTOR(HUB) (USB 2.0 §11.23.2.1), builds its ExternalHub
// route-string/TT record from where it attaches, issues Set-Hub-Depth,
// and recurses into every downstream port (spec.md §4.7-§4.8).
func (c *Controller) recognizeHub(ctx context.Context, device *Device) error {
	mem, err := coherentAlloc(c.cfg.DMA, c.addrSpace, 12, 8, "hub-descriptor")
	if err != nil {
		return fmt.Errorf("hub descriptor buffer: %w", err)
	}
	setup := SetupPacket{
		RequestType: 0xa0, // device-to-host, class, device recipient
		Request:     0x06, // GET_DESCRIPTOR
		Value:       uint16(descTypeHub) << 8,
		Length:      9,
	}
	if _, err := device.slot.ControlEndpoint().SubmitControl(ctx, setup, mem.Physical, 9, true); err != nil {
		return fmt.Errorf("get-hub-descriptor: %w", err)
	}
	buf := make([]byte, 9)
	copyFromCoherent(buf, mem)
	hubDesc, err := ParseHubDescriptor(buf)
	if err != nil {
		return fmt.Errorf("parse-hub-descriptor: %w", err)
	}

	hub, err := newExternalHub(device.parentHub, device.SlotID(), device.parentPort, device.Speed(), hubDesc.NumPorts)
	if err != nil {
		return fmt.Errorf("new-external-hub: %w", err)
	}
	if err := hub.SetHubDepth(ctx, c.commands, device.slot.input); err != nil {
		return err
	}
	device.hub = hub
	c.enumerateHubPorts(ctx, device, hub, hubDesc.NumPorts)
	return nil
}

// enumerateHubPorts walks every downstream port on a newly-recognized
// hub, resetting each connected one and addressing whatever is attached
// (spec.md §4.7-§4.8: "enumeration proceeds recursively").
//
// Resets run in a first phase across all of the hub's ports before any
// of them is actually addressed on the wire: each slot is parked with
// the deferred (BSR) form of Address-Device as soon as its port comes
// out of reset, per SPEC_FULL.md §4.4, so a hub with several connected
// ports resetting back-to-back never makes a sibling miss its 2ms
// SET_ADDRESS recovery window while a later port is still resetting. A
// second phase then completes addressing and runs descriptor discovery
// on each slot once every port has been through reset.
func (c *Controller) enumerateHubPorts(ctx context.Context, hubDevice *Device, hub *ExternalHub, numPorts uint8) {
	hubEp := hubDevice.slot.ControlEndpoint()
	mem, err := coherentAlloc(c.cfg.DMA, c.addrSpace, 4, 4, "hub-port-status")
	if err != nil {
		xlog.Warningf(xlog.Hub, "hub slot %d: port-status buffer: %v", hubDevice.SlotID(), err)
		return
	}

	type pendingSlot struct {
		port  uint8
		speed DeviceSpeed
		slot  *Slot
	}
	var pending []pendingSlot

	for port := uint8(1); port <= numPorts; port++ {
		status, _, err := hubGetPortStatus(ctx, hubEp, mem, port)
		if err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: get-port-status: %v", hubDevice.SlotID(), port, err)
			continue
		}
		if status&hubPortStatusConnection == 0 {
			continue
		}
		if err := hubClearPortFeature(ctx, hubEp, featureCPortConnection, port); err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: clear-feature(C_PORT_CONNECTION): %v", hubDevice.SlotID(), port, err)
			continue
		}
		speed, err := c.resetHubPort(ctx, hubEp, mem, port)
		if err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: reset: %v", hubDevice.SlotID(), port, err)
			continue
		}

		routeString, err := hub.RouteString(port)
		if err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: route-string: %v", hubDevice.SlotID(), port, err)
			continue
		}
		ttSlot, ttPort, _ := hub.TTSlotAndPort(port, speed)

		slotID, err := c.commands.EnableSlot(ctx)
		if err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: enable-slot: %v", hubDevice.SlotID(), port, err)
			continue
		}
		slot, err := newSlot(slotID, c.commands, c.doorbell, c.cfg.DMA, c.addrSpace, c.pageSize, c.entrySize, c.dead)
		if err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: slot %d: %v", hubDevice.SlotID(), port, slotID, err)
			continue
		}
		c.writeDCBAASlot(slotID, slot.device.BaseAddress())
		c.mu.Lock()
		c.slots[slotID] = slot
		c.mu.Unlock()
		c.dispatcher.addSlot(slot)

		if err := slot.AddressDeviceDeferred(ctx, speed, hubDevice.Port(), routeString, ttSlot, ttPort); err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: address-device (BSR): %v", hubDevice.SlotID(), port, err)
			continue
		}
		pending = append(pending, pendingSlot{port: port, speed: speed, slot: slot})
	}

	for _, p := range pending {
		if !p.slot.IsAddressingDeferred() {
			continue
		}
		if err := p.slot.CompleteDeferredAddressing(ctx); err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: complete-deferred-addressing: %v", hubDevice.SlotID(), p.port, err)
			continue
		}
		if _, err := c.discoverDevice(ctx, p.slot, p.speed, hubDevice.Port(), hub, p.port); err != nil {
			xlog.Warningf(xlog.Hub, "hub slot %d port %d: discover: %v", hubDevice.SlotID(), p.port, err)
		}
	}
}
