package xhci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// Device is the enumerated, addressed USB device this core hands back
// to callers once the port/slot/address sequence completes (spec.md
// §4.8). It wraps a Slot with the descriptor information gathered
// along the way and tracks which interface, if any, the caller has
// claimed.
type Device struct {
	mu sync.Mutex

	slot   *Slot
	speed  DeviceSpeed
	port   uint8

	device DeviceDescriptor
	config ConfigurationDescriptor

	claimedInterface *uint8
	isHub            bool
	hub              *ExternalHub

	// parentHub and parentPort record where this device attaches in the
	// topology: the root hub and a root-hub port number for a
	// directly-attached device, or an ExternalHub and its downstream
	// port number for one enumerated behind a hub. Used only if this
	// device itself turns out to be a hub, to build its own ExternalHub
	// (spec.md §4.7).
	parentHub  Hub
	parentPort uint8
}

// Hub returns this device's own ExternalHub record if it was recognized
// as a hub during enumeration, or nil otherwise.
func (d *Device) Hub() *ExternalHub { return d.hub }

// SlotID returns the controller-assigned slot id backing this device.
func (d *Device) SlotID() uint8 { return d.slot.ID() }

// Speed returns the device's negotiated link speed.
func (d *Device) Speed() DeviceSpeed { return d.speed }

// Port returns the root-hub port this device's path originates from.
func (d *Device) Port() uint8 { return d.port }

// DeviceDescriptor returns the parsed device descriptor gathered during
// enumeration.
func (d *Device) DeviceDescriptor() DeviceDescriptor { return d.device }

// ConfigurationDescriptor returns the parsed configuration descriptor
// the device was configured with, if ApplyConfiguration has been
// called.
func (d *Device) ConfigurationDescriptor() ConfigurationDescriptor { return d.config }

// IsHub reports whether this device identified itself as a USB hub via
// its device descriptor's class code (USB 2.0 §11.2's hub class 0x09).
func (d *Device) IsHub() bool { return d.isHub }

// GetDescriptor issues a standard GET_DESCRIPTOR control request and
// returns the raw response bytes (spec.md §4.5's control-transfer
// path). A fetch that ends in a short packet is retried once with the
// length the device reported in the descriptor's first byte (bLength);
// if that length is zero or equals the requested one, or the retry
// fails, the call fails.
func (d *Device) GetDescriptor(ctx context.Context, descType uint8, index uint8, length uint16, mem CoherentMemory) (int, error) {
	setup := SetupPacket{
		RequestType: 0x80, // device-to-host, standard, device recipient
		Request:     0x06, // GET_DESCRIPTOR
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       0,
		Length:      length,
	}
	result, err := d.slot.ControlEndpoint().SubmitControl(ctx, setup, mem.Physical, uint32(length), true)
	if err != nil {
		return 0, fmt.Errorf("get-descriptor type=%#x: %w", descType, err)
	}
	if result.CompletionCode != CompletionShortPacket {
		return int(result.BytesTransferred), nil
	}
	actualLength := uint16(ptrAddBytes(mem.Virtual, 0)[0])
	if length < 2 || actualLength == 0 || actualLength == length {
		return 0, fmt.Errorf("get-descriptor type=%#x: %d of %d bytes: %w", descType, result.BytesTransferred, length, ErrDescriptorTooShort)
	}
	xlog.Debugf(xlog.Descriptor, "slot %d retrying descriptor fetch type=%#x with actual length %d", d.slot.ID(), descType, actualLength)
	retry, err := d.slot.ControlEndpoint().SubmitControl(ctx, setup, mem.Physical, uint32(actualLength), true)
	if err != nil {
		return 0, fmt.Errorf("get-descriptor type=%#x retry: %w", descType, err)
	}
	return int(retry.BytesTransferred), nil
}

// SelectConfiguration fetches each configuration descriptor this device
// advertises in turn and returns the first one match accepts, the step
// a class driver runs before ApplyConfiguration when a device offers
// more than one configuration (spec.md §4.4). A nil match accepts the
// first configuration fetched successfully. ErrNoMatchingConfig is
// returned if none does.
func (d *Device) SelectConfiguration(ctx context.Context, mem CoherentMemory, match func(ConfigurationDescriptor) bool) (ConfigurationDescriptor, error) {
	for index := uint8(0); index < d.device.NumConfigurations; index++ {
		cfg, err := d.fetchConfigurationDescriptor(ctx, index, mem)
		if err != nil {
			xlog.Debugf(xlog.Descriptor, "slot %d configuration %d: %v", d.slot.ID(), index, err)
			continue
		}
		if match == nil || match(cfg) {
			return cfg, nil
		}
	}
	return ConfigurationDescriptor{}, fmt.Errorf("slot %d: %w", d.slot.ID(), ErrNoMatchingConfig)
}

// fetchConfigurationDescriptor reads configuration index's fixed header
// to learn its true wTotalLength, then refetches the full descriptor
// tree if it runs longer than the header alone (spec.md §4.4).
func (d *Device) fetchConfigurationDescriptor(ctx context.Context, index uint8, mem CoherentMemory) (ConfigurationDescriptor, error) {
	if _, err := d.GetDescriptor(ctx, descTypeConfiguration, index, 9, mem); err != nil {
		return ConfigurationDescriptor{}, fmt.Errorf("configuration %d header: %w", index, err)
	}
	header := make([]byte, 9)
	copyFromCoherent(header, mem)
	totalLength := binary.LittleEndian.Uint16(header[2:4])
	if totalLength <= 9 || uintptr(totalLength) > mem.Size {
		return ParseConfigurationDescriptor(header)
	}
	if _, err := d.GetDescriptor(ctx, descTypeConfiguration, index, totalLength, mem); err != nil {
		return ConfigurationDescriptor{}, fmt.Errorf("configuration %d: %w", index, err)
	}
	buf := make([]byte, totalLength)
	copyFromCoherent(buf, mem)
	return ParseConfigurationDescriptor(buf)
}

// ApplyConfiguration issues SET_CONFIGURATION and then Configure
// Endpoint for every interface's default alternate setting, per
// spec.md §4.4.
func (d *Device) ApplyConfiguration(ctx context.Context, cfg ConfigurationDescriptor) error {
	setup := SetupPacket{RequestType: 0x00, Request: 0x09, Value: uint16(cfg.ConfigurationValue)}
	if _, err := d.slot.ControlEndpoint().SubmitControl(ctx, setup, 0, 0, false); err != nil {
		return fmt.Errorf("set-configuration: %w", err)
	}

	var eps []endpointDescriptor
	for _, alt := range cfg.FirstAltSettings() {
		for _, ep := range alt.Endpoints {
			eps = append(eps, ep.ToSlotEndpoint(d.speed))
		}
	}
	if len(eps) > 0 {
		first := cfg.FirstAltSettings()[0]
		if err := d.slot.ConfigureEndpoints(ctx, cfg.ConfigurationValue, first.InterfaceNumber, 0, eps); err != nil {
			return fmt.Errorf("configure-endpoint: %w", err)
		}
	}
	d.config = cfg
	return nil
}

// ClaimInterface marks interfaceNumber as owned by the caller. This
// core has no kernel driver to detach (spec.md's Non-goals exclude an
// OS device-file model). One claim is recorded per device: a second
// ClaimInterface call fails with ErrAlreadyRunning until ReleaseInterface
// is called. Transfers are not checked against the claim.
func (d *Device) ClaimInterface(interfaceNumber uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimedInterface != nil {
		return fmt.Errorf("device: interface already claimed: %w", ErrAlreadyRunning)
	}
	n := interfaceNumber
	d.claimedInterface = &n
	return nil
}

// ReleaseInterface releases a previously-claimed interface.
func (d *Device) ReleaseInterface() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimedInterface = nil
}

// Endpoint returns the handle for a configured endpoint, addressed by
// descriptor-style endpoint address (bit 7 = direction).
func (d *Device) Endpoint(address uint8) *Endpoint {
	index := EndpointIndex(address&0x0f, address&0x80 != 0)
	return d.slot.Endpoint(index)
}

// RecoverStalledEndpoint clears a Halted endpoint, per spec.md §4.4's
// three-step Stall recovery path: Reset-Endpoint, which leaves the
// endpoint's transfer ring frozen at the stalled TRB; Set-TR-Dequeue-
// Pointer, which skips past it to the next TRB software will actually
// enqueue; then a CLEAR_FEATURE(ENDPOINT_HALT) control request telling
// the device itself the endpoint is usable again.
func (d *Device) RecoverStalledEndpoint(ctx context.Context, address uint8) error {
	index := EndpointIndex(address&0x0f, address&0x80 != 0)
	if err := d.slot.ResetHaltedEndpoint(ctx, index); err != nil {
		return err
	}
	ep := d.slot.Endpoint(index)
	if ep == nil {
		return fmt.Errorf("device: endpoint %#x not configured: %w", address, ErrInvalidParameter)
	}
	if err := d.slot.RealignEndpoint(ctx, index, ep.Ring().EnqueuePointer(), ep.Ring().CycleBit()); err != nil {
		return err
	}
	setup := SetupPacket{RequestType: 0x02, Request: 0x01, Value: 0, Index: uint16(address)} // CLEAR_FEATURE(ENDPOINT_HALT)
	_, err := d.slot.ControlEndpoint().SubmitControl(ctx, setup, 0, 0, false)
	return err
}

// Disconnect disables this device's slot, releasing its controller
// resources (spec.md §4.8's disconnect path).
func (d *Device) Disconnect(ctx context.Context) error {
	return d.slot.Disable(ctx)
}
