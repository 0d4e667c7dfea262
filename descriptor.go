package xhci

import (
	"encoding/binary"
	"fmt"
)

// Standard USB descriptor type codes this core parses (USB 2.0 §9.4,
// USB 3.2 §9.6 for the hub/SuperSpeed additions).
const (
	descTypeDevice            = 0x01
	descTypeConfiguration     = 0x02
	descTypeString            = 0x03
	descTypeInterface         = 0x04
	descTypeEndpoint          = 0x05
	descTypeInterfaceAssoc    = 0x0b
	descTypeSSEndpointCompanion = 0x30
	descTypeHub               = 0x29
	descTypeSuperSpeedHub     = 0x2a
)

// DeviceDescriptor is the parsed 18-byte standard device descriptor
// (USB 2.0 Table 9-8), read over the default control pipe before
// addressing completes (spec.md §4.4/§4.8).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes the fixed 18-byte device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < 18 {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: %d bytes: %w", len(data), ErrDescriptorTooShort)
	}
	if data[1] != descTypeDevice {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: type %#x: %w", data[1], ErrUnexpectedDescriptor)
	}
	return DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}, nil
}

// EndpointDescriptor is a parsed standard endpoint descriptor (USB 2.0
// Table 9-13), plus its SuperSpeed Endpoint Companion if one follows it.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
	MaxBurstSize  uint8 // from the SuperSpeed companion, if present
}

// Number returns the endpoint number, without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.Address & 0x0f }

// In reports whether this is an IN endpoint.
func (e EndpointDescriptor) In() bool { return e.Address&0x80 != 0 }

// Kind returns the transfer kind this endpoint's Attributes field
// encodes (USB 2.0 Table 9-13's bits 1:0).
func (e EndpointDescriptor) Kind() TransferKind {
	switch e.Attributes & 0x03 {
	case 1:
		return TransferKindIsochronous
	case 2:
		return TransferKindBulk
	case 3:
		return TransferKindInterrupt
	default:
		return TransferKindControl
	}
}

// intervalCode converts the descriptor's Interval field (in frames or
// microframes depending on speed) into the logarithmic encoding the
// xHCI endpoint context's Interval field uses (xHCI 1.2 §6.2.3.6).
func (e EndpointDescriptor) intervalCode(speed DeviceSpeed, kind TransferKind) uint8 {
	if kind != TransferKindInterrupt && kind != TransferKindIsochronous {
		return 0
	}
	if speed == SpeedFull || speed == SpeedLow {
		// Interval is in frames (1ms units); xHCI wants log2(interval*8).
		n := uint8(0)
		v := e.Interval
		for v > 1 {
			v >>= 1
			n++
		}
		return n + 3
	}
	// High-speed and above: Interval is already 2^(n-1) microframes.
	if e.Interval == 0 {
		return 0
	}
	return e.Interval - 1
}

// ToSlotEndpoint converts a parsed endpoint descriptor and the device's
// negotiated speed into the endpointDescriptor Slot.ConfigureEndpoints
// consumes (spec.md §4.4).
func (e EndpointDescriptor) ToSlotEndpoint(speed DeviceSpeed) endpointDescriptor {
	kind := e.Kind()
	return endpointDescriptor{
		Number:        e.Number(),
		In:            e.In(),
		Kind:          kind,
		MaxPacketSize: e.MaxPacketSize,
		MaxBurstSize:  e.MaxBurstSize,
		Interval:      e.intervalCode(speed, kind),
	}
}

// InterfaceAltSetting is one alternate setting of a USB interface,
// carrying its own endpoint list (USB 2.0 Table 9-12).
type InterfaceAltSetting struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Endpoints         []EndpointDescriptor
}

// InterfaceDescriptorSet groups every alternate setting sharing an
// interface number.
type InterfaceDescriptorSet struct {
	AltSettings []InterfaceAltSetting
}

// ConfigurationDescriptor is the parsed configuration descriptor tree
// (USB 2.0 Table 9-10): the fixed header plus every interface and
// endpoint descriptor nested beneath it, per spec.md §4.4's need for a
// full descriptor walk before Configure-Endpoint.
type ConfigurationDescriptor struct {
	ConfigurationValue uint8
	NumInterfaces      uint8
	Attributes         uint8
	MaxPower           uint8
	Interfaces         []InterfaceDescriptorSet
}

// ParseConfigurationDescriptor walks the length-prefixed descriptor
// chain GET_DESCRIPTOR(Configuration) returns, grouping endpoint
// descriptors under their owning interface, following the same
// linear-scan structure the teacher's descriptor parser uses.
func ParseConfigurationDescriptor(data []byte) (ConfigurationDescriptor, error) {
	if len(data) < 9 {
		return ConfigurationDescriptor{}, fmt.Errorf("configuration descriptor: %d bytes: %w", len(data), ErrDescriptorTooShort)
	}
	if data[1] != descTypeConfiguration {
		return ConfigurationDescriptor{}, fmt.Errorf("configuration descriptor: type %#x: %w", data[1], ErrUnexpectedDescriptor)
	}

	cfg := ConfigurationDescriptor{
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		Attributes:         data[7],
		MaxPower:           data[8],
	}

	// altSettings accumulates every interface descriptor encountered, in
	// declaration order; grouping by interface number happens in one
	// pass afterward so an alternate setting's endpoints never need a
	// pointer kept alive across map reassignment.
	var altSettings []InterfaceAltSetting

	pos := 9
	for pos+2 <= len(data) {
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case descTypeInterface:
			if length < 9 {
				return ConfigurationDescriptor{}, fmt.Errorf("interface descriptor: %d bytes: %w", length, ErrDescriptorTooShort)
			}
			altSettings = append(altSettings, InterfaceAltSetting{
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
			})

		case descTypeEndpoint:
			if length < 7 {
				return ConfigurationDescriptor{}, fmt.Errorf("endpoint descriptor: %d bytes: %w", length, ErrDescriptorTooShort)
			}
			ep := EndpointDescriptor{
				Address:       data[pos+2],
				Attributes:    data[pos+3],
				MaxPacketSize: binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:      data[pos+6],
			}
			next := pos + length
			if next+2 <= len(data) && data[next+1] == descTypeSSEndpointCompanion {
				compLen := int(data[next])
				if compLen >= 4 && next+compLen <= len(data) {
					ep.MaxBurstSize = data[next+2]
					length += compLen
				}
			}
			if len(altSettings) > 0 {
				last := &altSettings[len(altSettings)-1]
				last.Endpoints = append(last.Endpoints, ep)
			}
		}
		pos += length
	}

	cfg.Interfaces = groupByInterfaceNumber(altSettings)
	return cfg, nil
}

// groupByInterfaceNumber collects consecutive-or-not alternate settings
// sharing an interface number into one InterfaceDescriptorSet each,
// preserving the order interface numbers were first seen.
func groupByInterfaceNumber(altSettings []InterfaceAltSetting) []InterfaceDescriptorSet {
	byNumber := make(map[uint8]int)
	var sets []InterfaceDescriptorSet
	for _, alt := range altSettings {
		idx, ok := byNumber[alt.InterfaceNumber]
		if !ok {
			idx = len(sets)
			byNumber[alt.InterfaceNumber] = idx
			sets = append(sets, InterfaceDescriptorSet{})
		}
		sets[idx].AltSettings = append(sets[idx].AltSettings, alt)
	}
	return sets
}

// FirstAltSettings returns each interface's default (alternate setting
// 0) descriptor, the set Slot.ConfigureEndpoints uses for the initial
// configuration (spec.md §4.4).
func (c ConfigurationDescriptor) FirstAltSettings() []InterfaceAltSetting {
	out := make([]InterfaceAltSetting, 0, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			if alt.AlternateSetting == 0 {
				out = append(out, alt)
				break
			}
		}
	}
	return out
}

// HubDescriptor is the parsed class-specific hub descriptor (USB 2.0
// §11.23.2.1 / USB 3.2 §10.13.2.1), read during hub recognition so the
// host can assign route strings and Transaction-Translator state to
// whatever enumerates beneath it (spec.md §4.7).
type HubDescriptor struct {
	NumPorts           uint8
	Characteristics    uint16
	PowerOnToPowerGood uint8
	MaxCurrent         uint8
	IsSuperSpeed       bool
}

// ParseHubDescriptor decodes a hub class descriptor. USB3 hub
// descriptors (type 0x2a) have a fixed 12-byte layout; USB2 hub
// descriptors (type 0x29) carry variable-length port bitmaps this core
// doesn't need to interpret per-port.
func ParseHubDescriptor(data []byte) (HubDescriptor, error) {
	if len(data) < 7 {
		return HubDescriptor{}, fmt.Errorf("hub descriptor: %d bytes: %w", len(data), ErrDescriptorTooShort)
	}
	switch data[1] {
	case descTypeHub, descTypeSuperSpeedHub:
	default:
		return HubDescriptor{}, fmt.Errorf("hub descriptor: type %#x: %w", data[1], ErrUnexpectedDescriptor)
	}
	return HubDescriptor{
		NumPorts:           data[2],
		Characteristics:    binary.LittleEndian.Uint16(data[3:5]),
		PowerOnToPowerGood: data[5],
		MaxCurrent:         data[6],
		IsSuperSpeed:       data[1] == descTypeSuperSpeedHub,
	}, nil
}
