package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// DeviceSpeed enumerates the USB signaling speeds the PORTSC Port Speed
// field and slot-context Speed field both encode (spec.md §3).
type DeviceSpeed uint8

const (
	SpeedUnknown   DeviceSpeed = 0
	SpeedFull      DeviceSpeed = 1
	SpeedLow       DeviceSpeed = 2
	SpeedHigh      DeviceSpeed = 3
	SpeedSuper     DeviceSpeed = 4
	SpeedSuperPlus DeviceSpeed = 5
)

func (s DeviceSpeed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	case SpeedSuperPlus:
		return "super-plus"
	default:
		return "unknown"
	}
}

// IsSuperSpeedOrHigher reports whether s uses the USB3 link-training and
// warm-reset protocol rather than the USB2 reset protocol (spec.md §4.8).
func (s DeviceSpeed) IsSuperSpeedOrHigher() bool {
	return s == SpeedSuper || s == SpeedSuperPlus
}

// PortStatus is a decoded snapshot of one PORTSC register (spec.md §3).
type PortStatus struct {
	Connected       bool
	Enabled         bool
	OverCurrent     bool
	ResetInProgress bool
	Powered         bool
	Speed           DeviceSpeed

	ConnectChanged     bool
	EnabledChanged     bool
	ResetChanged       bool
	OverCurrentChanged bool
	LinkStateChanged   bool
}

// HasAnyChange reports whether any RW1C change bit is set, the condition
// that raises USBSTS.PCD and the per-port bit in a Port-Status-Change
// event TRB (spec.md §4.8).
func (p PortStatus) HasAnyChange() bool {
	return p.ConnectChanged || p.EnabledChanged || p.ResetChanged || p.OverCurrentChanged || p.LinkStateChanged
}

// PortState enumerates the enumeration FSM spec.md §4.8 assigns to each
// root-hub port.
type PortState uint8

const (
	PortStateDisconnected PortState = iota
	PortStateDisabled
	PortStateResetting
	PortStateEnabled
	PortStateAddressing
	PortStateConfigured
	PortStateOvercurrent
)

func (s PortState) String() string {
	switch s {
	case PortStateDisconnected:
		return "disconnected"
	case PortStateDisabled:
		return "disabled"
	case PortStateResetting:
		return "resetting"
	case PortStateEnabled:
		return "enabled"
	case PortStateAddressing:
		return "addressing"
	case PortStateConfigured:
		return "configured"
	case PortStateOvercurrent:
		return "overcurrent"
	default:
		return "unknown"
	}
}

// resetPollInterval is how often Port.WaitForReset polls PORTSC while
// waiting for PRC/WRC, absent an interrupt-driven path. spec.md §4.8
// leaves the wait mechanism to the caller's Platform; this core only
// needs cooperative sleep, never a dedicated goroutine (spec.md §5).
const resetPollInterval = time.Millisecond

// Port tracks one root-hub downstream port's enumeration state, per
// spec.md §4.8.
type Port struct {
	reg      PortRegister
	index    uint8
	platform Platform

	state PortState
	slot  uint8 // assigned slot id, 0 if none
}

func newPort(reg PortRegister, index uint8, platform Platform) *Port {
	return &Port{reg: reg, index: index, platform: platform, state: PortStateDisconnected}
}

// Index returns the 1-based root-hub port number.
func (p *Port) Index() uint8 { return p.index }

// State returns the port's current enumeration state.
func (p *Port) State() PortState { return p.state }

// Refresh reads PORTSC and advances the enumeration state machine based
// on the change bits observed, per spec.md §4.8. It acknowledges every
// change bit it consumed and returns the snapshot it acted on.
func (p *Port) Refresh() PortStatus {
	status := p.reg.Status()
	if !status.HasAnyChange() {
		return status
	}

	if status.OverCurrent {
		p.state = PortStateOvercurrent
		xlog.Warningf(xlog.Port, "port %d overcurrent", p.index)
	} else if status.ConnectChanged && !status.Connected {
		p.state = PortStateDisconnected
		p.slot = 0
		xlog.Infof(xlog.Port, "port %d disconnected", p.index)
	} else if status.ConnectChanged && status.Connected {
		p.state = PortStateDisabled
		xlog.Infof(xlog.Port, "port %d connected speed=%s", p.index, status.Speed)
	} else if status.ResetChanged || status.EnabledChanged {
		if status.Enabled {
			p.state = PortStateEnabled
		} else if p.state == PortStateResetting {
			p.state = PortStateDisabled
		}
	}

	p.ackChanges(status)
	return status
}

// clearFeatureOrder is the order this core clears PORTSC change bits in
// after a reset sequence completes: C_PORT_RESET and C_PORT_CONNECTION
// before any other pending change, so a USB3 warm-reset retrigger or a
// spurious connect bounce observed mid-sequence is not lost behind a
// reset acknowledgment (spec.md open question, resolved in SPEC_FULL.md
// §4.8).
var clearFeatureOrder = []uint32{portscPRC, portscWRC, portscCSC, portscPEC, portscOCC, portscPLC}

func (p *Port) ackChanges(status PortStatus) {
	v := p.reg.raw()
	for _, bit := range clearFeatureOrder {
		if v&bit != 0 {
			p.reg.ClearChangeBits(bit)
		}
	}
}

// Reset drives the port through a USB2 reset or USB3 warm reset and
// waits for the corresponding change bit, per spec.md §4.8's per-speed
// reset protocol.
func (p *Port) Reset(ctx context.Context, speed DeviceSpeed) error {
	p.state = PortStateResetting
	warm := speed.IsSuperSpeedOrHigher()
	p.reg.Reset(warm)
	return p.WaitForReset(ctx, warm)
}

// WaitForReset polls PORTSC until the reset-complete change bit appears,
// the enabled bit tracks it, or ctx is done.
func (p *Port) WaitForReset(ctx context.Context, warm bool) error {
	for {
		status := p.reg.Status()
		if warm {
			if status.ResetChanged {
				p.ackChanges(status)
				if status.Enabled {
					p.state = PortStateEnabled
				}
				return nil
			}
		} else if status.ResetChanged || status.Enabled {
			p.ackChanges(status)
			p.state = PortStateEnabled
			return nil
		}
		if err := p.platform.Sleep(ctx, resetPollInterval); err != nil {
			return fmt.Errorf("port %d: waiting for reset: %w", p.index, err)
		}
	}
}

// AssignSlot records the slot id this port's device was addressed into.
func (p *Port) AssignSlot(slot uint8) {
	p.slot = slot
	p.state = PortStateAddressing
}

// SlotID returns the assigned slot id, or 0 if the port has none.
func (p *Port) SlotID() uint8 { return p.slot }

// MarkConfigured transitions the port to PortStateConfigured; Enumerate
// calls it once its device has been addressed and its descriptors read.
func (p *Port) MarkConfigured() { p.state = PortStateConfigured }
