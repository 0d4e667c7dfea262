package xhci

import (
	"context"
	"fmt"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// routeStringTiers is the number of 4-bit tiers a route string carries
// (xHCI 1.2 §4.19.7): one per level of hub nesting beyond the root hub.
const routeStringTiers = 5

// Hub is the common interface the port-enumeration state machine
// (spec.md §4.8) drives, whether the port in question sits on the root
// hub or on an externally-attached hub.
type Hub interface {
	// Depth returns the hub's tier depth: 0 for the root hub.
	Depth() int
	// RouteString returns the route string a device attached at
	// downstream port (1-based) on this hub would receive.
	RouteString(downstreamPort uint8) (uint32, error)
	// RootHubPort returns the root-hub port this hub's path originates
	// from (spec.md §3's slot-context RootHubPort field).
	RootHubPort() uint8
	// TTSlotAndPort returns the Transaction-Translator hub slot id and
	// downstream port a full/low-speed device attached at
	// downstream port should record in its slot context (spec.md §4.7).
	// ok is false if no TT applies (the device is itself high-speed or
	// faster, or is attached directly to the root hub).
	TTSlotAndPort(downstreamPort uint8, deviceSpeed DeviceSpeed) (slot, port uint8, ok bool)
}

// RootHub represents the controller's own root ports: Depth 0, an empty
// route string, and no Transaction Translator (spec.md §4.7 — the root
// hub's ports are always at the controller's native speed).
type RootHub struct{}

func (RootHub) Depth() int { return 0 }

func (RootHub) RouteString(downstreamPort uint8) (uint32, error) { return 0, nil }

func (RootHub) RootHubPort() uint8 { return 0 } // caller supplies the actual port separately

func (RootHub) TTSlotAndPort(uint8, DeviceSpeed) (uint8, uint8, bool) { return 0, 0, false }

// ExternalHub represents a USB hub enumerated as a device on this
// controller, tracking the route-string prefix and TT assignment its
// own position in the topology carries (spec.md §4.7).
//
// Route-string assignment law (spec.md §3): tier i of a device's route
// string is the downstream port number on the hub at depth i+1. A hub at
// depth d occupies tiers 0..d-2 of its own route string; a device
// attached to downstream port p on that hub gets the same prefix with
// tier d-1 set to p.
type ExternalHub struct {
	parent      Hub
	slot        uint8
	rootHubPort uint8
	depth       int
	prefix      uint32 // this hub's own route string

	isHighSpeed   bool
	hasTT         bool // true if this hub is itself a TT (high-speed hub with FS/LS children)
	numDownstream uint8
}

// newExternalHub builds the hub record for a device slot that has just
// been identified (via its hub descriptor) as a USB hub, attached at
// downstreamPort on parent.
func newExternalHub(parent Hub, slot uint8, downstreamPort uint8, speed DeviceSpeed, numDownstream uint8) (*ExternalHub, error) {
	prefix, err := parent.RouteString(downstreamPort)
	if err != nil {
		return nil, err
	}
	depth := parent.Depth() + 1
	if depth > routeStringTiers {
		return nil, fmt.Errorf("hub: route string exhausted at depth %d: %w", depth, ErrInvalidParameter)
	}
	isHighSpeed := speed == SpeedHigh || speed.IsSuperSpeedOrHigher()
	h := &ExternalHub{
		parent: parent, slot: slot, rootHubPort: parent.RootHubPort(), depth: depth,
		prefix: prefix, isHighSpeed: isHighSpeed, numDownstream: numDownstream,
	}
	if parent.Depth() == 0 {
		h.rootHubPort = downstreamPort
	}
	// hasTT is set lazily once a FS/LS child actually attaches beneath a
	// high-speed hub (spec.md §4.7); a high-speed hub with only
	// high-speed children never becomes a TT.
	return h, nil
}

func (h *ExternalHub) Depth() int { return h.depth }

func (h *ExternalHub) RootHubPort() uint8 { return h.rootHubPort }

// RouteString computes the route string for downstreamPort on h, per
// the tier-assignment law: h's own prefix with tier `depth-1` set to
// downstreamPort.
func (h *ExternalHub) RouteString(downstreamPort uint8) (uint32, error) {
	if downstreamPort == 0 || downstreamPort > 15 {
		return 0, fmt.Errorf("hub: downstream port %d out of range: %w", downstreamPort, ErrInvalidParameter)
	}
	if h.depth > routeStringTiers {
		return 0, fmt.Errorf("hub: route string exhausted at depth %d: %w", h.depth, ErrInvalidParameter)
	}
	shift := uint(h.depth-1) * 4
	return h.prefix | (uint32(downstreamPort) << shift), nil
}

// TTSlotAndPort returns this hub's own slot/port as the Transaction
// Translator for a full/low-speed device attached at downstreamPort,
// when this hub is itself high-speed (spec.md §4.7): a FS/LS device
// behind a high-speed hub gets that hub as its TT; a FS/LS device
// behind another FS/LS hub inherits its parent's TT, with the TT port
// being the high-speed hub's downstream port the path leaves through,
// because only a high-speed hub can host a Transaction Translator.
func (h *ExternalHub) TTSlotAndPort(downstreamPort uint8, deviceSpeed DeviceSpeed) (uint8, uint8, bool) {
	if deviceSpeed == SpeedHigh || deviceSpeed.IsSuperSpeedOrHigher() {
		return 0, 0, false
	}
	if h.isHighSpeed {
		h.hasTT = true
		return h.slot, downstreamPort, true
	}
	// Pass up the port this hub occupies on its parent, read back from
	// the parent's tier (depth-2) of this hub's own route string.
	parentPort := downstreamPort
	if h.depth >= 2 {
		parentPort = uint8(h.prefix>>(uint(h.depth-2)*4)) & 0xf
	}
	return h.parent.TTSlotAndPort(parentPort, deviceSpeed)
}

// SlotID returns this hub's own device slot id, used when a device
// enumerated behind it needs its parent's slot for Hub-Slot-ID
// bookkeeping outside of TT assignment (e.g. Set-Hub-Depth on the hub
// itself, spec.md §4.7's extended Configure-Endpoint command for hubs).
func (h *ExternalHub) SlotID() uint8 { return h.slot }

// SetHubDepth runs once this slot is recognized as a hub: it writes the
// hub's downstream port count into the input slot context's Number of
// Ports field and issues Evaluate Context for the slot. The slot
// context's Hub bit is not set here.
func (h *ExternalHub) SetHubDepth(ctx context.Context, commands *CommandEngine, input *InputContext) error {
	input.Device().Slot().SetNumberOfPorts(h.numDownstream)
	if err := commands.EvaluateContext(ctx, h.slot, input); err != nil {
		return fmt.Errorf("hub slot %d: set-hub-depth: %w", h.slot, err)
	}
	xlog.Infof(xlog.Hub, "slot %d recognized as hub, depth=%d downstream=%d", h.slot, h.depth, h.numDownstream)
	return nil
}
