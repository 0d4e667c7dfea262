package xhci

import (
	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// PortChangeHandler is notified when a Port-Status-Change event arrives
// for a root-hub port, letting the caller's enumeration loop (spec.md
// §4.8) react without polling PORTSC itself.
type PortChangeHandler func(port uint8)

// Dispatcher is the single entry point events are handed to, per
// spec.md §5's single-threaded model: one call to HandleEvent drains
// whatever the event ring currently holds and routes each TRB to its
// waiter, all on the caller's own goroutine/executor. This core never
// spawns anything to service the event ring itself.
type Dispatcher struct {
	eventRing  *EventRing
	runtime    RuntimeRegisters
	commands   *CommandEngine
	slots      map[uint8]*Slot
	onPortChange PortChangeHandler
}

func newDispatcher(eventRing *EventRing, runtime RuntimeRegisters, commands *CommandEngine) *Dispatcher {
	return &Dispatcher{eventRing: eventRing, runtime: runtime, commands: commands, slots: make(map[uint8]*Slot)}
}

// addSlot registers slot so its endpoints can receive Transfer Events.
func (d *Dispatcher) addSlot(slot *Slot) { d.slots[slot.id] = slot }

// removeSlot drops a disabled slot's event routing.
func (d *Dispatcher) removeSlot(id uint8) { delete(d.slots, id) }

// SetPortChangeHandler installs the callback invoked for each
// Port-Status-Change event drained.
func (d *Dispatcher) SetPortChangeHandler(fn PortChangeHandler) { d.onPortChange = fn }

// HandleEvent drains every currently-owned TRB from the event ring,
// dispatches each to its destination, and republishes the dequeue
// pointer, per spec.md §4.3's "ack in batches, not per TRB" guidance.
// It returns the number of events processed.
func (d *Dispatcher) HandleEvent() int {
	count := 0
	dequeue := d.eventRing.Drain(func(trb TRB) {
		count++
		d.route(trb)
	})
	d.runtime.SetERDP(0, dequeue)
	return count
}

func (d *Dispatcher) route(trb TRB) {
	switch trb.Type() {
	case TRBTypeCommandCompletion:
		if !d.commands.handleCompletion(trb) {
			xlog.Warningf(xlog.Event, "command completion with no matching waiter @%#x", trb.Parameter())
		}
	case TRBTypeTransferEvent:
		slot, ok := d.slots[trb.SlotID()]
		if !ok || !slot.handleTransferEvent(trb) {
			xlog.Warningf(xlog.Event, "transfer event for unknown slot=%d ep=%d", trb.SlotID(), trb.EndpointID())
		}
	case TRBTypePortStatusChange:
		port := uint8(trb.Parameter() >> 24)
		xlog.Debugf(xlog.Event, "port status change port=%d", port)
		if d.onPortChange != nil {
			d.onPortChange(port)
		}
	case TRBTypeHostControllerEvt:
		xlog.Errorf(xlog.Event, "host controller event, completion=%s", trb.CompletionCode())
	case TRBTypeDoorbellEvent, TRBTypeBandwidthRequest, TRBTypeDeviceNotification, TRBTypeMfindexWrap:
		xlog.Tracef(xlog.Event, "unhandled event type=%d", trb.Type())
	default:
		xlog.Warningf(xlog.Event, "unexpected event trb type=%d", trb.Type())
	}
}
