package xhci

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// CommandEngine owns the command ring and the single-outstanding-command
// discipline of spec.md §4.6: this core only ever has one command
// awaiting completion at a time (submit refuses a second one with
// ErrCommandInFlight), matched by the completion event's
// Command-TRB-Pointer field.
type CommandEngine struct {
	ring      *Ring
	doorbell  DoorbellRegisters
	waiters   *waiterTable
	dead      *deadFlag
	mu        sync.Mutex
	inFlight  bool
}

func newCommandEngine(ring *Ring, doorbell DoorbellRegisters, dead *deadFlag) *CommandEngine {
	return &CommandEngine{ring: ring, doorbell: doorbell, waiters: newWaiterTable(), dead: dead}
}

// submit enqueues trb on the command ring, rings the command doorbell,
// and returns a completion slot the caller awaits for the matching
// Command-Completion event (spec.md §4.6). This core only ever has one
// command awaiting completion at a time; a submit while one is already
// outstanding fails with ErrCommandInFlight rather than queuing behind
// it, matching the single-outstanding-command discipline runAndWait
// enforces for every caller in this package.
func (c *CommandEngine) submit(trb TRB) (*completionSlot, error) {
	if c.dead.isDead() {
		return nil, ErrControllerDead
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return nil, ErrCommandInFlight
	}
	addr, err := c.ring.Enqueue(trb)
	if err != nil {
		return nil, fmt.Errorf("command: enqueue: %w", err)
	}
	slot := c.waiters.register(addr)
	c.inFlight = true
	c.doorbell.RingCommandDoorbell()
	xlog.Debugf(xlog.Command, "submitted type=%d @%#x", trb.Type(), uint64(addr))
	return slot, nil
}

// handleCompletion matches a Command-Completion event TRB against its
// waiter, keyed by the Command-TRB-Pointer the event carries in its
// Parameter field.
func (c *CommandEngine) handleCompletion(event TRB) bool {
	addr := PhysAddr(event.Parameter())
	return c.waiters.fulfill(addr, event)
}

// runAndWait submits trb and blocks for its completion, translating a
// non-success completion code into a *CompletionCodeError.
func (c *CommandEngine) runAndWait(ctx context.Context, op string, trb TRB) (TRB, error) {
	slot, err := c.submit(trb)
	if err != nil {
		return TRB{}, err
	}
	result, err := slot.wait(ctx)
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	if err != nil {
		return TRB{}, fmt.Errorf("command: %s: %w", op, err)
	}
	if !result.CompletionCode().IsSuccess() {
		return result, newCompletionError(op, result.CompletionCode())
	}
	return result, nil
}

// EnableSlot issues an Enable Slot command and returns the assigned slot
// id (spec.md §4.4).
func (c *CommandEngine) EnableSlot(ctx context.Context) (uint8, error) {
	var trb TRB
	trb.setType(TRBTypeEnableSlot)
	result, err := c.runAndWait(ctx, "enable-slot", trb)
	if err != nil {
		return 0, err
	}
	return result.SlotID(), nil
}

// DisableSlot issues a Disable Slot command for slot.
func (c *CommandEngine) DisableSlot(ctx context.Context, slot uint8) error {
	var trb TRB
	trb.setType(TRBTypeDisableSlot)
	trb.setSlotID(slot)
	_, err := c.runAndWait(ctx, "disable-slot", trb)
	return err
}

// AddressDevice issues an Address Device command for slot, pointing at
// the given input context. blockSetAddress implements the two-stage BSR
// (Block Set Address Request) form used for deferred addressing
// (spec.md §4.4's SlotAddressingDeferred state).
func (c *CommandEngine) AddressDevice(ctx context.Context, slot uint8, input *InputContext, blockSetAddress bool) error {
	input.flushToDMA()
	var trb TRB
	trb.setType(TRBTypeAddressDevice)
	trb.setSlotID(slot)
	trb.setParameter(uint64(input.BaseAddress()))
	if blockSetAddress {
		trb.setControl(trb.Control() | (1 << 9)) // BSR bit
	}
	_, err := c.runAndWait(ctx, "address-device", trb)
	return err
}

// ConfigureEndpoint issues a Configure Endpoint command for slot. With
// deconfigure set it issues xHCI 1.2 §4.6.6's "deconfigure" form and
// input is not used.
func (c *CommandEngine) ConfigureEndpoint(ctx context.Context, slot uint8, input *InputContext, deconfigure bool) error {
	var trb TRB
	trb.setType(TRBTypeConfigureEndpoint)
	trb.setSlotID(slot)
	if deconfigure {
		trb.setControl(trb.Control() | (1 << 9)) // Deconfigure bit
	} else {
		input.flushToDMA()
		trb.setParameter(uint64(input.BaseAddress()))
	}
	_, err := c.runAndWait(ctx, "configure-endpoint", trb)
	return err
}

// EvaluateContext issues an Evaluate Context command for slot.
func (c *CommandEngine) EvaluateContext(ctx context.Context, slot uint8, input *InputContext) error {
	input.flushToDMA()
	var trb TRB
	trb.setType(TRBTypeEvaluateContext)
	trb.setSlotID(slot)
	trb.setParameter(uint64(input.BaseAddress()))
	_, err := c.runAndWait(ctx, "evaluate-context", trb)
	return err
}

// ResetEndpoint issues a Reset Endpoint command, clearing a Halted
// endpoint back to Stopped (spec.md §4.4). transferStatePreserve
// controls the TSP bit.
func (c *CommandEngine) ResetEndpoint(ctx context.Context, slot, endpointIndex uint8, transferStatePreserve bool) error {
	var trb TRB
	trb.setType(TRBTypeResetEndpoint)
	trb.setSlotID(slot)
	trb.setEndpointID(endpointIndex)
	if transferStatePreserve {
		trb.setControl(trb.Control() | (1 << 9))
	}
	_, err := c.runAndWait(ctx, "reset-endpoint", trb)
	return err
}

// StopEndpoint issues a Stop Endpoint command, per spec.md §4.5's
// cancellation path.
func (c *CommandEngine) StopEndpoint(ctx context.Context, slot, endpointIndex uint8) error {
	var trb TRB
	trb.setType(TRBTypeStopEndpoint)
	trb.setSlotID(slot)
	trb.setEndpointID(endpointIndex)
	_, err := c.runAndWait(ctx, "stop-endpoint", trb)
	return err
}

// SetTRDequeuePointer issues a Set TR Dequeue Pointer command, used
// after Stop-Endpoint cancellation to realign the controller's dequeue
// pointer past skipped TRBs (spec.md §4.5).
func (c *CommandEngine) SetTRDequeuePointer(ctx context.Context, slot, endpointIndex uint8, addr PhysAddr, dcs bool) error {
	var trb TRB
	trb.setType(TRBTypeSetTRDequeuePtr)
	trb.setSlotID(slot)
	trb.setEndpointID(endpointIndex)
	v := uint64(addr) &^ 0xf
	if dcs {
		v |= 1
	}
	trb.setParameter(v)
	_, err := c.runAndWait(ctx, "set-tr-dequeue-pointer", trb)
	return err
}

// NoOp issues a No-Op command, useful for probing command-ring liveness.
func (c *CommandEngine) NoOp(ctx context.Context) error {
	var trb TRB
	trb.setType(TRBTypeNoOpCommand)
	_, err := c.runAndWait(ctx, "no-op", trb)
	return err
}
