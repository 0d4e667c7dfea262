package xhci

import (
	"context"
	"fmt"

	"github.com/kestrelsoc/xhcihost/internal/xlog"
)

// TransferKind distinguishes the four USB transfer types, each with its
// own TD-to-TRB translation rules (spec.md §4.5).
type TransferKind uint8

const (
	TransferKindControl TransferKind = iota
	TransferKindBulk
	TransferKindInterrupt
	TransferKindIsochronous
)

// maxNormalTRBLength is the largest transfer length a single Normal TRB
// can carry in its 17-bit TRB-Transfer-Length field (xHCI 1.2 §6.4.1).
const maxNormalTRBLength = 1<<17 - 1

// SetupPacket is the 8-byte USB control request this core stages into a
// Setup Stage TRB's Parameter field (spec.md §4.5).
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s SetupPacket) raw() uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

// TransferResult reports the outcome of a completed transfer: the
// number of bytes actually moved and, for a partially-serviced TD, the
// completion code that ended it early (spec.md §4.5).
type TransferResult struct {
	BytesTransferred uint32
	CompletionCode   TRBCompletionCode
}

// endpointEnv bundles the ambient checks every Endpoint needs at submit
// time that have nothing to do with its own ring state: the AC64
// address-width rule (spec.md §4.1) and the two kill switches that can
// fail a submit outright — the controller-wide one HandleEvent trips on
// a fatal host error, and the one this endpoint's own Slot trips on
// Disable (spec.md §7).
type endpointEnv struct {
	addrSpace addressSpace
	dead      *deadFlag
	disabled  *deadFlag
}

// Endpoint drives one device's transfer ring: TD construction, TD-Size
// computation, doorbell ringing, and completion matching (spec.md §4.4,
// §4.5). The command engine enables/configures the underlying context;
// Endpoint only ever touches the transfer ring and doorbell.
type Endpoint struct {
	ring          *Ring
	waiters       *waiterTable
	doorbell      DoorbellRegisters
	slot          uint8
	index         uint8
	kind          TransferKind
	maxPacketSize uint16
	env           endpointEnv
}

func newEndpoint(ring *Ring, doorbell DoorbellRegisters, slot, index uint8, kind TransferKind, maxPacketSize uint16, env endpointEnv) *Endpoint {
	return &Endpoint{
		ring: ring, waiters: newWaiterTable(), doorbell: doorbell,
		slot: slot, index: index, kind: kind, maxPacketSize: maxPacketSize, env: env,
	}
}

// Ring returns this endpoint's transfer ring, used when building
// Set-TR-Dequeue-Pointer commands after cancellation.
func (e *Endpoint) Ring() *Ring { return e.ring }

// SlotID and Index report the endpoint's slot/endpoint-context
// addressing, used by the dispatcher to route events.
func (e *Endpoint) SlotID() uint8 { return e.slot }
func (e *Endpoint) Index() uint8  { return e.index }

// CancelPending fails every transfer this endpoint has outstanding with
// ErrOrphanedTransfer, used by Slot.StopAndRealign once Stop-Endpoint has
// frozen the ring: those TDs will never see a completion event now that
// the dequeue pointer has moved past them.
func (e *Endpoint) CancelPending() {
	e.waiters.cancelAll()
}

// handleEvent matches a Transfer Event TRB against this endpoint's
// waiter table, keyed by the TRB Pointer field the event carries.
func (e *Endpoint) handleEvent(event TRB) bool {
	addr := PhysAddr(event.Parameter())
	return e.waiters.fulfill(addr, event)
}

// tdSizeFor computes the TD Size field (xHCI 1.2 §4.11.2.4): the number
// of packets remaining in the TD *after* the TRB being built, saturated
// at 31 (the field's 5-bit width), used so the controller can do its
// own flow-control bookkeeping.
func (e *Endpoint) tdSizeFor(remainingAfterThisTRB uint32) uint32 {
	if e.maxPacketSize == 0 {
		return 0
	}
	packets := (remainingAfterThisTRB + uint32(e.maxPacketSize) - 1) / uint32(e.maxPacketSize)
	if packets > 31 {
		packets = 31
	}
	return packets
}

// enqueueChain splits a buffer into maxNormalTRBLength-sized Normal TRBs
// (chained via the Chain Bit), setting IOC and the final TD Size only on
// the last TRB. It returns the last TRB's physical address, the handle
// the completion event will report back.
func (e *Endpoint) enqueueChain(addr PhysAddr, length uint32) (PhysAddr, error) {
	if length == 0 {
		var trb TRB
		trb.setType(TRBTypeNormal)
		trb.setParameter(uint64(addr))
		trb.setIOC(true)
		return e.ring.Enqueue(trb)
	}

	var last PhysAddr
	remaining := length
	offset := uint32(0)
	for remaining > 0 {
		chunk := remaining
		if chunk > maxNormalTRBLength {
			chunk = maxNormalTRBLength
		}
		remaining -= chunk

		var trb TRB
		trb.setType(TRBTypeNormal)
		trb.setParameter(uint64(addr) + uint64(offset))
		trb.setTRBTransferLength(chunk)
		trb.setTDSize(e.tdSizeFor(remaining))
		if remaining > 0 {
			trb.setChainBit(true)
		} else {
			trb.setIOC(true)
		}
		a, err := e.ring.Enqueue(trb)
		if err != nil {
			return 0, fmt.Errorf("endpoint: enqueue: %w", err)
		}
		last = a
		offset += chunk
	}
	return last, nil
}

// checkAlive rejects a submit outright if the controller or this
// endpoint's slot has died (spec.md §7).
func (e *Endpoint) checkAlive() error {
	if e.env.dead.isDead() {
		return ErrControllerDead
	}
	if e.env.disabled.isDead() {
		return ErrSlotDisabled
	}
	return nil
}

// checkSubmittable is checkAlive plus the AC64 addressing check against
// a caller-supplied transfer buffer address (spec.md §4.1).
func (e *Endpoint) checkSubmittable(addr PhysAddr) error {
	if err := e.checkAlive(); err != nil {
		return err
	}
	return e.env.addrSpace.check(addr, "transfer buffer")
}

// SubmitBulk enqueues length bytes at addr as a single TD on a bulk or
// interrupt endpoint and waits for its completion (spec.md §4.5).
func (e *Endpoint) SubmitBulk(ctx context.Context, addr PhysAddr, length uint32) (TransferResult, error) {
	if err := e.checkSubmittable(addr); err != nil {
		return TransferResult{}, fmt.Errorf("submit bulk: %w", err)
	}
	last, err := e.enqueueChain(addr, length)
	if err != nil {
		return TransferResult{}, err
	}
	slot := e.waiters.register(last)
	e.doorbell.RingEndpointDoorbell(e.slot, e.index)
	xlog.Debugf(xlog.Transfer, "slot=%d ep=%d submit bulk len=%d", e.slot, e.index, length)
	return e.awaitResult(ctx, slot, length)
}

// SubmitControl runs a 3-stage control transfer: Setup Stage, optional
// Data Stage, Status Stage, per spec.md §4.5. dataLength 0 omits the
// Data Stage entirely.
func (e *Endpoint) SubmitControl(ctx context.Context, setup SetupPacket, dataAddr PhysAddr, dataLength uint32, dataIn bool) (TransferResult, error) {
	if err := e.checkAlive(); err != nil {
		return TransferResult{}, fmt.Errorf("submit control: %w", err)
	}
	if dataLength > 0 {
		if err := e.env.addrSpace.check(dataAddr, "transfer buffer"); err != nil {
			return TransferResult{}, fmt.Errorf("submit control: %w", err)
		}
	}

	var setupTRB TRB
	setupTRB.setType(TRBTypeSetupStage)
	setupTRB.setParameter(setup.raw())
	setupTRB.setTRBTransferLength(8)
	setupTRB.setControl(setupTRB.Control() | (1 << 6)) // Immediate Data
	if dataLength > 0 {
		trt := uint32(2) // OUT data stage
		if dataIn {
			trt = 3
		}
		setupTRB.setControl(setupTRB.Control() | (trt << 16))
	}
	if _, err := e.ring.Enqueue(setupTRB); err != nil {
		return TransferResult{}, fmt.Errorf("control: setup stage: %w", err)
	}

	if dataLength > 0 {
		var dataTRB TRB
		dataTRB.setType(TRBTypeDataStage)
		dataTRB.setParameter(uint64(dataAddr))
		dataTRB.setTRBTransferLength(dataLength)
		dataTRB.setTDSize(e.tdSizeFor(0))
		if dataIn {
			dataTRB.setControl(dataTRB.Control() | (1 << 16))
		}
		if _, err := e.ring.Enqueue(dataTRB); err != nil {
			return TransferResult{}, fmt.Errorf("control: data stage: %w", err)
		}
	}

	var statusTRB TRB
	statusTRB.setType(TRBTypeStatusStage)
	if dataLength == 0 || !dataIn {
		statusTRB.setControl(statusTRB.Control() | (1 << 16)) // status stage direction IN
	}
	statusTRB.setIOC(true)
	statusAddr, err := e.ring.Enqueue(statusTRB)
	if err != nil {
		return TransferResult{}, fmt.Errorf("control: status stage: %w", err)
	}

	slot := e.waiters.register(statusAddr)
	e.doorbell.RingEndpointDoorbell(e.slot, ControlEndpointIndex)
	xlog.Debugf(xlog.Transfer, "slot=%d control request=%#x", e.slot, setup.Request)
	return e.awaitResult(ctx, slot, dataLength)
}

// SubmitIsochronous enqueues one isochronous TD for a periodic frame. A
// ring underrun (no TD queued when the controller's service opportunity
// arrives) is reported to the caller as CompletionRingUnderrun rather
// than retried by this core: the caller, not the core, decides whether
// to keep streaming after an underrun (SPEC_FULL.md §4.5).
func (e *Endpoint) SubmitIsochronous(ctx context.Context, addr PhysAddr, length uint32, frameID uint16) (TransferResult, error) {
	if err := e.checkSubmittable(addr); err != nil {
		return TransferResult{}, fmt.Errorf("submit isochronous: %w", err)
	}
	var trb TRB
	trb.setType(TRBTypeIsoch)
	trb.setParameter(uint64(addr))
	trb.setTRBTransferLength(length)
	trb.setTDSize(e.tdSizeFor(0))
	trb.setControl(trb.Control() | (uint32(frameID&0x7ff) << 20))
	trb.setIOC(true)
	last, err := e.ring.Enqueue(trb)
	if err != nil {
		return TransferResult{}, err
	}
	slot := e.waiters.register(last)
	e.doorbell.RingEndpointDoorbell(e.slot, e.index)
	return e.awaitResult(ctx, slot, length)
}

func (e *Endpoint) awaitResult(ctx context.Context, slot *completionSlot, requestedLength uint32) (TransferResult, error) {
	event, err := slot.wait(ctx)
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer: %w", err)
	}
	code := event.CompletionCode()
	transferred := requestedLength
	if code == CompletionShortPacket || !code.IsSuccess() {
		residual := event.TransferLength()
		if residual > requestedLength {
			residual = requestedLength
		}
		transferred = requestedLength - residual
	}
	result := TransferResult{BytesTransferred: transferred, CompletionCode: code}
	if !code.IsSuccess() && code != CompletionShortPacket {
		return result, newCompletionError("transfer", code)
	}
	return result, nil
}
