package xhci

import (
	"context"
	"errors"
	"testing"
)

func newTestEndpoint(t *testing.T, kind TransferKind, maxPacketSize uint16) *Endpoint {
	t.Helper()
	ring := newTestRing(t, 32)
	doorbell := DoorbellRegisters{mmio: newFakeMMIO(256), base: 0}
	return newEndpoint(ring, doorbell, 1, EndpointIndex(1, true), kind, maxPacketSize, endpointEnv{})
}

func TestTDSizeForSaturatesAtFieldWidth(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	if got := ep.tdSizeFor(0); got != 0 {
		t.Errorf("tdSizeFor(0) = %d, want 0", got)
	}
	if got := ep.tdSizeFor(512); got != 1 {
		t.Errorf("tdSizeFor(512) = %d, want 1", got)
	}
	if got := ep.tdSizeFor(513); got != 2 {
		t.Errorf("tdSizeFor(513) = %d, want 2 (one partial packet)", got)
	}
	if got := ep.tdSizeFor(512 * 40); got != 31 {
		t.Errorf("tdSizeFor(512*40) = %d, want 31 (saturated)", got)
	}
}

func TestTDSizeForZeroMaxPacketSize(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindControl, 0)
	if got := ep.tdSizeFor(100); got != 0 {
		t.Errorf("tdSizeFor with maxPacketSize 0 = %d, want 0", got)
	}
}

func TestEnqueueChainSingleTRBSetsIOCNotChain(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	addr, err := ep.enqueueChain(0x1000, 256)
	if err != nil {
		t.Fatalf("enqueueChain: %v", err)
	}
	idx := trbAddrToIndex(ep.ring, addr)
	trb := ep.ring.trbs[idx]
	if !trb.IOC() {
		t.Fatalf("single-TRB TD must set IOC")
	}
	if trb.ChainBit() {
		t.Fatalf("single-TRB TD must not set the chain bit")
	}
	if trb.TRBTransferLength() != 256 {
		t.Fatalf("TRBTransferLength() = %d, want 256", trb.TRBTransferLength())
	}
}

func TestEnqueueChainSplitsOversizedTransferAndChains(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	length := uint32(maxNormalTRBLength) + 100
	addr, err := ep.enqueueChain(0x2000, length)
	if err != nil {
		t.Fatalf("enqueueChain: %v", err)
	}
	// The chain starts at index 0 in a fresh ring (no other TRBs enqueued yet).
	first := ep.ring.trbs[0]
	if !first.ChainBit() {
		t.Fatalf("first TRB of a split TD must set the chain bit")
	}
	if first.IOC() {
		t.Fatalf("first TRB of a split TD must not set IOC")
	}
	if first.TRBTransferLength() != maxNormalTRBLength {
		t.Fatalf("first TRB length = %d, want %d", first.TRBTransferLength(), maxNormalTRBLength)
	}

	lastIdx := trbAddrToIndex(ep.ring, addr)
	last := ep.ring.trbs[lastIdx]
	if last.ChainBit() {
		t.Fatalf("last TRB of a split TD must not set the chain bit")
	}
	if !last.IOC() {
		t.Fatalf("last TRB of a split TD must set IOC")
	}
	if last.TRBTransferLength() != 100 {
		t.Fatalf("last TRB length = %d, want 100", last.TRBTransferLength())
	}
}

func TestEnqueueChainZeroLengthStillEnqueuesOneTRB(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindControl, 64)
	addr, err := ep.enqueueChain(0x3000, 0)
	if err != nil {
		t.Fatalf("enqueueChain: %v", err)
	}
	idx := trbAddrToIndex(ep.ring, addr)
	if !ep.ring.trbs[idx].IOC() {
		t.Fatalf("zero-length TD must still set IOC on its single TRB")
	}
}

// waitForRegisteredTransferWaiter mirrors waitForRegisteredWaiter for an
// endpoint's waiter table, used to synchronize a fake controller
// goroutine with the submitting call.
func waitForRegisteredTransferWaiter(w *waiterTable) PhysAddr {
	for {
		w.mu.Lock()
		var addr PhysAddr
		var n int
		for a := range w.waiters {
			addr, n = a, n+1
		}
		w.mu.Unlock()
		if n == 1 {
			return addr
		}
	}
}

func TestSubmitBulkRoundTrip(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	done := make(chan struct{})
	go func() {
		addr := waitForRegisteredTransferWaiter(ep.waiters)
		var event TRB
		event.setType(TRBTypeTransferEvent)
		event.setCompletionCode(CompletionSuccess)
		event.setParameter(uint64(addr))
		ep.handleEvent(event)
		close(done)
	}()
	result, err := ep.SubmitBulk(context.Background(), 0x4000, 1024)
	<-done
	if err != nil {
		t.Fatalf("SubmitBulk: %v", err)
	}
	if result.BytesTransferred != 1024 {
		t.Fatalf("BytesTransferred = %d, want 1024", result.BytesTransferred)
	}
	if result.CompletionCode != CompletionSuccess {
		t.Fatalf("CompletionCode = %v, want Success", result.CompletionCode)
	}
}

func TestSubmitBulkShortPacketReportsActualLength(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	done := make(chan struct{})
	go func() {
		addr := waitForRegisteredTransferWaiter(ep.waiters)
		var event TRB
		event.setType(TRBTypeTransferEvent)
		event.setCompletionCode(CompletionShortPacket)
		event.setTransferLength(100) // residual: bytes NOT transferred
		event.setParameter(uint64(addr))
		ep.handleEvent(event)
		close(done)
	}()
	result, err := ep.SubmitBulk(context.Background(), 0x5000, 1024)
	<-done
	if err != nil {
		t.Fatalf("SubmitBulk short packet should not be reported as an error: %v", err)
	}
	if result.BytesTransferred != 924 {
		t.Fatalf("BytesTransferred = %d, want 924 (requested 1024 minus the 100-byte residual)", result.BytesTransferred)
	}
}

func TestSubmitBulkStallReturnsError(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindBulk, 512)
	done := make(chan struct{})
	go func() {
		addr := waitForRegisteredTransferWaiter(ep.waiters)
		var event TRB
		event.setType(TRBTypeTransferEvent)
		event.setCompletionCode(CompletionStallError)
		event.setParameter(uint64(addr))
		ep.handleEvent(event)
		close(done)
	}()
	_, err := ep.SubmitBulk(context.Background(), 0x6000, 64)
	<-done
	if err == nil {
		t.Fatalf("expected an error for a Stall completion")
	}
}

func TestSubmitControlSetupStageEncodesRequest(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindControl, 64)
	done := make(chan struct{})
	go func() {
		addr := waitForRegisteredTransferWaiter(ep.waiters)
		var event TRB
		event.setType(TRBTypeTransferEvent)
		event.setCompletionCode(CompletionSuccess)
		event.setParameter(uint64(addr))
		ep.handleEvent(event)
		close(done)
	}()
	setup := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	_, err := ep.SubmitControl(context.Background(), setup, 0x7000, 18, true)
	<-done
	if err != nil {
		t.Fatalf("SubmitControl: %v", err)
	}

	setupTRB := ep.ring.trbs[0]
	if setupTRB.Type() != TRBTypeSetupStage {
		t.Fatalf("first TRB type = %v, want SetupStage", setupTRB.Type())
	}
	if setupTRB.Parameter() != setup.raw() {
		t.Fatalf("setup TRB parameter = %#x, want %#x", setupTRB.Parameter(), setup.raw())
	}

	dataTRB := ep.ring.trbs[1]
	if dataTRB.Type() != TRBTypeDataStage {
		t.Fatalf("second TRB type = %v, want DataStage", dataTRB.Type())
	}
	if dataTRB.TRBTransferLength() != 18 {
		t.Fatalf("data stage length = %d, want 18", dataTRB.TRBTransferLength())
	}

	statusTRB := ep.ring.trbs[2]
	if statusTRB.Type() != TRBTypeStatusStage {
		t.Fatalf("third TRB type = %v, want StatusStage", statusTRB.Type())
	}
	if !statusTRB.IOC() {
		t.Fatalf("status stage TRB must set IOC")
	}
}

func TestSubmitBulkRejectsAddressAbove32BitsWithoutAC64(t *testing.T) {
	ring := newTestRing(t, 32)
	doorbell := DoorbellRegisters{mmio: newFakeMMIO(256), base: 0}
	ep := newEndpoint(ring, doorbell, 1, EndpointIndex(1, true), TransferKindBulk, 512, endpointEnv{addrSpace: addressSpace{ac64: false}})
	_, err := ep.SubmitBulk(context.Background(), PhysAddr(0x1_0000_0000), 64)
	if !errors.Is(err, ErrDMAAddressOutOfRange) {
		t.Fatalf("SubmitBulk with a 64-bit address and AC64=0 = %v, want ErrDMAAddressOutOfRange", err)
	}
}

func TestSubmitControlRejectsDataStageAddressAbove32BitsWithoutAC64(t *testing.T) {
	ring := newTestRing(t, 32)
	doorbell := DoorbellRegisters{mmio: newFakeMMIO(256), base: 0}
	ep := newEndpoint(ring, doorbell, 1, EndpointIndex(1, true), TransferKindControl, 64, endpointEnv{addrSpace: addressSpace{ac64: false}})
	setup := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	_, err := ep.SubmitControl(context.Background(), setup, PhysAddr(0x1_0000_0000), 18, true)
	if !errors.Is(err, ErrDMAAddressOutOfRange) {
		t.Fatalf("SubmitControl with a 64-bit data address and AC64=0 = %v, want ErrDMAAddressOutOfRange", err)
	}
}

func TestSubmitBulkRejectsOnceControllerIsDead(t *testing.T) {
	ring := newTestRing(t, 32)
	doorbell := DoorbellRegisters{mmio: newFakeMMIO(256), base: 0}
	dead := &deadFlag{}
	dead.set()
	ep := newEndpoint(ring, doorbell, 1, EndpointIndex(1, true), TransferKindBulk, 512, endpointEnv{dead: dead})
	if _, err := ep.SubmitBulk(context.Background(), 0x4000, 64); !errors.Is(err, ErrControllerDead) {
		t.Fatalf("SubmitBulk on a dead controller = %v, want ErrControllerDead", err)
	}
}

func TestSubmitBulkRejectsOnceSlotIsDisabled(t *testing.T) {
	ring := newTestRing(t, 32)
	doorbell := DoorbellRegisters{mmio: newFakeMMIO(256), base: 0}
	disabled := &deadFlag{}
	disabled.set()
	ep := newEndpoint(ring, doorbell, 1, EndpointIndex(1, true), TransferKindBulk, 512, endpointEnv{disabled: disabled})
	if _, err := ep.SubmitBulk(context.Background(), 0x4000, 64); !errors.Is(err, ErrSlotDisabled) {
		t.Fatalf("SubmitBulk on a disabled slot = %v, want ErrSlotDisabled", err)
	}
}

func TestSubmitControlNoDataStageWhenLengthZero(t *testing.T) {
	ep := newTestEndpoint(t, TransferKindControl, 64)
	done := make(chan struct{})
	go func() {
		addr := waitForRegisteredTransferWaiter(ep.waiters)
		var event TRB
		event.setType(TRBTypeTransferEvent)
		event.setCompletionCode(CompletionSuccess)
		event.setParameter(uint64(addr))
		ep.handleEvent(event)
		close(done)
	}()
	setup := SetupPacket{RequestType: 0x00, Request: 0x09, Value: 1}
	_, err := ep.SubmitControl(context.Background(), setup, 0, 0, false)
	<-done
	if err != nil {
		t.Fatalf("SubmitControl: %v", err)
	}
	// With no data stage, the status stage immediately follows setup at index 1.
	statusTRB := ep.ring.trbs[1]
	if statusTRB.Type() != TRBTypeStatusStage {
		t.Fatalf("second TRB type = %v, want StatusStage (no data stage)", statusTRB.Type())
	}
}
