package xhci

import "testing"

func TestEndpointIndexFormula(t *testing.T) {
	cases := []struct {
		num  uint8
		in   bool
		want uint8
	}{
		{1, false, 2},
		{1, true, 3},
		{2, false, 4},
		{2, true, 5},
		{15, true, 31},
	}
	for _, c := range cases {
		if got := EndpointIndex(c.num, c.in); got != c.want {
			t.Errorf("EndpointIndex(%d, %v) = %d, want %d", c.num, c.in, got, c.want)
		}
	}
	if ControlEndpointIndex != 1 {
		t.Errorf("ControlEndpointIndex = %d, want 1", ControlEndpointIndex)
	}
}

func TestSlotContextFieldRoundTrip(t *testing.T) {
	var sc SlotContext
	sc.e = newContextEntry(contextEntrySize64)

	sc.SetRouteString(0x12345)
	if got := sc.RouteString(); got != 0x12345 {
		t.Errorf("RouteString() = %#x, want 0x12345", got)
	}

	sc.SetSpeed(SpeedSuper)
	if got := sc.Speed(); got != SpeedSuper {
		t.Errorf("Speed() = %v, want SpeedSuper", got)
	}
	// Speed must not disturb the route string packed into the same word.
	if got := sc.RouteString(); got != 0x12345 {
		t.Errorf("RouteString() after SetSpeed = %#x, want 0x12345 (fields share Word0)", got)
	}

	sc.SetContextEntries(5)
	if got := sc.ContextEntries(); got != 5 {
		t.Errorf("ContextEntries() = %d, want 5", got)
	}

	sc.SetRootHubPort(7)
	sc.SetNumberOfPorts(4)
	if sc.RootHubPort() != 7 {
		t.Errorf("RootHubPort() = %d, want 7", sc.RootHubPort())
	}
	if sc.NumberOfPorts() != 4 {
		t.Errorf("NumberOfPorts() = %d, want 4", sc.NumberOfPorts())
	}

	sc.SetTTHubSlotID(3)
	sc.SetTTPortNumber(2)
	sc.SetInterrupterTarget(1)
	if sc.TTHubSlotID() != 3 {
		t.Errorf("TTHubSlotID() = %d, want 3", sc.TTHubSlotID())
	}
	if sc.TTPortNumber() != 2 {
		t.Errorf("TTPortNumber() = %d, want 2", sc.TTPortNumber())
	}
	if sc.InterrupterTarget() != 1 {
		t.Errorf("InterrupterTarget() = %d, want 1", sc.InterrupterTarget())
	}
}

func TestEndpointContextFieldRoundTrip(t *testing.T) {
	var ec EndpointContext
	ec.e = newContextEntry(contextEntrySize64)

	ec.SetType(EndpointTypeFor(TransferKindBulk, true))
	if ec.e.u32(1)>>3&0x7 != uint32(EndpointTypeBulkIn) {
		t.Errorf("endpoint type field = %d, want %d", ec.e.u32(1)>>3&0x7, EndpointTypeBulkIn)
	}

	ec.SetMaxPacketSize(512)
	if ec.MaxPacketSize() != 512 {
		t.Errorf("MaxPacketSize() = %d, want 512", ec.MaxPacketSize())
	}

	ec.SetMaxBurstSize(3)
	ec.SetErrorCount(3)
	ec.SetInterval(4)
	ec.SetAverageTRBLength(256)
	ec.SetMaxESITPayload(1024)

	const addr = PhysAddr(0x0000_0010_dead_be00)
	ec.SetTRDequeuePointer(addr, true)
	gotAddr, dcs := ec.TRDequeuePointer()
	if gotAddr != addr {
		t.Errorf("TRDequeuePointer() addr = %#x, want %#x", uint64(gotAddr), uint64(addr))
	}
	if !dcs {
		t.Errorf("TRDequeuePointer() dcs = false, want true")
	}
}

func TestEndpointTypeForMapping(t *testing.T) {
	cases := []struct {
		kind TransferKind
		in   bool
		want EndpointType
	}{
		{TransferKindControl, false, EndpointTypeControl},
		{TransferKindControl, true, EndpointTypeControl},
		{TransferKindIsochronous, false, EndpointTypeIsochOut},
		{TransferKindIsochronous, true, EndpointTypeIsochIn},
		{TransferKindBulk, false, EndpointTypeBulkOut},
		{TransferKindBulk, true, EndpointTypeBulkIn},
		{TransferKindInterrupt, false, EndpointTypeInterruptOut},
		{TransferKindInterrupt, true, EndpointTypeInterruptIn},
	}
	for _, c := range cases {
		if got := EndpointTypeFor(c.kind, c.in); got != c.want {
			t.Errorf("EndpointTypeFor(%v, %v) = %v, want %v", c.kind, c.in, got, c.want)
		}
	}
}

func TestDeviceContextFlushAndRefreshRoundTrip(t *testing.T) {
	dc, err := newDeviceContext(fakeRingDMA{}, addressSpace{ac64: true}, 4096, contextEntrySize64)
	if err != nil {
		t.Fatalf("newDeviceContext: %v", err)
	}
	dc.Slot().SetRouteString(0xabcd)
	dc.Endpoint(ControlEndpointIndex).SetMaxPacketSize(64)
	dc.flushToDMA()

	// Build a second, empty view over the same DMA memory and confirm
	// refreshFromDMA reads back both the slot context and the endpoint
	// context that flushToDMA wrote.
	fresh := DeviceContext{mem: dc.mem, entrySize: dc.entrySize}
	fresh.slot.e = newContextEntry(contextEntrySize64)
	for i := range fresh.endpoints {
		fresh.endpoints[i].e = newContextEntry(contextEntrySize64)
	}
	fresh.refreshFromDMA()

	if got := fresh.Slot().RouteString(); got != 0xabcd {
		t.Errorf("refreshFromDMA: RouteString() = %#x, want 0xabcd", got)
	}
	if got := fresh.Endpoint(ControlEndpointIndex).MaxPacketSize(); got != 64 {
		t.Errorf("refreshFromDMA: MaxPacketSize() = %d, want 64", got)
	}
}

func TestInputControlContextAddDropBits(t *testing.T) {
	var ic InputControlContext
	ic.e = newContextEntry(contextEntrySize64)

	ic.SetAddContext(0, true)
	ic.SetAddContext(2, true)
	ic.SetDropContext(3, true)

	if ic.e.u32(1)&(1<<0) == 0 {
		t.Errorf("add-context bit 0 not set")
	}
	if ic.e.u32(1)&(1<<2) == 0 {
		t.Errorf("add-context bit 2 not set")
	}
	if ic.e.u32(0)&(1<<3) == 0 {
		t.Errorf("drop-context bit 3 not set")
	}

	ic.SetConfigurationValue(1)
	ic.SetInterfaceNumber(2)
	ic.SetAlternateSetting(0)
	word7 := ic.e.u32(7)
	if word7&0xff != 1 {
		t.Errorf("configuration value = %d, want 1", word7&0xff)
	}
	if (word7>>8)&0xff != 2 {
		t.Errorf("interface number = %d, want 2", (word7>>8)&0xff)
	}
}
