package xhci

import "testing"

func TestRootHubRouteStringIsEmpty(t *testing.T) {
	var root RootHub
	rs, err := root.RouteString(3)
	if err != nil {
		t.Fatalf("RootHub.RouteString: %v", err)
	}
	if rs != 0 {
		t.Fatalf("RootHub.RouteString = %#x, want 0", rs)
	}
	if _, _, ok := root.TTSlotAndPort(3, SpeedLow); ok {
		t.Fatalf("RootHub should never report a TT")
	}
}

func TestExternalHubRouteStringTierAssignment(t *testing.T) {
	var root RootHub
	// Hub A attached directly to root-hub port 2: depth 1, prefix 0.
	hubA, err := newExternalHub(root, 2 /*slot*/, 2 /*downstream port on root*/, SpeedHigh, 4)
	if err != nil {
		t.Fatalf("newExternalHub A: %v", err)
	}
	if hubA.Depth() != 1 {
		t.Fatalf("hubA.Depth() = %d, want 1", hubA.Depth())
	}
	if hubA.RootHubPort() != 2 {
		t.Fatalf("hubA.RootHubPort() = %d, want 2", hubA.RootHubPort())
	}

	// A device on hubA's downstream port 3 gets tier0=3.
	rs, err := hubA.RouteString(3)
	if err != nil {
		t.Fatalf("hubA.RouteString(3): %v", err)
	}
	if rs != 3 {
		t.Fatalf("hubA.RouteString(3) = %#x, want 0x3", rs)
	}

	// Hub B attached to hubA's downstream port 3: depth 2, prefix == hubA's route to port 3.
	hubB, err := newExternalHub(hubA, 5 /*slot*/, 3, SpeedHigh, 2)
	if err != nil {
		t.Fatalf("newExternalHub B: %v", err)
	}
	if hubB.Depth() != 2 {
		t.Fatalf("hubB.Depth() = %d, want 2", hubB.Depth())
	}
	if hubB.RootHubPort() != 2 {
		t.Fatalf("hubB.RootHubPort() = %d, want 2 (inherited from hubA)", hubB.RootHubPort())
	}

	// A device on hubB's downstream port 1 gets tier0=3 (from hubA), tier1=1 (from hubB).
	rs, err = hubB.RouteString(1)
	if err != nil {
		t.Fatalf("hubB.RouteString(1): %v", err)
	}
	want := uint32(3) | uint32(1)<<4
	if rs != want {
		t.Fatalf("hubB.RouteString(1) = %#x, want %#x", rs, want)
	}
}

func TestExternalHubRouteStringRejectsOutOfRangePort(t *testing.T) {
	var root RootHub
	hub, err := newExternalHub(root, 2, 1, SpeedHigh, 4)
	if err != nil {
		t.Fatalf("newExternalHub: %v", err)
	}
	if _, err := hub.RouteString(0); err == nil {
		t.Fatalf("expected an error for downstream port 0")
	}
	if _, err := hub.RouteString(16); err == nil {
		t.Fatalf("expected an error for downstream port 16 (only 4 bits per tier)")
	}
}

func TestTTSlotAndPortHighSpeedHubHostsItsOwnTT(t *testing.T) {
	var root RootHub
	hsHub, err := newExternalHub(root, 2, 1, SpeedHigh, 4)
	if err != nil {
		t.Fatalf("newExternalHub: %v", err)
	}
	slot, port, ok := hsHub.TTSlotAndPort(3, SpeedLow)
	if !ok {
		t.Fatalf("expected a TT for a low-speed device behind a high-speed hub")
	}
	if slot != hsHub.SlotID() || port != 3 {
		t.Fatalf("TTSlotAndPort = (%d, %d), want (%d, 3)", slot, port, hsHub.SlotID())
	}
}

func TestTTSlotAndPortHighSpeedDeviceNeedsNoTT(t *testing.T) {
	var root RootHub
	hsHub, err := newExternalHub(root, 2, 1, SpeedHigh, 4)
	if err != nil {
		t.Fatalf("newExternalHub: %v", err)
	}
	if _, _, ok := hsHub.TTSlotAndPort(3, SpeedHigh); ok {
		t.Fatalf("a high-speed device never needs a Transaction Translator")
	}
}

func TestTTSlotAndPortInheritsThroughFullSpeedHub(t *testing.T) {
	var root RootHub
	hsHub, err := newExternalHub(root, 2, 1, SpeedHigh, 4)
	if err != nil {
		t.Fatalf("newExternalHub (high-speed): %v", err)
	}
	// A full-speed hub attached beneath the high-speed hub cannot itself
	// host a TT; its downstream devices' TT is still hsHub.
	fsHub, err := newExternalHub(hsHub, 9, 2, SpeedFull, 3)
	if err != nil {
		t.Fatalf("newExternalHub (full-speed): %v", err)
	}
	slot, port, ok := fsHub.TTSlotAndPort(1, SpeedLow)
	if !ok {
		t.Fatalf("expected a TT inherited from the high-speed grandparent hub")
	}
	if slot != hsHub.SlotID() {
		t.Fatalf("TT slot = %d, want %d (the high-speed hub, not the full-speed one)", slot, hsHub.SlotID())
	}
	// The TT port is the high-speed hub's downstream port the full-speed
	// hub is attached to (2), not the full-speed hub's own port (1).
	if port != 2 {
		t.Fatalf("TT port = %d, want 2", port)
	}
}
