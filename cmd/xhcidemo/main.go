// Command xhcidemo brings up a Controller against a hardware-free
// register/DMA backend and exercises the host-controller facade end
// to end: Config, New, Init, HandleEvent, Stats, Shutdown.
//
// It deliberately stops short of driving a full enumeration: without
// real silicon (or a device simulator answering control transfers)
// there is nothing on the other end of the wire to complete a
// Configure-Endpoint or GetDescriptor exchange, and Enumerate would
// wait on it until its context gives out. The package's own tests
// (host_test.go, slot_test.go) drive that path with a
// synchronized fake responder; this binary is the "bring the
// controller up and watch it run" half of the story.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	xhci "github.com/kestrelsoc/xhcihost"
	"github.com/kestrelsoc/xhcihost/xhcitest"
)

var (
	maxSlots = flag.Uint("slots", 8, "number of device slots the fake controller reports")
	maxPorts = flag.Uint("ports", 4, "number of root-hub ports the fake controller reports")
	ac64     = flag.Bool("ac64", true, "advertise 64-bit DMA addressing")
	csz64    = flag.Bool("csz64", false, "advertise 64-byte device/input contexts")
	ticks    = flag.Int("ticks", 3, "number of HandleEvent polling ticks before shutdown")
)

func main() {
	flag.Parse()

	mmio := xhcitest.NewFakeController(uint8(*maxSlots), uint8(*maxPorts), *ac64, *csz64)
	cfg := xhci.Config{
		MMIO:     mmio,
		DMA:      xhcitest.NewDMA(),
		Platform: xhcitest.Platform{},
	}

	ctrl, err := xhci.New(cfg)
	if err != nil {
		log.Fatalf("xhci.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Init(ctx); err != nil {
		log.Fatalf("Init: %v", err)
	}
	fmt.Printf("controller initialized: slots=%d ports=%d\n", *maxSlots, *maxPorts)

	for i := 0; i < *ticks; i++ {
		n := ctrl.HandleEvent()
		stats := ctrl.Stats()
		fmt.Printf("tick %d: drained %d events, slotsEnabled=%d eventsHandled=%d\n",
			i, n, stats.SlotsEnabled, stats.EventsHandled)
		time.Sleep(10 * time.Millisecond)
	}

	for _, dev := range ctrl.DeviceList() {
		fmt.Printf("enumerated device on port %d\n", dev.Port())
	}

	ctrl.Shutdown()
	fmt.Println("controller shut down")
}
