// Command list_devices is a minimal consumer of the xhci package: it
// shows the shape a class driver builds on top of — descriptor
// fields and endpoint handles — without implementing any class
// protocol itself.
package main

import (
	"fmt"

	xhci "github.com/kestrelsoc/xhcihost"
)

// summarize formats the fields a class driver typically reads first
// off a freshly enumerated Device, before claiming an interface and
// talking to its endpoints directly.
func summarize(dev *xhci.Device) string {
	desc := dev.DeviceDescriptor()
	return fmt.Sprintf("slot=%d port=%d speed=%s vendor=%#04x product=%#04x class=%#02x hub=%v",
		dev.SlotID(), dev.Port(), dev.Speed(), desc.VendorID, desc.ProductID, desc.DeviceClass, dev.IsHub())
}

func main() {
	// A real program builds *xhci.Device values from a live
	// xhci.Controller's DeviceList() once Init and enumeration have
	// run; see cmd/xhcidemo for bringing a Controller up against a
	// hardware-free backend. This example documents the per-device
	// surface a class driver consumes once it has one.
	fmt.Println("xhci.Device surface for class drivers:")
	fmt.Println("  dev.DeviceDescriptor() -> xhci.DeviceDescriptor{VendorID, ProductID, DeviceClass, ...}")
	fmt.Println("  dev.ConfigurationDescriptor() -> xhci.ConfigurationDescriptor (after ApplyConfiguration)")
	fmt.Println("  dev.ClaimInterface(n) -> records a claim; a second claim fails until ReleaseInterface")
	fmt.Println("  dev.Endpoint(address) -> *xhci.Endpoint, with SubmitBulk/SubmitControl/SubmitIsochronous")
	fmt.Println()
	fmt.Println("a formatted one-line summary of an enumerated device looks like:")
	fmt.Println("  " + summaryExample())
}

func summaryExample() string {
	// Illustrative only: constructing a real *xhci.Device requires a
	// live Controller and an attached device, see cmd/xhcidemo.
	return "slot=3 port=1 speed=high vendor=0x1d6b product=0x0002 class=0x09 hub=true"
}
