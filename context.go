package xhci

// contextEntrySize32 and contextEntrySize64 are the two context-entry
// sizes the xHCI capability bit CSZ selects between (spec.md §3).
const (
	contextEntrySize32 = 32
	contextEntrySize64 = 64
)

// maxEndpointContexts is the number of endpoint-context slots per device
// context: indices 1..31, where index 1 is always the bidirectional
// default control endpoint (spec.md §3).
const maxEndpointContexts = 31

// EndpointIndex computes the xHCI endpoint-context index (1..31) for a
// non-control endpoint, per spec.md §3: index = 2*endpoint +
// (direction==IN ? 1 : 0). Index 1 (the default control endpoint) is
// returned directly by ControlEndpointIndex; this formula never produces
// it for a nonzero endpoint number.
func EndpointIndex(endpointNumber uint8, in bool) uint8 {
	dir := uint8(0)
	if in {
		dir = 1
	}
	return 2*endpointNumber + dir
}

// ControlEndpointIndex is the fixed index of the bidirectional default
// control endpoint.
const ControlEndpointIndex uint8 = 1

// contextEntry is a fixed-size byte buffer backing one slot-context or
// endpoint-context entry, sized according to the controller's CSZ bit.
// Fields are packed/unpacked with the same bit layouts the controller
// expects (xHCI 1.2 §6.2.2/6.2.3), so this buffer can be DMA'd directly.
type contextEntry struct {
	size int
	buf  [contextEntrySize64]byte
}

func newContextEntry(size int) contextEntry {
	return contextEntry{size: size}
}

func (c *contextEntry) u32(word int) uint32 {
	o := word * 4
	return uint32(c.buf[o]) | uint32(c.buf[o+1])<<8 | uint32(c.buf[o+2])<<16 | uint32(c.buf[o+3])<<24
}

func (c *contextEntry) setU32(word int, v uint32) {
	o := word * 4
	c.buf[o] = byte(v)
	c.buf[o+1] = byte(v >> 8)
	c.buf[o+2] = byte(v >> 16)
	c.buf[o+3] = byte(v >> 24)
}

func (c *contextEntry) u64(word int) uint64 {
	return uint64(c.u32(word)) | uint64(c.u32(word+1))<<32
}

func (c *contextEntry) setU64(word int, v uint64) {
	c.setU32(word, uint32(v))
	c.setU32(word+1, uint32(v>>32))
}

// SlotContext is the per-slot portion of a device context (xHCI 1.2
// §6.2.2), carrying the fields spec.md §3/§4.4 name.
type SlotContext struct {
	e contextEntry
}

// RouteString returns the 20-bit route string (Word0 bits 19:0).
func (s *SlotContext) RouteString() uint32 { return s.e.u32(0) & 0xfffff }

func (s *SlotContext) SetRouteString(rs uint32) {
	s.e.setU32(0, (s.e.u32(0) &^ 0xfffff) | (rs & 0xfffff))
}

// Speed returns the slot's speed code (Word0 bits 23:20).
func (s *SlotContext) Speed() DeviceSpeed {
	return DeviceSpeed((s.e.u32(0) >> 20) & 0xf)
}

func (s *SlotContext) SetSpeed(sp DeviceSpeed) {
	s.e.setU32(0, (s.e.u32(0) &^ (0xf << 20)) | (uint32(sp) << 20))
}

// ContextEntries returns the number of valid endpoint contexts (Word0
// bits 31:27): 1 initially (EP0 only), raised by Configure-Endpoint.
func (s *SlotContext) ContextEntries() uint8 { return uint8(s.e.u32(0) >> 27) }

func (s *SlotContext) SetContextEntries(n uint8) {
	s.e.setU32(0, (s.e.u32(0) &^ (0x1f << 27)) | (uint32(n&0x1f) << 27))
}

// RootHubPort returns the root-hub port number this device's path
// originates from (Word1 bits 31:24).
func (s *SlotContext) RootHubPort() uint8 { return uint8(s.e.u32(1) >> 24) }

func (s *SlotContext) SetRootHubPort(port uint8) {
	s.e.setU32(1, (s.e.u32(1) &^ (0xff << 24)) | (uint32(port) << 24))
}

// NumberOfPorts returns the number of downstream ports, valid only when
// this slot is itself a hub (Word1 bits 23:16).
func (s *SlotContext) NumberOfPorts() uint8 { return uint8((s.e.u32(1) >> 16) & 0xff) }

func (s *SlotContext) SetNumberOfPorts(n uint8) {
	s.e.setU32(1, (s.e.u32(1) &^ (0xff << 16)) | (uint32(n) << 16))
}

// TTHubSlotID returns the Transaction-Translator hub's slot id
// (Word2 bits 7:0), set when this device is full/low speed behind a
// high-speed hub (spec.md §4.7).
func (s *SlotContext) TTHubSlotID() uint8 { return uint8(s.e.u32(2)) }

func (s *SlotContext) SetTTHubSlotID(id uint8) {
	s.e.setU32(2, (s.e.u32(2) &^ 0xff) | uint32(id))
}

// TTPortNumber returns the downstream port on the TT hub through which
// this device's path leaves the high-speed domain (Word2 bits 15:8).
func (s *SlotContext) TTPortNumber() uint8 { return uint8(s.e.u32(2) >> 8) }

func (s *SlotContext) SetTTPortNumber(port uint8) {
	s.e.setU32(2, (s.e.u32(2) &^ (0xff << 8)) | (uint32(port) << 8))
}

// InterrupterTarget returns the interrupter this slot's events are
// routed to (Word2 bits 31:22). This core only uses interrupter 0.
func (s *SlotContext) InterrupterTarget() uint16 { return uint16(s.e.u32(2) >> 22) }

func (s *SlotContext) SetInterrupterTarget(n uint16) {
	s.e.setU32(2, (s.e.u32(2) &^ (0x3ff << 22)) | (uint32(n&0x3ff) << 22))
}

// USBDeviceAddress returns the bus address the controller assigned on
// Address-Device completion (Word3 bits 7:0). Read-only from software's
// perspective; the controller writes it.
func (s *SlotContext) USBDeviceAddress() uint8 { return uint8(s.e.u32(3)) }

// SlotState enumerates the slot-context state machine of spec.md §3/§4.4.
type SlotState uint8

const (
	SlotStateDisabledEnabled SlotState = 0
	SlotStateDefault         SlotState = 1
	SlotStateAddressed       SlotState = 2
	SlotStateConfigured      SlotState = 3
)

// State returns the slot-context State field (Word3 bits 31:27), as
// reported by the controller.
func (s *SlotContext) State() SlotState { return SlotState(s.e.u32(3) >> 27) }

// EndpointContext is the per-endpoint portion of a device context
// (xHCI 1.2 §6.2.3), carrying the fields spec.md §4.4 names.
type EndpointContext struct {
	e contextEntry
}

// EndpointContextState enumerates the per-endpoint FSM of spec.md §3/§4.4.
type EndpointContextState uint8

const (
	EndpointStateDisabled EndpointContextState = 0
	EndpointStateRunning  EndpointContextState = 1
	EndpointStateHalted   EndpointContextState = 2
	EndpointStateStopped  EndpointContextState = 3
	EndpointStateError    EndpointContextState = 4
)

// State returns the EP-context State field (Word0 bits 2:0), as reported
// by the controller.
func (e *EndpointContext) State() EndpointContextState {
	return EndpointContextState(e.e.u32(0) & 0x7)
}

// EndpointType encodes the xHCI endpoint-type field (spec.md §4.4):
// 1..7 = {isoch-out, bulk-out, interrupt-out, control, isoch-in,
// bulk-in, interrupt-in}.
type EndpointType uint8

const (
	EndpointTypeIsochOut    EndpointType = 1
	EndpointTypeBulkOut     EndpointType = 2
	EndpointTypeInterruptOut EndpointType = 3
	EndpointTypeControl     EndpointType = 4
	EndpointTypeIsochIn     EndpointType = 5
	EndpointTypeBulkIn      EndpointType = 6
	EndpointTypeInterruptIn EndpointType = 7
)

// IsIn reports whether ty is one of the three IN endpoint types.
func (ty EndpointType) IsIn() bool { return ty >= EndpointTypeIsochIn }

// EndpointTypeFor derives the xHCI endpoint-type value for a given
// transfer kind and direction, per spec.md §4.4.
func EndpointTypeFor(kind TransferKind, in bool) EndpointType {
	switch kind {
	case TransferKindControl:
		return EndpointTypeControl
	case TransferKindIsochronous:
		if in {
			return EndpointTypeIsochIn
		}
		return EndpointTypeIsochOut
	case TransferKindBulk:
		if in {
			return EndpointTypeBulkIn
		}
		return EndpointTypeBulkOut
	case TransferKindInterrupt:
		if in {
			return EndpointTypeInterruptIn
		}
		return EndpointTypeInterruptOut
	}
	return EndpointTypeControl
}

// SetType sets the endpoint-type field (Word1 bits 5:3).
func (e *EndpointContext) SetType(ty EndpointType) {
	e.e.setU32(1, (e.e.u32(1) &^ (0x7 << 3)) | (uint32(ty) << 3))
}

// SetMaxPacketSize sets the Max-Packet-Size field (Word1 bits 31:16).
func (e *EndpointContext) SetMaxPacketSize(size uint16) {
	e.e.setU32(1, (e.e.u32(1) &^ (0xffff << 16)) | (uint32(size) << 16))
}

// MaxPacketSize returns the Max-Packet-Size field.
func (e *EndpointContext) MaxPacketSize() uint16 { return uint16(e.e.u32(1) >> 16) }

// SetMaxBurstSize sets the Max-Burst-Size field (Word1 bits 15:8).
func (e *EndpointContext) SetMaxBurstSize(burst uint8) {
	e.e.setU32(1, (e.e.u32(1) &^ (0xff << 8)) | (uint32(burst) << 8))
}

// SetMult sets the Mult field (Word1 bits 1:0), used for high-speed
// isochronous endpoints per spec.md §4.4.
func (e *EndpointContext) SetMult(mult uint8) {
	e.e.setU32(1, (e.e.u32(1)&^0x3)|uint32(mult&0x3))
}

// SetInterval sets the Interval field (Word0 bits 23:16), the logarithmic
// service-interval encoding of spec.md §4.4.
func (e *EndpointContext) SetInterval(interval uint8) {
	e.e.setU32(0, (e.e.u32(0) &^ (0xff << 16)) | (uint32(interval) << 16))
}

// SetErrorCount sets the Error Count field (Word1 bits 2:1): 3 for
// bulk/interrupt/control, 0 for isochronous, per spec.md §4.4.
func (e *EndpointContext) SetErrorCount(n uint8) {
	e.e.setU32(1, (e.e.u32(1) &^ (0x3 << 1)) | (uint32(n&0x3) << 1))
}

// SetAverageTRBLength sets the Average-TRB-Length field (Word4 bits
// 15:0), an implementation estimate per spec.md §4.4.
func (e *EndpointContext) SetAverageTRBLength(length uint16) {
	e.e.setU32(4, (e.e.u32(4) &^ 0xffff) | uint32(length))
}

// SetMaxESITPayload sets the Max-Endpoint-Service-Time-Interval-Payload
// field (Word4 bits 31:16), used for periodic endpoints per spec.md §4.4.
func (e *EndpointContext) SetMaxESITPayload(payload uint16) {
	e.e.setU32(4, (e.e.u32(4) &^ (0xffff << 16)) | (uint32(payload) << 16))
}

// SetTRDequeuePointer sets the TR-Dequeue-Pointer field (Words 2-3) and
// the Dequeue-Cycle-State bit, per spec.md §4.4.
func (e *EndpointContext) SetTRDequeuePointer(addr PhysAddr, dcs bool) {
	v := uint64(addr) &^ 0xf
	if dcs {
		v |= 1
	}
	e.e.setU64(2, v)
}

// TRDequeuePointer returns the current TR-Dequeue-Pointer and DCS bit.
func (e *EndpointContext) TRDequeuePointer() (PhysAddr, bool) {
	v := e.e.u64(2)
	return PhysAddr(v &^ 0xf), v&1 != 0
}

// DeviceContext is the controller-readable per-slot block spec.md §3
// describes: one slot context plus up to 31 endpoint contexts.
type DeviceContext struct {
	mem        CoherentMemory
	entrySize  int
	slot       SlotContext
	endpoints  [maxEndpointContexts]EndpointContext
}

// newDeviceContext allocates a device context sized for entrySize-byte
// context entries (32 or 64, per the controller's CSZ bit).
func newDeviceContext(dma DMAAllocator, addrSpace addressSpace, pageSize uintptr, entrySize int) (*DeviceContext, error) {
	total := uintptr(entrySize) * (1 + maxEndpointContexts)
	mem, err := coherentAlloc(dma, addrSpace, total, pageSize, "device-context")
	if err != nil {
		return nil, err
	}
	dc := &DeviceContext{mem: mem, entrySize: entrySize}
	dc.slot.e = newContextEntry(entrySize)
	for i := range dc.endpoints {
		dc.endpoints[i].e = newContextEntry(entrySize)
	}
	return dc, nil
}

// Slot returns the slot-context portion.
func (dc *DeviceContext) Slot() *SlotContext { return &dc.slot }

// Endpoint returns the endpoint-context at index (1..31).
func (dc *DeviceContext) Endpoint(index uint8) *EndpointContext {
	return &dc.endpoints[index-1]
}

// BaseAddress returns the device context's physical base address, the
// value stored in the DCBAA slot for this slot id.
func (dc *DeviceContext) BaseAddress() PhysAddr { return dc.mem.Physical }

// flushToDMA copies software's view of the slot and endpoint contexts
// into the DMA-coherent backing memory ahead of a command that reads
// them (Address-Device, Configure-Endpoint, Evaluate-Context).
func (dc *DeviceContext) flushToDMA() {
	copy(ptrAddBytes(dc.mem.Virtual, 0)[:dc.entrySize], dc.slot.e.buf[:dc.entrySize])
	for i, ep := range dc.endpoints {
		off := uintptr(dc.entrySize) * uintptr(i+1)
		copy(ptrAddBytes(dc.mem.Virtual, off)[:dc.entrySize], ep.e.buf[:dc.entrySize])
	}
}

// refreshFromDMA copies the controller's current view back into
// software's slot and endpoint context structs, after a command
// completes and the controller may have updated State fields.
func (dc *DeviceContext) refreshFromDMA() {
	copy(dc.slot.e.buf[:dc.entrySize], ptrAddBytes(dc.mem.Virtual, 0)[:dc.entrySize])
	for i := range dc.endpoints {
		off := uintptr(dc.entrySize) * uintptr(i+1)
		copy(dc.endpoints[i].e.buf[:dc.entrySize], ptrAddBytes(dc.mem.Virtual, off)[:dc.entrySize])
	}
}

// InputControlContext is the add/drop-context mask block that precedes
// the slot/endpoint contexts in an Input Context (xHCI 1.2 §6.2.5.1),
// used by Address-Device, Configure-Endpoint, and Evaluate-Context
// (spec.md §3).
type InputControlContext struct {
	e contextEntry
}

// SetDropContext sets or clears the drop-context flag for endpoint
// context index (2..31; index 0 and 1 can never be dropped).
func (i *InputControlContext) SetDropContext(index uint8, drop bool) {
	v := i.e.u32(0)
	if drop {
		v |= 1 << index
	} else {
		v &^= 1 << index
	}
	i.e.setU32(0, v)
}

// SetAddContext sets or clears the add-context flag for context index
// (0 = slot context, 1..31 = endpoint contexts).
func (i *InputControlContext) SetAddContext(index uint8, add bool) {
	v := i.e.u32(1)
	if add {
		v |= 1 << index
	} else {
		v &^= 1 << index
	}
	i.e.setU32(1, v)
}

// SetConfigurationValue records the bConfigurationValue this
// Configure-Endpoint command is for (Word7 bits 7:0 in the xHCI layout).
func (i *InputControlContext) SetConfigurationValue(v uint8) {
	i.e.setU32(7, (i.e.u32(7) &^ 0xff) | uint32(v))
}

// SetInterfaceNumber records the interface number (Word7 bits 15:8).
func (i *InputControlContext) SetInterfaceNumber(v uint8) {
	i.e.setU32(7, (i.e.u32(7) &^ (0xff << 8)) | (uint32(v) << 8))
}

// SetAlternateSetting records the alternate setting (Word7 bits 23:16).
func (i *InputControlContext) SetAlternateSetting(v uint8) {
	i.e.setU32(7, (i.e.u32(7) &^ (0xff << 16)) | (uint32(v) << 16))
}

// InputContext is the staging block for Address-Device and
// Configure-Endpoint commands: an input-control context plus a device
// context, per spec.md §3.
type InputContext struct {
	mem       CoherentMemory
	entrySize int
	control   InputControlContext
	device    DeviceContext
}

// newInputContext allocates an input context: one extra entrySize-byte
// block ahead of a full device context, for the input control context.
func newInputContext(dma DMAAllocator, addrSpace addressSpace, pageSize uintptr, entrySize int) (*InputContext, error) {
	total := uintptr(entrySize) * (2 + maxEndpointContexts)
	mem, err := coherentAlloc(dma, addrSpace, total, pageSize, "input-context")
	if err != nil {
		return nil, err
	}
	ic := &InputContext{mem: mem, entrySize: entrySize}
	ic.control.e = newContextEntry(entrySize)
	ic.device.entrySize = entrySize
	ic.device.slot.e = newContextEntry(entrySize)
	for i := range ic.device.endpoints {
		ic.device.endpoints[i].e = newContextEntry(entrySize)
	}
	return ic, nil
}

// Control returns the input control context.
func (ic *InputContext) Control() *InputControlContext { return &ic.control }

// Device returns the staged device context (slot + endpoint contexts).
func (ic *InputContext) Device() *DeviceContext { return &ic.device }

// BaseAddress returns the input context's physical base address, the
// pointer carried in Address-Device/Configure-Endpoint/Evaluate-Context
// command TRBs.
func (ic *InputContext) BaseAddress() PhysAddr { return ic.mem.Physical }

// flushToDMA publishes software's staged contents to DMA-coherent memory
// before the command engine submits the command TRB pointing at it.
func (ic *InputContext) flushToDMA() {
	copy(ptrAddBytes(ic.mem.Virtual, 0)[:ic.entrySize], ic.control.e.buf[:ic.entrySize])
	copy(ptrAddBytes(ic.mem.Virtual, uintptr(ic.entrySize))[:ic.entrySize], ic.device.slot.e.buf[:ic.entrySize])
	for i, ep := range ic.device.endpoints {
		off := uintptr(ic.entrySize) * uintptr(i+2)
		copy(ptrAddBytes(ic.mem.Virtual, off)[:ic.entrySize], ep.e.buf[:ic.entrySize])
	}
}
