package xhci

// MMIO is the raw memory-mapped I/O accessor the controller is built on.
// The caller supplies an implementation bound to the controller's MMIO
// base (physical or virtual, per spec.md §6); this core never assumes a
// particular mapping mechanism.
type MMIO interface {
	ReadU32(offset uintptr) uint32
	WriteU32(offset uintptr, value uint32)
	ReadU64(offset uintptr) uint64
	WriteU64(offset uintptr, value uint64)
}

// capRegs are the offsets within the Capability Register region
// (xHCI 1.2 §5.3). The region's own length (CAPLENGTH, low byte of offset
// 0x00) locates the Operational Register region immediately after it.
const (
	capOffCAPLENGTH  uintptr = 0x00 // byte 0: CAPLENGTH, byte 2-3: HCIVERSION
	capOffHCSPARAMS1 uintptr = 0x04
	capOffHCSPARAMS2 uintptr = 0x08
	capOffHCSPARAMS3 uintptr = 0x0c
	capOffHCCPARAMS1 uintptr = 0x10
	capOffDBOFF      uintptr = 0x14
	capOffRTSOFF     uintptr = 0x18
	capOffHCCPARAMS2 uintptr = 0x1c
)

// CapabilityRegisters is a typed, read-only view over the xHCI Capability
// Register region (spec.md §4.1).
type CapabilityRegisters struct {
	mmio MMIO
}

func newCapabilityRegisters(mmio MMIO) CapabilityRegisters {
	return CapabilityRegisters{mmio: mmio}
}

// CapLength returns the length of the Capability Register region, i.e.
// the offset at which the Operational Register region begins.
func (c CapabilityRegisters) CapLength() uintptr {
	return uintptr(c.mmio.ReadU32(capOffCAPLENGTH) & 0xff)
}

// HCIVersion returns the binary-coded-decimal xHCI revision.
func (c CapabilityRegisters) HCIVersion() uint16 {
	return uint16(c.mmio.ReadU32(capOffCAPLENGTH) >> 16)
}

// MaxSlots returns HCSPARAMS1's MaxSlots field: the maximum number of
// device slots the controller supports.
func (c CapabilityRegisters) MaxSlots() uint8 {
	return uint8(c.mmio.ReadU32(capOffHCSPARAMS1))
}

// MaxInterrupters returns HCSPARAMS1's MaxIntrs field.
func (c CapabilityRegisters) MaxInterrupters() uint16 {
	return uint16((c.mmio.ReadU32(capOffHCSPARAMS1) >> 8) & 0x7ff)
}

// MaxPorts returns HCSPARAMS1's MaxPorts field: the number of downstream
// root-hub ports.
func (c CapabilityRegisters) MaxPorts() uint8 {
	return uint8(c.mmio.ReadU32(capOffHCSPARAMS1) >> 24)
}

// ERSTMax returns HCSPARAMS2's ERST Max field: log2 of the maximum number
// of segments an Event-Ring-Segment-Table may have.
func (c CapabilityRegisters) ERSTMax() uint8 {
	return uint8(c.mmio.ReadU32(capOffHCSPARAMS2) & 0xf)
}

// MaxScratchpadBuffers returns HCSPARAMS2's scratchpad buffer count,
// assembled from its split Hi/Lo fields.
func (c CapabilityRegisters) MaxScratchpadBuffers() uint32 {
	v := c.mmio.ReadU32(capOffHCSPARAMS2)
	hi := (v >> 21) & 0x1f
	lo := (v >> 27) & 0x1f
	return hi<<5 | lo
}

// AC64 reports the HCCPARAMS1 64-bit addressing capability: whether the
// controller accepts 64-bit DMA pointers.
func (c CapabilityRegisters) AC64() bool {
	return c.mmio.ReadU32(capOffHCCPARAMS1)&1 != 0
}

// ContextSize64 reports the HCCPARAMS1 CSZ bit: true selects 64-byte
// device-context-entry layout, false selects 32-byte (spec.md §3).
func (c CapabilityRegisters) ContextSize64() bool {
	return c.mmio.ReadU32(capOffHCCPARAMS1)&(1<<2) != 0
}

// MaxPrimaryStreamArraySize returns HCCPARAMS1's MaxPSASize field.
func (c CapabilityRegisters) MaxPrimaryStreamArraySize() uint8 {
	return uint8((c.mmio.ReadU32(capOffHCCPARAMS1) >> 12) & 0xf)
}

// ExtendedCapabilitiesOffset returns HCCPARAMS1's xECP field, a dword
// offset from the MMIO base to the first xHCI extended-capability entry.
func (c CapabilityRegisters) ExtendedCapabilitiesOffset() uintptr {
	return uintptr((c.mmio.ReadU32(capOffHCCPARAMS1) >> 16) & 0xffff) * 4
}

// DoorbellOffset returns DBOFF, a dword-aligned offset to the Doorbell
// Register region.
func (c CapabilityRegisters) DoorbellOffset() uintptr {
	return uintptr(c.mmio.ReadU32(capOffDBOFF) &^ 0x3)
}

// RuntimeOffset returns RTSOFF, a 32-byte-aligned offset to the Runtime
// Register region.
func (c CapabilityRegisters) RuntimeOffset() uintptr {
	return uintptr(c.mmio.ReadU32(capOffRTSOFF) &^ 0x1f)
}

// --- Operational Registers ----------------------------------------------

const (
	opOffUSBCMD  uintptr = 0x00
	opOffUSBSTS  uintptr = 0x04
	opOffPAGESIZE uintptr = 0x08
	opOffDNCTRL  uintptr = 0x14
	opOffCRCR    uintptr = 0x18
	opOffDCBAAP  uintptr = 0x30
	opOffCONFIG  uintptr = 0x38
	opOffPortBase uintptr = 0x400
	opPortStride  uintptr = 0x10
)

// USBCMD bits (xHCI 1.2 §5.4.1).
const (
	usbcmdRunStop       uint32 = 1 << 0
	usbcmdHCReset       uint32 = 1 << 1
	usbcmdINTEEnable    uint32 = 1 << 2
	usbcmdHSEEnable     uint32 = 1 << 3
)

// USBSTS bits (xHCI 1.2 §5.4.2).
const (
	usbstsHCHalted     uint32 = 1 << 0
	usbstsHSError      uint32 = 1 << 2
	usbstsEventInt     uint32 = 1 << 3
	usbstsPortChange   uint32 = 1 << 4
	usbstsControllerNotReady uint32 = 1 << 11
	usbstsHCError      uint32 = 1 << 12
)

// CRCR bits (xHCI 1.2 §5.4.5).
const (
	crcrRingCycleState uint64 = 1 << 0
	crcrCommandStop    uint64 = 1 << 1
	crcrCommandAbort   uint64 = 1 << 2
	crcrCRRunning      uint64 = 1 << 3
	crcrPointerMask    uint64 = ^uint64(0x3f)
)

// PORTSC bits (xHCI 1.2 §5.4.8), reused for both root-hub and (logically)
// external-hub ports — external hubs expose the equivalent state through
// class requests instead of registers, see hubenum.go.
const (
	portscCCS        uint32 = 1 << 0  // Current Connect Status
	portscPED        uint32 = 1 << 1  // Port Enabled/Disabled
	portscOCA        uint32 = 1 << 3  // Over-current Active
	portscPR         uint32 = 1 << 4  // Port Reset
	portscPLSMask    uint32 = 0xf << 5
	portscPP         uint32 = 1 << 9  // Port Power
	portscSpeedMask  uint32 = 0xf << 10
	portscSpeedShift uint32 = 10
	portscCSC        uint32 = 1 << 17 // Connect Status Change
	portscPEC        uint32 = 1 << 18 // Port Enable/Disable Change
	portscWRC        uint32 = 1 << 19 // Warm Port Reset Change (USB3)
	portscOCC        uint32 = 1 << 20 // Over-current Change
	portscPRC        uint32 = 1 << 21 // Port Reset Change
	portscPLC        uint32 = 1 << 22 // Port Link State Change
	portscCEC        uint32 = 1 << 23 // Port Config Error Change
	portscWarmReset  uint32 = 1 << 31 // Warm Port Reset (USB3)

	// portscChangeMask is every RW1C change bit, used to avoid
	// accidentally acknowledging changes when writing other fields.
	portscChangeMask uint32 = portscCSC | portscPEC | portscWRC | portscOCC | portscPRC | portscPLC | portscCEC
)

// OperationalRegisters is a typed view over the xHCI Operational Register
// region (spec.md §4.1).
type OperationalRegisters struct {
	mmio MMIO
	base uintptr
}

func newOperationalRegisters(mmio MMIO, base uintptr) OperationalRegisters {
	return OperationalRegisters{mmio: mmio, base: base}
}

func (o OperationalRegisters) read32(off uintptr) uint32  { return o.mmio.ReadU32(o.base + off) }
func (o OperationalRegisters) write32(off uintptr, v uint32) { o.mmio.WriteU32(o.base+off, v) }
func (o OperationalRegisters) read64(off uintptr) uint64  { return o.mmio.ReadU64(o.base + off) }
func (o OperationalRegisters) write64(off uintptr, v uint64) { o.mmio.WriteU64(o.base+off, v) }

// SetRunStop sets or clears USBCMD.Run/Stop.
func (o OperationalRegisters) SetRunStop(run bool) {
	v := o.read32(opOffUSBCMD)
	if run {
		v |= usbcmdRunStop
	} else {
		v &^= usbcmdRunStop
	}
	o.write32(opOffUSBCMD, v)
}

// ResetController pulses USBCMD.HCRESET.
func (o OperationalRegisters) ResetController() {
	o.write32(opOffUSBCMD, o.read32(opOffUSBCMD)|usbcmdHCReset)
}

// ResetInProgress reports whether HCRESET is still asserted.
func (o OperationalRegisters) ResetInProgress() bool {
	return o.read32(opOffUSBCMD)&usbcmdHCReset != 0
}

// SetInterrupterEnable sets or clears USBCMD.INTE.
func (o OperationalRegisters) SetInterrupterEnable(enable bool) {
	v := o.read32(opOffUSBCMD)
	if enable {
		v |= usbcmdINTEEnable
	} else {
		v &^= usbcmdINTEEnable
	}
	o.write32(opOffUSBCMD, v)
}

// Halted reports USBSTS.HCH.
func (o OperationalRegisters) Halted() bool {
	return o.read32(opOffUSBSTS)&usbstsHCHalted != 0
}

// HostSystemError reports USBSTS.HSE.
func (o OperationalRegisters) HostSystemError() bool {
	return o.read32(opOffUSBSTS)&usbstsHSError != 0
}

// HostControllerError reports USBSTS.HCE.
func (o OperationalRegisters) HostControllerError() bool {
	return o.read32(opOffUSBSTS)&usbstsHCError != 0
}

// ControllerNotReady reports USBSTS.CNR: the controller is still coming
// out of reset and its registers other than USBSTS are not yet valid.
func (o OperationalRegisters) ControllerNotReady() bool {
	return o.read32(opOffUSBSTS)&usbstsControllerNotReady != 0
}

// AckEventInterrupt clears USBSTS.EINT.
func (o OperationalRegisters) AckEventInterrupt() {
	o.write32(opOffUSBSTS, usbstsEventInt)
}

// PageSize returns the controller's PAGESIZE register translated to bytes
// (the register stores page-size/4096 as a bitmap of supported sizes; bit
// 0 corresponds to 4KiB).
func (o OperationalRegisters) PageSize() uintptr {
	bits := o.read32(opOffPAGESIZE)
	for i := 0; i < 16; i++ {
		if bits&(1<<i) != 0 {
			return uintptr(4096) << i
		}
	}
	return 4096
}

// SetDCBAAP writes the Device-Context-Base-Address-Array Pointer.
func (o OperationalRegisters) SetDCBAAP(addr PhysAddr) {
	o.write64(opOffDCBAAP, uint64(addr))
}

// SetCRCR writes the Command Ring Control Register, pointing it at the
// command ring's base address with the given initial ring-cycle-state.
func (o OperationalRegisters) SetCRCR(addr PhysAddr, cycle bool) {
	v := uint64(addr) &^ 0x3f
	if cycle {
		v |= crcrRingCycleState
	}
	o.write64(opOffCRCR, v)
}

// SetMaxSlotsEnabled writes CONFIG.MaxSlotsEn.
func (o OperationalRegisters) SetMaxSlotsEnabled(n uint8) {
	v := o.read32(opOffCONFIG) &^ 0xff
	o.write32(opOffCONFIG, v|uint32(n))
}

// Port returns a typed view of downstream port index (1-based).
func (o OperationalRegisters) Port(index uint8) PortRegister {
	return PortRegister{mmio: o.mmio, off: o.base + opOffPortBase + uintptr(index-1)*opPortStride}
}

// PortRegister is a typed view over one PORTSC/PORTPMSC/PORTLI register
// group (spec.md §4.1).
type PortRegister struct {
	mmio MMIO
	off  uintptr
}

func (p PortRegister) raw() uint32 { return p.mmio.ReadU32(p.off) }

// writePreservingChangeBits writes value to PORTSC without accidentally
// clearing RW1C change bits the caller did not intend to acknowledge.
func (p PortRegister) writePreservingChangeBits(value uint32) {
	p.mmio.WriteU32(p.off, value&^portscChangeMask)
}

// Status decodes the current PORTSC contents into a PortStatus snapshot
// (spec.md §3).
func (p PortRegister) Status() PortStatus {
	v := p.raw()
	return PortStatus{
		Connected:         v&portscCCS != 0,
		Enabled:           v&portscPED != 0,
		OverCurrent:       v&portscOCA != 0,
		ResetInProgress:   v&portscPR != 0,
		Powered:           v&portscPP != 0,
		Speed:             portSpeedFromCode(uint8((v & portscSpeedMask) >> portscSpeedShift)),
		ConnectChanged:    v&portscCSC != 0,
		EnabledChanged:    v&portscPEC != 0,
		ResetChanged:      v&portscPRC != 0,
		OverCurrentChanged: v&portscOCC != 0,
		LinkStateChanged:  v&portscPLC != 0,
	}
}

// Reset pulses PORTSC.PR (USB2) or PORTSC.WPR (USB3 warm reset), per
// spec.md §4.8's per-speed reset protocol.
func (p PortRegister) Reset(warm bool) {
	v := p.raw() &^ portscChangeMask
	if warm {
		v |= portscWarmReset
	} else {
		v |= portscPR
	}
	p.mmio.WriteU32(p.off, v)
}

// SetPower sets or clears PORTSC.PP.
func (p PortRegister) SetPower(on bool) {
	v := p.raw() &^ portscChangeMask
	if on {
		v |= portscPP
	} else {
		v &^= portscPP
	}
	p.mmio.WriteU32(p.off, v)
}

// ClearChangeBits acknowledges the given RW1C change bits and nothing
// else.
func (p PortRegister) ClearChangeBits(bits uint32) {
	p.mmio.WriteU32(p.off, bits&portscChangeMask)
}

func portSpeedFromCode(code uint8) DeviceSpeed {
	switch code {
	case 1:
		return SpeedFull
	case 2:
		return SpeedLow
	case 3:
		return SpeedHigh
	case 4:
		return SpeedSuper
	case 5:
		return SpeedSuperPlus
	default:
		return SpeedUnknown
	}
}

// --- Runtime Registers ---------------------------------------------------

const (
	rtOffIR0 uintptr = 0x20 // first interrupter register set
	rtIRStride uintptr = 0x20
)

const (
	irOffIMAN   uintptr = 0x00
	irOffIMOD   uintptr = 0x04
	irOffERSTSZ uintptr = 0x08
	irOffERSTBA uintptr = 0x10
	irOffERDP   uintptr = 0x18
)

const (
	imanInterruptPending uint32 = 1 << 0
	imanInterruptEnable  uint32 = 1 << 1
)

const erdpEventHandlerBusy uint64 = 1 << 3

// RuntimeRegisters is a typed view over one interrupter's register block
// (spec.md §4.1, §4.3). This core uses interrupter 0 only.
type RuntimeRegisters struct {
	mmio MMIO
	base uintptr
}

func newRuntimeRegisters(mmio MMIO, base uintptr) RuntimeRegisters {
	return RuntimeRegisters{mmio: mmio, base: base}
}

func (r RuntimeRegisters) interrupter(n uint16) uintptr {
	return r.base + rtOffIR0 + uintptr(n)*rtIRStride
}

// SetInterruptEnable sets or clears IMAN.IE for interrupter n.
func (r RuntimeRegisters) SetInterruptEnable(n uint16, enable bool) {
	off := r.interrupter(n) + irOffIMAN
	v := r.mmio.ReadU32(off)
	if enable {
		v |= imanInterruptEnable
	} else {
		v &^= imanInterruptEnable
	}
	r.mmio.WriteU32(off, v)
}

// AckInterrupt clears IMAN.IP for interrupter n.
func (r RuntimeRegisters) AckInterrupt(n uint16) {
	off := r.interrupter(n) + irOffIMAN
	r.mmio.WriteU32(off, r.mmio.ReadU32(off)|imanInterruptPending)
}

// SetERSTSZ writes the Event-Ring-Segment-Table size for interrupter n.
func (r RuntimeRegisters) SetERSTSZ(n uint16, segments uint16) {
	r.mmio.WriteU32(r.interrupter(n)+irOffERSTSZ, uint32(segments))
}

// SetERSTBA writes the Event-Ring-Segment-Table base address for
// interrupter n.
func (r RuntimeRegisters) SetERSTBA(n uint16, addr PhysAddr) {
	r.mmio.WriteU64(r.interrupter(n)+irOffERSTBA, uint64(addr))
}

// SetERDP writes the Event Ring Dequeue Pointer for interrupter n,
// clearing the Event-Handler-Busy bit as spec.md §4.3 requires after
// draining a batch.
func (r RuntimeRegisters) SetERDP(n uint16, addr PhysAddr) {
	v := uint64(addr) &^ 0xf
	v |= erdpEventHandlerBusy // writing 1 clears EHB (RW1C)
	r.mmio.WriteU64(r.interrupter(n)+irOffERDP, v)
}

// --- Doorbell Registers ---------------------------------------------------

// DoorbellRegisters is a typed view over the xHCI Doorbell Array
// (spec.md §4.1).
type DoorbellRegisters struct {
	mmio MMIO
	base uintptr
}

func newDoorbellRegisters(mmio MMIO, base uintptr) DoorbellRegisters {
	return DoorbellRegisters{mmio: mmio, base: base}
}

// RingCommandDoorbell rings doorbell 0 (stream field 0), notifying the
// controller of new command-ring entries.
func (d DoorbellRegisters) RingCommandDoorbell() {
	d.mmio.WriteU32(d.base, 0)
}

// RingEndpointDoorbell rings doorbell `slot` with target = endpoint
// index (1..31), notifying the controller of new transfer-ring entries
// for that endpoint (spec.md §4.1).
func (d DoorbellRegisters) RingEndpointDoorbell(slot uint8, endpointIndex uint8) {
	d.mmio.WriteU32(d.base+uintptr(slot)*4, uint32(endpointIndex))
}
