package cpufabric

import "unsafe"

// Vector numbers fixed by spec.md §4.3: 32 CPU exceptions, 16 remapped
// legacy IRQs immediately after them, then the timer and syscall gates.
const (
	idtEntries = 256

	VecDivideError    = 0x00
	VecDebug          = 0x01
	VecNMI            = 0x02
	VecBreakpoint     = 0x03
	VecOverflow       = 0x04
	VecBoundRange     = 0x05
	VecInvalidOpcode  = 0x06
	VecDeviceNA       = 0x07
	VecDoubleFault    = 0x08
	VecInvalidTSS     = 0x0A
	VecSegmentNP      = 0x0B
	VecStackFault     = 0x0C
	VecGeneralProt    = 0x0D
	VecPageFault      = 0x0E
	VecFPError        = 0x10
	VecAlignCheck     = 0x11
	VecMachineCheck   = 0x12
	VecSIMDFP         = 0x13
	VecVirtException  = 0x14
	VecIRQBase        = 0x20 // legacy IRQ0..15 remapped to 0x20-0x2F
	VecTimer          = 0x20 // IRQ0 doubles as the scheduler tick on uniprocessor PIT fallback
	VecLAPICTimer     = 0x30 // dedicated LAPIC-timer vector, avoids colliding with remapped IRQ0
	VecSyscall        = 0x80
)

// gate types for the Type+DPL+P byte, long-mode interrupt/trap gates.
const (
	gateInterrupt64 = 0x8E // present, DPL0, 64-bit interrupt gate
	gateTrap64      = 0x8F // present, DPL0, 64-bit trap gate (keeps IF as-is)
	gateUserCallable = 0xEE // present, DPL3, interrupt gate (int 0x80 from ring 3)
)

// idtGate is one packed 16-byte IDT gate descriptor.
type idtGate struct {
	OffsetLow  uint16
	Selector   uint16
	ISTIndex   uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	Reserved   uint32
}

func setIDTGate(g *idtGate, handler uintptr, selector uint16, ist uint8, typeAttr uint8) {
	g.OffsetLow = uint16(handler & 0xFFFF)
	g.OffsetMid = uint16((handler >> 16) & 0xFFFF)
	g.OffsetHigh = uint32(handler >> 32)
	g.Selector = selector
	g.ISTIndex = ist & 0x7
	g.TypeAttr = typeAttr
}

// VectorTable holds the handler addresses a caller wires up before calling
// InitIDT; each slot is the entry address of a hand-written assembly stub
// (trampoline that saves state, calls into Go, and iret's), matching the
// teacher's convention of one naked-asm entry point per vector.
type VectorTable struct {
	Exceptions [32]uintptr
	IRQs       [16]uintptr
	LAPICTimer uintptr
	Syscall    uintptr
}

// InitIDT populates this CPU's IDT from vt and loads it. Unpopulated
// exception/IRQ slots are left zeroed and skipped (caller is expected to
// fill every slot it cares about; an unhandled vector double-faults, which
// is the correct failure mode rather than silently ignoring it).
func (d *DescriptorFabric) InitIDT(vt VectorTable) {
	for i := range d.idt {
		d.idt[i] = idtGate{}
	}
	for i, h := range vt.Exceptions {
		if h == 0 {
			continue
		}
		setIDTGate(&d.idt[i], h, SelKernelCS, 0, gateInterrupt64)
	}
	for i, h := range vt.IRQs {
		if h == 0 {
			continue
		}
		setIDTGate(&d.idt[VecIRQBase+i], h, SelKernelCS, 0, gateInterrupt64)
	}
	if vt.LAPICTimer != 0 {
		setIDTGate(&d.idt[VecLAPICTimer], vt.LAPICTimer, SelKernelCS, 0, gateInterrupt64)
	}
	if vt.Syscall != 0 {
		setIDTGate(&d.idt[VecSyscall], vt.Syscall, SelKernelCS, 0, gateUserCallable)
	}

	d.idtr = descriptorPtr{
		Limit: uint16(unsafe.Sizeof(d.idt) - 1),
		Base:  uint64(uintptr(unsafe.Pointer(&d.idt[0]))),
	}
	LIDT(uintptr(unsafe.Pointer(&d.idtr)))
}

const (
	pic1Cmd  = 0x20
	pic1Data = 0x21
	pic2Cmd  = 0xA0
	pic2Data = 0xA1

	icw1Init = 0x11
	icw4_8086 = 0x01
)

// RemapPIC reprograms the 8259 PIC pair so legacy IRQ0-15 land on
// VecIRQBase..VecIRQBase+15 instead of colliding with CPU exceptions, then
// masks every line except the caller-supplied keepMask (bit i = IRQ i stays
// enabled). Grounded on the original kernel's PIT/PIC bring-up sequence.
func RemapPIC(keepMask uint16) {
	OutB(pic1Cmd, icw1Init)
	OutB(pic2Cmd, icw1Init)
	OutB(pic1Data, VecIRQBase)
	OutB(pic2Data, VecIRQBase+8)
	OutB(pic1Data, 0x04) // tell master about slave on IRQ2
	OutB(pic2Data, 0x02) // tell slave its cascade identity
	OutB(pic1Data, icw4_8086)
	OutB(pic2Data, icw4_8086)

	OutB(pic1Data, uint8(^keepMask&0xFF))
	OutB(pic2Data, uint8((^keepMask>>8)&0xFF))
}
