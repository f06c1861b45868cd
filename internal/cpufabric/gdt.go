package cpufabric

import "unsafe"

// GDT selectors, fixed per spec.md §4.3's GDT layout.
const (
	SelNull     uint16 = 0x00
	SelKernelCS uint16 = 0x08
	SelKernelDS uint16 = 0x10
	SelUserDS   uint16 = 0x1B // RPL=3
	SelUserCS   uint16 = 0x23 // RPL=3
	SelTSSBase  uint16 = 0x28
)

// Access byte values for the fixed GDT entries.
const (
	accessKernelCode64 = 0x9A
	accessKernelData64 = 0x92
	accessUserData64   = 0xF2
	accessUserCode64   = 0xFA
	accessTSSAvail     = 0x89
	granLong           = 0x20
)

// gdtEntry is one packed 8-byte GDT descriptor.
type gdtEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMiddle uint8
	Access     uint8
	Granular   uint8
	BaseHigh   uint8
}

// tssDescriptor is the 16-byte system descriptor a 64-bit TSS occupies
// (two consecutive GDT slots), per spec.md's "slots 5-6" layout.
type tssDescriptor struct {
	Low  gdtEntry
	Base upper
}

type upper struct {
	BaseHighest uint32
	Reserved    uint32
}

const gdtEntryCount = 7 // null, kcode, kdata, udata, ucode, tss-lo, tss-hi

// TSS is the x86-64 task state segment: only RSP0-RSP2, IST1-7, and
// IOMapBase matter in long mode.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IoMapBase uint16
}

// DescriptorFabric is one CPU's private GDT/IDT/TSS block (spec.md §4.3
// "Per-CPU block"), plus the scratch counters and LAPIC base the scheduler
// and timer packages read.
type DescriptorFabric struct {
	ID int

	gdt  [gdtEntryCount]gdtEntry
	tss  TSS
	idt  [idtEntries]idtGate
	gdtr descriptorPtr
	idtr descriptorPtr

	LAPICBase    uintptr
	LocalTicks   uint64
	IRQsHandled  uint64
	ContextSwaps uint64
}

type descriptorPtr struct {
	Limit uint16
	Base  uint64
}

func setGDTEntry(e *gdtEntry, base uint32, limit uint32, access, granularity uint8) {
	e.BaseLow = uint16(base & 0xFFFF)
	e.BaseMiddle = uint8((base >> 16) & 0xFF)
	e.BaseHigh = uint8((base >> 24) & 0xFF)
	e.LimitLow = uint16(limit & 0xFFFF)
	e.Granular = uint8((limit>>16)&0x0F) | (granularity & 0xF0)
	e.Access = access
}

// InitGDT builds this CPU's GDT (null, kernel code/data, user data/code,
// and a TSS descriptor at slots 5-6), loads it, and reloads segment
// registers via the teacher-style far-return sequence (left to the
// assembly trampoline; this function only builds and installs the table).
func (d *DescriptorFabric) InitGDT(kernelStackTop uintptr) {
	d.gdt[0] = gdtEntry{}
	setGDTEntry(&d.gdt[1], 0, 0xFFFFF, accessKernelCode64, granLong)
	setGDTEntry(&d.gdt[2], 0, 0xFFFFF, accessKernelData64, 0x00)
	setGDTEntry(&d.gdt[3], 0, 0xFFFFF, accessUserData64, 0x00)
	setGDTEntry(&d.gdt[4], 0, 0xFFFFF, accessUserCode64, granLong)

	d.tss = TSS{}
	d.tss.RSP0 = uint64(kernelStackTop)
	d.tss.IoMapBase = uint16(unsafe.Sizeof(TSS{}))

	tssBase := uintptr(unsafe.Pointer(&d.tss))
	tssLimit := uint32(unsafe.Sizeof(TSS{}) - 1)
	setGDTEntry(&d.gdt[5], uint32(tssBase), tssLimit, accessTSSAvail, 0x00)
	hi := &d.gdt[6]
	*(*uint32)(unsafe.Pointer(hi)) = uint32(tssBase >> 32)

	d.gdtr = descriptorPtr{
		Limit: uint16(unsafe.Sizeof(d.gdt) - 1),
		Base:  uint64(uintptr(unsafe.Pointer(&d.gdt[0]))),
	}
	LGDT(uintptr(unsafe.Pointer(&d.gdtr)))
	LTR(SelTSSBase)
}
