// Package bootinfo defines the bootloader handshake: the inputs a
// bootloader (out of scope per spec.md §1) hands the kernel at entry --
// a memory map, the HHDM offset, a framebuffer handle, an RSDP pointer,
// and an SMP info table. Grounded on original_source/Kernel/LimineRequests.c
// (the Limine protocol) and the direct-map constants in the teacher's
// mem/dmap.go (Vdirect, VREC, VEND, VUSER).
package bootinfo

import "kernel/internal/pmm"

// Framebuffer describes the bootloader-provided linear framebuffer.
type Framebuffer struct {
	Addr   uintptr
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
}

// CPUEntry is one entry of the SMP info table: a CPU's LAPIC id and a
// writable slot the BSP fills in with the AP entry point to start it,
// per spec.md §4.3's AP bring-up protocol.
type CPUEntry struct {
	LAPICID     uint32
	GotoAddress *uintptr
}

// SMPInfo is the bootloader's view of the machine's CPUs.
type SMPInfo struct {
	BSPLAPICID uint32
	CPUs       []CPUEntry
}

// Handoff bundles everything the bootloader hands the kernel at entry.
type Handoff struct {
	MemoryMap   []pmm.Region
	HHDMOffset  uintptr
	Framebuffer Framebuffer
	RSDP        uintptr
	SMP         SMPInfo
}
