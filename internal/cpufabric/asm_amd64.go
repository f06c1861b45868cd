// Package cpufabric implements the per-CPU descriptor fabric (GDT/IDT/TSS)
// and the SMP bring-up protocol (spec.md §4.3).
//
// This file declares the small instruction-level surface that has no
// idiomatic Go substitute (spec.md §9 "Inline assembly surface"): cli/sti,
// in/out, invlpg, rdmsr/wrmsr, lgdt/lidt/ltr, mov cr0/cr3/cr4, fxsave/
// fxrstor, cpuid, iretq. Grounded on the teacher's own use of compiler
// intrinsics for exactly this boundary (biscuit's runtime.Cpuid, Rcr4,
// Vtop, Pml4freeze, Get_phys) and on gopher-os's kernel/cpu/cpu_amd64.go,
// which declares bodiless Go functions backed by hand-written assembly --
// the idiom this file follows instead of relying on a patched runtime.
package cpufabric

// DisableInterrupts executes CLI on the calling CPU.
func DisableInterrupts()

// EnableInterrupts executes STI on the calling CPU.
func EnableInterrupts()

// Halt executes HLT, parking the CPU until the next interrupt.
func Halt()

// InB reads a byte from the given I/O port.
func InB(port uint16) uint8

// OutB writes a byte to the given I/O port.
func OutB(port uint16, val uint8)

// Invlpg invalidates a single TLB entry for the given virtual address.
func Invlpg(va uintptr)

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// ReadCR3 returns the physical address of the currently loaded PML4.
func ReadCR3() uintptr

// WriteCR3 loads a new PML4 physical address, flushing the non-global TLB.
func WriteCR3(pml4Phys uintptr)

// ReadCR4 returns the current value of CR4 (used to check PGE support).
func ReadCR4() uintptr

// RDMSR reads the model-specific register numbered by msr.
func RDMSR(msr uint32) uint64

// WRMSR writes val to the model-specific register numbered by msr.
func WRMSR(msr uint32, val uint64)

// LGDT loads the GDTR from the descriptor at gdtrAddr.
func LGDT(gdtrAddr uintptr)

// LIDT loads the IDTR from the descriptor at idtrAddr.
func LIDT(idtrAddr uintptr)

// LTR loads the task register with the given GDT selector.
func LTR(selector uint16)

// CPUID executes the CPUID instruction for the given leaf/subleaf.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// FXSave writes the 512-byte extended processor state to dst.
func FXSave(dst *[512]byte)

// FXRestore restores the 512-byte extended processor state from src.
func FXRestore(src *[512]byte)

// Rdtsc returns the current timestamp counter value.
func Rdtsc() uint64

// apEntryTrampolineAddr returns the entry address an AP's GotoAddress slot
// should be set to: a small assembly shim that loads the AP's initial
// APIC ID (CPUID leaf 1, EBX bits 31:24) and calls apTrampolineEntry on
// the AP's bootstrap stack.
func apEntryTrampolineAddr() uintptr
