// Command kernel is the entry-point glue: it wires every package under
// internal/ together in the boot order spec.md §2 lays out. Grounded on
// gopher-os's kernel/kmain package (kernel/kmain/kmain.go): an assembly
// rt0 stub (out of scope here, same as gopher-os's own rt0.s) sets up a
// minimal stack and calls the single exported Go entry point below,
// which is never expected to return.
package main

import (
	"os"

	"kernel/internal/bootinfo"
	"kernel/internal/cpufabric"
	"kernel/internal/fd"
	"kernel/internal/klog"
	"kernel/internal/pmm"
	"kernel/internal/proc"
	"kernel/internal/sched"
	"kernel/internal/vmm"
)

// main exists only so `go build ./cmd/kernel` produces a linkable binary;
// a freestanding kernel is never run this way; KernelMain is what the
// assembly rt0 stub actually calls.
func main() {
	klog.Logf(klog.Fatal, "cmd/kernel must be entered via rt0 -> KernelMain, not a hosted process")
	os.Exit(1)
}

// cpuDescriptors holds one DescriptorFabric per online CPU, appended in
// bring-up order (bootstrap processor is always index 0).
var cpuDescriptors []*cpufabric.DescriptorFabric

// KernelMain is the only Go symbol rt0 calls, with paging, a GDT-less
// long-mode CPU, and a minimal bootstrap stack already in place courtesy
// of the bootloader. It brings up the PMM, VMM, this CPU's descriptor
// fabric, the scheduler, every other CPU, and the first user process, in
// the order spec.md §2 names, then falls into the idle loop. It must
// never return.
//
//go:noinline
func KernelMain(handoff bootinfo.Handoff) {
	klog.SetLevel(klog.Info)

	alloc, err := pmm.New(handoff.MemoryMap, handoff.HHDMOffset)
	if err != nil {
		klog.Logf(klog.Fatal, "pmm init failed: %v", err)
		cpufabric.Halt()
		return
	}
	klog.Logf(klog.Success, "pmm: %d frames free", alloc.FreeCount())

	bootCR3, err := alloc.VirtToPhys(cpufabric.ReadCR3())
	if err != nil {
		// CR3 is physical already on most loaders' initial handoff;
		// fall back to treating it as such rather than failing boot.
		bootCR3 = pmm.PhysAddr(cpufabric.ReadCR3())
	}
	vmgr := vmm.NewManager(alloc, bootCR3)
	klog.Logf(klog.Success, "vmm: kernel address space adopted from bootloader CR3")

	bsp := bringUpDescriptorFabric(0, bootStackTop)
	cpuDescriptors = append(cpuDescriptors, bsp)

	timer := bringUpLAPICTimer(0, alloc)
	cpu0 := sched.NewCPU(0, timer)
	schedTable := sched.NewTable([]*sched.CPU{cpu0})

	sched.SetStackReclaimer(func(t *sched.TCB) {
		if t.KernelStackTop != 0 {
			_ = alloc.FreeFrame(pmm.PhysAddr(t.KernelStackTop))
		}
	})

	bringUpApplicationProcessors(handoff.SMP, alloc, schedTable)

	timer.Calibrate()
	timer.Start()
	cpufabric.EnableInterrupts()

	procTable := proc.NewTable()
	initProc, err := procTable.Create(vmgr, sched.SystemTicks())
	if err != nil {
		klog.Logf(klog.Fatal, "failed to create init process: %v", err)
		cpufabric.Halt()
		return
	}
	initProc.Comm = "init"
	initProc.FDs.Install(fd.NewDevice(fd.KindCharDevice, 1, fd.FD_READ|fd.FD_WRITE))

	klog.Logf(klog.Success, "boot complete: init pid=%d on %d cpu(s)", initProc.PID, schedTable.Len())

	for {
		sched.Idle()
	}
}

// bootStackTop is the kernel stack the bootloader handed this CPU;
// wired in by the linker/rt0 stub in a real build, stubbed to a
// placeholder here since boot-stack geometry is itself a bootloader
// collaborator's concern per spec.md §1.
var bootStackTop uintptr

// bringUpDescriptorFabric builds and loads one CPU's GDT/IDT/TSS block
// (spec.md §4.3's per-CPU descriptor fabric), remapping the legacy PIC
// and masking every one of its lines.
func bringUpDescriptorFabric(id int, kernelStackTop uintptr) *cpufabric.DescriptorFabric {
	df := &cpufabric.DescriptorFabric{ID: id}
	df.InitGDT(kernelStackTop)

	var vt cpufabric.VectorTable
	vt.Exceptions[cpufabric.VecPageFault] = pageFaultStubAddr()
	vt.Exceptions[cpufabric.VecGeneralProt] = generalProtectionStubAddr()
	vt.Exceptions[cpufabric.VecDoubleFault] = doubleFaultStubAddr()
	vt.LAPICTimer = timerTickStubAddr()
	vt.Syscall = syscallStubAddr()
	df.InitIDT(vt)

	cpufabric.RemapPIC(0) // mask every legacy IRQ line; the LAPIC timer drives scheduling
	klog.Logf(klog.Info, "cpufabric: cpu%d descriptor fabric installed", id)
	return df
}

// bringUpLAPICTimer maps the local APIC through the HHDM alias and
// constructs (but does not yet calibrate/start) this CPU's periodic
// timer.
func bringUpLAPICTimer(id int, alloc *pmm.Allocator) *sched.LAPICTimer {
	apicBasePhys := pmm.PhysAddr(cpufabric.RDMSR(0x1B) &^ 0xFFF)
	virtBase := alloc.PhysToVirt(apicBasePhys)
	return sched.NewLAPICTimer(id, virtBase, cpufabric.VecLAPICTimer)
}

// bringUpApplicationProcessors releases every non-bootstrap CPU Limine
// enumerated, bringing each into its own descriptor fabric and LAPIC
// timer before returning control to the bootstrap CPU. APs are not added
// to schedTable: each one runs sched.Idle with no scheduler CPU of its
// own, and schedTable keeps only the bootstrap CPU.
func bringUpApplicationProcessors(smp bootinfo.SMPInfo, alloc *pmm.Allocator, schedTable *sched.Table) {
	if len(smp.CPUs) <= 1 {
		return
	}
	bringup := cpufabric.NewBringup(smp, func(lapicID uint32) {
		apID := int(lapicID)
		df := bringUpDescriptorFabric(apID, 0)
		cpuDescriptors = append(cpuDescriptors, df)
		timer := bringUpLAPICTimer(apID, alloc)
		timer.Calibrate()
		timer.Start()
		cpufabric.EnableInterrupts()
		for {
			sched.Idle()
		}
	})
	if err := bringup.Start(1_000_000); err != nil {
		klog.Logf(klog.Warn, "smp: %v (continuing with %d cpu online)", err, bringup.Online()+1)
	}
}

// The per-vector assembly trampoline addresses are provided by
// asm_amd64.s the same way apEntryTrampolineAddr backs AP bring-up; each
// saves the interrupt frame, calls into the matching Go handler below,
// and iret's.
func pageFaultStubAddr() uintptr
func generalProtectionStubAddr() uintptr
func doubleFaultStubAddr() uintptr
func timerTickStubAddr() uintptr
func syscallStubAddr() uintptr
