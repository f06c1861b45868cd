package cpufabric

import (
	"fmt"
	"sync/atomic"

	"kernel/internal/bootinfo"
	"kernel/internal/klog"
)

// ApEntry is the function an application processor runs once it has been
// released through its GotoAddress slot. It receives the LAPIC ID Limine
// assigned the CPU and must never return.
type ApEntry func(lapicID uint32)

// Bringup drives the Limine SMP handshake described in spec.md §4.3:
// the bootstrap processor writes each entry's trampoline address into its
// bootinfo.CPUEntry.GotoAddress slot and busy-waits on started, which
// every AP increments once it has reached Go code, so the BSP can confirm
// all CPUs came up before continuing.
type Bringup struct {
	info    bootinfo.SMPInfo
	started atomic.Int32
	entry   ApEntry
}

// NewBringup captures the SMP info table handed off by the bootloader and
// the Go entry point every AP should land in.
func NewBringup(info bootinfo.SMPInfo, entry ApEntry) *Bringup {
	return &Bringup{info: info, entry: entry}
}

// currentBringup is the Bringup whose Start most recently released the
// APs. The assembly shim apEntryTrampolineAddr returns is installed as
// every AP's GotoAddress; Limine jumps to it on the AP's own stack in long
// mode with paging already enabled, and it calls apTrampolineEntry, which
// bumps currentBringup's started counter and runs its entry.
var currentBringup *Bringup

//go:nosplit
func apTrampolineEntry(lapicID uint32) {
	b := currentBringup
	b.started.Add(1)
	b.entry(lapicID)
}

// Start releases every non-bootstrap CPU and blocks until each one has
// bumped the started counter, or returns an error naming how many CPUs
// never checked in within the given number of poll iterations.
func (b *Bringup) Start(pollIterations int) error {
	currentBringup = b
	released := 0
	for _, cpu := range b.info.CPUs {
		if cpu.LAPICID == b.info.BSPLAPICID {
			continue
		}
		if cpu.GotoAddress == nil {
			continue
		}
		*cpu.GotoAddress = apEntryTrampolineAddr()
		released++
	}

	for i := 0; i < pollIterations; i++ {
		if int(b.started.Load()) >= released {
			klog.Logf(klog.Success, "smp: %d application processor(s) online", released)
			return nil
		}
	}
	return &smpBringupError{want: released, got: int(b.started.Load())}
}

// Online reports how many APs have checked in so far.
func (b *Bringup) Online() int { return int(b.started.Load()) }

type smpBringupError struct {
	want, got int
}

func (e *smpBringupError) Error() string {
	return fmt.Sprintf("smp: timed out waiting for application processors to come online (%d of %d checked in)", e.got, e.want)
}
