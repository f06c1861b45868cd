// Package sched implements the timer-driven, stride-scheduled execution
// loop spec.md §4.4 describes: per-CPU ready/waiting/sleeping/zombie
// queues, a LAPIC periodic timer calibrated against a busy-wait reference,
// and stride-based next-thread selection.
package sched

import (
	"unsafe"

	"kernel/internal/cpufabric"
	"kernel/internal/klog"
)

// LAPIC register byte offsets from its memory-mapped base, grounded on
// the original kernel's APICTimer register layout (Kernel/Timers/APIC.c).
const (
	regSpuriousInt  = 0x0F0
	regEOI          = 0x0B0
	regTPR          = 0x080
	regLvtTimer     = 0x320
	regTimerDivide  = 0x3E0
	regTimerInit    = 0x380
	regTimerCurrent = 0x390
	regVersion      = 0x030

	apicBaseMSR    = 0x1B
	apicBaseEnable = 1 << 11

	timerDivideBy16 = 0x3
	timerPeriodic   = 1 << 17
	timerMasked     = 1 << 16

	// TargetFrequencyHz is the scheduler tick rate spec.md §4.4 names.
	TargetFrequencyHz = 1000

	// fallbackFrequencyHz is used when calibration yields an implausibly
	// low tick count (busy-wait loop starved by a hypervisor, etc).
	fallbackFrequencyHz = 100_000_000

	calibrationOutBPort = 0x80
	calibrationLoops    = 10_000
)

// LAPICTimer drives one CPU's local APIC periodic timer. Every CPU in the
// system calibrates and owns its own instance; there is no cross-CPU
// timer sharing per spec.md's Non-goals (no SMP TLB shootdown beyond
// local flush, and likewise no shared timer state).
type LAPICTimer struct {
	base      uintptr
	freqHz    uint32
	vector    uint8
	cpuID     int
}

func mmio32(addr uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(addr)) //nolint:govet
}

// NewLAPICTimer maps the LAPIC at its HHDM virtual base (caller has
// already translated the physical base from the IA32_APIC_BASE MSR
// through the VMM) and enables the APIC via its spurious-interrupt
// register.
func NewLAPICTimer(cpuID int, virtBase uintptr, vector uint8) *LAPICTimer {
	t := &LAPICTimer{base: virtBase, vector: vector, cpuID: cpuID}
	*mmio32(t.base + regTPR) = 0
	*mmio32(t.base+regEOI) = 0
	*mmio32(t.base+regSpuriousInt) = 0x100 | 0xFF
	return t
}

// measureOnce runs one ~10ms reference busy-wait (port-0x80 I/O delay
// loop, the same technique the original kernel uses) and returns the
// implied APIC frequency.
func (t *LAPICTimer) measureOnce() uint32 {
	*mmio32(t.base + regTimerDivide) = timerDivideBy16
	*mmio32(t.base+regTimerInit) = 0xFFFFFFFF

	start := *mmio32(t.base + regTimerCurrent)
	for i := 0; i < calibrationLoops; i++ {
		cpufabric.OutB(calibrationOutBPort, 0)
	}
	end := *mmio32(t.base + regTimerCurrent)

	return (start - end) * 100
}

// Calibrate measures this CPU's LAPIC timer tick rate, retrying once
// before accepting an implausible reading (the original kernel's
// TimerCtl.c does the same rather than falling back immediately), then
// programs the periodic LVT entry for TargetFrequencyHz, masked. Start
// must be called afterward to unmask it.
func (t *LAPICTimer) Calibrate() {
	freq := t.measureOnce()
	if freq < 1_000_000 {
		klog.Logf(klog.Warn, "sched: cpu%d lapic calibration implausible (%d Hz), retrying", t.cpuID, freq)
		freq = t.measureOnce()
	}
	if freq < 1_000_000 {
		klog.Logf(klog.Warn, "sched: cpu%d lapic calibration still implausible (%d Hz), using fallback", t.cpuID, freq)
		freq = fallbackFrequencyHz
	}
	t.freqHz = freq

	*mmio32(t.base + regTimerInit) = 0
	for *mmio32(t.base+regTimerCurrent) != 0 {
	}

	initial := t.freqHz / TargetFrequencyHz
	if initial == 0 {
		initial = 1
	}
	*mmio32(t.base+regLvtTimer) = uint32(t.vector) | timerPeriodic | timerMasked
	*mmio32(t.base+regTimerInit) = initial

	klog.Logf(klog.Info, "sched: cpu%d lapic calibrated at %d Hz, initial count %d", t.cpuID, t.freqHz, initial)
}

// Start unmasks the periodic LVT timer entry, releasing scheduler ticks.
func (t *LAPICTimer) Start() {
	*mmio32(t.base+regLvtTimer) = uint32(t.vector) | timerPeriodic
}

// Stop masks the timer without losing the programmed count.
func (t *LAPICTimer) Stop() {
	*mmio32(t.base+regLvtTimer) = uint32(t.vector) | timerPeriodic | timerMasked
}

// FrequencyHz returns the calibrated tick frequency.
func (t *LAPICTimer) FrequencyHz() uint32 { return t.freqHz }

// EOI signals end-of-interrupt to this CPU's local APIC. Every interrupt
// handler running on this CPU must call it exactly once before returning.
func (t *LAPICTimer) EOI() {
	*mmio32(t.base+regEOI) = 0
}
