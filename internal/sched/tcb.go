package sched

import "kernel/internal/cpufabric"

// ThreadType selects which selector pair CS/SS is rewritten to at context
// load time (invariant T4).
type ThreadType int

const (
	ThreadKernel ThreadType = iota
	ThreadUser
)

// PriorityClass is one of the seven stride-arbitration classes
// spec.md §4.4 names; the numeric value doubles as its stride weight.
type PriorityClass int

const (
	PriorityKernel PriorityClass = 1
	PrioritySuper  PriorityClass = 2
	PriorityUltra  PriorityClass = 4
	PriorityHigh   PriorityClass = 8
	PriorityNormal PriorityClass = 16
	PriorityLow    PriorityClass = 32
	PriorityIdle   PriorityClass = 64
)

// Stride returns this class's dispatch-cooldown weight.
func (p PriorityClass) Stride() int { return int(p) }

// State is a TCB's scheduling state; exactly one queue (or the per-CPU
// current slot, for Running) holds a live TCB at any time (invariant T1).
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
	StateTerminated
)

// WaitReason records why a thread is Blocked or Sleeping.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitSleep
	WaitChild
	WaitFD
	WaitSignal
)

// Context is the saved register file a TCB carries between dispatches:
// every GPR, RIP/RSP/RFLAGS, segment selectors, and the 512-byte FXSAVE
// area (invariant T3: RFLAGS always has IF set on preparation).
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RSP, RFLAGS   uint64
	CS, SS, DS, ES     uint16
	FXSave             [512]byte
}

// PreparedRFLAGS is the RFLAGS value every prepared context carries:
// interrupts enabled (IF, bit 9) plus the reserved-1 bit.
const PreparedRFLAGS = 0x202

// TCB is the unit of scheduling (spec.md §4.4's thread control block).
type TCB struct {
	ThreadID      uint64
	ProcessID     uint64
	Type          ThreadType
	Priority      PriorityClass
	State         State
	Ctx           Context
	KernelStackTop uintptr
	UserStackTop   uintptr
	StackSize      uintptr
	PageDirectory  uintptr // cached copy of the address space's PML4 phys addr
	AffinityMask   uint64
	LastCPU        int
	TimeSlice      int
	WakeupTime     uint64
	WaitReason     WaitReason
	ExitCode       int

	Cooldown int

	next, prev *TCB
}

// PrepareContext stamps the T3/T4 invariants onto a freshly built or
// copied context: IF set, and CS/SS derived from the thread's Type.
func (t *TCB) PrepareContext() {
	t.Ctx.RFLAGS = PreparedRFLAGS
	t.rewriteSegmentSelectors()
}

// rewriteSegmentSelectors enforces T4: CS/SS always come from Type, never
// from a stale or foreign-written saved value.
func (t *TCB) rewriteSegmentSelectors() {
	switch t.Type {
	case ThreadUser:
		t.Ctx.CS = cpufabric.SelUserCS
		t.Ctx.SS = cpufabric.SelUserDS
		t.Ctx.DS = cpufabric.SelUserDS
		t.Ctx.ES = cpufabric.SelUserDS
	default:
		t.Ctx.CS = cpufabric.SelKernelCS
		t.Ctx.SS = cpufabric.SelKernelDS
		t.Ctx.DS = cpufabric.SelKernelDS
		t.Ctx.ES = cpufabric.SelKernelDS
	}
}

// ResetCooldown reloads Cooldown from the thread's priority-derived
// stride, consumed one dispatch attempt at a time in the tick handler's
// stride-arbitration loop: a stride-N thread is dispatched on every Nth
// attempt, so a stride-1 thread dispatches immediately.
func (t *TCB) ResetCooldown() {
	t.Cooldown = t.Priority.Stride() - 1
}
