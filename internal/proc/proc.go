// Package proc implements the process/thread model of spec.md §4.5: PID
// allocation, the process table, create/execve/fork/exit/wait4, and
// signal delivery. Grounded on the teacher's accnt/fd/ustr/limits
// packages for the ambient pieces, and on
// original_source/Kernel/Proc/Proc.c and ProcHelp.c for the operations
// themselves (biscuit's own proc package ships empty in this pack — its
// process model lives in a patched Go runtime this exercise cannot
// depend on, so the operations below are grounded directly on the C
// original instead).
package proc

import (
	"sync"
	"sync/atomic"

	"kernel/internal/accnt"
	"kernel/internal/defs"
	"kernel/internal/errs"
	"kernel/internal/fd"
	"kernel/internal/limits"
	"kernel/internal/sched"
	"kernel/internal/ustr"
	"kernel/internal/vmm"
)

// State mirrors a process's coarse lifecycle for /proc's textual
// contract (spec.md §6): Running covers any live thread state other
// than Zombie.
type State int

const (
	StateRunning State = iota
	StateZombie
)

func (s State) Letter() byte {
	if s == StateZombie {
		return 'Z'
	}
	return 'R'
}

// Process is the per-process descriptor spec.md §4.5's Create names.
type Process struct {
	sync.Mutex

	PID   defs.Pid_t
	PPID  defs.Pid_t
	PGID  defs.Pid_t
	SID   defs.Pid_t
	Comm  string
	State State

	Creds struct {
		UID, GID uint32
	}

	Cwd  *fd.Cwd_t
	Root ustr.Ustr

	FDs *fd.Table

	Cmdline []byte
	Environ []byte

	Space *vmm.AddressSpace

	MainThread *sched.TCB

	Accounting accnt.Accnt_t
	StartTick  uint64

	SigPending uint64
	SigMask    uint64
	SigHandler [defs.MaxSignal + 1]uintptr

	ExitCode int

	children []defs.Pid_t
}

// Table is the fixed-capacity process table (spec.md §4.5: "Process
// table is an open array of pointers, capacity fixed at 32768").
type Table struct {
	mu      sync.Mutex
	slots   [limits.MaxProcesses]*Process
	nextPID int32
}

// NewTable constructs an empty process table with the PID counter
// starting at 1 (spec.md §4.5 "PID allocation").
func NewTable() *Table {
	return &Table{nextPID: 1}
}

// allocPID returns the next monotonic PID, wrapping to 1 on signed
// overflow, per spec.md §4.5.
func (t *Table) allocPID() defs.Pid_t {
	for {
		cur := atomic.LoadInt32(&t.nextPID)
		next := cur + 1
		if next < 1 { // signed overflow
			next = 1
		}
		if atomic.CompareAndSwapInt32(&t.nextPID, cur, next) {
			return defs.Pid_t(cur)
		}
	}
}

func (t *Table) slotFor(pid defs.Pid_t) int { return int(pid) % limits.MaxProcesses }

// Create allocates a fresh, thread-less process: default creds, cwd="/",
// root="/", a default FD table, cmdline/environ buffers, and a fresh
// address space (spec.md §4.5 "Create").
func (t *Table) Create(vmgr *vmm.Manager, startTick uint64) (*Process, error) {
	space, err := vmgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return t.insert(space, startTick)
}

// insert allocates a PID/slot and builds the process struct around an
// already-constructed address space, shared by Create and Fork so
// neither path allocates (and then discards) a redundant address space.
func (t *Table) insert(space *vmm.AddressSpace, startTick uint64) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid := t.allocPID()
	slot := t.slotFor(pid)
	if t.slots[slot] != nil {
		return nil, errs.New(errs.TooMany)
	}

	p := &Process{
		PID:       pid,
		PGID:      pid,
		SID:       pid,
		Root:      ustr.MkUstrRoot(),
		FDs:       fd.NewTable(limits.MaxFDs),
		Cmdline:   make([]byte, 0, limits.CmdlineBytes),
		Environ:   make([]byte, 0, limits.EnvironBytes),
		Space:     space,
		StartTick: startTick,
	}
	p.Cwd = fd.MkRootCwd(nil)
	p.Cwd.Path = ustr.MkUstrRoot()

	t.slots[slot] = p
	return p, nil
}

// Lookup returns the process with the given PID, or an error.
func (t *Table) Lookup(pid defs.Pid_t) (*Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.slots[t.slotFor(pid)]
	if p == nil || p.PID != pid {
		return nil, errs.New(errs.NoSuch)
	}
	return p, nil
}

// remove deletes pid's slot, used by Wait4 once a zombie is reaped.
func (t *Table) remove(pid defs.Pid_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(pid)
	if t.slots[slot] != nil && t.slots[slot].PID == pid {
		t.slots[slot] = nil
	}
}
