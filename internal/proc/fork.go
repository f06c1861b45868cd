package proc

import (
	"sync/atomic"

	"kernel/internal/errs"
	"kernel/internal/sched"
	"kernel/internal/vmm"
)

// isUserVA reports whether va falls in the canonical user half
// [0, CanonicalUserLimit), the precondition spec.md §4.5 fork checks
// against the parent's saved RIP and RSP.
func isUserVA(va uintptr) bool {
	return va < vmm.CanonicalUserLimit
}

// Fork creates a child process by deep-copying parent's user address
// space and FD table, then building a new main thread derived from
// parent's current main thread (RAX overridden to 0, CS/SS to user,
// RFLAGS=0x202), per spec.md §4.5. Returns the child process; its PID is
// the fork return value for the parent.
func (t *Table) Fork(vmgr *vmm.Manager, sc *sched.Table, parent *Process) (*Process, error) {
	parent.Lock()
	pth := parent.MainThread
	parent.Unlock()
	if pth == nil {
		return nil, errs.New(errs.NotInit)
	}
	if !isUserVA(uintptr(pth.Ctx.RIP)) || !isUserVA(uintptr(pth.Ctx.RSP)) {
		return nil, errs.New(errs.NotCanonical)
	}

	childSpace, err := vmgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	child, err := t.insert(childSpace, sched.SystemTicks())
	if err != nil {
		vmgr.Destroy(childSpace)
		return nil, err
	}

	parent.Lock()
	child.PPID = parent.PID
	child.PGID = parent.PGID
	child.SID = parent.SID
	child.Creds = parent.Creds
	child.Comm = parent.Comm
	child.Cmdline = append([]byte(nil), parent.Cmdline...)
	child.Environ = append([]byte(nil), parent.Environ...)
	child.SigMask = parent.SigMask
	child.SigHandler = parent.SigHandler
	child.FDs = parent.FDs.Fork()
	parent.children = append(parent.children, child.PID)
	parent.Unlock()

	if err := parent.Space.ForkUserHalf(child.Space, vmgr.Alloc()); err != nil {
		t.remove(child.PID)
		return nil, err
	}

	cth := &sched.TCB{
		ThreadID:  nextThreadID(),
		ProcessID: uint64(child.PID),
		Type:      sched.ThreadUser,
		Priority:  pth.Priority,
		State:     sched.StateReady,
		Ctx:       pth.Ctx,
	}
	cth.Ctx.RAX = 0
	cth.PageDirectory = uintptr(child.Space.PML4Phys())
	cth.ResetCooldown()
	cth.PrepareContext() // stamps RFLAGS=0x202 and rewrites CS/SS for ThreadUser

	child.MainThread = cth
	registerThread(cth)
	sc.LeastLoaded().Enqueue(cth)

	return child, nil
}

// threadIDCounter is the monotonic thread-id source; the thread registry
// in threads.go indexes TCBs by this value.
var threadIDCounter uint64

func nextThreadID() uint64 {
	return atomic.AddUint64(&threadIDCounter, 1)
}
