package proc

import (
	"kernel/internal/defs"
	"kernel/internal/errs"
	"kernel/internal/limits"
	"kernel/internal/vmm"
)

// WaitOptions mirrors the wait4(2) options bitmask this kernel honors.
type WaitOptions int

const WNOHANG WaitOptions = 0x1

// WaitResult is what Wait4 hands back to the caller on a successful reap.
type WaitResult struct {
	PID      defs.Pid_t
	ExitCode int
	Usage    []uint8 // accnt.Accnt_t.To_rusage() snapshot taken at reap time
}

// Wait4 scans parent's children for one in StateZombie. On a match it
// copies out exit status and accounting, removes the child from the
// process table, and releases its address space and FD table (spec.md
// §4.5 "wait4": "address space freed here, not at exit"). With WNOHANG
// and no zombie child present it returns a zero WaitResult immediately;
// otherwise the caller is expected to block (mark Blocked/WaitChild and
// Yield) and retry.
func Wait4(t *Table, vmgr *vmm.Manager, parent *Process, opts WaitOptions) (WaitResult, error) {
	parent.Lock()
	kids := append([]defs.Pid_t(nil), parent.children...)
	parent.Unlock()

	if len(kids) == 0 {
		return WaitResult{}, errs.New(errs.NoSuch)
	}

	for _, pid := range kids {
		child, err := t.Lookup(pid)
		if err != nil {
			continue
		}
		child.Lock()
		if child.State != StateZombie {
			child.Unlock()
			continue
		}
		code := child.ExitCode
		usage := child.Accounting.Fetch()
		space := child.Space
		fds := child.FDs
		mainThread := child.MainThread
		child.Unlock()

		if err := vmgr.Destroy(space); err != nil {
			return WaitResult{}, err
		}
		if fds != nil {
			for n := 0; n < limits.MaxFDs; n++ {
				_, _ = fds.CloseSlot(n)
			}
		}

		unregisterThread(mainThread)
		t.remove(pid)
		parent.Lock()
		parent.children = removePID(parent.children, pid)
		parent.Unlock()

		return WaitResult{PID: pid, ExitCode: code, Usage: usage}, nil
	}

	if opts&WNOHANG != 0 {
		return WaitResult{}, nil
	}
	return WaitResult{}, errs.New(errs.Busy)
}

func removePID(s []defs.Pid_t, pid defs.Pid_t) []defs.Pid_t {
	out := s[:0]
	for _, p := range s {
		if p != pid {
			out = append(out, p)
		}
	}
	return out
}
