package proc

import (
	"kernel/internal/defs"
	"kernel/internal/sched"
)

// Exit transitions p to a zombie: finalizes its time accounting,
// terminates every thread belonging to it (on whichever CPU each is
// queued or running), and raises SIGCHLD on its parent, per spec.md
// §4.5 "exit". The address space and FD table are NOT released here —
// spec.md reserves that for Wait4 once the parent reaps the zombie.
func Exit(t *Table, sc *sched.Table, p *Process, code int) {
	p.Lock()
	if p.State == StateZombie {
		p.Unlock()
		return
	}
	p.Accounting.Finish(p.Accounting.Now())
	p.ExitCode = code
	p.State = StateZombie
	ppid := p.PPID
	p.Unlock()

	for i := 0; i < sc.Len(); i++ {
		sc.CPU(i).TerminateOwnedBy(uint64(p.PID))
	}

	if parent, err := t.Lookup(ppid); err == nil {
		parent.Lock()
		parent.SigPending |= uint64(1) << defs.SIGCHLD
		parent.Unlock()
	}
}
