package proc

import (
	"kernel/internal/defs"
	"kernel/internal/errs"
	"kernel/internal/sched"
)

// SigAction mirrors the sigaction(2) argument pair.
type SigAction struct {
	Handler uintptr
	Mask    uint64
}

// Kill sets sig pending on the target process (spec.md §4.5's kill()),
// grounded on original_source/Kernel/Proc/Proc.c's PosixKill: it only
// ever sets a bit, delivery happens later in DeliverPending.
func Kill(t *Table, pid defs.Pid_t, sig int) error {
	p, err := t.Lookup(pid)
	if err != nil {
		return err
	}
	p.Lock()
	p.SigPending |= uint64(1) << (uint(sig) & 63)
	p.Unlock()
	return nil
}

// KillThread resolves tid to its owning process via the thread registry
// and sets sig pending there, the tgkill(2)-shaped path
// original_source/Kernel/Proc/ProcFD.c groups under the same POSIX
// shimming surface as PosixKill.
func KillThread(t *Table, tid uint64, sig int) error {
	th, ok := LookupThread(tid)
	if !ok {
		return errs.New(errs.NoSuch)
	}
	return Kill(t, defs.Pid_t(th.ProcessID), sig)
}

// Sigaction installs a new handler/mask for sig on p, returning the
// previous action, grounded on PosixSigaction.
func Sigaction(p *Process, sig int, act *SigAction) (SigAction, error) {
	if sig <= 0 || sig > int(defs.MaxSignal) {
		return SigAction{}, errs.New(errs.NotCanonical)
	}
	p.Lock()
	defer p.Unlock()
	old := SigAction{Handler: p.SigHandler[sig], Mask: p.SigMask}
	if act != nil {
		p.SigHandler[sig] = act.Handler
		p.SigMask = act.Mask
	}
	return old, nil
}

// Sigprocmask applies how (0=block, 1=unblock, 2=setmask) to p's signal
// mask, returning the prior mask, grounded on PosixSigprocmask.
func Sigprocmask(p *Process, how int, set *uint64) (uint64, error) {
	p.Lock()
	defer p.Unlock()
	old := p.SigMask
	if set == nil {
		return old, nil
	}
	switch how {
	case 0:
		p.SigMask |= *set
	case 1:
		p.SigMask &^= *set
	case 2:
		p.SigMask = *set
	default:
		return old, errs.New(errs.BadArgs)
	}
	return old, nil
}

// DeliverPending runs p's per-tick signal-disposition pass, grounded
// directly on original_source/Kernel/Proc/Proc.c's
// __DeliverPendingSignals__: SIGCONT resumes a main thread stopped by
// SIGSTOP, SIGSTOP blocks it and returns early, any other
// pending-and-unmasked signal with an installed handler gets
// RDI=signum/RIP=handler injected into the main thread's saved context,
// and any unmasked signal whose defaultAction is terminate still pending
// after the handler pass falls back to process termination with exit
// code 128+signum. Masked signals stay pending.
func DeliverPending(t *Table, sc *sched.Table, p *Process) {
	p.Lock()
	pend := p.SigPending &^ p.SigMask
	if pend == 0 {
		p.Unlock()
		return
	}

	main := p.MainThread

	if pend&(uint64(1)<<defs.SIGCONT) != 0 {
		if main != nil && main.State == sched.StateBlocked && main.WaitReason == sched.WaitSignal {
			main.State = sched.StateReady
			main.WaitReason = sched.WaitNone
		}
		p.SigPending &^= uint64(1) << defs.SIGCONT
		pend &^= uint64(1) << defs.SIGCONT
	}

	if pend&(uint64(1)<<defs.SIGSTOP) != 0 {
		if main != nil {
			main.State = sched.StateBlocked
			main.WaitReason = sched.WaitSignal
		}
		p.SigPending &^= uint64(1) << defs.SIGSTOP
		p.Unlock()
		return
	}

	for s := 1; s <= 31; s++ {
		bit := uint64(1) << uint(s)
		if pend&bit == 0 {
			continue
		}
		if handler := p.SigHandler[s]; handler != 0 && main != nil {
			main.Ctx.RDI = uint64(s)
			main.Ctx.RIP = uint64(handler)
			p.SigPending &^= bit
		}
	}

	terminate := 0
	for s := 1; s <= 31; s++ {
		bit := uint64(1) << uint(s)
		if p.SigPending&pend&bit != 0 && defaultAction(s) == actionTerminate {
			terminate = 128 + s
			break
		}
	}
	p.SigPending &^= pend
	p.Unlock()

	if terminate != 0 {
		Exit(t, sc, p, terminate)
	}
}

// action is a signal's disposition absent an installed handler.
type action int

const (
	actionIgnore action = iota
	actionTerminate
	actionStop
	actionContinue
)

// defaultAction reports sig's default disposition, grounded on
// original_source/Kernel/Proc/ProcHelp.c's __DeliverPendingSignals__
// (which only ever hard-codes TERM/KILL/INT as terminating and
// STOP/CONT as the two job-control signals) generalized to the rest of
// the POSIX set defs.go names: the common terminate-by-default set
// (HUP, QUIT, ILL, TRAP, ABRT, BUS, FPE, KILL, USR1, SEGV, USR2, PIPE,
// ALRM, TERM), SIGCHLD/TTIN/TTOU ignored by default, SIGSTOP and SIGTSTP
// stopping and SIGCONT continuing; any other signal is ignored.
func defaultAction(sig int) action {
	switch sig {
	case defs.SIGSTOP, defs.SIGTSTP:
		return actionStop
	case defs.SIGCONT:
		return actionContinue
	case defs.SIGCHLD, defs.SIGTTIN, defs.SIGTTOU:
		return actionIgnore
	case defs.SIGHUP, defs.SIGINT, defs.SIGQUIT, defs.SIGILL, defs.SIGTRAP,
		defs.SIGABRT, defs.SIGBUS, defs.SIGFPE, defs.SIGKILL, defs.SIGUSR1,
		defs.SIGSEGV, defs.SIGUSR2, defs.SIGPIPE, defs.SIGALRM, defs.SIGTERM:
		return actionTerminate
	default:
		return actionIgnore
	}
}
