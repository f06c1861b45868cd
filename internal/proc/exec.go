package proc

import (
	"kernel/internal/elfload"
	"kernel/internal/errs"
	"kernel/internal/sched"
	"kernel/internal/vmm"
)

// Loader is a registered dynamic-loader plug-in, selected by priority
// order at execve time per spec.md §4.5: "call each registered loader's
// probe(file) in priority order and picking the first success".
type Loader interface {
	Probe(f elfload.File) bool
	Load(f elfload.File, space elfload.AddressSpace, alloc vmm.FrameAllocator, fw elfload.FrameWriter) (*elfload.Image, error)
	BuildAux(img *elfload.Image, buf []byte) (int, error)
}

// ELF64Loader adapts package elfload to the Loader interface; it is the
// only loader plug-in this kernel registers (spec.md's "§4.6 for ELF64"),
// but the interface leaves room for others without touching execve.
type ELF64Loader struct{}

func (ELF64Loader) Probe(f elfload.File) bool { return elfload.Probe(f) }

func (ELF64Loader) Load(f elfload.File, space elfload.AddressSpace, alloc vmm.FrameAllocator, fw elfload.FrameWriter) (*elfload.Image, error) {
	return elfload.Load(f, space, alloc, fw)
}

func (ELF64Loader) BuildAux(img *elfload.Image, buf []byte) (int, error) {
	return elfload.BuildAux(img, buf)
}

// DefaultLoaders is the priority-ordered loader chain execve walks.
var DefaultLoaders = []Loader{ELF64Loader{}}

// Execve resolves path to an already-opened file handle (VFS resolution
// itself is out of scope: the caller supplies the handle), selects a
// loader, loads the image, builds the aux vector and initial stack, and
// either creates the process's main thread (if none exists) or rewrites
// an existing one's register state in place for a re-exec, per spec.md
// §4.5.
func Execve(p *Process, f elfload.File, alloc vmm.FrameAllocator, fw elfload.FrameWriter, sc *sched.Table, comm string, argv, envp []string) error {
	var chosen Loader
	for _, l := range DefaultLoaders {
		if l.Probe(f) {
			chosen = l
			break
		}
	}
	if chosen == nil {
		return errs.New(errs.CannotLookup)
	}

	img, err := chosen.Load(f, p.Space, alloc, fw)
	if err != nil {
		return err
	}

	var auxBuf [8 * 16]byte
	auxLen, err := chosen.BuildAux(img, auxBuf[:])
	if err != nil {
		return err
	}

	if err := elfload.MapUserStack(p.Space, alloc); err != nil {
		return err
	}
	userSP, err := elfload.BuildInitialStack(p.Space, fw, img, argv, envp, auxBuf[:auxLen])
	if err != nil {
		return err
	}

	p.Lock()
	p.Comm = comm
	p.Unlock()

	if p.MainThread == nil {
		th := &sched.TCB{
			ThreadID:  nextThreadID(),
			ProcessID: uint64(p.PID),
			Type:      sched.ThreadUser,
			Priority:  sched.PriorityKernel,
			State:     sched.StateReady,
		}
		th.Ctx.RIP = uint64(img.Entry)
		th.Ctx.RSP = uint64(userSP)
		th.PageDirectory = uintptr(p.Space.PML4Phys())
		th.ResetCooldown()
		th.PrepareContext()

		p.Lock()
		p.MainThread = th
		p.Unlock()
		registerThread(th)
		sc.LeastLoaded().Enqueue(th)
		return nil
	}

	// Re-exec: rewrite the existing main thread's register state and
	// reset its signal handlers.
	th := p.MainThread
	th.Ctx = sched.Context{}
	th.Ctx.RIP = uint64(img.Entry)
	th.Ctx.RSP = uint64(userSP)
	th.PrepareContext()
	p.Lock()
	p.SigHandler = [len(p.SigHandler)]uintptr{}
	p.Unlock()
	return nil
}
