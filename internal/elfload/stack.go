package elfload

import (
	"encoding/binary"

	"kernel/internal/errs"
	"kernel/internal/vmm"
)

// Fixed user stack and argument-copy region geometry, per spec.md §4.6.
const (
	StackBase   = uintptr(0x01000000) // 16 MiB
	StackSize   = uintptr(64 * 1024)
	ArgAreaBase = uintptr(0x00F00000) // 15 MiB
	ArgAreaSize = uintptr(64 * 1024)

	stackFlags = vmm.Present | vmm.User | vmm.Writable | vmm.NoExecute
)

// MapUserStack reserves the stack and argument-copy regions in space,
// zeroed, with PRESENT|USER|WRITABLE|NOEXECUTE.
func MapUserStack(space AddressSpace, alloc vmm.FrameAllocator) error {
	if err := space.MapRangeZeroed(StackBase, StackSize, stackFlags, alloc); err != nil {
		return err
	}
	return space.MapRangeZeroed(ArgAreaBase, ArgAreaSize, stackFlags, alloc)
}

// argWriter copies strings into the argument-copy area from its high end
// downward, through the HHDM alias, recording each string's user-side
// pointer.
type argWriter struct {
	space AddressSpace
	fw    FrameWriter
	cur   uintptr // next free (descending) offset within the arg area
}

func newArgWriter(space AddressSpace, fw FrameWriter) *argWriter {
	return &argWriter{space: space, fw: fw, cur: ArgAreaSize}
}

func (w *argWriter) put(s string) (uintptr, error) {
	n := uintptr(len(s) + 1) // NUL-terminated
	if n > w.cur {
		return 0, errs.New(errs.TooBig)
	}
	w.cur -= n
	va := ArgAreaBase + w.cur
	if err := w.writeBytes(va, append([]byte(s), 0)); err != nil {
		return 0, err
	}
	return va, nil
}

func (w *argWriter) writeBytes(va uintptr, b []byte) error {
	for len(b) > 0 {
		pageVA := va &^ (vmm.PageSize - 1)
		pageOff := va - pageVA
		n := uintptr(vmm.PageSize) - pageOff
		if n > uintptr(len(b)) {
			n = uintptr(len(b))
		}
		phys, err := w.space.Translate(pageVA)
		if err != nil {
			return errs.Wrap(errs.NoSuch, err)
		}
		dst := w.fw.PhysToVirt(uintptr(phys)) + pageOff
		copyToHHDM(dst, b[:n])
		b = b[n:]
		va += n
	}
	return nil
}

// stackWriter pushes 8-byte values onto the user stack from its high end
// downward, through the HHDM alias.
type stackWriter struct {
	space AddressSpace
	fw    FrameWriter
	sp    uintptr
}

func (w *stackWriter) push(v uint64) error {
	w.sp -= 8
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	pageVA := w.sp &^ (vmm.PageSize - 1)
	phys, err := w.space.Translate(pageVA)
	if err != nil {
		return errs.Wrap(errs.NoSuch, err)
	}
	dst := w.fw.PhysToVirt(uintptr(phys)) + (w.sp - pageVA)
	copyToHHDM(dst, b[:])
	return nil
}

// patchAuxExecfn overwrites AT_EXECFN's value word in an already-built aux
// buffer (BuildAux has no argv to draw it from at build time, so it leaves
// a 0 placeholder there for the stack builder to fill in once the
// argument strings are copied and their user-side address is known).
func patchAuxExecfn(auxBuf []byte, execfn uint64) {
	for off := 0; off+auxEntrySize <= len(auxBuf); off += auxEntrySize {
		if binary.LittleEndian.Uint64(auxBuf[off:off+8]) == atExecfn {
			binary.LittleEndian.PutUint64(auxBuf[off+8:off+16], execfn)
			return
		}
	}
}

// BuildInitialStack lays out argv/envp strings and the SysV initial-stack
// layout spec.md §4.6 specifies, returning the final RSP. auxBuf is the
// aux vector BuildAux produced (spec.md §4.6: "returned length is used
// by the stack builder"); it is pushed onto the stack verbatim aside from
// the AT_EXECFN patch above, once argv[0]'s copied address is known.
func BuildInitialStack(space AddressSpace, fw FrameWriter, img *Image, argv, envp []string, auxBuf []byte) (uintptr, error) {
	aw := newArgWriter(space, fw)

	argvPtrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		p, err := aw.put(argv[i])
		if err != nil {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envpPtrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		p, err := aw.put(envp[i])
		if err != nil {
			return 0, err
		}
		envpPtrs[i] = p
	}

	var execfn uintptr
	if len(argvPtrs) > 0 {
		execfn = argvPtrs[0]
	}
	patchAuxExecfn(auxBuf, uint64(execfn))

	sw := &stackWriter{space: space, fw: fw, sp: StackBase + StackSize}

	// numAux aux pairs (2*numAux qwords) + 2 sentinels + len(envp) +
	// len(argv) + argc are pushed below. RSP starts 16-byte aligned, so
	// an even total would leave the final RSP at 0 mod 16; push a shim
	// zero first in that case so the final RSP sits at 8 mod 16, the SysV
	// x86-64 function-entry invariant, while argc stays directly below
	// argv[0].
	numAux := len(auxBuf) / auxEntrySize
	total := 2*numAux + 2 + len(envpPtrs) + len(argvPtrs) + 1
	if total%2 == 0 {
		if err := sw.push(0); err != nil {
			return 0, err
		}
	}

	// Push the aux pairs in reverse so they land in buf's original order
	// in memory (push() writes at descending addresses, so the first
	// push ends up highest): AT_NULL is the last entry in buf and so is
	// pushed first, landing at the top of the stack (just below the shim
	// when there is one); the first entry in buf is pushed last, landing
	// immediately above envp's NULL sentinel.
	for i := numAux - 1; i >= 0; i-- {
		off := i * auxEntrySize
		typ := binary.LittleEndian.Uint64(auxBuf[off : off+8])
		val := binary.LittleEndian.Uint64(auxBuf[off+8 : off+16])
		if err := sw.push(val); err != nil {
			return 0, err
		}
		if err := sw.push(typ); err != nil {
			return 0, err
		}
	}

	if err := sw.push(0); err != nil { // envp NULL sentinel
		return 0, err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if err := sw.push(uint64(envpPtrs[i])); err != nil {
			return 0, err
		}
	}
	if err := sw.push(0); err != nil { // argv NULL sentinel
		return 0, err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if err := sw.push(uint64(argvPtrs[i])); err != nil {
			return 0, err
		}
	}

	if err := sw.push(uint64(len(argv))); err != nil { // argc
		return 0, err
	}

	return sw.sp, nil
}
