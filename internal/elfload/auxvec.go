package elfload

import (
	"encoding/binary"

	"kernel/internal/errs"
)

// Standard SysV auxiliary vector type numbers.
const (
	atNull    = 0
	atPhdr    = 3
	atPhent   = 4
	atPhnum   = 5
	atPagesz  = 6
	atBase    = 7
	atEntry   = 9
	atExecfn  = 31
)

const auxEntrySize = 16 // {type uint64, value uint64}

// BuildAux writes the auxiliary vector into buf in the fixed order
// spec.md §4.6 names. AT_PHDR and AT_PHNUM are written as 0 rather than
// the image's real program-header table address/count: the loader never
// maps the ELF header or phdr table itself into the target address
// space, so there is nothing canonical to point AT_PHDR at without
// introducing a new mapped region the spec does not otherwise call for.
// This is a deliberate fidelity choice, not an oversight (see DESIGN.md).
// Returns the number of bytes written, or an error if buf is too small.
func BuildAux(img *Image, buf []byte) (int, error) {
	entries := []struct{ typ, val uint64 }{
		{atPhdr, 0},
		{atPhent, phdrSize},
		{atPhnum, 0},
		{atPagesz, vmmPageSize},
		{atBase, uint64(img.LoadBase)},
		{atEntry, uint64(img.Entry)},
		{atExecfn, 0},
		{atNull, 0},
	}
	need := len(entries) * auxEntrySize
	if len(buf) < need {
		return 0, errs.New(errs.TooSmall)
	}
	for i, e := range entries {
		off := i * auxEntrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.typ)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.val)
	}
	return need, nil
}

const vmmPageSize = 4096
