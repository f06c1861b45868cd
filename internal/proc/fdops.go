package proc

import (
	"kernel/internal/stat"
)

// Fstat resolves fdNum against p's descriptor table and returns its
// stat view, grounded on original_source/Kernel/Proc/ProcFD.c's
// __GetEntry__ validate-then-dereference pattern.
func Fstat(p *Process, fdNum int) (stat.Stat_t, error) {
	f, err := p.FDs.Get(fdNum)
	if err != nil {
		return stat.Stat_t{}, err
	}
	return f.Stat(), nil
}
