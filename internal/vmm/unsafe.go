package vmm

import (
	"unsafe"

	"kernel/internal/pmm"
)

func unsafePointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr) //nolint:govet
}

// zero clears n bytes starting at the HHDM virtual address addr. Grounded
// on the teacher's Pg_t whole-page zeroing in mem.Physmem_t.Refpg_new.
func zero(addr uintptr, n uintptr) {
	b := (*[pmm.PageSize]byte)(unsafePointer(addr))
	for i := uintptr(0); i < n; i++ {
		b[i] = 0
	}
}
