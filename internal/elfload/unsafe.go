package elfload

import "unsafe"

// copyToHHDM writes src into the n bytes at the HHDM virtual address dst.
func copyToHHDM(dst uintptr, src []byte) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(d, src)
}
