// Package elfload implements the ELF64 loader plug-in and SysV stack
// builder named in spec.md §4.6. It is deliberately dependency-free on
// Go's own debug/elf: the probe/load contract here operates on raw bytes
// read through a file handle the VFS collaborator supplies, matching the
// original kernel's own hand-rolled ELF64 reader rather than a hosted
// toolchain package.
package elfload

import (
	"encoding/binary"

	"kernel/internal/errs"
	"kernel/internal/pmm"
	"kernel/internal/vmm"
)

const (
	ehdrSize = 64
	phdrSize = 56

	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7F, 'E', 'L', 'F'
	classELF64                                 = 2
	dataLSB                                    = 1
	machineX86_64                              = 0x3E

	typeExec = 2
	typeDyn  = 3

	ptLoad = 1

	pfX = 1 << 0
	pfW = 1 << 1
)

// File is the minimal random-access byte source a loader needs; the VFS
// collaborator supplies the concrete implementation (spec.md §1: VFS is
// interface-only here).
type File interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Image describes a successfully loaded ELF executable.
type Image struct {
	Entry    uintptr
	LoadBase uintptr
	Phdrs    []ProgramHeader
}

// ProgramHeader is the subset of an Elf64_Phdr the loader and aux-vector
// builder need.
type ProgramHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	FileSz uint64
	MemSz  uint64
}

// Probe reads the 64-byte ELF header and reports whether f looks like a
// loadable little-endian x86-64 EXEC or DYN image (spec.md §4.6 "Probe").
// Any mismatch is reported as a plain false, not an error: probing is a
// priority-ordered chain over registered loaders and a mismatch just
// means "try the next one".
func Probe(f File) bool {
	var hdr [ehdrSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return false
	}
	if hdr[0] != elfMagic0 || hdr[1] != elfMagic1 || hdr[2] != elfMagic2 || hdr[3] != elfMagic3 {
		return false
	}
	if hdr[4] != classELF64 || hdr[5] != dataLSB {
		return false
	}
	machine := binary.LittleEndian.Uint16(hdr[18:20])
	if machine != machineX86_64 {
		return false
	}
	etype := binary.LittleEndian.Uint16(hdr[16:18])
	return etype == typeExec || etype == typeDyn
}

// AddressSpace is the subset of *vmm.AddressSpace the loader depends on.
type AddressSpace interface {
	MapRangeZeroed(va uintptr, length uintptr, flags vmm.PTEFlags, alloc vmm.FrameAllocator) error
	Translate(va uintptr) (pmm.PhysAddr, error)
}

// FrameWriter lets Load stream file-backed segment bytes through the
// HHDM alias once a page has been mapped; the caller (cmd/kernel boot
// glue) supplies the concrete physical-to-virtual translator.
type FrameWriter interface {
	PhysToVirt(uintptr) uintptr
}

func alignDown(v uint64) uint64 { return v &^ 0xFFF }
func alignUp(v uint64) uint64   { return (v + 0xFFF) &^ 0xFFF }

// Load reads the program header table and maps every PT_LOAD segment per
// spec.md §4.6's algorithm, streaming file-backed bytes through the HHDM
// alias and leaving the BSS tail zeroed (MapRangeZeroed already zeroes
// every frame it allocates).
func Load(f File, space AddressSpace, alloc vmm.FrameAllocator, fw FrameWriter) (*Image, error) {
	var hdr [ehdrSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, errs.Wrap(errs.NoRead, err)
	}
	entry := binary.LittleEndian.Uint64(hdr[24:32])
	phoff := binary.LittleEndian.Uint64(hdr[32:40])
	phentsize := binary.LittleEndian.Uint16(hdr[54:56])
	phnum := binary.LittleEndian.Uint16(hdr[56:58])
	if phentsize != phdrSize {
		return nil, errs.New(errs.BadEntry)
	}

	img := &Image{Entry: uintptr(entry)}
	haveBase := false

	for i := uint16(0); i < phnum; i++ {
		var raw [phdrSize]byte
		if _, err := f.ReadAt(raw[:], int64(phoff)+int64(i)*phdrSize); err != nil {
			return nil, errs.Wrap(errs.NoRead, err)
		}
		ph := ProgramHeader{
			Type:   binary.LittleEndian.Uint32(raw[0:4]),
			Flags:  binary.LittleEndian.Uint32(raw[4:8]),
			Offset: binary.LittleEndian.Uint64(raw[8:16]),
			VAddr:  binary.LittleEndian.Uint64(raw[16:24]),
			FileSz: binary.LittleEndian.Uint64(raw[32:40]),
			MemSz:  binary.LittleEndian.Uint64(raw[40:48]),
		}
		img.Phdrs = append(img.Phdrs, ph)
		if ph.Type != ptLoad {
			continue
		}

		vaStart := alignDown(ph.VAddr)
		vaEnd := alignUp(ph.VAddr + ph.MemSz)
		mapLen := vaEnd - vaStart

		flags := vmm.Present | vmm.User
		if ph.Flags&pfW != 0 {
			flags |= vmm.Writable
		}
		if ph.Flags&pfX == 0 {
			flags |= vmm.NoExecute
		}

		if err := space.MapRangeZeroed(uintptr(vaStart), uintptr(mapLen), flags, alloc); err != nil {
			return nil, err
		}
		if !haveBase {
			img.LoadBase = uintptr(vaStart)
			haveBase = true
		}

		if err := streamSegment(f, space, fw, ph); err != nil {
			return nil, err
		}
	}

	return img, nil
}

// streamSegment copies a PT_LOAD segment's file-backed bytes (p_filesz
// starting at p_offset) into its already-mapped destination pages, one
// page at a time through the HHDM alias, per spec.md §4.6.
func streamSegment(f File, space AddressSpace, fw FrameWriter, ph ProgramHeader) error {
	remaining := ph.FileSz
	fileOff := int64(ph.Offset)
	va := ph.VAddr

	var buf [vmm.PageSize]byte
	for remaining > 0 {
		pageVA := alignDown(va)
		pageOff := va - pageVA
		n := uint64(vmm.PageSize) - pageOff
		if n > remaining {
			n = remaining
		}

		phys, err := space.Translate(uintptr(pageVA))
		if err != nil {
			return errs.Wrap(errs.NoSuch, err)
		}
		dst := fw.PhysToVirt(uintptr(phys)) + uintptr(pageOff)

		if _, err := f.ReadAt(buf[:n], fileOff); err != nil {
			return errs.Wrap(errs.NoRead, err)
		}
		copyToHHDM(dst, buf[:n])

		remaining -= n
		fileOff += int64(n)
		va += n
	}
	return nil
}
