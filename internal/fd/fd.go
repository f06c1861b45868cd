// Package fd implements the per-process file descriptor table entry
// spec.md §4.5/§6 refers to: a refcounted handle shared across fork/dup,
// classified by kind (file, char device, block device). Adapted from the
// teacher's fd.Fd_t, which wrapped an fdops.Fdops_i interface this
// exercise's VFS is out of scope for; this version keeps the refcounting
// and Cwd_t shape and drops the VFS operations interface.
package fd

import (
	"sync"
	"sync/atomic"

	"kernel/internal/errs"
	"kernel/internal/stat"
	"kernel/internal/ustr"
)

// S_IFMT file-type bits, the subset of the POSIX mode word fstat needs
// to distinguish this package's three Kinds.
const (
	modeIFREG  = 0100000
	modeIFCHR  = 0020000
	modeIFBLK  = 0060000
)

// Kind classifies what an Fd_t's underlying object is, used by fstat and
// by the syscall layer to decide whether an operation (e.g. seek) is
// meaningful.
type Kind int

const (
	KindFile Kind = iota
	KindCharDevice
	KindBlockDevice
)

// Permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// object is the shared, refcounted backing store behind one or more
// Fd_t handles (siblings created by fork or dup).
type object struct {
	kind   Kind
	refs   int32
	offset int64
	device uint // major/minor, meaningful only for KindCharDevice/KindBlockDevice
}

// Fd_t is one process's view of an open file descriptor: its own
// permission bits over a possibly-shared underlying object.
type Fd_t struct {
	obj   *object
	Perms int
}

// NewFile creates a fresh, singly-referenced file-backed descriptor.
func NewFile(perms int) *Fd_t {
	return &Fd_t{obj: &object{kind: KindFile, refs: 1}, Perms: perms}
}

// NewDevice creates a fresh device-backed descriptor for the given major
// device number (spec.md §6's console/etc device table).
func NewDevice(kind Kind, device uint, perms int) *Fd_t {
	return &Fd_t{obj: &object{kind: kind, refs: 1, device: device}, Perms: perms}
}

// Kind reports the underlying object's classification.
func (f *Fd_t) Kind() Kind { return f.obj.kind }

// Offset returns the descriptor's current file offset (meaningful only
// for KindFile).
func (f *Fd_t) Offset() int64 { return atomic.LoadInt64(&f.obj.offset) }

// Seek updates the descriptor's file offset.
func (f *Fd_t) Seek(off int64) { atomic.StoreInt64(&f.obj.offset, off) }

// Copyfd duplicates an open file descriptor, bumping the shared object's
// refcount (spec.md §4.5 fork: "duplicate FD entries and bump per-entry
// refcounts; the FD table is a new allocation but the underlying file
// objects are shared").
func Copyfd(f *Fd_t) (*Fd_t, error) {
	atomic.AddInt32(&f.obj.refs, 1)
	nfd := &Fd_t{obj: f.obj, Perms: f.Perms}
	return nfd, nil
}

// Stat fills in the mode/size/device fields fstat(2) reports for this
// descriptor, grounded on the teacher's stat.Stat_t writer methods.
func (f *Fd_t) Stat() stat.Stat_t {
	var st stat.Stat_t
	switch f.obj.kind {
	case KindCharDevice:
		st.Wmode(modeIFCHR)
	case KindBlockDevice:
		st.Wmode(modeIFBLK)
	default:
		st.Wmode(modeIFREG)
	}
	st.Wdev(f.obj.device)
	st.Wrdev(f.obj.device)
	st.Wsize(uint(f.Offset()))
	return st
}

// Close decrements the shared object's refcount, returning true if this
// was the last reference (the caller should release the backing object).
func Close(f *Fd_t) bool {
	return atomic.AddInt32(&f.obj.refs, -1) == 0
}

// Table is a process's fixed-capacity FD array (spec.md §4.5: "allocate
// default FD table (256 entries)").
type Table struct {
	sync.Mutex
	entries []*Fd_t
}

// NewTable allocates a Table with the given capacity, all slots empty.
func NewTable(capacity int) *Table {
	return &Table{entries: make([]*Fd_t, capacity)}
}

// Install places f in the lowest-numbered free slot (spec.md §6's open()
// "allocates lowest FD"), returning that slot's number.
func (t *Table) Install(f *Fd_t) (int, error) {
	t.Lock()
	defer t.Unlock()
	for i, e := range t.entries {
		if e == nil {
			t.entries[i] = f
			return i, nil
		}
	}
	return -1, errs.New(errs.TooMany)
}

// Get returns the descriptor at the given slot.
func (t *Table) Get(n int) (*Fd_t, error) {
	t.Lock()
	defer t.Unlock()
	if n < 0 || n >= len(t.entries) || t.entries[n] == nil {
		return nil, errs.New(errs.BadEntity)
	}
	return t.entries[n], nil
}

// CloseSlot clears slot n and reports whether the underlying object's
// last reference was just released.
func (t *Table) CloseSlot(n int) (lastRef bool, err error) {
	t.Lock()
	defer t.Unlock()
	if n < 0 || n >= len(t.entries) || t.entries[n] == nil {
		return false, errs.New(errs.BadEntity)
	}
	f := t.entries[n]
	t.entries[n] = nil
	return Close(f), nil
}

// Fork duplicates every occupied slot into a fresh Table of the same
// capacity, bumping refcounts per slot.
func (t *Table) Fork() *Table {
	t.Lock()
	defer t.Unlock()
	nt := NewTable(len(t.entries))
	for i, e := range t.entries {
		if e == nil {
			continue
		}
		nfd, _ := Copyfd(e)
		nt.entries[i] = nfd
	}
	return nt
}

/// Cwd_t tracks the current working directory for a process.
type Cwd_t struct {
	sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	full := append(append(ustr.Ustr{}, cwd.Path...), '/')
	return append(full, p...)
}

/// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(f *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: f, Path: ustr.MkUstrRoot()}
}
