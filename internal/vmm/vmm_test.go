package vmm

import (
	"testing"
	"unsafe"

	"kernel/internal/pmm"
)

func init() {
	// Running under `go test` means there is no CR0.PG hardware to
	// invalidate TLB entries or reload CR3 on, so swap the hardware hooks
	// for no-ops the way gopher-os's vmm tests stub flushTLBEntryFn.
	invlpgFn = func(uintptr) {}
	writeCR3Fn = func(uintptr) {}
}

// fakeAlloc backs physical memory with a plain Go byte slice and treats
// virtual == physical + base, i.e. a trivial one-to-one HHDM, enough to
// exercise the page-walk logic without real hardware.
type fakeAlloc struct {
	mem  []byte
	next pmm.PhysAddr
}

func newFakeAlloc(npages int) *fakeAlloc {
	return &fakeAlloc{mem: make([]byte, npages*PageSize)}
}

func (f *fakeAlloc) AllocFrame() (pmm.PhysAddr, error) {
	p := f.next
	f.next += PageSize
	if int(f.next) > len(f.mem) {
		return 0, errTestOOM{}
	}
	return p, nil
}

func (f *fakeAlloc) FreeFrame(pmm.PhysAddr) error { return nil }

func (f *fakeAlloc) PhysToVirt(p pmm.PhysAddr) uintptr {
	return uintptr(unsafe.Pointer(&f.mem[0])) + uintptr(p)
}

func (f *fakeAlloc) VirtToPhys(v uintptr) (pmm.PhysAddr, error) {
	base := uintptr(unsafe.Pointer(&f.mem[0]))
	return pmm.PhysAddr(v - base), nil
}

type errTestOOM struct{}

func (errTestOOM) Error() string { return "test allocator exhausted" }

func newTestManager(t *testing.T, npages int) (*Manager, *fakeAlloc) {
	t.Helper()
	fa := newFakeAlloc(npages)
	root, err := fa.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	zero(fa.PhysToVirt(root), PageSize)
	return NewManager(fa, root), fa
}

func TestAddressSpaceSharesKernelUpperHalf(t *testing.T) {
	m, _ := newTestManager(t, 64)
	as, err := m.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	if !KernelUpperHalfMatches(m.Kernel, as) {
		t.Fatal("new address space does not alias kernel upper half (I2)")
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, fa := newTestManager(t, 64)
	as, err := m.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	phys, err := fa.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	const va = uintptr(0x1000)
	if err := as.MapPage(va, phys, Present|Writable|User); err != nil {
		t.Fatal(err)
	}
	got, err := as.Translate(va)
	if err != nil {
		t.Fatal(err)
	}
	if got != phys {
		t.Fatalf("translate mismatch: got %x want %x", got, phys)
	}
	if err := as.UnmapPage(va); err != nil {
		t.Fatal(err)
	}
	if _, err := as.Translate(va); err == nil {
		t.Fatal("translate succeeded after unmap")
	}
}

func TestUnmapUnmappedIsError(t *testing.T) {
	m, _ := newTestManager(t, 64)
	as, _ := m.NewAddressSpace()
	if err := as.UnmapPage(0x5000); err == nil {
		t.Fatal("expected error unmapping unmapped VA")
	}
}

func TestMapRangeZeroedTranslatesEveryPage(t *testing.T) {
	m, fa := newTestManager(t, 64)
	as, _ := m.NewAddressSpace()
	const va = uintptr(0x200000)
	const length = uintptr(3 * PageSize)
	if err := as.MapRangeZeroed(va, length, Present|Writable|User, fa); err != nil {
		t.Fatal(err)
	}
	for off := uintptr(0); off < length; off += PageSize {
		if _, err := as.Translate(va + off); err != nil {
			t.Fatalf("page at %x not mapped: %v", va+off, err)
		}
	}
}
