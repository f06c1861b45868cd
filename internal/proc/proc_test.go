package proc

import (
	"testing"
	"unsafe"

	"kernel/internal/defs"
	"kernel/internal/pmm"
	"kernel/internal/sched"
	"kernel/internal/vmm"
)

// fakeAlloc backs physical memory with a plain Go byte slice, the same
// one-to-one-HHDM fake package vmm's own tests use.
type fakeAlloc struct {
	mem  []byte
	next pmm.PhysAddr
}

func newFakeAlloc(npages int) *fakeAlloc {
	return &fakeAlloc{mem: make([]byte, npages*vmm.PageSize)}
}

func (f *fakeAlloc) AllocFrame() (pmm.PhysAddr, error) {
	p := f.next
	f.next += vmm.PageSize
	if int(f.next) > len(f.mem) {
		return 0, errOOM{}
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

type errOOM struct{}

func (errOOM) Error() string { return "test allocator exhausted" }

func newTestManager(t *testing.T, npages int) *vmm.Manager {
	t.Helper()
	fa := newFakeAlloc(npages)
	root, err := fa.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	for i := range fa.mem[:vmm.PageSize] {
		fa.mem[i] = 0
	}
	return vmm.NewManager(fa, root)
}

func newTestSchedTable(n int) *sched.Table {
	cpus := make([]*sched.CPU, n)
	for i := range cpus {
		cpus[i] = sched.NewCPU(i, nil)
	}
	return sched.NewTable(cpus)
}

func TestCreateAllocatesDistinctPIDs(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()

	p1, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p1.PID == p2.PID {
		t.Fatalf("expected distinct PIDs, got %d twice", p1.PID)
	}
	if p1.PID != 1 {
		t.Fatalf("expected first PID to be 1, got %d", p1.PID)
	}

	got, err := pt.Lookup(p1.PID)
	if err != nil || got != p1 {
		t.Fatalf("Lookup(%d) = %v, %v; want %v, nil", p1.PID, got, err, p1)
	}
}

func TestForkCopiesIdentityAndEnqueuesChildThread(t *testing.T) {
	vmgr := newTestManager(t, 256)
	pt := NewTable()
	sc := newTestSchedTable(2)

	parent, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	parent.Comm = "init"
	parent.PGID = parent.PID
	parent.SID = parent.PID
	parent.MainThread = &sched.TCB{
		ThreadID:  1,
		ProcessID: uint64(parent.PID),
		Type:      sched.ThreadUser,
		Priority:  sched.PriorityNormal,
		State:     sched.StateRunning,
	}
	parent.MainThread.Ctx.RIP = 0x400000
	parent.MainThread.Ctx.RSP = 0x01000000 - 0x10 // within vmm.CanonicalUserLimit

	child, err := pt.Fork(vmgr, sc, parent)
	if err != nil {
		t.Fatal(err)
	}
	if child.PPID != parent.PID {
		t.Fatalf("child PPID = %d, want %d", child.PPID, parent.PID)
	}
	if child.Comm != parent.Comm {
		t.Fatalf("child Comm = %q, want %q", child.Comm, parent.Comm)
	}
	if child.MainThread == nil {
		t.Fatal("expected child to have a main thread")
	}
	if child.MainThread.Ctx.RAX != 0 {
		t.Fatalf("child RAX = %d, want 0 (fork return value)", child.MainThread.Ctx.RAX)
	}
	if child.MainThread.Ctx.RFLAGS != sched.PreparedRFLAGS {
		t.Fatalf("child RFLAGS = %#x, want %#x", child.MainThread.Ctx.RFLAGS, sched.PreparedRFLAGS)
	}

	found := false
	for i := 0; i < sc.Len(); i++ {
		if sc.CPU(i).ReadyCount() > 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected child's main thread to be enqueued Ready on some CPU")
	}
}

func TestForkRejectsThreadlessParent(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	parent, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pt.Fork(vmgr, sc, parent); err == nil {
		t.Fatal("expected Fork to reject a parent with no main thread")
	}
}

func TestExitMarksZombieAndSignalsParent(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	parent, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child.PPID = parent.PID
	parent.children = append(parent.children, child.PID)

	Exit(pt, sc, child, 7)

	if child.State != StateZombie {
		t.Fatalf("child state = %v, want StateZombie", child.State)
	}
	if child.ExitCode != 7 {
		t.Fatalf("child ExitCode = %d, want 7", child.ExitCode)
	}
	if parent.SigPending&(uint64(1)<<defs.SIGCHLD) == 0 {
		t.Fatal("expected SIGCHLD pending on parent after child exit")
	}
}

func TestWait4ReapsZombieAndRemovesFromTable(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	parent, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child.PPID = parent.PID
	parent.children = append(parent.children, child.PID)

	Exit(pt, sc, child, 3)

	res, err := Wait4(pt, vmgr, parent, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID != child.PID || res.ExitCode != 3 {
		t.Fatalf("Wait4 = %+v, want PID=%d ExitCode=3", res, child.PID)
	}
	if _, err := pt.Lookup(child.PID); err == nil {
		t.Fatal("expected child to be removed from the process table after reap")
	}
}

func TestWait4NoHangReturnsZeroWithNoZombie(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()

	parent, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	child.PPID = parent.PID
	parent.children = append(parent.children, child.PID)

	res, err := Wait4(pt, vmgr, parent, WNOHANG)
	if err != nil {
		t.Fatal(err)
	}
	if res.PID != 0 {
		t.Fatalf("expected zero WaitResult with WNOHANG and no zombie, got %+v", res)
	}
}

func TestKillAndDeliverPendingRunsHandler(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	p, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.MainThread = &sched.TCB{ProcessID: uint64(p.PID), Type: sched.ThreadUser, State: sched.StateRunning}
	p.SigHandler[defs.SIGUSR1] = 0x500000

	if err := Kill(pt, p.PID, defs.SIGUSR1); err != nil {
		t.Fatal(err)
	}
	DeliverPending(pt, sc, p)

	if p.MainThread.Ctx.RIP != 0x500000 {
		t.Fatalf("handler RIP = %#x, want %#x", p.MainThread.Ctx.RIP, 0x500000)
	}
	if p.MainThread.Ctx.RDI != uint64(defs.SIGUSR1) {
		t.Fatalf("handler RDI = %d, want %d", p.MainThread.Ctx.RDI, defs.SIGUSR1)
	}
	if p.SigPending != 0 {
		t.Fatalf("expected SigPending cleared after delivery, got %#x", p.SigPending)
	}
}

func TestDeliverPendingDefaultTerminatesOnSIGTERM(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	p, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.MainThread = &sched.TCB{ProcessID: uint64(p.PID), Type: sched.ThreadUser, State: sched.StateRunning}

	if err := Kill(pt, p.PID, defs.SIGTERM); err != nil {
		t.Fatal(err)
	}
	DeliverPending(pt, sc, p)

	if p.State != StateZombie {
		t.Fatalf("state = %v, want StateZombie after unhandled SIGTERM", p.State)
	}
	if p.ExitCode != 128+defs.SIGTERM {
		t.Fatalf("ExitCode = %d, want %d", p.ExitCode, 128+defs.SIGTERM)
	}
}

func TestDeliverPendingSIGSTOPBlocksMainThread(t *testing.T) {
	vmgr := newTestManager(t, 64)
	pt := NewTable()
	sc := newTestSchedTable(1)

	p, err := pt.Create(vmgr, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.MainThread = &sched.TCB{ProcessID: uint64(p.PID), Type: sched.ThreadUser, State: sched.StateRunning}

	if err := Kill(pt, p.PID, defs.SIGSTOP); err != nil {
		t.Fatal(err)
	}
	DeliverPending(pt, sc, p)

	if p.MainThread.State != sched.StateBlocked || p.MainThread.WaitReason != sched.WaitSignal {
		t.Fatalf("main thread state = %v/%v, want Blocked/WaitSignal", p.MainThread.State, p.MainThread.WaitReason)
	}

	if err := Kill(pt, p.PID, defs.SIGCONT); err != nil {
		t.Fatal(err)
	}
	DeliverPending(pt, sc, p)
	if p.MainThread.State != sched.StateReady {
		t.Fatalf("main thread state after SIGCONT = %v, want Ready", p.MainThread.State)
	}
}
