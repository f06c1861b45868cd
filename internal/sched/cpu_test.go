package sched

import "testing"

func newTestThread(id uint64, prio PriorityClass) *TCB {
	t := &TCB{ThreadID: id, Priority: prio, State: StateReady}
	t.ResetCooldown()
	return t
}

func TestPickNextStrideArbitration(t *testing.T) {
	c := NewCPU(0, nil)
	kernel := newTestThread(1, PriorityKernel) // stride 1, dispatches immediately
	idle := newTestThread(2, PriorityIdle)     // stride 64, cooldown defers it
	c.ready.pushTail(idle)
	c.ready.pushTail(kernel)

	c.Lock()
	got := c.pickNext()
	c.Unlock()

	if got != kernel {
		t.Fatalf("expected low-stride kernel thread dispatched first, got %v", got)
	}
}

func TestEnqueueSetsReadyStateAndCPU(t *testing.T) {
	c := NewCPU(3, nil)
	th := &TCB{ThreadID: 7, State: StateBlocked}
	c.Enqueue(th)
	if th.State != StateReady {
		t.Fatalf("state = %v, want Ready", th.State)
	}
	if th.LastCPU != 3 {
		t.Fatalf("LastCPU = %d, want 3", th.LastCPU)
	}
	if c.ReadyCount() != 1 {
		t.Fatalf("ReadyCount = %d, want 1", c.ReadyCount())
	}
}

func TestTickMovesRunningThreadToReadyOnPreemption(t *testing.T) {
	c := NewCPU(0, nil)

	running := newTestThread(9, PriorityNormal)
	running.State = StateRunning
	c.current = running

	c.Tick(nil)

	if running.State != StateReady {
		t.Fatalf("state = %v, want Ready", running.State)
	}
	if c.current != nil {
		t.Fatalf("current = %v, want nil (single candidate's cooldown was still positive, so dispatch deferred it)", c.current)
	}
	if c.ready.count != 1 {
		t.Fatalf("ready.count = %d, want 1 (thread stays parked in Ready with a decremented cooldown)", c.ready.count)
	}
}

func TestWakeSleepingMovesExpiredThreadsToReady(t *testing.T) {
	c := NewCPU(0, nil)
	th := newTestThread(4, PriorityNormal)
	th.State = StateSleeping
	th.WakeupTime = 10
	c.sleeping.pushTail(th)

	c.Lock()
	c.wakeSleeping(10)
	c.Unlock()

	if th.State != StateReady {
		t.Fatalf("state = %v, want Ready", th.State)
	}
	if c.ready.count != 1 {
		t.Fatalf("ready.count = %d, want 1", c.ready.count)
	}
}

func TestCleanupZombiesDrainsQueueAndInvokesReclaimer(t *testing.T) {
	var reclaimed []uint64
	SetStackReclaimer(func(t *TCB) { reclaimed = append(reclaimed, t.ThreadID) })
	defer SetStackReclaimer(nil)

	c := NewCPU(0, nil)
	c.zombie.pushTail(newTestThread(1, PriorityNormal))
	c.zombie.pushTail(newTestThread(2, PriorityNormal))

	c.Lock()
	c.cleanupZombies()
	c.Unlock()

	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed %d threads, want 2", len(reclaimed))
	}
}
