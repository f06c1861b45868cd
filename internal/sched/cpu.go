package sched

import (
	"sync"
	"sync/atomic"

	"kernel/internal/cpufabric"
	"kernel/internal/klog"
)

// systemTicks is the global tick counter every CPU's timer handler bumps,
// read by sleep() to compute wakeup deadlines.
var systemTicks uint64

// SystemTicks returns the current global tick count.
func SystemTicks() uint64 { return atomic.LoadUint64(&systemTicks) }

// CPU owns one processor's scheduling state: its four queues (spec.md
// §4.2 "Scheduler queues") and the Running thread's current slot, all
// covered by a single embedded sync.Mutex (the teacher's own convention
// of embedding sync.Mutex directly in the struct it protects, see
// accnt.Accnt_t). Acquiring it leaves the interrupt flag untouched.
type CPU struct {
	ID int

	sync.Mutex
	ready    threadQueue
	waiting  threadQueue
	sleeping threadQueue
	zombie   threadQueue
	current  *TCB

	localTicks      uint64
	contextSwitches uint64
	irqsServed      uint64

	timer *LAPICTimer
}

// NewCPU constructs the scheduling state for one CPU; the caller attaches
// a calibrated LAPICTimer once the timer subsystem has brought it up.
func NewCPU(id int, timer *LAPICTimer) *CPU {
	return &CPU{ID: id, timer: timer}
}

// ReadyCount reports the Ready queue's length plus whether Running is
// occupied, used by execve's least-loaded-CPU placement and by the P6
// conservation check.
func (c *CPU) ReadyCount() int {
	c.Lock()
	defer c.Unlock()
	n := c.ready.count
	if c.current != nil {
		n++
	}
	return n
}

// Enqueue places t on this CPU's Ready queue tail under this CPU's lock,
// the only legal way to hand a thread to a CPU, including migration
// (spec.md §4.4 "Ordering guarantees").
func (c *CPU) Enqueue(t *TCB) {
	c.Lock()
	defer c.Unlock()
	t.State = StateReady
	t.LastCPU = c.ID
	c.ready.pushTail(t)
}

// Current returns the thread presently running on this CPU, or nil.
func (c *CPU) Current() *TCB {
	c.Lock()
	defer c.Unlock()
	return c.current
}

// wakeSleeping scans the Sleeping queue for threads whose deadline has
// passed and moves them to Ready. Caller holds c's lock.
func (c *CPU) wakeSleeping(now uint64) {
	var wake []*TCB
	c.sleeping.forEach(func(t *TCB) bool {
		if t.WakeupTime <= now {
			wake = append(wake, t)
		}
		return true
	})
	for _, t := range wake {
		c.sleeping.remove(t)
		t.State = StateReady
		t.WaitReason = WaitNone
		c.ready.pushTail(t)
	}
}

// cleanupZombies drains the Zombie queue, releasing each TCB's stacks.
// Caller holds c's lock. Stack release is delegated to freeStack so this
// package stays independent of the VMM/PMM concrete allocator type.
var freeStack func(t *TCB)

// SetStackReclaimer installs the callback cleanupZombies uses to release
// a terminated thread's kernel/user stacks, wired by cmd/kernel at boot
// to the real VMM-backed allocator.
func SetStackReclaimer(f func(t *TCB)) { freeStack = f }

func (c *CPU) cleanupZombies() {
	for {
		t := c.zombie.popHead()
		if t == nil {
			return
		}
		if freeStack != nil {
			freeStack(t)
		}
	}
}

// pickNext pops Ready-queue heads applying stride arbitration (spec.md
// §4.4): a thread whose Cooldown is still positive is decremented and
// re-enqueued rather than dispatched, bounding how often low-priority
// (high-stride) threads run relative to high-priority ones. Caller holds
// c's lock.
func (c *CPU) pickNext() *TCB {
	attempts := c.ready.count
	for i := 0; i < attempts; i++ {
		t := c.ready.popHead()
		if t == nil {
			return nil
		}
		if t.Cooldown > 0 {
			t.Cooldown--
			c.ready.pushTail(t)
			continue
		}
		t.ResetCooldown()
		return t
	}
	return nil
}

// Tick runs the per-tick handler: EOI, counters, disposition of the
// preempted thread, wake/cleanup passes, stride-arbitrated dispatch, and
// installing the new current thread. frame is the interrupt-saved
// register state for the thread being preempted (nil if the CPU was
// idling in HLT).
func (c *CPU) Tick(frame *Context) {
	if c.timer != nil {
		c.timer.EOI()
	}
	atomic.AddUint64(&systemTicks, 1)

	c.Lock()
	c.localTicks++

	prev := c.current
	c.current = nil
	if prev != nil {
		if frame != nil {
			prev.Ctx = *frame
		}
		switch prev.State {
		case StateRunning:
			prev.State = StateReady
			c.ready.pushTail(prev)
		case StateTerminated:
			prev.State = StateZombie
			c.zombie.pushTail(prev)
		case StateBlocked:
			c.waiting.pushTail(prev)
		case StateSleeping:
			c.sleeping.pushTail(prev)
		case StateReady:
			c.ready.pushTail(prev)
		}
	}

	c.wakeSleeping(atomic.LoadUint64(&systemTicks))
	c.cleanupZombies()

	next := c.pickNext()
	if next == nil {
		c.Unlock()
		return
	}
	next.rewriteSegmentSelectors()
	next.State = StateRunning
	c.current = next
	c.contextSwitches++
	c.Unlock()
}

// Idle parks this CPU in HLT with interrupts enabled; the next timer
// interrupt re-enters Tick.
func Idle() {
	cpufabric.EnableInterrupts()
	cpufabric.Halt()
}

// Sleep blocks the calling CPU's current thread for ms milliseconds by
// setting its state and wakeup deadline and raising the yield vector
// (int 0x30), per spec.md's sleep() definition.
func (c *CPU) Sleep(ms uint64) {
	t := c.Current()
	if t == nil {
		return
	}
	c.Lock()
	t.State = StateSleeping
	t.WakeupTime = atomic.LoadUint64(&systemTicks) + ms
	t.WaitReason = WaitSleep
	c.Unlock()
	Yield()
}

// Yield raises the timer vector on the calling CPU, the kernel's only
// cooperative suspension point.
func Yield() {
	raiseYieldVector()
}

// raiseYieldVector executes int 0x30 on the calling CPU; implemented in
// assembly because Go cannot express a software interrupt inline.
func raiseYieldVector()

// LogCounters emits this CPU's tick/switch counters at Info level, used
// by diagnostics and kdump snapshot assembly.
func (c *CPU) LogCounters() {
	c.Lock()
	defer c.Unlock()
	klog.Logf(klog.Info, "cpu%d: ticks=%d switches=%d irqs=%d", c.ID, c.localTicks, c.contextSwitches, c.irqsServed)
}

// Counters returns a snapshot of this CPU's tick/switch/IRQ counters.
func (c *CPU) Counters() (ticks, switches, irqs uint64) {
	c.Lock()
	defer c.Unlock()
	return c.localTicks, c.contextSwitches, c.irqsServed
}

// NoteIRQ increments the per-CPU serviced-IRQ counter; called by IRQ
// handlers other than the timer.
func (c *CPU) NoteIRQ() {
	c.Lock()
	c.irqsServed++
	c.Unlock()
}

// TerminateOwnedBy retires every thread belonging to pid straight into
// the Zombie queue from wherever it currently sits on this CPU — Ready,
// Waiting, or Sleeping — per spec.md §4.5 "exit". A Running thread
// (the current slot) is only flagged Terminated in place: Tick's own
// disposition switch performs the actual transfer to Zombie once that
// thread is next preempted, since pulling it out from under an in-flight
// dispatch isn't safe here.
func (c *CPU) TerminateOwnedBy(pid uint64) {
	c.Lock()
	defer c.Unlock()

	var dead []*TCB
	collect := func(t *TCB) bool {
		if t.ProcessID == pid {
			dead = append(dead, t)
		}
		return true
	}
	c.ready.forEach(collect)
	c.waiting.forEach(collect)
	c.sleeping.forEach(collect)
	for _, t := range dead {
		switch t.State {
		case StateReady:
			c.ready.remove(t)
		case StateBlocked:
			c.waiting.remove(t)
		case StateSleeping:
			c.sleeping.remove(t)
		}
		t.State = StateZombie
		c.zombie.pushTail(t)
	}

	if c.current != nil && c.current.ProcessID == pid {
		c.current.State = StateTerminated
	}
}
