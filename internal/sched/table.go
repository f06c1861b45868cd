package sched

import "kernel/internal/errs"

// Table is the system-wide view of every CPU's scheduler, used by execve
// to place a freshly created main thread on the least-loaded CPU and by
// wait-on-child/signal delivery to locate a thread's owning CPU.
type Table struct {
	cpus []*CPU
}

// NewTable wraps an already-constructed slice of per-CPU schedulers,
// indexed by CPU id.
func NewTable(cpus []*CPU) *Table {
	return &Table{cpus: cpus}
}

// CPU returns the scheduler for the given CPU id.
func (tb *Table) CPU(id int) *CPU {
	if id < 0 || id >= len(tb.cpus) {
		return nil
	}
	return tb.cpus[id]
}

// Len reports how many CPUs the table covers.
func (tb *Table) Len() int { return len(tb.cpus) }

// LeastLoaded picks the CPU with the fewest Ready+Running threads,
// spec.md §4.5 execve's placement rule ("enqueue Ready on the
// least-loaded CPU").
func (tb *Table) LeastLoaded() *CPU {
	var best *CPU
	bestLoad := -1
	for _, c := range tb.cpus {
		load := c.ReadyCount()
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best
}

// Migrate moves t from its current CPU's Ready queue to dst's Ready
// queue, dequeuing under the source lock and enqueuing under the
// destination lock per the ordering guarantee in spec.md §4.4; t's state
// stays Ready throughout.
func (tb *Table) Migrate(t *TCB, dst *CPU) error {
	src := tb.CPU(t.LastCPU)
	if src == nil {
		return errs.New(errs.BadArgs)
	}
	src.Lock()
	if t.State != StateReady {
		src.Unlock()
		return errs.New(errs.BadArgs)
	}
	src.ready.remove(t)
	src.Unlock()

	dst.Enqueue(t)
	return nil
}

// LiveThreadCount sums Ready+Running+Waiting+Sleeping+Zombie across every
// CPU, used by the P6 conservation check in tests.
func (tb *Table) LiveThreadCount() int {
	total := 0
	for _, c := range tb.cpus {
		c.Lock()
		total += c.ready.count + c.waiting.count + c.sleeping.count + c.zombie.count
		if c.current != nil {
			total++
		}
		c.Unlock()
	}
	return total
}
