package proc

import (
	"kernel/internal/hashtable"
	"kernel/internal/sched"
)

// threadRegistry maps a thread ID to its TCB across every CPU, adapted
// from the teacher's hashtable package: execve/fork register a process's
// main thread here under its ThreadID so kill-by-tid and /proc's
// per-thread listing (spec.md §6) can resolve a TCB without walking
// every CPU's queues.
var threadRegistry = hashtable.MkHash(1024)

func registerThread(th *sched.TCB) {
	threadRegistry.Set(int32(th.ThreadID), th)
}

func unregisterThread(th *sched.TCB) {
	if th == nil {
		return
	}
	threadRegistry.Del(int32(th.ThreadID))
}

// LookupThread resolves a thread ID to its TCB, or false if no thread
// with that ID is currently registered.
func LookupThread(tid uint64) (*sched.TCB, bool) {
	v, ok := threadRegistry.Get(int32(tid))
	if !ok {
		return nil, false
	}
	return v.(*sched.TCB), true
}
