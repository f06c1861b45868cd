// Package procfs renders the textual /proc contract spec.md §6 names:
// per-process stat/status lines and the machine-wide uptime file.
// Grounded on original_source/Kernel/Proc/ProcHelp.c's
// __AppendStr__/__AppendU64Hex__ stat-line assembly and ProcFS.c's file
// set, reimplemented here with fmt.Fprintf instead of the original's
// manual buffer appends.
package procfs

import (
	"fmt"
	"strings"
)

// StatFields is the subset of process state /proc/<pid>/stat formats;
// field names match the proc(5) columns this kernel actually populates,
// the rest hard-coded to 0 the way the original's stat-line assembly
// left unused columns zeroed.
type StatFields struct {
	PID, PPID, PGID, SID int32
	Comm                 string
	State                byte
	UtimeTicks           int64
	StimeTicks           int64
	StartTick            uint64
}

// Stat formats /proc/<pid>/stat: "pid (comm) state ppid pgrp sid 0 0 0 0
// 0 0 0 utime stime 0 0 0 0 1 0 starttime 0 0\n".
func Stat(f StatFields) string {
	return fmt.Sprintf(
		"%d (%s) %c %d %d %d 0 0 0 0 0 0 0 %d %d 0 0 0 0 1 0 %d 0 0\n",
		f.PID, f.Comm, f.State, f.PPID, f.PGID, f.SID,
		f.UtimeTicks, f.StimeTicks, f.StartTick,
	)
}

// StatusFields is the per-process state Status renders.
type StatusFields struct {
	Comm            string
	State           byte
	StateName       string
	PID, PPID, PGID int32
	UID, GID        uint32
}

// Status formats /proc/<pid>/status: a multi-line "Key:\tvalue" record,
// one field per line.
func Status(f StatusFields) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name:\t%s\n", f.Comm)
	fmt.Fprintf(&b, "State:\t%c (%s)\n", f.State, f.StateName)
	fmt.Fprintf(&b, "Pid:\t%d\n", f.PID)
	fmt.Fprintf(&b, "PPid:\t%d\n", f.PPID)
	fmt.Fprintf(&b, "Pgid:\t%d\n", f.PGID)
	fmt.Fprintf(&b, "Uid:\t%d\n", f.UID)
	fmt.Fprintf(&b, "Gid:\t%d\n", f.GID)
	return b.String()
}

// Uptime formats /proc/uptime: "<secs> <idle_secs>\n", both system
// uptime and accumulated idle time expressed in seconds with two
// decimal places (hundredths of a second), the way /proc/uptime's two
// columns normally read.
func Uptime(uptimeMillis, idleMillis uint64) string {
	return fmt.Sprintf("%d.%02d %d.%02d\n",
		uptimeMillis/1000, (uptimeMillis%1000)/10,
		idleMillis/1000, (idleMillis%1000)/10)
}

// SelfPID is what a read of /proc/self/... resolves the "self" path
// component to: the PID of the calling process, supplied by the caller
// since this package has no process-table access of its own.
func SelfPID(callerPID int32) string {
	return fmt.Sprintf("%d", callerPID)
}
