// Package klog is the kernel's leveled logging sink: a synchronous
// log(level, msg) call over an injected writer (the console/serial
// collaborator, out of scope per spec.md §1), backed by a small ring
// buffer so a panic handler can dump recent history even if the
// framebuffer write itself faults.
//
// Grounded on the teacher's fmt.Printf-based console logging
// (biscuit/src/mem/mem.go's Phys_init, biscuit/src/vm/as.go's panics) and
// original_source/Kernel/!Debug/Log.c's PDebug/PInfo/PSuccess/PError
// leveled sink, collapsed into one entry point per SPEC_FULL.md §2.
package klog

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/width"
)

// Level orders log severities: the four levels the original C sink's
// PDebug/PInfo/PSuccess/PError distinguish, plus Warn and Fatal.
type Level int

const (
	Debug Level = iota
	Info
	Success
	Warn
	Error
	Fatal
)

func (l Level) tag() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Success:
		return "ok"
	case Warn:
		return "warn"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "?"
	}
}

const ringCapacity = 16384

// ring is a fixed-size circular byte buffer retaining the most recent log
// output, grounded on the teacher's circbuf.Circbuf_t shape (head/tail
// indices over a fixed backing slice) without circbuf's page-backing and
// Fdops ties, which have no meaning for an in-kernel log history buffer.
type ring struct {
	buf        [ringCapacity]byte
	head, tail int
	full       bool
}

func (r *ring) write(p []byte) {
	for _, b := range p {
		r.buf[r.head] = b
		r.head = (r.head + 1) % ringCapacity
		if r.full {
			r.tail = (r.tail + 1) % ringCapacity
		}
		if r.head == r.tail {
			r.full = true
		}
	}
}

// snapshot returns the buffered bytes in write order.
func (r *ring) snapshot() []byte {
	if !r.full && r.head == r.tail {
		return nil
	}
	if !r.full {
		return append([]byte(nil), r.buf[r.tail:r.head]...)
	}
	out := make([]byte, 0, ringCapacity)
	out = append(out, r.buf[r.tail:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

var (
	mu      sync.Mutex
	sink    io.Writer = io.Discard
	history ring
	minLvl  Level
)

// SetSink installs the synchronous console/serial writer supplied by boot
// glue. Until called, log output is only retained in the ring buffer.
func SetSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

// SetLevel suppresses output below lvl (history still retains everything).
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = lvl
}

// Normalize maps fullwidth and wide runes to their narrow equivalents the
// way the framebuffer text console expects one cell per narrow rune, matching the
// font/console renderer collaborator named in spec.md §1.
func Normalize(s string) string {
	return width.Narrow.String(s)
}

// Logf writes a leveled, formatted line synchronously to the sink and
// appends it to the retained ring history regardless of level.
func Logf(lvl Level, format string, args ...any) {
	msg := Normalize(fmt.Sprintf(format, args...))
	line := fmt.Sprintf("[%s] %s\n", lvl.tag(), msg)

	mu.Lock()
	history.write([]byte(line))
	s := sink
	suppressed := lvl < minLvl
	mu.Unlock()

	if !suppressed {
		io.WriteString(s, line)
	}
}

// History returns a copy of the retained log ring, most recent last.
func History() []byte {
	mu.Lock()
	defer mu.Unlock()
	return history.snapshot()
}
