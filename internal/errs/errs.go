// Package errs collapses the kernel's tagged-sum error convention into a
// single Go error type. The source this kernel is modeled on returns either
// a negative integer or a pointer with an embedded error tag; both collapse
// here into one Kind enum and one E value returned normally.
package errs

import "fmt"

// Kind enumerates the kernel-wide error tags. Values are small positive
// integers; a syscall-layer caller negates Kind before handing it back
// across the ABI boundary (spec's "negative return values in [-4095, -1]").
type Kind int

const (
	_ Kind = iota
	BadArgs
	NotCanonical
	BadEntity
	Dangling
	NoSuch
	Redefined
	Busy
	BadAlloc
	TooMany
	TooLess
	TooBig
	TooSmall
	Limits
	Depleted
	NoRead
	NoWrite
	NoOperations
	Impilict
	NotInit
	NotRooted
	ErrReturn
	Overflow
	BadSystemcall
	CannotLookup
	BadEntry
	NotRecorded
	Missing
)

var names = [...]string{
	"",
	"bad arguments",
	"not canonical",
	"bad entity",
	"dangling reference",
	"no such entity",
	"redefined",
	"busy",
	"allocation failed",
	"too many",
	"too few",
	"too big",
	"too small",
	"over limits",
	"depleted",
	"no read permission",
	"no write permission",
	"no such operation",
	"implicit error",
	"not initialized",
	"not rooted",
	"error return",
	"overflow",
	"bad system call",
	"cannot lookup",
	"bad entry",
	"not recorded",
	"missing",
}

// E is the error value every core function returns. It wraps a Kind and an
// optional underlying cause, the way a syscall boundary wants to log once
// and translate once.
type E struct {
	Kind  Kind
	Cause error
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	n := "unknown error"
	if int(e.Kind) < len(names) && e.Kind > 0 {
		n = names[e.Kind]
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", n, e.Cause)
	}
	return n
}

func (e *E) Unwrap() error { return e.Cause }

// New builds an *E of the given kind with no further cause.
func New(k Kind) *E { return &E{Kind: k} }

// Wrap builds an *E of the given kind wrapping cause.
func Wrap(k Kind, cause error) *E { return &E{Kind: k, Cause: cause} }

// Negate returns the syscall ABI's negative errno-shaped return value for
// an error produced by this package. Non-*E errors map to ErrReturn.
func Negate(err error) int64 {
	if err == nil {
		return 0
	}
	if e, ok := err.(*E); ok {
		return -int64(e.Kind)
	}
	return -int64(ErrReturn)
}

// KindOf extracts the Kind from err, or 0 if err is nil or not an *E.
func KindOf(err error) Kind {
	if e, ok := err.(*E); ok {
		return e.Kind
	}
	return 0
}
