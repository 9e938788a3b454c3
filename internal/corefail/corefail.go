// Package corefail implements the error-severity taxonomy of the
// runtime core: every failure the core recognizes is a correctness
// violation of its own invariants, never a recoverable condition, so
// both FatalInvariant and RuntimeFailure surface as an abort.
package corefail

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Kind distinguishes the two fatal error classes the core raises.
// BackPressure and EndOfStream are not errors and have no Kind: they
// are expressed directly as blocking and as the EndOfStream marker.
type Kind int

const (
	// KindInvariant marks a violation of the core's own invariants:
	// negative quota, duplicate downstream name, deallocate of an
	// unknown pointer, a request larger than capacity, a policy
	// returning a request out of order, emit to an unknown downstream,
	// an unreachable wake-policy enum value.
	KindInvariant Kind = iota
	// KindRuntime marks an OS-level failure the component cannot mask:
	// mmap, fallocate, bind, heap allocation failure.
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindInvariant:
		return "invariant"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// Failure is the value recovered by Guard. It carries enough context
// to log a human-readable diagnostic before the process aborts.
type Failure struct {
	Kind Kind
	Msg  string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Invariant panics with a FatalInvariant failure. Call this at the
// point an invariant is observed broken; do not attempt to recover
// from it anywhere except Guard, whose job is to log and re-panic.
func Invariant(format string, args ...any) {
	panic(&Failure{Kind: KindInvariant, Msg: fmt.Sprintf(format, args...)})
}

// Runtime panics with a RuntimeFailure failure, typically wrapping an
// OS-level error the caller cannot mask.
func Runtime(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	panic(&Failure{Kind: KindRuntime, Msg: msg})
}

// Guard must be deferred at the entry point of every long-running
// goroutine the runtime spawns (workers and the deadlock checker). It
// logs a Failure via
// logger and then re-panics so the process aborts, matching the
// core's "no meaningful recovery" error model. Panics that are not a
// *Failure pass through unlogged and unmodified.
func Guard(logger zerolog.Logger) {
	r := recover()
	if r == nil {
		return
	}
	if f, ok := r.(*Failure); ok {
		logger.Error().Str("kind", f.Kind.String()).Msg(f.Msg)
	}
	panic(r)
}
