// Package morierrors defines the error taxonomy spec.md §7 names and the
// exit-code mapping spec.md §6 requires (cmd/mori's main unwraps these to
// decide its process exit status, following the leashed-command exit-code
// wrapper pattern the teacher's runner package uses).
package morierrors

import "fmt"

// ExitCoder is implemented by every morierrors type; cmd/mori type-asserts
// against it (via errors.As) to compute the process's exit status instead
// of flattening every failure to exit code 1.
type ExitCoder interface {
	error
	ExitCode() int
}

// FilterLoad reports that loading or attaching a kernel program failed
// (spec.md §7): a missing kernel feature, insufficient capability, or a
// verifier rejection.
type FilterLoad struct {
	Which string
	Err   error
}

func (e *FilterLoad) Error() string {
	return fmt.Sprintf("cannot attach %s: %v", e.Which, e.Err)
}
func (e *FilterLoad) Unwrap() error { return e.Err }
func (e *FilterLoad) ExitCode() int { return 1 }

// MapUpdate reports that an in-kernel map mutation failed (spec.md §7).
type MapUpdate struct {
	Which string
	Key   string
	Err   error
}

func (e *MapUpdate) Error() string {
	return fmt.Sprintf("cannot update %s map (key %s): %v", e.Which, e.Key, e.Err)
}
func (e *MapUpdate) Unwrap() error { return e.Err }
func (e *MapUpdate) ExitCode() int { return 1 }

// ChildSpawn reports that fork/exec of the target command failed
// (spec.md §7).
type ChildSpawn struct {
	Err error
}

func (e *ChildSpawn) Error() string {
	return fmt.Sprintf("cannot start command: %v", e.Err)
}
func (e *ChildSpawn) Unwrap() error { return e.Err }
func (e *ChildSpawn) ExitCode() int { return 1 }

// IOError reports any other OS failure (spec.md §7's Io { context }).
type IOError struct {
	Context string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}
func (e *IOError) Unwrap() error { return e.Err }
func (e *IOError) ExitCode() int { return 1 }

// PolicyInvalidExitCode reports the exit status for a *policy.InvalidError
// (spec.md §6: "2 on PolicyInvalid"). The policy package doesn't import
// morierrors (it would invert the dependency order spec.md §2 lays out),
// so cmd/mori checks for *policy.InvalidError directly and uses this
// constant rather than wrapping it in an ExitCoder.
const PolicyInvalidExitCode = 2

// SignalExitCode computes the exit code for a child terminated by signal
// sig (spec.md §6: "128 + signal number on signal-termination").
func SignalExitCode(sig int) int {
	return 128 + sig
}
