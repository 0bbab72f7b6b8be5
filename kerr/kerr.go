// Package kerr defines the error taxonomy shared by the kernel packages.
//
// Every user-visible failure is one of the sentinel errors below, possibly
// wrapped with context. Callers match with [errors.Is], and the syscall layer
// converts to a numeric [Errno] with [Code].
package kerr

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrPermissionDenied is returned when a handle lacks a required capability.
	ErrPermissionDenied = errors.New("kernel: permission denied")

	// ErrBrokenEvent is returned when the object behind a handle was destroyed,
	// analogous to a broken pipe.
	ErrBrokenEvent = errors.New("kernel: broken event")

	// ErrTimedOut is returned when a wait expires without a match.
	ErrTimedOut = errors.New("kernel: timed out")

	// ErrNotFound is returned for stale or removed waiters, handles and keys,
	// and when a non-blocking pop finds nothing.
	ErrNotFound = errors.New("kernel: not found")

	// ErrCapacityExceeded is recorded when a dispatcher's ready queue is full.
	ErrCapacityExceeded = errors.New("kernel: capacity exceeded")

	// ErrInvalidArgument is returned for malformed or null arguments.
	ErrInvalidArgument = errors.New("kernel: invalid argument")

	// ErrKilled is returned to a task that observed a pending kill request.
	ErrKilled = errors.New("kernel: task killed")

	// ErrClosed is returned when operating on a scheduler or dispatcher that
	// has been shut down.
	ErrClosed = errors.New("kernel: closed")

	// ErrContract is the cause of every ContractError.
	ErrContract = errors.New("kernel: contract violation")
)

// Errno is the numeric error code surfaced at the syscall boundary.
type Errno int32

const (
	OK        Errno = 0
	EPERM     Errno = 1
	ENOENT    Errno = 2
	ESRCH     Errno = 3
	EINVAL    Errno = 22
	ENOSPC    Errno = 28
	EPIPE     Errno = 32
	ETIME     Errno = 62
	EKILLED   Errno = 130
	ESHUTDOWN Errno = 108
	EFAULT    Errno = 14
)

// String returns the conventional errno name.
func (x Errno) String() string {
	switch x {
	case OK:
		return "OK"
	case EPERM:
		return "EPERM"
	case ENOENT:
		return "ENOENT"
	case ESRCH:
		return "ESRCH"
	case EINVAL:
		return "EINVAL"
	case ENOSPC:
		return "ENOSPC"
	case EPIPE:
		return "EPIPE"
	case ETIME:
		return "ETIME"
	case EKILLED:
		return "EKILLED"
	case ESHUTDOWN:
		return "ESHUTDOWN"
	case EFAULT:
		return "EFAULT"
	default:
		return fmt.Sprintf("Errno(%d)", int32(x))
	}
}

var codes = [...]struct {
	err  error
	code Errno
}{
	{ErrPermissionDenied, EPERM},
	{ErrBrokenEvent, EPIPE},
	{ErrTimedOut, ETIME},
	{ErrNotFound, ENOENT},
	{ErrCapacityExceeded, ENOSPC},
	{ErrInvalidArgument, EINVAL},
	{ErrKilled, EKILLED},
	{ErrClosed, ESHUTDOWN},
	{ErrContract, EFAULT},
}

// Code maps err to its Errno. A nil error is OK, and errors outside the
// taxonomy map to EFAULT.
func Code(err error) Errno {
	if err == nil {
		return OK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return EFAULT
}

// ContractError reports a kernel programming error, e.g. a state transition
// attempted from the wrong source state.
type ContractError struct {
	Op     string
	Detail string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	if e.Detail == "" {
		return "kernel: contract violation: " + e.Op
	}
	return "kernel: contract violation: " + e.Op + ": " + e.Detail
}

// Unwrap returns ErrContract.
func (e *ContractError) Unwrap() error {
	return ErrContract
}

// Violation reports a contract violation. By default it panics with a
// *ContractError. Under the release build tag it returns the error instead,
// so the caller can take its guarded path.
func Violation(op, detail string) error {
	err := &ContractError{Op: op, Detail: detail}
	if abortOnViolation {
		panic(err)
	}
	return err
}
