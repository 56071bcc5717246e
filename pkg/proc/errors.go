package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSuspended is returned when an operation needs a suspended
	// thread, or when Resume is called on a thread this handle did not
	// suspend.
	ErrNotSuspended = errors.New("thread is not suspended")
	// ErrThreadExited is returned for operations on a thread that no
	// longer exists.
	ErrThreadExited = errors.New("thread has exited")
	// ErrNoContextGroups is returned when a context operation requests no
	// register group.
	ErrNoContextGroups = errors.New("no register group requested")
	// ErrZeroInstructionPointer is returned when the OS reported success
	// reading the control registers of a live thread but the instruction
	// pointer came back as zero.
	ErrZeroInstructionPointer = errors.New("instruction pointer read as zero")
	// ErrHandleClosed is returned for operations on a closed thread.
	ErrHandleClosed = errors.New("thread handle closed")
	// ErrNoTeb is returned when the OS reports a null TEB address.
	ErrNoTeb = errors.New("thread has no environment block")
	// ErrSegmentUnsupported is returned by SegmentBase for segment
	// registers whose base can not be resolved on this architecture.
	ErrSegmentUnsupported = errors.New("segment base not available")
	// ErrShortAccess is returned when the memory accessor transferred fewer
	// bytes than requested.
	ErrShortAccess = errors.New("short memory access")
)

// ThreadAccessError is returned when an operating system primitive acting
// on a thread fails. Op names the primitive (SuspendThread,
// GetThreadContext, ...) and Err is the status reported by the OS.
type ThreadAccessError struct {
	TID int
	Op  string
	Err error
}

func (e *ThreadAccessError) Error() string {
	return fmt.Sprintf("%s on thread %d failed: %v", e.Op, e.TID, e.Err)
}

func (e *ThreadAccessError) Unwrap() error {
	return e.Err
}

// InvalidArgumentError is returned when the caller supplied data that can
// not be applied, like a TLS slot array of the wrong length or an unknown
// register group.
type InvalidArgumentError struct {
	Op     string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid argument: %s", e.Op, e.Reason)
}

// InvalidStateError is returned when a precondition of an operation does
// not hold, for example resuming a thread that is not suspended.
type InvalidStateError struct {
	TID int
	Op  string
	Err error
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s on thread %d: %v", e.Op, e.TID, e.Err)
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}

// NTStatus is a status code returned by an ntdll function.
type NTStatus int32

func (s NTStatus) Error() string {
	return fmt.Sprintf("NTSTATUS %#x", uint32(s))
}

// Success reports whether s is a success or informational status.
func (s NTStatus) Success() bool {
	return s >= 0
}
