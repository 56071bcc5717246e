package proc

import (
	"time"

	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

// Handle is an operating system handle to a thread of the target process.
type Handle uintptr

// WaitStatus is the outcome of waiting on a thread handle.
type WaitStatus uint8

const (
	// WaitSignaled means the thread terminated.
	WaitSignaled WaitStatus = iota
	// WaitTimeout means the timeout elapsed first.
	WaitTimeout
)

// Infinite can be passed as a timeout to wait without a time limit.
const Infinite time.Duration = -1

// MemoryReadWriter is an interface for reading or writing to
// the target's memory.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Backend is the operating system boundary used by Thread, TebView and
// Registry. A Backend is bound to a single attached process.
//
// Every method maps to one OS primitive and must not retry: a remote thread
// may change state between two attempts.
type Backend interface {
	MemoryReadWriter

	// Pid returns the id of the attached process.
	Pid() int
	// Threads lists the ids of the threads of the process, in the order the
	// OS reports them.
	Threads() ([]int, error)

	OpenThread(tid int) (Handle, error)
	CloseThread(h Handle) error

	// SuspendThread and ResumeThread return the suspend count the thread
	// had before the call.
	SuspendThread(h Handle) (uint32, error)
	ResumeThread(h Handle) (uint32, error)

	// GetThreadContext fills the groups requested by ctx.Flags().
	GetThreadContext(h Handle, ctx *winutil.CONTEXT) error
	// SetThreadContext writes only the groups requested by ctx.Flags().
	SetThreadContext(h Handle, ctx *winutil.CONTEXT) error

	// TerminateThread requests termination and returns without waiting.
	TerminateThread(h Handle, exitCode uint32) error
	// WaitThread waits until the thread terminates or timeout elapses. A
	// negative timeout waits forever.
	WaitThread(h Handle, timeout time.Duration) (WaitStatus, error)

	ThreadCreationTime(h Handle) (time.Time, error)
	// ThreadTebAddress returns the address of the thread environment block.
	ThreadTebAddress(h Handle) (uint64, error)
	// ThreadSelectorBase returns the linear base address of the descriptor
	// table entry selected by selector, as seen by the thread.
	ThreadSelectorBase(h Handle, selector uint16) (uint64, error)

	// Close releases the process handle.
	Close() error
}
