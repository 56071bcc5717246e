package proc

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/go-delve/threadctl/pkg/logflags"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

// DefaultExitCode is the exit code used by Terminate when the caller has no
// specific one.
const DefaultExitCode uint32 = 0

// JoinResult is the outcome of Thread.Join.
type JoinResult uint8

const (
	// JoinSignaled means the thread terminated before the timeout.
	JoinSignaled JoinResult = iota
	// JoinTimeout means the timeout elapsed and the thread is still running.
	JoinTimeout
	// JoinFailed means the wait itself failed, the accompanying error says
	// why.
	JoinFailed
)

func (r JoinResult) String() string {
	switch r {
	case JoinSignaled:
		return "signaled"
	case JoinTimeout:
		return "timeout"
	case JoinFailed:
		return "failed"
	}
	return fmt.Sprintf("JoinResult(%d)", uint8(r))
}

// Thread is a handle to a single thread of the attached process.
//
// Suspend state and register context are exclusive resources: a Thread
// assumes its callers serialize Suspend, Resume, SetContext and Terminate.
// Queries such as IsAlive and IsSuspended may be called concurrently.
type Thread struct {
	ID int

	backend Backend
	handle  Handle
	created time.Time

	suspendCount       *atomic.Int32
	terminateRequested *atomic.Bool
	closed             *atomic.Bool

	teb *TebView
	log logflags.Logger
}

// OpenThread opens the thread tid of the process behind b.
func OpenThread(b Backend, tid int) (*Thread, error) {
	h, err := b.OpenThread(tid)
	if err != nil {
		return nil, &ThreadAccessError{TID: tid, Op: "OpenThread", Err: err}
	}
	created, err := b.ThreadCreationTime(h)
	if err != nil {
		b.CloseThread(h)
		return nil, &ThreadAccessError{TID: tid, Op: "GetThreadTimes", Err: err}
	}
	t := &Thread{
		ID:                 tid,
		backend:            b,
		handle:             h,
		created:            created,
		suspendCount:       atomic.NewInt32(0),
		terminateRequested: atomic.NewBool(false),
		closed:             atomic.NewBool(false),
		log:                logflags.ThreadLogger().WithField("tid", tid),
	}
	t.teb = newTebView(t)
	return t, nil
}

// CreationTime returns the time the thread was created.
func (t *Thread) CreationTime() time.Time {
	return t.created
}

// Teb returns the view over the thread environment block of t.
func (t *Thread) Teb() *TebView {
	return t.teb
}

func (t *Thread) checkOpen(op string) error {
	if t.closed.Load() {
		return &InvalidStateError{TID: t.ID, Op: op, Err: ErrHandleClosed}
	}
	return nil
}

func (t *Thread) alive() (bool, error) {
	st, err := t.backend.WaitThread(t.handle, 0)
	if err != nil {
		return false, err
	}
	return st == WaitTimeout, nil
}

// IsAlive returns true until the thread has exited, either naturally or
// after Terminate.
func (t *Thread) IsAlive() bool {
	if t.closed.Load() {
		return false
	}
	alive, err := t.alive()
	if err != nil {
		t.log.WithError(err).Debug("could not query thread state")
		return false
	}
	return alive
}

// IsTerminated returns true once a Terminate request has completed, that
// is the OS reports the thread as gone.
func (t *Thread) IsTerminated() bool {
	return t.terminateRequested.Load() && !t.IsAlive()
}

// IsSuspended returns true if this handle holds at least one suspend
// credit on the thread. Suspends issued by other parties are not counted.
func (t *Thread) IsSuspended() bool {
	return t.suspendCount.Load() > 0
}

// SuspendCount returns the number of suspend credits this handle holds.
func (t *Thread) SuspendCount() int {
	return int(t.suspendCount.Load())
}

// Suspend increments the suspend count of the thread. The returned scope
// resumes the thread once when released; suspends stack, so every scope
// must be released.
func (t *Thread) Suspend() (*SuspendScope, error) {
	if err := t.checkOpen("SuspendThread"); err != nil {
		return nil, err
	}
	prev, err := t.backend.SuspendThread(t.handle)
	if err != nil {
		return nil, &ThreadAccessError{TID: t.ID, Op: "SuspendThread", Err: err}
	}
	n := t.suspendCount.Inc()
	if logflags.Thread() {
		t.log.Debugf("suspended (os count %d, held %d)", prev+1, n)
	}
	return newSuspendScope(t), nil
}

// Resume releases one suspend credit held by this handle. Resuming a
// thread with no credit returns an *InvalidStateError wrapping
// ErrNotSuspended and leaves the OS suspend count untouched.
func (t *Thread) Resume() error {
	if err := t.checkOpen("ResumeThread"); err != nil {
		return err
	}
	for {
		n := t.suspendCount.Load()
		if n <= 0 {
			return &InvalidStateError{TID: t.ID, Op: "ResumeThread", Err: ErrNotSuspended}
		}
		if t.suspendCount.CAS(n, n-1) {
			break
		}
	}
	prev, err := t.backend.ResumeThread(t.handle)
	if err != nil {
		// A credit on an exited thread is meaningless, keep it only if the
		// thread can still be resumed later.
		if alive, aerr := t.alive(); aerr == nil && alive {
			t.suspendCount.Inc()
		}
		return &ThreadAccessError{TID: t.ID, Op: "ResumeThread", Err: err}
	}
	if logflags.Thread() {
		t.log.Debugf("resumed (os count %d, held %d)", prev-1, t.suspendCount.Load())
	}
	return nil
}

// Terminate asks the OS to terminate the thread. It does not wait, use Join
// or IsTerminated to observe the termination.
func (t *Thread) Terminate(exitCode uint32) error {
	if err := t.checkOpen("TerminateThread"); err != nil {
		return err
	}
	if err := t.backend.TerminateThread(t.handle, exitCode); err != nil {
		return &ThreadAccessError{TID: t.ID, Op: "TerminateThread", Err: err}
	}
	t.terminateRequested.Store(true)
	t.log.Debugf("terminate requested with exit code %d", exitCode)
	return nil
}

// Join blocks until the thread terminates or timeout elapses, a negative
// timeout waits forever. The error is non-nil only for JoinFailed.
//
// Join blocks the calling goroutine inside the OS wait primitive, callers
// must not hold locks other goroutines need for the duration of the call.
func (t *Thread) Join(timeout time.Duration) (JoinResult, error) {
	if err := t.checkOpen("WaitForSingleObject"); err != nil {
		return JoinFailed, err
	}
	st, err := t.backend.WaitThread(t.handle, timeout)
	if err != nil {
		return JoinFailed, &ThreadAccessError{TID: t.ID, Op: "WaitForSingleObject", Err: err}
	}
	if st == WaitTimeout {
		return JoinTimeout, nil
	}
	return JoinSignaled, nil
}

// contextPrecondition checks that a context operation requesting flags can
// be issued to the OS.
func (t *Thread) contextPrecondition(op string, flags winutil.ContextFlags, supported winutil.ContextFlags) error {
	if err := t.checkOpen(op); err != nil {
		return err
	}
	if !flags.Valid() {
		return &InvalidArgumentError{Op: op, Reason: fmt.Sprintf("unknown register groups %#x", uint32(flags&^winutil.ContextAll))}
	}
	if flags&supported == 0 {
		return &InvalidStateError{TID: t.ID, Op: op, Err: ErrNoContextGroups}
	}
	alive, err := t.alive()
	if err != nil {
		return &ThreadAccessError{TID: t.ID, Op: op, Err: err}
	}
	if !alive {
		return &InvalidStateError{TID: t.ID, Op: op, Err: ErrThreadExited}
	}
	if !t.IsSuspended() {
		return &ThreadAccessError{TID: t.ID, Op: op, Err: ErrNotSuspended}
	}
	return nil
}

// GetContext reads the register groups in flags. The thread must be
// suspended through this handle. Groups the build architecture does not
// have are ignored.
func (t *Thread) GetContext(flags winutil.ContextFlags) (*winutil.CONTEXT, error) {
	ctx := winutil.NewCONTEXT(flags)
	if err := t.contextPrecondition("GetThreadContext", flags, ctx.SupportedGroups()); err != nil {
		return nil, err
	}
	if err := t.backend.GetThreadContext(t.handle, ctx); err != nil {
		return nil, &ThreadAccessError{TID: t.ID, Op: "GetThreadContext", Err: err}
	}
	if ctx.Flags()&winutil.ContextControl != 0 && ctx.PC() == 0 {
		return nil, &ThreadAccessError{TID: t.ID, Op: "GetThreadContext", Err: ErrZeroInstructionPointer}
	}
	return ctx, nil
}

// SetContext writes the register groups requested by ctx back to the
// thread. The thread must be suspended through this handle.
//
// SetContext is not transactional: if the OS fails partway through, the
// live register set may be partially updated.
func (t *Thread) SetContext(ctx *winutil.CONTEXT) error {
	if ctx == nil {
		return &InvalidArgumentError{Op: "SetThreadContext", Reason: "nil context"}
	}
	if err := t.contextPrecondition("SetThreadContext", ctx.Flags(), ctx.SupportedGroups()); err != nil {
		return err
	}
	if err := t.backend.SetThreadContext(t.handle, ctx); err != nil {
		return &ThreadAccessError{TID: t.ID, Op: "SetThreadContext", Err: err}
	}
	if logflags.Thread() {
		t.log.Debugf("context written (%s), pc=%#x", ctx.Flags(), ctx.PC())
	}
	return nil
}

// SnapshotContext suspends the thread, reads the register groups in flags
// and resumes it.
func (t *Thread) SnapshotContext(flags winutil.ContextFlags) (ctx *winutil.CONTEXT, err error) {
	scope, err := t.Suspend()
	if err != nil {
		return nil, err
	}
	defer scope.ReleaseInto(&err)
	return t.GetContext(flags)
}

// WithSuspended suspends the thread, runs fn and resumes the thread on every
// exit path of fn, panics included.
func (t *Thread) WithSuspended(fn func() error) (err error) {
	scope, err := t.Suspend()
	if err != nil {
		return err
	}
	defer scope.ReleaseInto(&err)
	return fn()
}

// SegmentBase returns the linear address the segment register seg of ctx
// points to. ctx must have been read from t with the group holding seg.
//
// On x64 only GS has a meaningful base, which is the TEB address.
func (t *Thread) SegmentBase(seg winutil.SegmentRegister, ctx *winutil.CONTEXT) (uint64, error) {
	const op = "GetThreadSelectorEntry"
	if err := t.checkOpen(op); err != nil {
		return 0, err
	}
	group := winutil.ContextSegments
	if seg == winutil.SegCs || seg == winutil.SegSs {
		group = winutil.ContextControl
	}
	if ctx == nil || ctx.Flags()&group == 0 {
		return 0, &InvalidArgumentError{Op: op, Reason: fmt.Sprintf("context does not hold the %s register", seg)}
	}
	if winutil.Is64Bit {
		if seg != winutil.SegGs {
			return 0, &ThreadAccessError{TID: t.ID, Op: op, Err: ErrSegmentUnsupported}
		}
		return t.teb.Base()
	}
	base, err := t.backend.ThreadSelectorBase(t.handle, ctx.Segment(seg))
	if err != nil {
		return 0, &ThreadAccessError{TID: t.ID, Op: op, Err: err}
	}
	return base, nil
}

// Close releases the OS handle. Suspend credits still held are given back
// first so that the thread is not left frozen. If a resume fails while the
// thread is still alive the handle stays open, with the remaining credits,
// and the error is returned so that Close can be retried.
func (t *Thread) Close() error {
	for t.IsSuspended() && !t.closed.Load() {
		t.log.Warnf("closing thread with %d suspend credits held, resuming", t.suspendCount.Load())
		if err := t.Resume(); err != nil {
			if alive, aerr := t.alive(); aerr != nil || alive {
				return err
			}
			// Credits on an exited thread are meaningless.
			t.suspendCount.Store(0)
			return t.closeHandle(err)
		}
	}
	return t.closeHandle(nil)
}

func (t *Thread) closeHandle(resumeErr error) error {
	errs := []error{resumeErr}
	if !t.closed.CAS(false, true) {
		return resumeErr
	}
	if err := t.backend.CloseThread(t.handle); err != nil {
		errs = append(errs, &ThreadAccessError{TID: t.ID, Op: "CloseHandle", Err: err})
	}
	return errors.Join(errs...)
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d", t.ID)
}
