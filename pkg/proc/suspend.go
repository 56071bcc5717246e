package proc

import (
	"errors"

	"go.uber.org/atomic"
)

// SuspendScope is one suspend credit taken by Thread.Suspend. Releasing the
// scope resumes the thread once; releasing it again is a no-op.
//
// The usual pattern is:
//
//	scope, err := t.Suspend()
//	if err != nil {
//		return err
//	}
//	defer scope.ReleaseInto(&err)
type SuspendScope struct {
	thread   *Thread
	released *atomic.Bool
}

func newSuspendScope(t *Thread) *SuspendScope {
	return &SuspendScope{thread: t, released: atomic.NewBool(false)}
}

// Thread returns the thread the scope holds suspended.
func (s *SuspendScope) Thread() *Thread {
	return s.thread
}

// Released reports whether the scope has already given back its credit.
func (s *SuspendScope) Released() bool {
	return s.released.Load()
}

// Release resumes the thread once. Only the first call resumes, later calls
// return nil.
func (s *SuspendScope) Release() error {
	if !s.released.CAS(false, true) {
		return nil
	}
	return s.thread.Resume()
}

// ReleaseInto releases the scope and folds a release failure into *errp.
// When *errp already holds an error both are kept, the original first, and
// a warning is logged so that the release failure is visible even to
// callers that only look at the first error.
func (s *SuspendScope) ReleaseInto(errp *error) {
	rerr := s.Release()
	if rerr == nil {
		return
	}
	if *errp == nil {
		*errp = rerr
		return
	}
	s.thread.log.WithError(rerr).Warn("resume failed while returning another error")
	*errp = errors.Join(*errp, rerr)
}
