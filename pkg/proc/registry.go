package proc

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/threadctl/pkg/logflags"
)

// retiredCacheSize bounds how many exited thread ids the registry
// remembers.
const retiredCacheSize = 512

// ErrNoThreads is returned by MainThread when the registry has no thread.
var ErrNoThreads = errors.New("process has no threads")

// Registry enumerates and caches the threads of the attached process.
//
// The thread set only changes on Refresh. Threads that disappear between
// two refreshes are closed and remembered so that a lookup of their id
// reports ErrThreadExited rather than an unknown thread.
type Registry struct {
	backend Backend

	mu      sync.Mutex
	threads map[int]*Thread
	order   []int // OS enumeration order
	retired *lru.Cache

	log logflags.Logger
}

// NewRegistry returns an empty registry over b. Call Refresh to populate
// it.
func NewRegistry(b Backend) (*Registry, error) {
	retired, err := lru.New(retiredCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		backend: b,
		threads: make(map[int]*Thread),
		retired: retired,
		log:     logflags.RegistryLogger().WithField("pid", b.Pid()),
	}, nil
}

// Refresh enumerates the threads of the process again. Threads already
// known keep their *Thread, and with it their suspend bookkeeping.
func (r *Registry) Refresh() error {
	tids, err := r.backend.Threads()
	if err != nil {
		return fmt.Errorf("could not enumerate threads of process %d: %w", r.backend.Pid(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int]bool, len(tids))
	order := make([]int, 0, len(tids))
	for _, tid := range tids {
		if seen[tid] {
			continue
		}
		seen[tid] = true
		if _, ok := r.threads[tid]; ok {
			order = append(order, tid)
			continue
		}
		t, err := OpenThread(r.backend, tid)
		if err != nil {
			// The thread may have exited between enumeration and open.
			r.log.WithError(err).Debugf("skipping thread %d", tid)
			continue
		}
		r.retired.Remove(tid)
		r.threads[tid] = t
		order = append(order, tid)
		if logflags.Registry() {
			r.log.Debugf("new thread %d", tid)
		}
	}

	var errs []error
	for _, tid := range r.order {
		if seen[tid] {
			continue
		}
		t := r.threads[tid]
		if t == nil {
			continue
		}
		delete(r.threads, tid)
		r.retired.Add(tid, t.CreationTime())
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
		if logflags.Registry() {
			r.log.Debugf("thread %d exited", tid)
		}
	}
	r.order = order
	return errors.Join(errs...)
}

// Threads returns every known thread in OS enumeration order.
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Thread, 0, len(r.order))
	for _, tid := range r.order {
		out = append(out, r.threads[tid])
	}
	return out
}

// Len returns the number of known threads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Thread returns the thread with id tid.
func (r *Registry) Thread(tid int) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.threads[tid]; ok {
		return t, nil
	}
	if r.retired.Contains(tid) {
		return nil, &InvalidStateError{TID: tid, Op: "Thread", Err: ErrThreadExited}
	}
	return nil, &InvalidArgumentError{Op: "Thread", Reason: fmt.Sprintf("no thread %d in process %d", tid, r.backend.Pid())}
}

func (r *Registry) mainThreadLocked() *Thread {
	var main *Thread
	for _, tid := range r.order {
		t := r.threads[tid]
		if main == nil || t.CreationTime().Before(main.CreationTime()) {
			main = t
		}
	}
	return main
}

// MainThread returns the thread with the earliest creation time among the
// known threads. Ties go to the thread enumerated first.
func (r *Registry) MainThread() (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	main := r.mainThreadLocked()
	if main == nil {
		return nil, ErrNoThreads
	}
	return main, nil
}

// RemoteThreads returns every known thread except the main one, in OS
// enumeration order.
func (r *Registry) RemoteThreads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	main := r.mainThreadLocked()
	out := make([]*Thread, 0, len(r.order))
	for _, tid := range r.order {
		if t := r.threads[tid]; t != main {
			out = append(out, t)
		}
	}
	return out
}

// Close closes every thread handle. Suspend credits still held are given
// back first.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, tid := range r.order {
		if err := r.threads[tid].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.threads = make(map[int]*Thread)
	r.order = nil
	r.retired.Purge()
	return errors.Join(errs...)
}
