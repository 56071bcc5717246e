package proc

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

// ErrProcessDetached is returned for operations on a detached process.
var ErrProcessDetached = errors.New("process detached")

// Process is an attached target process: its backend and the registry of
// its threads.
type Process struct {
	backend  Backend
	threads  *Registry
	detached *atomic.Bool
}

// New wraps b and enumerates the threads of its process.
func New(b Backend) (*Process, error) {
	reg, err := NewRegistry(b)
	if err != nil {
		return nil, err
	}
	if err := reg.Refresh(); err != nil {
		return nil, err
	}
	return &Process{backend: b, threads: reg, detached: atomic.NewBool(false)}, nil
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.backend.Pid()
}

// Threads returns the thread registry of the process.
func (p *Process) Threads() *Registry {
	return p.threads
}

// Detached reports whether Detach has been called.
func (p *Process) Detached() bool {
	return p.detached.Load()
}

// ReadMemory reads len(buf) bytes at addr in the target process.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if p.detached.Load() {
		return 0, ErrProcessDetached
	}
	n, err := p.backend.ReadMemory(buf, addr)
	if err != nil {
		return n, fmt.Errorf("could not read %d bytes at %#x: %w", len(buf), addr, err)
	}
	return n, nil
}

// WriteMemory writes data at addr in the target process.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if p.detached.Load() {
		return 0, ErrProcessDetached
	}
	n, err := p.backend.WriteMemory(addr, data)
	if err != nil {
		return n, fmt.Errorf("could not write %d bytes at %#x: %w", len(data), addr, err)
	}
	return n, nil
}

// Detach closes every thread handle, resuming the threads this process
// still holds suspended, and releases the backend. Detach is idempotent.
func (p *Process) Detach() error {
	if !p.detached.CAS(false, true) {
		return nil
	}
	return errors.Join(p.threads.Close(), p.backend.Close())
}
