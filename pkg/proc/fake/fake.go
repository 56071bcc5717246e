// Package fake implements proc.Backend in memory. Threads, their register
// context and the environment block of each thread live in plain Go data so
// that the control layer can be exercised on any OS.
package fake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

var (
	ErrAccessDenied  = errors.New("access is denied")
	ErrInvalidHandle = errors.New("the handle is invalid")
	ErrNoSuchThread  = errors.New("no such thread")
	ErrUnmapped      = errors.New("unmapped memory")
	ErrSuspendLimit  = errors.New("suspend count limit reached")
	ErrBadSelector   = errors.New("selector not in descriptor table")
)

// MaximumSuspendCount is the largest suspend count the OS allows.
const MaximumSuspendCount = 127

const (
	tebStride = 0x2000
	pebAddr   = 0x7ffd0000
	codeBase  = 0x401000
)

// Thread is a thread of a Target.
type Thread struct {
	ID      int
	Created time.Time

	suspendCount   uint32
	ctx            *winutil.CONTEXT
	done           chan struct{}
	exited         bool
	exitCode       uint32
	teb            uint64
	terminateDelay time.Duration
}

// Target is an in-memory process implementing proc.Backend.
type Target struct {
	mu sync.Mutex

	pid     int
	threads map[int]*Thread
	order   []int

	handles    map[proc.Handle]*Thread
	nextHandle proc.Handle

	mem       memory
	nextTeb   uint64
	selectors map[uint16]uint64
	faults    map[string]error
	closed    bool
	clock     time.Time
}

// NewTarget returns a target process with no threads.
func NewTarget(pid int) *Target {
	tebBase := uint64(0x7ffdf000)
	if winutil.Is64Bit {
		tebBase = 0x7ff5ffe0000
	}
	return &Target{
		pid:        pid,
		threads:    make(map[int]*Thread),
		handles:    make(map[proc.Handle]*Thread),
		nextHandle: 0x100,
		nextTeb:    tebBase,
		selectors:  make(map[uint16]uint64),
		faults:     make(map[string]error),
		clock:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// NewProcess wraps tg into a *proc.Process. A target that was detached
// from can be attached again.
func NewProcess(tg *Target) (*proc.Process, error) {
	tg.mu.Lock()
	tg.closed = false
	tg.mu.Unlock()
	return proc.New(tg)
}

// AddThread adds a running thread. Threads added later get a later
// creation time; use SetCreationTime to change it.
func (tg *Target) AddThread(tid int) *Thread {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.clock = tg.clock.Add(time.Millisecond)
	th := &Thread{
		ID:      tid,
		Created: tg.clock,
		ctx:     winutil.NewCONTEXT(winutil.ContextAll),
		done:    make(chan struct{}),
		teb:     tg.nextTeb,
	}
	tg.nextTeb -= tebStride
	th.ctx.SetPC(codeBase + uint64(tid)*0x10)
	th.ctx.SetSP(0x100000 - uint64(tid)*0x1000)
	if old, ok := tg.threads[tid]; ok {
		// tid reuse
		tg.exitLocked(old, 0)
		for i := range tg.order {
			if tg.order[i] == tid {
				tg.order = append(tg.order[:i], tg.order[i+1:]...)
				break
			}
		}
	}
	tg.threads[tid] = th
	tg.order = append(tg.order, tid)
	tg.mapTebLocked(th)
	return th
}

func (tg *Target) mapTebLocked(th *Thread) {
	l := winutil.Teb
	data := make([]byte, l.Size())
	put := func(off uint64, v uint64) {
		if l.PointerSize == 4 {
			binary.LittleEndian.PutUint32(data[off:], uint32(v))
		} else {
			binary.LittleEndian.PutUint64(data[off:], v)
		}
	}
	put(l.ExceptionList, ^uint64(0)>>(64-8*uint(l.PointerSize)))
	put(l.StackBase, th.ctx.SP()+0x1000)
	put(l.StackLimit, th.ctx.SP()-0xf000)
	put(l.Self, th.teb)
	put(l.ClientID, uint64(tg.pid))
	put(l.ClientID+uint64(l.PointerSize), uint64(th.ID))
	put(l.Peb, pebAddr)
	tg.mem.mapRegion(th.teb, data)
}

func (tg *Target) thread(tid int) (*Thread, error) {
	th, ok := tg.threads[tid]
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", tid, ErrNoSuchThread)
	}
	return th, nil
}

// SetCreationTime overrides the creation time of thread tid.
func (tg *Target) SetCreationTime(tid int, created time.Time) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		th.Created = created
	}
}

// SetTerminateDelay makes TerminateThread on tid take effect after d.
func (tg *Target) SetTerminateDelay(tid int, d time.Duration) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		th.terminateDelay = d
	}
}

// ExitThread makes tid exit with code. Existing handles stay valid but the
// thread is no longer enumerated.
func (tg *Target) ExitThread(tid int, code uint32) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		tg.exitLocked(th, code)
	}
}

func (tg *Target) exitLocked(th *Thread, code uint32) {
	if th.exited {
		return
	}
	th.exited = true
	th.exitCode = code
	close(th.done)
}

// ExitCode returns the exit code of tid and whether it has exited.
func (tg *Target) ExitCode(tid int) (uint32, bool) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, ok := tg.threads[tid]
	if !ok || !th.exited {
		return 0, false
	}
	return th.exitCode, true
}

// OSSuspendCount returns the suspend count of tid as the OS sees it.
func (tg *Target) OSSuspendCount(tid int) uint32 {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		return th.suspendCount
	}
	return 0
}

// UpdateContext runs fn on the live register context of tid.
func (tg *Target) UpdateContext(tid int, fn func(ctx *winutil.CONTEXT)) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		fn(th.ctx)
	}
}

// Context returns a copy of the live register context of tid.
func (tg *Target) Context(tid int) *winutil.CONTEXT {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		return th.ctx.Copy()
	}
	return nil
}

// TebAddress returns the TEB address of tid.
func (tg *Target) TebAddress(tid int) uint64 {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if th, ok := tg.threads[tid]; ok {
		return th.teb
	}
	return 0
}

// SetSelectorBase adds a descriptor table entry.
func (tg *Target) SetSelectorBase(selector uint16, base uint64) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.selectors[selector] = base
}

// MapMemory maps data at addr, replacing any region starting at addr.
func (tg *Target) MapMemory(addr uint64, data []byte) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.mem.mapRegion(addr, append([]byte(nil), data...))
}

// Fail makes every later call to the backend method op return err. A nil
// err clears the fault.
func (tg *Target) Fail(op string, err error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err == nil {
		delete(tg.faults, op)
		return
	}
	tg.faults[op] = err
}

func (tg *Target) fault(op string) error {
	return tg.faults[op]
}

func (tg *Target) lookup(op string, h proc.Handle) (*Thread, error) {
	if err := tg.fault(op); err != nil {
		return nil, err
	}
	th, ok := tg.handles[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return th, nil
}

func (tg *Target) Pid() int {
	return tg.pid
}

func (tg *Target) Threads() ([]int, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := tg.fault("Threads"); err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(tg.order))
	for _, tid := range tg.order {
		if !tg.threads[tid].exited {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

func (tg *Target) OpenThread(tid int) (proc.Handle, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := tg.fault("OpenThread"); err != nil {
		return 0, err
	}
	th, err := tg.thread(tid)
	if err != nil {
		return 0, err
	}
	if th.exited {
		return 0, fmt.Errorf("thread %d: %w", tid, ErrNoSuchThread)
	}
	h := tg.nextHandle
	tg.nextHandle += 4
	tg.handles[h] = th
	return h, nil
}

func (tg *Target) CloseThread(h proc.Handle) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := tg.fault("CloseThread"); err != nil {
		return err
	}
	if _, ok := tg.handles[h]; !ok {
		return ErrInvalidHandle
	}
	delete(tg.handles, h)
	return nil
}

// Handles returns the number of open thread handles.
func (tg *Target) Handles() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return len(tg.handles)
}

func (tg *Target) SuspendThread(h proc.Handle) (uint32, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("SuspendThread", h)
	if err != nil {
		return 0, err
	}
	if th.exited {
		return 0, ErrAccessDenied
	}
	if th.suspendCount >= MaximumSuspendCount {
		return 0, ErrSuspendLimit
	}
	prev := th.suspendCount
	th.suspendCount++
	return prev, nil
}

func (tg *Target) ResumeThread(h proc.Handle) (uint32, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("ResumeThread", h)
	if err != nil {
		return 0, err
	}
	if th.exited {
		return 0, ErrAccessDenied
	}
	prev := th.suspendCount
	if prev > 0 {
		th.suspendCount--
	}
	return prev, nil
}

func (tg *Target) GetThreadContext(h proc.Handle, ctx *winutil.CONTEXT) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("GetThreadContext", h)
	if err != nil {
		return err
	}
	if th.exited {
		return ErrAccessDenied
	}
	ctx.CopyGroups(th.ctx, ctx.Flags())
	return nil
}

func (tg *Target) SetThreadContext(h proc.Handle, ctx *winutil.CONTEXT) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("SetThreadContext", h)
	if err != nil {
		return err
	}
	if th.exited {
		return ErrAccessDenied
	}
	th.ctx.CopyGroups(ctx, ctx.Flags())
	return nil
}

func (tg *Target) TerminateThread(h proc.Handle, exitCode uint32) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("TerminateThread", h)
	if err != nil {
		return err
	}
	if th.exited {
		return nil
	}
	if th.terminateDelay <= 0 {
		tg.exitLocked(th, exitCode)
		return nil
	}
	time.AfterFunc(th.terminateDelay, func() {
		tg.mu.Lock()
		defer tg.mu.Unlock()
		tg.exitLocked(th, exitCode)
	})
	return nil
}

func (tg *Target) WaitThread(h proc.Handle, timeout time.Duration) (proc.WaitStatus, error) {
	tg.mu.Lock()
	th, err := tg.lookup("WaitThread", h)
	tg.mu.Unlock()
	if err != nil {
		return 0, err
	}
	switch {
	case timeout < 0:
		<-th.done
		return proc.WaitSignaled, nil
	case timeout == 0:
		select {
		case <-th.done:
			return proc.WaitSignaled, nil
		default:
			return proc.WaitTimeout, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-th.done:
		return proc.WaitSignaled, nil
	case <-timer.C:
		return proc.WaitTimeout, nil
	}
}

func (tg *Target) ThreadCreationTime(h proc.Handle) (time.Time, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("ThreadCreationTime", h)
	if err != nil {
		return time.Time{}, err
	}
	return th.Created, nil
}

func (tg *Target) ThreadTebAddress(h proc.Handle) (uint64, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	th, err := tg.lookup("ThreadTebAddress", h)
	if err != nil {
		return 0, err
	}
	return th.teb, nil
}

func (tg *Target) ThreadSelectorBase(h proc.Handle, selector uint16) (uint64, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if _, err := tg.lookup("ThreadSelectorBase", h); err != nil {
		return 0, err
	}
	base, ok := tg.selectors[selector]
	if !ok {
		return 0, fmt.Errorf("selector %#x: %w", selector, ErrBadSelector)
	}
	return base, nil
}

func (tg *Target) ReadMemory(buf []byte, addr uint64) (int, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := tg.fault("ReadMemory"); err != nil {
		return 0, err
	}
	return tg.mem.read(buf, addr)
}

func (tg *Target) WriteMemory(addr uint64, data []byte) (int, error) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if err := tg.fault("WriteMemory"); err != nil {
		return 0, err
	}
	return tg.mem.write(addr, data)
}

// Closed reports whether the last process attached to tg has detached.
func (tg *Target) Closed() bool {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.closed
}

func (tg *Target) Close() error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.closed = true
	return nil
}

// memory is a set of non overlapping mapped regions sorted by address.
type memory struct {
	regions []region
}

type region struct {
	addr uint64
	data []byte
}

func (m *memory) mapRegion(addr uint64, data []byte) {
	for i := range m.regions {
		if m.regions[i].addr == addr {
			m.regions[i].data = data
			return
		}
	}
	m.regions = append(m.regions, region{addr, data})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].addr < m.regions[j].addr })
}

// find returns the region containing [addr, addr+size).
func (m *memory) find(addr uint64, size int) ([]byte, error) {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%#x: %w", addr, ErrUnmapped)
	}
	r := m.regions[i]
	off := addr - r.addr
	if off+uint64(size) > uint64(len(r.data)) {
		return nil, fmt.Errorf("%#x: %w", r.addr+uint64(len(r.data)), ErrUnmapped)
	}
	return r.data[off : off+uint64(size)], nil
}

func (m *memory) read(buf []byte, addr uint64) (int, error) {
	src, err := m.find(addr, len(buf))
	if err != nil {
		return 0, err
	}
	return copy(buf, src), nil
}

func (m *memory) write(addr uint64, data []byte) (int, error) {
	dst, err := m.find(addr, len(data))
	if err != nil {
		return 0, err
	}
	return copy(dst, data), nil
}
