//go:build windows && (386 || amd64)

package native

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/threadctl/pkg/logflags"
	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

// windowsProcess implements proc.Backend over the Win32 thread API.
type windowsProcess struct {
	pid      int
	hProcess windows.Handle

	mu     sync.Mutex
	closed bool

	log logflags.Logger
}

// Attach opens the process pid for thread control and enumerates its
// threads. The process keeps running.
func Attach(pid int) (*proc.Process, error) {
	b, err := newWindowsProcess(pid)
	if err != nil {
		return nil, err
	}
	p, err := proc.New(b)
	if err != nil {
		b.Close()
		return nil, err
	}
	return p, nil
}

func newWindowsProcess(pid int) (*windowsProcess, error) {
	h, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("could not attach to process %d: %w", pid, err)
	}
	return &windowsProcess{
		pid:      pid,
		hProcess: h,
		log:      logflags.NativeLogger().WithField("pid", pid),
	}, nil
}

func (p *windowsProcess) Pid() int {
	return p.pid
}

// Threads lists the threads of the process through a toolhelp snapshot.
func (p *windowsProcess) Threads() ([]int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ThreadEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	var tids []int
	err = windows.Thread32First(snap, &entry)
	for err == nil {
		if int(entry.OwnerProcessID) == p.pid {
			tids = append(tids, int(entry.ThreadID))
		}
		err = windows.Thread32Next(snap, &entry)
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, fmt.Errorf("Thread32Next: %w", err)
	}
	if logflags.Native() {
		p.log.Debugf("enumerated %d threads", len(tids))
	}
	return tids, nil
}

func (p *windowsProcess) OpenThread(tid int) (proc.Handle, error) {
	h, err := windows.OpenThread(threadAccess, false, uint32(tid))
	if err != nil {
		return 0, err
	}
	if logflags.Native() {
		p.log.Debugf("OpenThread(%d) = %#x", tid, h)
	}
	return proc.Handle(h), nil
}

func (p *windowsProcess) CloseThread(h proc.Handle) error {
	return windows.CloseHandle(windows.Handle(h))
}

func (p *windowsProcess) SuspendThread(h proc.Handle) (uint32, error) {
	return _SuspendThread(windows.Handle(h))
}

func (p *windowsProcess) ResumeThread(h proc.Handle) (uint32, error) {
	return _ResumeThread(windows.Handle(h))
}

func (p *windowsProcess) GetThreadContext(h proc.Handle, ctx *winutil.CONTEXT) error {
	return _GetThreadContext(windows.Handle(h), ctx)
}

func (p *windowsProcess) SetThreadContext(h proc.Handle, ctx *winutil.CONTEXT) error {
	return _SetThreadContext(windows.Handle(h), ctx)
}

func (p *windowsProcess) TerminateThread(h proc.Handle, exitCode uint32) error {
	return _TerminateThread(windows.Handle(h), exitCode)
}

// waitMilliseconds converts timeout for WaitForSingleObject, rounding up so
// that a positive timeout never becomes a poll.
func waitMilliseconds(timeout time.Duration) uint32 {
	if timeout < 0 {
		return windows.INFINITE
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms >= windows.INFINITE {
		return windows.INFINITE - 1
	}
	return uint32(ms)
}

func (p *windowsProcess) WaitThread(h proc.Handle, timeout time.Duration) (proc.WaitStatus, error) {
	ev, err := windows.WaitForSingleObject(windows.Handle(h), waitMilliseconds(timeout))
	switch ev {
	case windows.WAIT_OBJECT_0:
		return proc.WaitSignaled, nil
	case uint32(windows.WAIT_TIMEOUT):
		return proc.WaitTimeout, nil
	}
	if err == nil {
		err = fmt.Errorf("unexpected wait result %#x", ev)
	}
	return 0, err
}

func (p *windowsProcess) ThreadCreationTime(h proc.Handle) (time.Time, error) {
	var creation, exit, kernel, user windows.Filetime
	if err := _GetThreadTimes(windows.Handle(h), &creation, &exit, &kernel, &user); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, creation.Nanoseconds()), nil
}

func (p *windowsProcess) ThreadTebAddress(h proc.Handle) (uint64, error) {
	var info _THREAD_BASIC_INFORMATION
	status := _NtQueryInformationThread(windows.Handle(h), _ThreadBasicInformation, uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)), nil)
	if !status.Success() {
		return 0, status
	}
	return uint64(info.TebBaseAddress), nil
}

func (p *windowsProcess) ThreadSelectorBase(h proc.Handle, selector uint16) (uint64, error) {
	var entry _LDT_ENTRY
	if err := _GetThreadSelectorEntry(windows.Handle(h), uint32(selector), &entry); err != nil {
		return 0, err
	}
	return entry.base(), nil
}

// ReadMemory reads len(buf) bytes at addr into buf.
func (p *windowsProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(p.hProcess, uintptr(addr), &buf[0], uintptr(len(buf)), &n)
	return int(n), err
}

// WriteMemory writes the contents of data at addr.
func (p *windowsProcess) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(p.hProcess, uintptr(addr), &data[0], uintptr(len(data)), &n)
	return int(n), err
}

func (p *windowsProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return windows.CloseHandle(p.hProcess)
}
