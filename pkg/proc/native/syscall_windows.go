//go:build windows && (386 || amd64)

package native

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

type _CLIENT_ID struct {
	UniqueProcess windows.Handle
	UniqueThread  windows.Handle
}

type _THREAD_BASIC_INFORMATION struct {
	ExitStatus     proc.NTStatus
	TebBaseAddress uintptr
	ClientId       _CLIENT_ID
	AffinityMask   uintptr
	Priority       int32
	BasePriority   int32
}

// _LDT_ENTRY tracks the LDT_ENTRY windows struct, the Bytes union is
// flattened.
type _LDT_ENTRY struct {
	LimitLow uint16
	BaseLow  uint16
	BaseMid  uint8
	Flags1   uint8
	Flags2   uint8
	BaseHi   uint8
}

func (e *_LDT_ENTRY) base() uint64 {
	return uint64(e.BaseLow) | uint64(e.BaseMid)<<16 | uint64(e.BaseHi)<<24
}

const (
	_ThreadBasicInformation = 0

	_THREAD_TERMINATE         = 0x0001
	_THREAD_SUSPEND_RESUME    = 0x0002
	_THREAD_GET_CONTEXT       = 0x0008
	_THREAD_SET_CONTEXT       = 0x0010
	_THREAD_QUERY_INFORMATION = 0x0040
	_SYNCHRONIZE              = 0x00100000

	threadAccess = _THREAD_TERMINATE | _THREAD_SUSPEND_RESUME | _THREAD_GET_CONTEXT |
		_THREAD_SET_CONTEXT | _THREAD_QUERY_INFORMATION | _SYNCHRONIZE

	processAccess = windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE |
		windows.PROCESS_VM_OPERATION | windows.PROCESS_QUERY_INFORMATION

	failDWORD = 0xffffffff
)

var (
	modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
	modntdll    = windows.NewLazySystemDLL("ntdll.dll")

	procSuspendThread            = modkernel32.NewProc("SuspendThread")
	procResumeThread             = modkernel32.NewProc("ResumeThread")
	procGetThreadContext         = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext         = modkernel32.NewProc("SetThreadContext")
	procTerminateThread          = modkernel32.NewProc("TerminateThread")
	procGetThreadTimes           = modkernel32.NewProc("GetThreadTimes")
	procGetThreadSelectorEntry   = modkernel32.NewProc("GetThreadSelectorEntry")
	procNtQueryInformationThread = modntdll.NewProc("NtQueryInformationThread")
)

// errnoErr returns the errno carried by e, or EINVAL when the call failed
// without setting one.
func errnoErr(e error) error {
	if errno, ok := e.(syscall.Errno); ok && errno != 0 {
		return errno
	}
	return syscall.EINVAL
}

func _SuspendThread(thread windows.Handle) (uint32, error) {
	r0, _, e1 := procSuspendThread.Call(uintptr(thread))
	if uint32(r0) == failDWORD {
		return 0, errnoErr(e1)
	}
	return uint32(r0), nil
}

func _ResumeThread(thread windows.Handle) (uint32, error) {
	r0, _, e1 := procResumeThread.Call(uintptr(thread))
	if uint32(r0) == failDWORD {
		return 0, errnoErr(e1)
	}
	return uint32(r0), nil
}

func _GetThreadContext(thread windows.Handle, context *winutil.CONTEXT) error {
	r1, _, e1 := procGetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _SetThreadContext(thread windows.Handle, context *winutil.CONTEXT) error {
	r1, _, e1 := procSetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(context)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _TerminateThread(thread windows.Handle, exitCode uint32) error {
	r1, _, e1 := procTerminateThread.Call(uintptr(thread), uintptr(exitCode))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _GetThreadTimes(thread windows.Handle, creation, exit, kernel, user *windows.Filetime) error {
	r1, _, e1 := procGetThreadTimes.Call(uintptr(thread),
		uintptr(unsafe.Pointer(creation)), uintptr(unsafe.Pointer(exit)),
		uintptr(unsafe.Pointer(kernel)), uintptr(unsafe.Pointer(user)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _GetThreadSelectorEntry(thread windows.Handle, selector uint32, entry *_LDT_ENTRY) error {
	r1, _, e1 := procGetThreadSelectorEntry.Call(uintptr(thread), uintptr(selector), uintptr(unsafe.Pointer(entry)))
	if r1 == 0 {
		return errnoErr(e1)
	}
	return nil
}

func _NtQueryInformationThread(thread windows.Handle, infoclass int32, info uintptr, infolen uint32, retlen *uint32) proc.NTStatus {
	r0, _, _ := procNtQueryInformationThread.Call(uintptr(thread), uintptr(infoclass), info, uintptr(infolen), uintptr(unsafe.Pointer(retlen)))
	return proc.NTStatus(int32(r0))
}
