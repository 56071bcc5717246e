//go:build windows && (386 || amd64)

package native

import (
	"os"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

var (
	procCreateThread = modkernel32.NewProc("CreateThread")
	procSleep        = modkernel32.NewProc("Sleep")
)

// sleeperThread starts a thread that runs kernel32!Sleep(INFINITE) and
// never touches the Go runtime, so it is safe to suspend, rewrite and
// terminate.
func sleeperThread(t *testing.T) int {
	t.Helper()
	var tid uint32
	h, _, err := procCreateThread.Call(0, 0, procSleep.Addr(), uintptr(windows.INFINITE), 0, uintptr(unsafe.Pointer(&tid)))
	if h == 0 {
		t.Fatalf("CreateThread: %v", err)
	}
	windows.CloseHandle(windows.Handle(h))
	return int(tid)
}

func attachSelf(t *testing.T, tids ...int) (*proc.Process, []*proc.Thread) {
	t.Helper()
	p, err := Attach(os.Getpid())
	require.NoError(t, err)
	t.Cleanup(func() { p.Detach() })
	threads := make([]*proc.Thread, len(tids))
	for i, tid := range tids {
		threads[i], err = p.Threads().Thread(tid)
		require.NoError(t, err)
	}
	return p, threads
}

func TestAttachEnumeratesThreads(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	self := int(windows.GetCurrentThreadId())

	p, _ := attachSelf(t, self)
	assert.Equal(t, os.Getpid(), p.Pid())
	main, err := p.Threads().MainThread()
	require.NoError(t, err)
	assert.NotContains(t, p.Threads().RemoteThreads(), main)
}

func TestSuspendResume(t *testing.T) {
	tid := sleeperThread(t)
	_, threads := attachSelf(t, tid)
	th := threads[0]
	defer th.Terminate(proc.DefaultExitCode)

	scope, err := th.Suspend()
	require.NoError(t, err)
	assert.True(t, th.IsSuspended())
	require.NoError(t, scope.Release())
	assert.False(t, th.IsSuspended())

	err = th.Resume()
	assert.ErrorIs(t, err, proc.ErrNotSuspended)
}

func TestSetInstructionPointer(t *testing.T) {
	tid := sleeperThread(t)
	_, threads := attachSelf(t, tid)
	th := threads[0]
	defer th.Terminate(proc.DefaultExitCode)

	err := th.WithSuspended(func() error {
		ctx, err := th.GetContext(winutil.ContextFull)
		if err != nil {
			return err
		}
		orig := ctx.PC()
		ctx.SetPC(0x666)
		if err := th.SetContext(ctx); err != nil {
			return err
		}
		got, err := th.GetContext(winutil.ContextFull)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(0x666), got.PC())
		got.SetPC(orig)
		return th.SetContext(got)
	})
	require.NoError(t, err)
}

func TestTlsSlotsCopy(t *testing.T) {
	a, b := sleeperThread(t), sleeperThread(t)
	_, threads := attachSelf(t, a, b)
	defer threads[0].Terminate(proc.DefaultExitCode)
	defer threads[1].Terminate(proc.DefaultExitCode)

	require.NoError(t, threads[1].Teb().WriteTlsSlots(0, []uint64{0x1123344, 0x55667788}))
	slots, err := threads[1].Teb().TlsSlots()
	require.NoError(t, err)
	require.NoError(t, threads[0].Teb().SetTlsSlots(slots))

	got, err := threads[0].Teb().TlsSlots()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1123344), got[0])
	assert.Equal(t, uint64(0x55667788), got[1])
}

func TestTebHeader(t *testing.T) {
	tid := sleeperThread(t)
	_, threads := attachSelf(t, tid)
	th := threads[0]
	defer th.Terminate(proc.DefaultExitCode)

	info, err := th.Teb().Info()
	require.NoError(t, err)
	assert.Equal(t, info.Base, info.Self)
	assert.Equal(t, uint64(os.Getpid()), info.Pid)
	assert.Equal(t, uint64(tid), info.Tid)

	ctx, err := th.SnapshotContext(winutil.ContextFull)
	require.NoError(t, err)
	assert.True(t, ctx.SP() >= info.StackLimit && ctx.SP() < info.StackBase, "sp %#x outside [%#x, %#x)", ctx.SP(), info.StackLimit, info.StackBase)

	seg := winutil.SegFs
	if winutil.Is64Bit {
		seg = winutil.SegGs
	}
	base, err := th.SegmentBase(seg, ctx)
	require.NoError(t, err)
	assert.Equal(t, info.Base, base)
}

func TestJoinAndTerminate(t *testing.T) {
	tid := sleeperThread(t)
	_, threads := attachSelf(t, tid)
	th := threads[0]

	res, err := th.Join(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, proc.JoinTimeout, res)

	require.NoError(t, th.Terminate(3))
	require.Eventually(t, th.IsTerminated, time.Second, 10*time.Millisecond)
	assert.False(t, th.IsAlive())

	res, err = th.Join(proc.Infinite)
	require.NoError(t, err)
	assert.Equal(t, proc.JoinSignaled, res)
}

func TestWaitMilliseconds(t *testing.T) {
	assert.Equal(t, uint32(windows.INFINITE), waitMilliseconds(proc.Infinite))
	assert.Equal(t, uint32(0), waitMilliseconds(0))
	assert.Equal(t, uint32(1), waitMilliseconds(time.Microsecond))
	assert.Equal(t, uint32(3000), waitMilliseconds(3*time.Second))
}
