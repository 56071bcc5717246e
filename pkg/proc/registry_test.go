package proc_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/fake"
)

func threadIDs(threads []*proc.Thread) []int {
	ids := make([]int, len(threads))
	for i, th := range threads {
		ids[i] = th.ID
	}
	return ids
}

func TestMainThreadIsEarliestCreated(t *testing.T) {
	tg := fake.NewTarget(testPid)
	tg.AddThread(30)
	tg.AddThread(10)
	tg.AddThread(20)
	tg.SetCreationTime(20, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := fake.NewProcess(tg)
	require.NoError(t, err)
	defer p.Detach()

	main, err := p.Threads().MainThread()
	require.NoError(t, err)
	assert.Equal(t, 20, main.ID)
	assert.Equal(t, []int{30, 10}, threadIDs(p.Threads().RemoteThreads()))
	assert.Equal(t, []int{30, 10, 20}, threadIDs(p.Threads().Threads()))
}

func TestMainThreadTieGoesToEnumerationOrder(t *testing.T) {
	tg := fake.NewTarget(testPid)
	created := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tid := range []int{7, 3, 5} {
		tg.AddThread(tid)
		tg.SetCreationTime(tid, created)
	}
	p, err := fake.NewProcess(tg)
	require.NoError(t, err)
	defer p.Detach()

	main, err := p.Threads().MainThread()
	require.NoError(t, err)
	assert.Equal(t, 7, main.ID)
	assert.Equal(t, []int{3, 5}, threadIDs(p.Threads().RemoteThreads()))
}

func TestMainThreadStableAcrossLaterExits(t *testing.T) {
	tg, p := withTarget(t, 1, 2, 3)
	reg := p.Threads()

	tg.ExitThread(3, 0)
	tg.AddThread(4)
	require.NoError(t, reg.Refresh())

	main, err := reg.MainThread()
	require.NoError(t, err)
	assert.Equal(t, 1, main.ID)
	assert.Equal(t, []int{2, 4}, threadIDs(reg.RemoteThreads()))
}

func TestRefreshKeepsThreadState(t *testing.T) {
	tg, p := withTarget(t, 1, 2)
	reg := p.Threads()
	before, err := reg.Thread(2)
	require.NoError(t, err)
	scope, err := before.Suspend()
	require.NoError(t, err)
	defer scope.Release()

	tg.AddThread(3)
	require.NoError(t, reg.Refresh())
	assert.Equal(t, 3, reg.Len())

	after, err := reg.Thread(2)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.True(t, after.IsSuspended())

	_, err = reg.Thread(3)
	assert.NoError(t, err)
}

func TestRefreshRetiresExitedThreads(t *testing.T) {
	tg, p := withTarget(t, 1, 2)
	reg := p.Threads()
	handles := tg.Handles()

	tg.ExitThread(2, 0)
	require.NoError(t, reg.Refresh())
	assert.Equal(t, handles-1, tg.Handles())

	_, err := reg.Thread(2)
	var stateErr *proc.InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	assert.ErrorIs(t, err, proc.ErrThreadExited)

	_, err = reg.Thread(99)
	var argErr *proc.InvalidArgumentError
	assert.True(t, errors.As(err, &argErr))

	// a reused id is a new thread
	tg.AddThread(2)
	require.NoError(t, reg.Refresh())
	th, err := reg.Thread(2)
	require.NoError(t, err)
	assert.True(t, th.IsAlive())
}

func TestRefreshFailure(t *testing.T) {
	tg, p := withTarget(t, 1)
	tg.Fail("Threads", fake.ErrAccessDenied)
	err := p.Threads().Refresh()
	assert.ErrorIs(t, err, fake.ErrAccessDenied)
	assert.Equal(t, 1, p.Threads().Len())
}

func TestRefreshSkipsUnopenableThreads(t *testing.T) {
	tg := fake.NewTarget(testPid)
	tg.AddThread(1)
	tg.Fail("OpenThread", fake.ErrAccessDenied)
	p, err := fake.NewProcess(tg)
	require.NoError(t, err)
	defer p.Detach()

	assert.Zero(t, p.Threads().Len())
	_, err = p.Threads().MainThread()
	assert.ErrorIs(t, err, proc.ErrNoThreads)

	tg.Fail("OpenThread", nil)
	require.NoError(t, p.Threads().Refresh())
	assert.Equal(t, 1, p.Threads().Len())
}

func TestDetachReleasesEverything(t *testing.T) {
	tg, p := withTarget(t, 1, 2)
	th, err := p.Threads().Thread(2)
	require.NoError(t, err)
	_, err = th.Suspend()
	require.NoError(t, err)

	require.NoError(t, p.Detach())
	assert.True(t, p.Detached())
	assert.Equal(t, uint32(0), tg.OSSuspendCount(2))
	assert.Zero(t, tg.Handles())
	assert.Zero(t, p.Threads().Len())
	require.NoError(t, p.Detach())

	_, err = p.ReadMemory(make([]byte, 4), tg.TebAddress(1))
	assert.ErrorIs(t, err, proc.ErrProcessDetached)
}

func TestProcessMemory(t *testing.T) {
	tg, p := withTarget(t, 1)
	tg.MapMemory(0x10000, make([]byte, 16))

	n, err := p.WriteMemory(0x10004, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 8)
	_, err = p.ReadMemory(buf, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, buf)

	_, err = p.ReadMemory(buf, 0x1000c)
	assert.ErrorIs(t, err, fake.ErrUnmapped)
}
