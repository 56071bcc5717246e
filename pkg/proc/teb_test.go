package proc_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/fake"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

func TestTlsSlotsCopiedBetweenThreads(t *testing.T) {
	_, p := withTarget(t, 100, 101)
	a, err := p.Threads().Thread(100)
	require.NoError(t, err)
	b, err := p.Threads().Thread(101)
	require.NoError(t, err)

	require.NoError(t, b.Teb().WriteTlsSlots(0, []uint64{0x1123344, 0x55667788}))

	slots, err := b.Teb().TlsSlots()
	require.NoError(t, err)
	require.NoError(t, a.Teb().SetTlsSlots(slots))

	got, err := a.Teb().TlsSlots()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1123344), got[0])
	assert.Equal(t, uint64(0x55667788), got[1])
	assert.Equal(t, slots, got)
}

func TestTlsSlotsRoundTrip(t *testing.T) {
	_, p := withTarget(t, 100)
	teb := mainThread(t, p).Teb()

	for _, n := range []int{1, 7, winutil.TlsSlotCount} {
		vals := make([]uint64, n)
		for i := range vals {
			vals[i] = uint64(0x1000*n + i + 1)
		}
		require.NoError(t, teb.WriteTlsSlots(0, vals))
		got, err := teb.TlsSlots()
		require.NoError(t, err)
		require.Len(t, got, winutil.TlsSlotCount)
		assert.Equal(t, vals, got[:n], "n=%d", n)
	}

	require.NoError(t, teb.SetTlsSlot(5, 0xabc))
	v, err := teb.TlsSlot(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabc), v)
}

func TestTlsSlotsLengthMismatch(t *testing.T) {
	_, p := withTarget(t, 100)
	teb := mainThread(t, p).Teb()
	require.NoError(t, teb.SetTlsSlot(2, 0x77))

	var argErr *proc.InvalidArgumentError
	err := teb.SetTlsSlots([]uint64{1, 2})
	require.True(t, errors.As(err, &argErr))
	assert.Equal(t, "SetTlsSlots", argErr.Op)

	err = teb.WriteTlsSlots(winutil.TlsSlotCount-1, []uint64{1, 2})
	require.True(t, errors.As(err, &argErr))

	err = teb.WriteTlsSlots(-1, []uint64{1})
	require.True(t, errors.As(err, &argErr))

	_, err = teb.TlsSlot(winutil.TlsSlotCount)
	require.True(t, errors.As(err, &argErr))

	// nothing was written by the rejected calls
	v, err := teb.TlsSlot(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x77), v)
	v, err = teb.TlsSlot(winutil.TlsSlotCount - 1)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestTlsSlotValueTooWide(t *testing.T) {
	if winutil.Is64Bit {
		t.Skip("slots are 64 bits wide")
	}
	_, p := withTarget(t, 100)
	err := mainThread(t, p).Teb().SetTlsSlot(0, 1<<40)
	var argErr *proc.InvalidArgumentError
	assert.True(t, errors.As(err, &argErr))
}

func TestTebHeader(t *testing.T) {
	tg, p := withTarget(t, 100)
	teb := mainThread(t, p).Teb()

	info, err := teb.Info()
	require.NoError(t, err)
	assert.Equal(t, tg.TebAddress(100), info.Base)
	assert.Equal(t, info.Base, info.Self)
	assert.Equal(t, uint64(testPid), info.Pid)
	assert.Equal(t, uint64(100), info.Tid)
	assert.NotZero(t, info.Peb)
	assert.Greater(t, info.StackBase, info.StackLimit)
	assert.Zero(t, info.LastError)
}

func TestTebBaseCached(t *testing.T) {
	tg, p := withTarget(t, 100)
	teb := mainThread(t, p).Teb()

	base, err := teb.Base()
	require.NoError(t, err)
	tg.Fail("ThreadTebAddress", fake.ErrAccessDenied)
	again, err := teb.Base()
	require.NoError(t, err)
	assert.Equal(t, base, again)
}

func TestTebAccessFailures(t *testing.T) {
	tg, p := withTarget(t, 100, 101)
	a, err := p.Threads().Thread(100)
	require.NoError(t, err)
	b, err := p.Threads().Thread(101)
	require.NoError(t, err)

	tg.Fail("ThreadTebAddress", fake.ErrAccessDenied)
	_, err = b.Teb().TlsSlots()
	var accessErr *proc.ThreadAccessError
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "NtQueryInformationThread", accessErr.Op)
	tg.Fail("ThreadTebAddress", nil)

	tg.Fail("ReadMemory", fake.ErrUnmapped)
	_, err = a.Teb().TlsSlots()
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "ReadProcessMemory", accessErr.Op)
	assert.ErrorIs(t, err, fake.ErrUnmapped)
	tg.Fail("ReadMemory", nil)

	tg.Fail("WriteMemory", fake.ErrAccessDenied)
	err = a.Teb().SetTlsSlot(0, 1)
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, "WriteProcessMemory", accessErr.Op)
}
