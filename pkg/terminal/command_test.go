package terminal

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/threadctl/pkg/config"
	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/fake"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

const testPid = 4242

type FakeTerminal struct {
	*Term
	tg  *fake.Target
	out *bytes.Buffer
	t   testing.TB
}

func withTestTerminal(t *testing.T, conf *config.Config, tids ...int) *FakeTerminal {
	t.Helper()
	tg := fake.NewTarget(testPid)
	for _, tid := range tids {
		tg.AddThread(tid)
	}
	p, err := fake.NewProcess(tg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Detach() })
	out := new(bytes.Buffer)
	return &FakeTerminal{Term: newTerm(p, conf, out, true), tg: tg, out: out, t: t}
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.Call(cmdstr)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	out, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return out
}

func TestCommandDefault(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	_, err := ft.Exec("nonexistent-command")
	assert.Equal(t, noCmdError, err)

	out := ft.MustExec("")
	assert.Empty(t, out)
}

func TestHelp(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	out := ft.MustExec("help")
	assert.Contains(t, out, "Listing and selecting threads")
	assert.Contains(t, out, "suspend")
	assert.Contains(t, out, "disassemble (alias: disasm)")

	out = ft.MustExec("help settls")
	assert.Contains(t, out, "settls <index> <value>")
}

func TestMergeAliases(t *testing.T) {
	conf := &config.Config{Aliases: map[string][]string{"threads": {"ts"}}}
	ft := withTestTerminal(t, conf, 100)
	out := ft.MustExec("ts")
	assert.Contains(t, out, "Thread 100")
}

func TestCompleter(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	complete := ft.completer()
	assert.Equal(t, []string{"suspend"}, complete("su"))
	assert.Equal(t, []string{"thread", "threads"}, complete("thr"))
	assert.Empty(t, complete("thread 1"))
}

func TestSplitArgs(t *testing.T) {
	v, err := splitArgs(`rax "0x10"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"rax", "0x10"}, v)

	v, err = splitArgs("  ")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = splitArgs("rax `date`")
	assert.Error(t, err)
}

func TestThreadsAndSelect(t *testing.T) {
	ft := withTestTerminal(t, nil, 100, 101)
	out := ft.MustExec("threads")
	assert.Regexp(t, `\* Thread 100 +main`, out)
	assert.Contains(t, out, "  Thread 101")

	out = ft.MustExec("thread 101")
	assert.Equal(t, "Switched from 100 to 101\n", out)
	assert.Equal(t, 101, ft.current.ID)

	_, err := ft.Exec("thread 999")
	assert.Error(t, err)
	_, err = ft.Exec("thread")
	assert.Error(t, err)
	assert.Equal(t, 101, ft.current.ID)
}

func TestSuspendResumeRelease(t *testing.T) {
	ft := withTestTerminal(t, nil, 100, 101)
	ft.MustExec("suspend")
	ft.MustExec("suspend")
	assert.Equal(t, uint32(2), ft.tg.OSSuspendCount(100))

	out := ft.MustExec("resume")
	assert.Contains(t, out, "Thread 100 resumed (1 held)")
	assert.Equal(t, uint32(1), ft.tg.OSSuspendCount(100))

	ft.MustExec("thread 101")
	ft.MustExec("suspend")
	out = ft.MustExec("release")
	assert.Equal(t, "Released 2 suspensions\n", out)
	assert.Zero(t, ft.tg.OSSuspendCount(100))
	assert.Zero(t, ft.tg.OSSuspendCount(101))
	assert.Empty(t, ft.scopes)

	_, err := ft.Exec("resume")
	assert.ErrorIs(t, err, proc.ErrNotSuspended)
}

func TestRegs(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	pcName := "Eip"
	if winutil.Is64Bit {
		pcName = "Rip"
	}
	out := ft.MustExec("regs")
	assert.Regexp(t, pcName+` += 0x0*401640`, out)
	assert.Zero(t, ft.tg.OSSuspendCount(100), "regs must not leave the thread suspended")

	out = ft.MustExec("regs control")
	assert.NotContains(t, out, "Dr7")

	_, err := ft.Exec("regs vector")
	assert.Error(t, err)
}

func TestSetRegister(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	pcName := "eip"
	if winutil.Is64Bit {
		pcName = "rip"
	}
	ft.MustExec("set " + pcName + " 0x666")
	assert.Equal(t, uint64(0x666), ft.tg.Context(100).PC())
	assert.Zero(t, ft.tg.OSSuspendCount(100))

	_, err := ft.Exec("set " + pcName)
	assert.Error(t, err)
	_, err = ft.Exec("set nosuchreg 1")
	assert.Error(t, err)
	_, err = ft.Exec("set " + pcName + " notanumber")
	assert.Error(t, err)
}

func TestTls(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	ft.MustExec("settls 1 0x55667788")
	out := ft.MustExec("tls 2")
	assert.Equal(t, "[ 0] 0x0\n[ 1] 0x55667788\n", out)

	out = ft.MustExec("tls")
	assert.Len(t, bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n")), 8)

	_, err := ft.Exec("settls 64 1")
	assert.Error(t, err)
	_, err = ft.Exec("tls -1")
	assert.Error(t, err)
}

func TestTebAndSegment(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	out := ft.MustExec("teb")
	assert.Contains(t, out, fmt.Sprintf("pid %d tid %d", testPid, 100))
	assert.Regexp(t, fmt.Sprintf(`Base +%#x`, ft.tg.TebAddress(100)), out)

	seg := "fs"
	if winutil.Is64Bit {
		seg = "gs"
	} else {
		ctx := ft.tg.Context(100)
		ft.tg.SetSelectorBase(ctx.Segment(winutil.SegFs), ft.tg.TebAddress(100))
	}
	out = ft.MustExec("segment " + seg)
	assert.Contains(t, out, fmt.Sprintf("base %#x", ft.tg.TebAddress(100)))
}

func TestTerminateAndJoin(t *testing.T) {
	ft := withTestTerminal(t, nil, 100, 101)
	ft.MustExec("thread 101")
	ft.tg.SetTerminateDelay(101, 20*time.Millisecond)

	out := ft.MustExec("join 10ms")
	assert.Equal(t, "Thread 101: timeout\n", out)

	ft.MustExec("terminate 3")
	out = ft.MustExec("join 1s")
	assert.Equal(t, "Thread 101: signaled\n", out)
	code, exited := ft.tg.ExitCode(101)
	assert.True(t, exited)
	assert.Equal(t, uint32(3), code)

	_, err := ft.Exec("join soon")
	assert.Error(t, err)
	_, err = ft.Exec("terminate -1")
	assert.Error(t, err)
}

func TestRefreshForgetsExitedThread(t *testing.T) {
	ft := withTestTerminal(t, nil, 100, 101)
	ft.MustExec("thread 101")
	ft.MustExec("suspend")
	ft.tg.ExitThread(101, 0)

	// The held credit can not be given back to an exited thread.
	out, err := ft.Exec("refresh")
	assert.ErrorIs(t, err, fake.ErrAccessDenied)
	assert.Equal(t, "1 threads\n", out)
	assert.Equal(t, 100, ft.current.ID)
	assert.Empty(t, ft.scopes)
}

func TestDisassemble(t *testing.T) {
	ft := withTestTerminal(t, nil, 100)
	pc := ft.tg.Context(100).PC()
	code := make([]byte, 0x100)
	copy(code, []byte{0x90, 0x90, 0xc3})
	ft.tg.MapMemory(pc, code)

	out := ft.MustExec("disasm 3")
	assert.Regexp(t, fmt.Sprintf(`=>\s+%#x`, pc), out)
	assert.Contains(t, out, "nop")
	assert.Contains(t, out, "ret")

	ft.conf.DisassembleAtPC = true
	out = ft.MustExec("regs control")
	assert.Contains(t, out, "nop")

	ft.tg.AddThread(200)
	ft.MustExec("refresh")
	ft.MustExec("thread 200")
	_, err := ft.Exec("disasm")
	assert.ErrorIs(t, err, fake.ErrUnmapped)
}

func TestDisassembleUndecodable(t *testing.T) {
	insts := disassemble([]byte{0x90, 0x0f}, 0x1000, 10, "intel")
	require.Len(t, insts, 2)
	assert.Equal(t, "nop", insts[0].Text)
	assert.Equal(t, uint64(0x1001), insts[1].PC)
	assert.Equal(t, "?", insts[1].Text)

	for _, prefix := range []byte{0x0f, 0x66, 0xf3} {
		insts := disassemble([]byte{prefix}, 0x2000, 10, "intel")
		require.Len(t, insts, 1)
		assert.Equal(t, "?", insts[0].Text, "lone byte %#x", prefix)
		assert.Equal(t, []byte{prefix}, insts[0].Bytes)
	}
	if winutil.Is64Bit {
		insts := disassemble([]byte{0x48}, 0x2000, 10, "gnu")
		require.Len(t, insts, 1)
		assert.Equal(t, "?", insts[0].Text)
	}
}

func TestExitReleasesScopes(t *testing.T) {
	ft := withTestTerminal(t, nil, 100, 101)
	ft.MustExec("suspend")
	ft.MustExec("thread 101")
	ft.MustExec("suspend")

	_, err := ft.Exec("exit")
	require.ErrorAs(t, err, &ExitRequestError{})

	status, err := ft.handleExit()
	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Zero(t, ft.tg.OSSuspendCount(100))
	assert.Zero(t, ft.tg.OSSuspendCount(101))
	assert.True(t, ft.proc.Detached())
}
