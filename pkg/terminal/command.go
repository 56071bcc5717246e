// Package terminal implements functions for responding to user
// input and dispatching to appropriate thread control commands.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cosiner/argv"

	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the terminal.
type Commands struct {
	cmds []command
}

type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// ExitRequestError is returned by the exit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

// ThreadCommands returns a Commands struct with the default commands defined.
func ThreadCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every known thread.

The selected thread is marked with '*', the main thread with "main".`},
		{aliases: []string{"refresh"}, group: threadCmds, cmdFn: refresh, helpMsg: `Enumerate the threads of the process again.

Threads that exited are forgotten and their held suspensions dropped.`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"suspend"}, group: runCmds, cmdFn: suspend, helpMsg: `Suspend the selected thread.

The suspension is held by the terminal until resume, release or exit.`},
		{aliases: []string{"resume"}, group: runCmds, cmdFn: resume, helpMsg: `Resume the selected thread once.

Gives back the most recent suspension held for the thread.`},
		{aliases: []string{"release"}, group: runCmds, cmdFn: release, helpMsg: `Resume every thread suspended from the terminal.`},
		{aliases: []string{"terminate"}, group: runCmds, cmdFn: terminate, helpMsg: `Request termination of the selected thread.

	terminate [exit code]

The exit code defaults to 0.`},
		{aliases: []string{"join"}, group: runCmds, cmdFn: join, helpMsg: `Wait for the selected thread to exit.

	join [timeout]

The timeout is a duration like 500ms or 2s, or "inf" to wait forever. It
defaults to the join-timeout configuration option.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs [groups]

Groups is a list of register groups separated by '|' or ',': control,
integer, segments, float, debug, extended, full or all. The default is full.
The thread is suspended for the duration of the read.`},
		{aliases: []string{"set"}, group: dataCmds, cmdFn: setRegister, helpMsg: `Change the value of a register.

	set <register> <value>

The thread is suspended while its context is rewritten.`},
		{aliases: []string{"tls"}, group: dataCmds, cmdFn: tls, helpMsg: `Print the TLS slots of the selected thread.

	tls [count]

Count defaults to the tls-slots-shown configuration option.`},
		{aliases: []string{"settls"}, group: dataCmds, cmdFn: setTls, helpMsg: `Change a TLS slot of the selected thread.

	settls <index> <value>`},
		{aliases: []string{"segment", "seg"}, group: dataCmds, cmdFn: segment, helpMsg: `Print the linear base address of a segment register.

	segment <cs|ds|es|fs|gs|ss>`},
		{aliases: []string{"teb"}, group: dataCmds, cmdFn: teb, helpMsg: `Print the thread environment block header of the selected thread.`},
		{aliases: []string{"disassemble", "disasm"}, group: dataCmds, cmdFn: disassembleCmd, helpMsg: `Disassembler.

	disassemble [count]

Disassembles count instructions starting at the program counter of the
selected thread. Count defaults to the disassemble-count configuration
option.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the terminal.

Every suspension held by the terminal is released and the process is
detached. The process keeps running.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it does nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var noCmdError = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return noCmdError
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return noCmdError
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs tokenizes the arguments of a command with shell quoting rules.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parseValue(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

func threads(t *Term, args string) error {
	reg := t.proc.Threads()
	main, _ := reg.MainThread()
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, th := range reg.Threads() {
		prefix := "  "
		if th == t.current {
			prefix = "* "
		}
		role := ""
		if th == main {
			role = "main"
		}
		fmt.Fprintf(w, "%sThread %d\t%s\tsuspended=%d\talive=%t\n", prefix, th.ID, role, th.SuspendCount(), th.IsAlive())
	}
	return w.Flush()
}

func refresh(t *Term, args string) error {
	err := t.proc.Threads().Refresh()
	t.pruneScopes()
	if t.current != nil {
		if th, lerr := t.proc.Threads().Thread(t.current.ID); lerr != nil || th != t.current {
			t.current = nil
		}
	}
	if t.current == nil {
		t.current, _ = t.proc.Threads().MainThread()
	}
	fmt.Fprintf(t.stdout, "%d threads\n", t.proc.Threads().Len())
	return err
}

func thread(t *Term, args string) error {
	if len(args) == 0 {
		return errors.New("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return err
	}
	th, err := t.proc.Threads().Thread(tid)
	if err != nil {
		return err
	}
	oldThread := "<none>"
	if t.current != nil {
		oldThread = strconv.Itoa(t.current.ID)
	}
	t.current = th
	fmt.Fprintf(t.stdout, "Switched from %s to %d\n", oldThread, th.ID)
	return nil
}

func suspend(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	scope, err := th.Suspend()
	if err != nil {
		return err
	}
	t.scopes = append(t.scopes, scope)
	fmt.Fprintf(t.stdout, "Thread %d suspended (%d held)\n", th.ID, th.SuspendCount())
	return nil
}

func resume(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	for i := len(t.scopes) - 1; i >= 0; i-- {
		if t.scopes[i].Thread() != th {
			continue
		}
		scope := t.scopes[i]
		t.scopes = append(t.scopes[:i], t.scopes[i+1:]...)
		if err := scope.Release(); err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Thread %d resumed (%d held)\n", th.ID, th.SuspendCount())
		return nil
	}
	if err := th.Resume(); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Thread %d resumed (%d held)\n", th.ID, th.SuspendCount())
	return nil
}

func release(t *Term, args string) error {
	n, err := t.releaseScopes(func(*proc.SuspendScope) bool { return true })
	fmt.Fprintf(t.stdout, "Released %d suspensions\n", n)
	return err
}

func terminate(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	code := uint64(proc.DefaultExitCode)
	if args != "" {
		code, err = strconv.ParseUint(args, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid exit code %q", args)
		}
	}
	if err := th.Terminate(uint32(code)); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Termination of thread %d requested\n", th.ID)
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	switch strings.ToLower(s) {
	case "inf", "infinite":
		return proc.Infinite, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %q", s)
	}
	return d, nil
}

func join(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	timeout := t.conf.GetJoinTimeout()
	if args != "" {
		timeout, err = parseTimeout(args)
		if err != nil {
			return err
		}
	}
	res, err := th.Join(timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Thread %d: %s\n", th.ID, res)
	return nil
}

func regs(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	flags := winutil.ContextFull
	if args != "" {
		flags, err = winutil.ParseContextFlags(args)
		if err != nil {
			return err
		}
	}
	ctx, err := th.SnapshotContext(flags)
	if err != nil {
		return err
	}
	printRegisters(t, ctx)
	if t.conf.DisassembleAtPC && ctx.Flags().Has(winutil.ContextControl) {
		fmt.Fprintln(t.stdout)
		return disassembleAt(t, ctx.PC(), t.conf.GetDisassembleCount())
	}
	return nil
}

func printRegisters(t *Term, ctx *winutil.CONTEXT) {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, r := range ctx.Registers() {
		if r.Bytes != nil {
			fmt.Fprintf(w, "%s\t= %#x\n", r.Name, r.Bytes)
			continue
		}
		fmt.Fprintf(w, "%s\t= %#016x\n", r.Name, r.Value)
	}
	w.Flush()
}

func setRegister(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: set <register> <value>")
	}
	value, err := parseValue(v[1])
	if err != nil {
		return err
	}
	return th.WithSuspended(func() error {
		ctx, err := th.GetContext(winutil.ContextAll)
		if err != nil {
			return err
		}
		if err := ctx.SetRegister(v[0], value); err != nil {
			return err
		}
		return th.SetContext(ctx)
	})
}

func tls(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	n := t.conf.GetTlsSlotsShown()
	if args != "" {
		n, err = strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
	}
	slots, err := th.Teb().TlsSlots()
	if err != nil {
		return err
	}
	if n > len(slots) {
		n = len(slots)
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(t.stdout, "[%2d] %#x\n", i, slots[i])
	}
	return nil
}

func setTls(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: settls <index> <value>")
	}
	i, err := strconv.Atoi(v[0])
	if err != nil {
		return fmt.Errorf("invalid index %q", v[0])
	}
	value, err := parseValue(v[1])
	if err != nil {
		return err
	}
	return th.Teb().SetTlsSlot(i, value)
}

func segment(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	seg, err := winutil.ParseSegmentRegister(args)
	if err != nil {
		return err
	}
	ctx, err := th.SnapshotContext(winutil.ContextControl | winutil.ContextSegments)
	if err != nil {
		return err
	}
	base, err := th.SegmentBase(seg, ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %#x base %#x\n", seg, ctx.Segment(seg), base)
	return nil
}

func teb(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	info, err := th.Teb().Info()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "Base\t%#x\n", info.Base)
	fmt.Fprintf(w, "ExceptionList\t%#x\n", info.ExceptionList)
	fmt.Fprintf(w, "StackBase\t%#x\n", info.StackBase)
	fmt.Fprintf(w, "StackLimit\t%#x\n", info.StackLimit)
	fmt.Fprintf(w, "Self\t%#x\n", info.Self)
	fmt.Fprintf(w, "ClientId\tpid %d tid %d\n", info.Pid, info.Tid)
	fmt.Fprintf(w, "Peb\t%#x\n", info.Peb)
	fmt.Fprintf(w, "LastErrorValue\t%d\n", info.LastError)
	return w.Flush()
}

func disassembleCmd(t *Term, args string) error {
	th, err := t.currentThread()
	if err != nil {
		return err
	}
	count := t.conf.GetDisassembleCount()
	if args != "" {
		count, err = strconv.Atoi(args)
		if err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
	}
	ctx, err := th.SnapshotContext(winutil.ContextControl)
	if err != nil {
		return err
	}
	return disassembleAt(t, ctx.PC(), count)
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
