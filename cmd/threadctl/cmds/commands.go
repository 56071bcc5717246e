package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-delve/threadctl/cmd/threadctl/cmds/helphelpers"
	"github.com/go-delve/threadctl/pkg/config"
	"github.com/go-delve/threadctl/pkg/logflags"
	"github.com/go-delve/threadctl/pkg/proc"
	"github.com/go-delve/threadctl/pkg/proc/native"
	"github.com/go-delve/threadctl/pkg/proc/winutil"
	"github.com/go-delve/threadctl/pkg/terminal"
	"github.com/go-delve/threadctl/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the default configuration file.
	configPath string

	// regsFlags selects the register groups printed by regs.
	regsFlags string
	// tlsCount is the number of TLS slots printed by tls.
	tlsCount int
	// exitCode is the exit code passed to terminate.
	exitCode uint32
	// joinTimeout is the timeout used by join.
	joinTimeout time.Duration
	// holdFor is how long suspend keeps the thread suspended.
	holdFor time.Duration
	// verbose makes version print the build information.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// attachProcess opens a process for thread control.
var attachProcess = native.Attach

const threadctlCommandLongDesc = `threadctl inspects and controls the threads of a running Windows process.

It can suspend and resume threads, read and rewrite their register context,
read and write their thread local storage slots and request their termination.
The target process is never stopped as a whole: every operation acts on a
single thread and threads suspended by threadctl are resumed before it
detaches.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:          "threadctl",
		Short:        "threadctl controls the threads of a running process.",
		Long:         threadctlCommandLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'threadctl help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'threadctl help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Configuration file, defaults to ~/.threadctl/config.yml.")

	// 'threads' subcommand.
	threadsCommand := &cobra.Command{
		Use:   "threads pid",
		Short: "List the threads of a process.",
		Args:  cobra.ExactArgs(1),
		RunE:  threadsCmd,
	}
	rootCommand.AddCommand(threadsCommand)

	// 'suspend' subcommand.
	suspendCommand := &cobra.Command{
		Use:   "suspend pid tid",
		Short: "Suspend a thread for a while.",
		Long: `Suspends a thread and keeps it suspended until the --for duration has
elapsed or until threadctl is interrupted, then resumes it.

Suspensions are owned by the process that issued them: use the attach command
to hold a thread suspended across several operations.`,
		Args: cobra.ExactArgs(2),
		RunE: suspendCmd,
	}
	suspendCommand.Flags().DurationVar(&holdFor, "for", 0, "How long to keep the thread suspended, zero waits for an interrupt.")
	rootCommand.AddCommand(suspendCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs pid [tid]",
		Short: "Print the registers of a thread.",
		Long: `Prints the registers of a thread, the main thread if no tid is given.

The thread is suspended while its context is read.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: regsCmd,
	}
	regsCommand.Flags().StringVar(&regsFlags, "flags", "full", "Register groups to read: control, integer, segments, float, debug, extended, full or all.")
	rootCommand.AddCommand(regsCommand)

	// 'setreg' subcommand.
	setregCommand := &cobra.Command{
		Use:   "setreg pid tid register value",
		Short: "Change a register of a thread.",
		Args:  cobra.ExactArgs(4),
		RunE:  setregCmd,
	}
	rootCommand.AddCommand(setregCommand)

	// 'tls' subcommand.
	tlsCommand := &cobra.Command{
		Use:   "tls pid [tid]",
		Short: "Print the TLS slots of a thread.",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  tlsCmd,
	}
	tlsCommand.Flags().IntVar(&tlsCount, "count", 0, "Number of slots to print, defaults to the tls-slots-shown configuration option.")
	rootCommand.AddCommand(tlsCommand)

	// 'terminate' subcommand.
	terminateCommand := &cobra.Command{
		Use:   "terminate pid tid",
		Short: "Request termination of a thread.",
		Args:  cobra.ExactArgs(2),
		RunE:  terminateCmd,
	}
	terminateCommand.Flags().Uint32Var(&exitCode, "exit-code", proc.DefaultExitCode, "Exit code of the thread.")
	rootCommand.AddCommand(terminateCommand)

	// 'join' subcommand.
	joinCommand := &cobra.Command{
		Use:   "join pid tid",
		Short: "Wait for a thread to exit.",
		Long: `Waits for a thread to exit. The exit status is 1 if the thread is still
running when the timeout expires.`,
		Args: cobra.ExactArgs(2),
		RunE: joinCmd,
	}
	joinCommand.Flags().DurationVar(&joinTimeout, "timeout", 0, "Timeout, defaults to the join-timeout configuration option. A negative value waits forever.")
	rootCommand.AddCommand(joinCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and start the interactive terminal.",
		Long: `Attach to an already running process and start an interactive session.

Threads suspended from the session are resumed when it ends. The process keeps
running after threadctl exits.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threadctl\n%s\n", version.ThreadctlVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	thread		Log suspend, resume, context and terminate operations
	registry	Log thread enumeration
	teb		Log thread environment block accesses
	native		Log calls to the operating system
	terminal	Log commands of the interactive terminal

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func loadConfig() error {
	if configPath == "" {
		conf = config.LoadConfig()
		return nil
	}
	var err error
	conf, err = config.LoadConfigFrom(configPath)
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}
	return nil
}

func parsePid(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", arg)
	}
	return pid, nil
}

// withProcess attaches to the process named by args[0] and detaches once fn
// returns.
func withProcess(args []string, fn func(p *proc.Process) error) (err error) {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	p, err := attachProcess(pid)
	if err != nil {
		return err
	}
	defer func() {
		if derr := p.Detach(); derr != nil {
			err = errors.Join(err, derr)
		}
	}()
	return fn(p)
}

// selectThread returns the thread named by args[i], or the main thread when
// args has no such element.
func selectThread(p *proc.Process, args []string, i int) (*proc.Thread, error) {
	if len(args) <= i {
		return p.Threads().MainThread()
	}
	tid, err := strconv.Atoi(args[i])
	if err != nil {
		return nil, fmt.Errorf("invalid tid: %s", args[i])
	}
	return p.Threads().Thread(tid)
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	return withProcess(args, func(p *proc.Process) error {
		main, _ := p.Threads().MainThread()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "TID\tMAIN\tSUSPENDED\tALIVE\tCREATED")
		for _, th := range p.Threads().Threads() {
			fmt.Fprintf(w, "%d\t%t\t%t\t%t\t%s\n", th.ID, th == main, th.IsSuspended(), th.IsAlive(), th.CreationTime().Format(time.RFC3339Nano))
		}
		return w.Flush()
	})
}

func suspendCmd(cmd *cobra.Command, args []string) error {
	return withProcess(args, func(p *proc.Process) (err error) {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		scope, err := th.Suspend()
		if err != nil {
			return err
		}
		defer scope.ReleaseInto(&err)
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %d suspended\n", th.ID)

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		defer signal.Stop(ch)
		var timeout <-chan time.Time
		if holdFor > 0 {
			timeout = time.After(holdFor)
		}
		select {
		case <-ch:
		case <-timeout:
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %d resumed\n", th.ID)
		return nil
	})
}

func printRegisters(w io.Writer, ctx *winutil.CONTEXT) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, r := range ctx.Registers() {
		if r.Bytes != nil {
			fmt.Fprintf(tw, "%s\t= %#x\n", r.Name, r.Bytes)
			continue
		}
		fmt.Fprintf(tw, "%s\t= %#016x\n", r.Name, r.Value)
	}
	return tw.Flush()
}

func regsCmd(cmd *cobra.Command, args []string) error {
	flags, err := winutil.ParseContextFlags(regsFlags)
	if err != nil {
		return err
	}
	return withProcess(args, func(p *proc.Process) error {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		ctx, err := th.SnapshotContext(flags)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %d\n", th.ID)
		return printRegisters(cmd.OutOrStdout(), ctx)
	})
}

func setregCmd(cmd *cobra.Command, args []string) error {
	value, err := strconv.ParseUint(args[3], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value: %s", args[3])
	}
	return withProcess(args, func(p *proc.Process) error {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		return th.WithSuspended(func() error {
			ctx, err := th.GetContext(winutil.ContextAll)
			if err != nil {
				return err
			}
			if err := ctx.SetRegister(args[2], value); err != nil {
				return err
			}
			return th.SetContext(ctx)
		})
	})
}

func tlsCmd(cmd *cobra.Command, args []string) error {
	n := conf.GetTlsSlotsShown()
	if tlsCount > 0 {
		n = tlsCount
	}
	return withProcess(args, func(p *proc.Process) error {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		slots, err := th.Teb().TlsSlots()
		if err != nil {
			return err
		}
		if n > len(slots) {
			n = len(slots)
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(cmd.OutOrStdout(), "[%2d] %#x\n", i, slots[i])
		}
		return nil
	})
}

func terminateCmd(cmd *cobra.Command, args []string) error {
	return withProcess(args, func(p *proc.Process) error {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		if err := th.Terminate(exitCode); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Termination of thread %d requested\n", th.ID)
		return nil
	})
}

func joinCmd(cmd *cobra.Command, args []string) error {
	timeout := conf.GetJoinTimeout()
	if cmd.Flags().Changed("timeout") {
		timeout = joinTimeout
		if timeout < 0 {
			timeout = proc.Infinite
		}
	}
	return withProcess(args, func(p *proc.Process) error {
		th, err := selectThread(p, args, 1)
		if err != nil {
			return err
		}
		res, err := th.Join(timeout)
		if err != nil {
			return err
		}
		if res != proc.JoinSignaled {
			return fmt.Errorf("thread %d: %s after %s", th.ID, res, timeout)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Thread %d exited\n", th.ID)
		return nil
	})
}

func attachCmd(cmd *cobra.Command, args []string) error {
	return withProcess(args, func(p *proc.Process) error {
		status, err := terminal.New(p, conf).Run()
		if err != nil {
			return err
		}
		if status != 0 {
			return fmt.Errorf("terminal exited with status %d", status)
		}
		return nil
	})
}
