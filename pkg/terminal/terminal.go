package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/threadctl/pkg/config"
	"github.com/go-delve/threadctl/pkg/logflags"
	"github.com/go-delve/threadctl/pkg/proc"
)

const (
	historyFile                 string = ".threadctl_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack    = 30
	ansiWhite    = 37
	ansiBrBlack  = 90
	ansiBrWhite  = 97
	ansiDisabled = 0
)

// Term represents the interactive terminal attached to a process.
type Term struct {
	proc   *proc.Process
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer
	log    logflags.Logger

	// current is the thread commands act on.
	current *proc.Thread
	// scopes are the suspensions issued from the terminal, oldest first.
	scopes []*proc.SuspendScope
}

// New returns a new Term operating on p. The main thread is selected.
func New(p *proc.Process, conf *config.Config) *Term {
	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}
	return newTerm(p, conf, w, dumb)
}

func newTerm(p *proc.Process, conf *config.Config, w io.Writer, dumb bool) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := ThreadCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if (conf.PromptColor > ansiWhite &&
		conf.PromptColor < ansiBrBlack) ||
		conf.PromptColor < ansiBlack ||
		conf.PromptColor > ansiBrWhite {
		conf.PromptColor = ansiDisabled
	}

	t := &Term{
		proc:   p,
		conf:   conf,
		prompt: "(threadctl) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
		log:    logflags.TerminalLogger(),
	}
	if th, err := p.Threads().MainThread(); err == nil {
		t.current = th
	}
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// Call executes a single command line.
func (t *Term) Call(cmdstr string) error {
	if logflags.Terminal() {
		t.log.Debugf("command %q", cmdstr)
	}
	return t.cmds.Call(cmdstr, t)
}

func (t *Term) completer() func(string) []string {
	completions := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			completions.Add(alias, nil)
		}
	}
	return func(line string) []string {
		if strings.Contains(line, " ") {
			return nil
		}
		c := completions.PrefixSearch(strings.ToLower(line))
		sort.Strings(c)
		return c
	}
}

// Run begins running the terminal. It returns the exit status the process
// should report.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.completer())

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, errors.New("prompt for input failed")
		}

		if err := t.Call(cmdstr); err != nil {
			var exitErr ExitRequestError
			if errors.As(err, &exitErr) {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, highlighting prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb && t.conf.PromptColor != ansiDisabled {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, t.conf.PromptColor)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) promptForInput() (string, error) {
	if !t.dumb && t.conf.PromptColor != ansiDisabled {
		fmt.Fprintf(t.stdout, terminalHighlightEscapeCode, t.conf.PromptColor)
		defer fmt.Fprint(t.stdout, terminalResetEscapeCode)
	}
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

// currentThread returns the selected thread.
func (t *Term) currentThread() (*proc.Thread, error) {
	if t.current == nil {
		return nil, errors.New("no thread selected")
	}
	return t.current, nil
}

// pruneScopes forgets the scopes of threads the registry no longer holds;
// closing those threads already gave their credits back.
func (t *Term) pruneScopes() {
	kept := t.scopes[:0]
	for _, s := range t.scopes {
		th, err := t.proc.Threads().Thread(s.Thread().ID)
		if err != nil || th != s.Thread() || s.Released() {
			continue
		}
		kept = append(kept, s)
	}
	t.scopes = kept
}

// releaseScopes releases the held scopes accepted by match, newest first.
// Scopes of threads that are gone are dropped without resuming.
func (t *Term) releaseScopes(match func(*proc.SuspendScope) bool) (int, error) {
	var errs []error
	n := 0
	var kept []*proc.SuspendScope
	for i := len(t.scopes) - 1; i >= 0; i-- {
		s := t.scopes[i]
		if !match(s) {
			kept = append(kept, s)
			continue
		}
		if !s.Thread().IsAlive() {
			continue
		}
		if err := s.Release(); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	t.scopes = kept
	return n, errors.Join(errs...)
}

func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		fullHistoryFile, err := config.GetConfigFilePath(historyFile)
		if err != nil {
			fmt.Println("Error saving history file:", err)
		} else {
			if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
				_, err = t.line.WriteHistory(f)
				if err != nil {
					fmt.Println("readline history error:", err)
				}
				f.Close()
			}
		}
	}

	if _, err := t.releaseScopes(func(*proc.SuspendScope) bool { return true }); err != nil {
		t.log.Warnf("releasing suspended threads: %v", err)
	}
	if err := t.proc.Detach(); err != nil {
		return 1, err
	}
	return 0, nil
}
