package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var thread = false
var registry = false
var teb = false
var native = false
var terminal = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Thread returns true if the per-thread control operations
// (suspend, resume, context access, terminate) should be logged.
func Thread() bool {
	return thread
}

// ThreadLogger returns a logger for the thread control layer.
func ThreadLogger() Logger {
	return makeLogger(thread, Fields{"layer": "proc", "kind": "thread"})
}

// Registry returns true if thread enumeration should be logged.
func Registry() bool {
	return registry
}

// RegistryLogger returns a logger for the thread registry.
func RegistryLogger() Logger {
	return makeLogger(registry, Fields{"layer": "proc", "kind": "registry"})
}

// Teb returns true if accesses to the thread environment block should be
// logged.
func Teb() bool {
	return teb
}

// TebLogger returns a logger for the thread environment block view.
func TebLogger() Logger {
	return makeLogger(teb, Fields{"layer": "proc", "kind": "teb"})
}

// Native returns true if the calls made by the native backend into the
// operating system should be logged.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native backend.
func NativeLogger() Logger {
	return makeLogger(native, Fields{"layer": "native"})
}

// Terminal returns true if the interactive terminal should log the
// commands it dispatches.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the interactive terminal.
func TerminalLogger() Logger {
	return makeLogger(terminal, Fields{"layer": "terminal"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "thread-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "thread"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "thread":
			thread = true
		case "registry":
			registry = true
		case "teb":
			teb = true
		case "native":
			native = true
		case "terminal":
			terminal = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'threadctl help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatterInstance keeps log lines readable in files and on terminals
// that don't support colors.
var textFormatterInstance = &logrus.TextFormatter{
	DisableColors:   true,
	FullTimestamp:   true,
	TimestampFormat: time.RFC3339,
}
