package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
		if !flag {
			t.Fatalf("expected flag to be true")
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(true, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeLogger_withFlagFalse(t *testing.T) {
	actual := makeLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Logger.Level)
	}
	if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
		t.Fatalf("expected data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
	}
}

func TestMakeLogger_usingDefaultBehavior(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()

	actual := makeLogger(true, Fields{"layer": "proc", "kind": "thread"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Logger.Level)
	}
	if actualEntry.Entry.Logger.Formatter != textFormatterInstance {
		t.Fatalf("expected formatter to be <%v>; but was <%v>", textFormatterInstance, actualEntry.Logger.Formatter)
	}

	actual.WithField("tid", 42).Debugf("suspended %s", "thread")
	line := out.String()
	for _, want := range []string{"level=debug", `msg="suspended thread"`, "kind=thread layer=proc tid=42"} {
		if !strings.Contains(line, want) {
			t.Fatalf("log line %q does not contain %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("log line %q contains color escapes", line)
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		thread, registry, teb, native, terminal = false, false, false, false, false
	}()
	if err := Setup(false, "thread", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}
	if err := Setup(true, "registry,teb", ""); err != nil {
		t.Fatal(err)
	}
	if Thread() || !Registry() || !Teb() || Native() || Terminal() {
		t.Fatalf("wrong layers enabled: thread=%v registry=%v teb=%v native=%v terminal=%v", Thread(), Registry(), Teb(), Native(), Terminal())
	}
}

func TestTextFormatterTimestamp(t *testing.T) {
	out := &bufferWriter{}
	logger := logrus.New()
	logger.Out = out
	logger.Formatter = textFormatterInstance
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	logger.WithTime(when).WithField("op", "two words").Error("failed")
	line := out.String()
	if !strings.HasPrefix(line, `time="2020-01-02T03:04:05Z" level=error`) {
		t.Fatalf("unexpected log line %q", line)
	}
	if !strings.Contains(line, `op="two words"`) {
		t.Fatalf("value with a space should be quoted in %q", line)
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
