package logflags

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func resetFlags() {
	anyEnabled, translator, ancestry, rpc, registry, session = false, false, false, false, false, false
	logOut = nil
	loggerFactory = nil
}

func TestMakeLoggerUsesFactory(t *testing.T) {
	defer resetFlags()
	logOut = &bufferWriter{}

	expected := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.DebugLevel {
			t.Fatalf("expected level %v got %v", logrus.DebugLevel, level)
		}
		if len(fields) != 1 || fields["layer"] != "translator" {
			t.Fatalf("unexpected fields %v", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v> but was <%v>", logOut, out)
		}
		return expected
	})

	translator = true
	if actual := TranslatorLogger(); actual != expected {
		t.Fatalf("expected <%v> got <%v>", expected, actual)
	}
}

func TestFlaggableLoggerLevel(t *testing.T) {
	defer resetFlags()
	for _, flag := range []bool{false, true} {
		l := makeFlaggableLogger(flag, Fields{"layer": "rpc"})
		entry, ok := l.(*logrusLogger)
		if !ok {
			t.Fatalf("unexpected logger type %T", l)
		}
		want := logrus.ErrorLevel
		if flag {
			want = logrus.DebugLevel
		}
		if entry.Logger.Level != want {
			t.Fatalf("flag %v: expected level %v got %v", flag, want, entry.Logger.Level)
		}
		if entry.Logger.Formatter != textFormatterInstance {
			t.Fatalf("default formatter not used")
		}
		if entry.Data["layer"] != "rpc" {
			t.Fatalf("unexpected fields %v", entry.Data)
		}
	}
}

func TestSetup(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "rpc", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog got %v", err)
	}
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Any() || !Translator() || !Ancestry() || RPC() || Registry() || Session() {
		t.Fatal("default log output not enabled")
	}
	resetFlags()
	if err := Setup(true, "rpc,session,bogus", ""); err != nil {
		t.Fatal(err)
	}
	if Translator() || !RPC() || !Session() {
		t.Fatal("log output not parsed")
	}
}

func TestSetupLogDest(t *testing.T) {
	defer resetFlags()
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := Setup(true, "registry", path); err != nil {
		t.Fatal(err)
	}
	defer Close()
	if logOut == nil {
		t.Fatal("log file not opened")
	}
	if err := Setup(true, "", filepath.Join(t.TempDir(), "missing", "log.txt")); err == nil {
		t.Fatal("expected error creating log file in missing directory")
	}
}

func TestTextFormatter(t *testing.T) {
	defer resetFlags()
	out := &bufferWriter{}
	logOut = out
	l := makeLogger(logrus.DebugLevel, Fields{"layer": "ancestry"})
	l.WithField("pid", 5).WithField("comm", "a b").Debugf("walked %d levels", 2)

	line := out.String()
	for _, want := range []string{" debug ", `comm="a b",layer=ancestry,pid=5 walked 2 levels`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
	if _, err := time.Parse(time.RFC3339, strings.Fields(line)[0]); err != nil {
		t.Fatalf("bad timestamp in %q: %v", line, err)
	}
}
