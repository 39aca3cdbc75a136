package logflags

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

// resetLayers disables every layer once the test completes.
func resetLayers(t *testing.T) {
	t.Cleanup(func() {
		session, heap, code, breakpoints, watchpoints, state, native = false, false, false, false, false, false, false
		logOut = nil
		loggerFactory = nil
	})
}

func TestLoggerFactory(t *testing.T) {
	resetLayers(t)
	out := &bufferWriter{}
	logOut = out

	var gotLevel logrus.Level
	var gotFields Fields
	want := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, w io.Writer) Logger {
		gotLevel, gotFields = level, fields
		if w != out {
			t.Errorf("factory got writer %v, want the Setup destination", w)
		}
		return want
	})

	if l := WatchpointsLogger(); l != want {
		t.Fatalf("factory logger not used: %v", l)
	}
	if gotLevel != logrus.ErrorLevel {
		t.Errorf("disabled layer created at level %v", gotLevel)
	}
	if gotFields["layer"] != "tele" || gotFields["kind"] != "watchpoints" {
		t.Errorf("unexpected fields %v", gotFields)
	}
}

func TestLayerLoggers(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "heap,native", ""); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		name   string
		logger func() Logger
		level  logrus.Level
		layer  string
	}{
		{"session", SessionLogger, logrus.ErrorLevel, "session"},
		{"heap", HeapLogger, logrus.DebugLevel, "heap"},
		{"code", CodeLogger, logrus.ErrorLevel, "code"},
		{"breakpoints", BreakpointsLogger, logrus.ErrorLevel, "tele"},
		{"state", StateLogger, logrus.ErrorLevel, "state"},
		{"native", NativeLogger, logrus.DebugLevel, "native"},
	} {
		l, ok := tc.logger().(*logrusLogger)
		if !ok {
			t.Errorf("%s: not a logrus logger", tc.name)
			continue
		}
		if l.Logger.Level != tc.level {
			t.Errorf("%s: level %v, want %v", tc.name, l.Logger.Level, tc.level)
		}
		if l.Data["layer"] != tc.layer {
			t.Errorf("%s: layer field %v", tc.name, l.Data["layer"])
		}
		if l.Logger.Formatter != textFormatterInstance {
			t.Errorf("%s: unexpected formatter", tc.name)
		}
	}
}

func TestLoggerOutput(t *testing.T) {
	resetLayers(t)
	out := &bufferWriter{}
	logOut = out
	heap = true

	HeapLogger().WithField("region", "A").Debugf("refreshed %d regions", 2)
	got := out.String()
	for _, want := range []string{" debug ", "layer=heap", "region=A", "refreshed 2 regions\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("log line %q does not contain %q", got, want)
		}
	}

	out.Reset()
	CodeLogger().Debugf("hidden")
	CodeLogger().WithFields(Fields{"start": "0xa000"}).Errorf("evicted twice")
	got = out.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("debug output of a disabled layer: %q", got)
	}
	if !strings.Contains(got, "start=0xa000") || !strings.Contains(got, "evicted twice") {
		t.Errorf("errors of a disabled layer not reported: %q", got)
	}
}

func TestSetup(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "heap,watchpoints", ""); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !Heap() || !Watchpoints() {
		t.Fatalf("expected heap and watchpoints logging to be enabled")
	}
	if Session() || Breakpoints() || Code() || State() || Native() {
		t.Fatalf("unexpected layer enabled")
	}
}

func TestSetupDefaultsToSession(t *testing.T) {
	resetLayers(t)
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Session() || Heap() {
		t.Errorf("expected only the session layer")
	}
}

func TestSetupLogOutputWithoutLog(t *testing.T) {
	resetLayers(t)
	if err := Setup(false, "heap", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v, got %v", errLogstrWithoutLog, err)
	}
}
