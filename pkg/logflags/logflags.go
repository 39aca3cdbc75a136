package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var session = false
var heap = false
var code = false
var breakpoints = false
var watchpoints = false
var state = false
var native = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that only reports errors unless flag
// is set.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Session returns true if the VM session should log commands and state
// transitions.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the VM session.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Heap returns true if the heap manager should log region refreshes.
func Heap() bool {
	return heap
}

// HeapLogger returns a logger for the heap manager and heap schemes.
func HeapLogger() Logger {
	return makeFlaggableLogger(heap, Fields{"layer": "heap"})
}

// Code returns true if the code registry should log compilations and
// evictions.
func Code() bool {
	return code
}

// CodeLogger returns a logger for the code registry.
func CodeLogger() Logger {
	return makeFlaggableLogger(code, Fields{"layer": "code"})
}

// Breakpoints returns true if breakpoint management should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint manager.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "tele", "kind": "breakpoints"})
}

// Watchpoints returns true if watchpoint management should be logged.
func Watchpoints() bool {
	return watchpoints
}

// WatchpointsLogger returns a logger for the watchpoint manager.
func WatchpointsLogger() Logger {
	return makeFlaggableLogger(watchpoints, Fields{"layer": "tele", "kind": "watchpoints"})
}

// State returns true if every published VM state should be logged.
func State() bool {
	return state
}

// StateLogger returns a logger for the state history.
func StateLogger() Logger {
	return makeFlaggableLogger(state, Fields{"layer": "state"})
}

// Native returns true if the native target should log its requests.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the native target.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "maxscope-logs")
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
		logstr = "session"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in cmd/maxscope.
		switch logcmd {
		case "session":
			session = true
		case "heap":
			heap = true
		case "code":
			code = true
		case "breakpoints":
			breakpoints = true
		case "watchpoints":
			watchpoints = true
		case "state":
			state = true
		case "native":
			native = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'maxscope help log' for usage.\n", logcmd)
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

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level.String())
	for k, v := range entry.Data {
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
