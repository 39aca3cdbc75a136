package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the inspection layers log through. Each layer holds one,
// created by its XxxLogger function, and enriches it with the identity of
// what it works on (a pid, a region, a watchpoint).
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory creates the Logger of a layer. level is the lowest level
// the layer reports, fields identify the layer and out is the destination
// given to Setup, nil for stderr.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus text loggers for every layer
// created afterwards. A nil factory restores them.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are attached to every entry of a Logger.
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}
