// Package logger provides the daemon-wide structured logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is the logging context to attach to a message.
type Ctx map[string]any

// Logger is the main logging interface.
type Logger interface {
	Panic(msg string, ctx ...Ctx)
	Fatal(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Debug(msg string, ctx ...Ctx)
	Trace(msg string, ctx ...Ctx)

	AddContext(ctx Ctx) Logger
}

// Log contains the logger used by all the logging functions.
var Log Logger

type logWrapper struct {
	entry *logrus.Entry
}

// Init sets up the shared logger with the given verbosity.
func Init(name string, verbose bool, debug bool) {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	l.Level = logrus.WarnLevel
	if verbose {
		l.Level = logrus.InfoLevel
	}

	if debug {
		l.Level = logrus.DebugLevel
	}

	Log = &logWrapper{entry: l.WithField("name", name)}
}

func init() {
	// A basic logger is always present so that packages can log before
	// Init is called (tests mostly).
	Init("vusbd", false, false)
}

func (l *logWrapper) fields(ctx []Ctx) *logrus.Entry {
	entry := l.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}

	return entry
}

// Panic logs a panic level message and panics.
func (l *logWrapper) Panic(msg string, ctx ...Ctx) { l.fields(ctx).Panic(msg) }

// Fatal logs a fatal level message and exits.
func (l *logWrapper) Fatal(msg string, ctx ...Ctx) { l.fields(ctx).Fatal(msg) }

// Error logs an error level message.
func (l *logWrapper) Error(msg string, ctx ...Ctx) { l.fields(ctx).Error(msg) }

// Warn logs a warning level message.
func (l *logWrapper) Warn(msg string, ctx ...Ctx) { l.fields(ctx).Warn(msg) }

// Info logs an info level message.
func (l *logWrapper) Info(msg string, ctx ...Ctx) { l.fields(ctx).Info(msg) }

// Debug logs a debug level message.
func (l *logWrapper) Debug(msg string, ctx ...Ctx) { l.fields(ctx).Debug(msg) }

// Trace logs a trace level message.
func (l *logWrapper) Trace(msg string, ctx ...Ctx) { l.fields(ctx).Trace(msg) }

// AddContext returns a new logger with the given context attached to every
// message.
func (l *logWrapper) AddContext(ctx Ctx) Logger {
	return &logWrapper{entry: l.entry.WithFields(logrus.Fields(ctx))}
}

// Panic logs a panic level message through the shared logger.
func Panic(msg string, ctx ...Ctx) { Log.Panic(msg, ctx...) }

// Fatal logs a fatal level message through the shared logger.
func Fatal(msg string, ctx ...Ctx) { Log.Fatal(msg, ctx...) }

// Error logs an error level message through the shared logger.
func Error(msg string, ctx ...Ctx) { Log.Error(msg, ctx...) }

// Warn logs a warning level message through the shared logger.
func Warn(msg string, ctx ...Ctx) { Log.Warn(msg, ctx...) }

// Info logs an info level message through the shared logger.
func Info(msg string, ctx ...Ctx) { Log.Info(msg, ctx...) }

// Debug logs a debug level message through the shared logger.
func Debug(msg string, ctx ...Ctx) { Log.Debug(msg, ctx...) }

// Trace logs a trace level message through the shared logger.
func Trace(msg string, ctx ...Ctx) { Log.Trace(msg, ctx...) }

// AddContext returns a logger with the given context attached to every
// message.
func AddContext(ctx Ctx) Logger {
	return Log.AddContext(ctx)
}
