// Package etshare holds the ambient infrastructure (logging, shutdown
// coordination, error taxonomy) shared by every component of the session
// engine.
package etshare

import (
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/time/rate"
)

// LogLevel selects how much spew a Logger emits.
type LogLevel int

const (
	LogLevelFatal LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{"fatal", "error", "warning", "info", "debug", "trace"}

// VerbosityToLogLevel maps the CLI -v integer (0 or less = info, 1 =
// debug, 2 and up = trace) onto a LogLevel.
func VerbosityToLogLevel(v int) LogLevel {
	switch {
	case v <= 0:
		return LogLevelInfo
	case v == 1:
		return LogLevelDebug
	default:
		return LogLevelTrace
	}
}

func (l LogLevel) String() string {
	if l < LogLevelFatal || l > LogLevelTrace {
		return "unknown"
	}
	return logLevelNames[l]
}

// Logger is a leveled, prefix-forking logging component. Every component of
// the engine gets its own Logger via Fork so log lines are self-describing
// without callers having to thread a component name through every message.
type Logger interface {
	Logf(level LogLevel, f string, args ...interface{})
	Errorf(f string, args ...interface{}) error
	Fatalf(f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	Fork(prefix string, args ...interface{}) Logger
	Prefix() string
	SetLogLevel(level LogLevel)
	GetLogLevel() LogLevel
}

// basicLogger writes prefixed, level-filtered lines to an underlying
// *log.Logger, optionally throttled by a rate.Limiter.
type basicLogger struct {
	prefix   string
	prefixC  string
	level    LogLevel
	out      *log.Logger
	limiter  *rate.Limiter
	disabled bool
}

// Options configures the root Logger built by NewLogger.
type Options struct {
	Level      LogLevel
	ToStdout   bool
	Silent     bool
	NoRateLimit bool
}

// NewLogger builds the root Logger for a client session, honoring -v,
// -logtostdout, -silent and -noratelimit as described in spec.md §6.
func NewLogger(prefix string, opts Options) Logger {
	sink := os.Stderr
	if opts.ToStdout {
		sink = os.Stdout
	}
	l := &basicLogger{
		prefix:   prefix,
		level:    opts.Level,
		out:      log.New(sink, "", log.Ldate|log.Ltime),
		disabled: opts.Silent,
	}
	if prefix != "" {
		l.prefixC = prefix + ": "
	}
	if !opts.NoRateLimit {
		// spec.md §6: 1024 lines/s throttle unless -noratelimit.
		l.limiter = rate.NewLimiter(rate.Limit(1024), 1024)
	}
	return l
}

func (l *basicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

func (l *basicLogger) Logf(level LogLevel, f string, args ...interface{}) {
	if l.disabled || level > l.level {
		if level != LogLevelFatal {
			return
		}
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return
	}
	msg := l.Sprintf(f, args...)
	l.out.Print(msg)
	if level == LogLevelFatal {
		os.Exit(1)
	}
}

func (l *basicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

func (l *basicLogger) Fatalf(f string, args ...interface{}) { l.Logf(LogLevelFatal, f, args...) }
func (l *basicLogger) ELogf(f string, args ...interface{})  { l.Logf(LogLevelError, f, args...) }
func (l *basicLogger) WLogf(f string, args ...interface{})  { l.Logf(LogLevelWarning, f, args...) }
func (l *basicLogger) ILogf(f string, args ...interface{})  { l.Logf(LogLevelInfo, f, args...) }
func (l *basicLogger) DLogf(f string, args ...interface{})  { l.Logf(LogLevelDebug, f, args...) }
func (l *basicLogger) TLogf(f string, args ...interface{})  { l.Logf(LogLevelTrace, f, args...) }

// Fork creates a child Logger whose prefix nests under this one's, the way
// the teacher's chshare.Logger.Fork does for per-proxy/per-connection logs.
func (l *basicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := l.prefix
	if newPrefix != "" {
		newPrefix += ": "
	}
	newPrefix += suffix
	child := &basicLogger{
		prefix:   newPrefix,
		level:    l.level,
		out:      l.out,
		limiter:  l.limiter,
		disabled: l.disabled,
	}
	if newPrefix != "" {
		child.prefixC = newPrefix + ": "
	}
	return child
}

func (l *basicLogger) Prefix() string             { return l.prefix }
func (l *basicLogger) SetLogLevel(level LogLevel) { l.level = level }
func (l *basicLogger) GetLogLevel() LogLevel      { return l.level }
