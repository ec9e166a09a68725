package logging

import (
	"fmt"
	"log"
)

// Logger is the logging surface every component accepts through its Config.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// nopLogger discards everything. Used when a Config leaves Logger nil.
type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}

// Nop returns a Logger that drops every line.
func Nop() Logger {
	return nopLogger{}
}

// StdLogger writes through the standard library logger, tagging each line
// with the owning process name and the level.
type StdLogger struct {
	name  string
	debug bool
	out   *log.Logger
}

// New creates a StdLogger. Debug lines are only emitted when debug is true.
func New(name string, debug bool) *StdLogger {
	return &StdLogger{name: name, debug: debug, out: log.Default()}
}

func (l *StdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.emit("DEBUG", format, args...)
	}
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	l.emit("INFO", format, args...)
}

func (l *StdLogger) Warnf(format string, args ...interface{}) {
	l.emit("WARN", format, args...)
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	l.emit("ERROR", format, args...)
}

func (l *StdLogger) emit(level, format string, args ...interface{}) {
	// Output depth 3 points file:line at the caller of Infof and friends.
	_ = l.out.Output(3, fmt.Sprintf("%s %-5s %s", l.name, level, fmt.Sprintf(format, args...)))
}

// OrNop returns l, or a no-op Logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
