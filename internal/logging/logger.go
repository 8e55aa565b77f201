// Package logging provides the process logger used by both the broker and
// the agent. It wraps the standard library's log package in an explicit
// value rather than a package-level global, so components and tests can
// each construct an isolated instance instead of sharing hidden state.
package logging

import (
	"log"
	"os"
)

// Logger serializes writes through the wrapped *log.Logger (which already
// guards its own output with a mutex) and gates Debugf on a debug flag.
type Logger struct {
	out   *log.Logger
	debug bool
}

// New creates a Logger that writes to os.Stderr with the standard
// date/time prefix. When debug is false, Debugf calls are suppressed.
func New(debug bool) *Logger {
	return &Logger{
		out:   log.New(os.Stderr, "", log.Ldate|log.Ltime),
		debug: debug,
	}
}

// Debugf logs at debug level; suppressed unless the Logger was created
// with debug=true.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.out.Printf("DEBUG "+format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf("INFO "+format, args...)
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.out.Printf("WARN "+format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf("ERROR "+format, args...)
}
