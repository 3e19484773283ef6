// Package logging centralizes the teacher idiom seen throughout the core:
// a bracketed subsystem tag plus a per-component debug flag gating
// log.Printf. The pipeline components that log (Feeder, Decoder, Sink,
// Pipeline, Controller) build one of these instead of repeating the
// "if p.debug { log.Printf(...) }" guard by hand.
package logging

import (
	"log"
	"os"
)

// Logger wraps the standard logger with a fixed subsystem tag and a debug
// gate. Debug-level calls are no-ops unless the component was constructed
// with debug logging enabled; Warn/Error always print.
type Logger struct {
	std   *log.Logger
	debug bool
}

// Tagged builds a Logger that prefixes every line with "[tag] ".
func Tagged(tag string, debug bool) *Logger {
	return &Logger{
		std:   log.New(os.Stderr, "["+tag+"] ", log.LstdFlags),
		debug: debug,
	}
}

// Debugf logs only when the component's debug flag is set.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.std.Printf(format, args...)
}

// Warnf always logs; used for recoverable conditions the operator should
// see regardless of debug mode (e.g. format-mismatch skips, spec.md §7).
func (l *Logger) Warnf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.std.Printf("WARN "+format, args...)
}

// Errorf always logs; used for terminal component failures.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.std.Printf("ERROR "+format, args...)
}

// Enabled reports whether debug logging is on, for call sites that build an
// expensive debug string only when it will actually be printed.
func (l *Logger) Enabled() bool {
	return l != nil && l.debug
}
