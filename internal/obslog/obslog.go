// Package obslog provides the three logging streams shared across the
// pipeline: ops (actionable), diag (operational detail), and trace
// (high-frequency per-frame telemetry). Any stream can be silenced by
// passing a nil writer to SetWriters.
package obslog

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

func init() {
	// Sensible defaults: ops/diag to stderr, trace discarded. Callers
	// running a real session should call SetWriters explicitly.
	opsLogger = newLogger("[ops] ", log.Writer())
	diagLogger = newLogger("[diag] ", log.Writer())
	traceLogger = newLogger("[trace] ", io.Discard)
}

// SetWriters configures the three logging streams. Pass nil for any
// writer to disable that stream entirely.
func SetWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[ops] ", ops)
	diagLogger = newLogger("[diag] ", diag)
	traceLogger = newLogger("[trace] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Ops logs an actionable condition: WARN events, rejected pitches,
// recorder write failures, fatal device errors.
func Ops(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// Diag logs day-to-day operational detail: phase transitions, queue
// depth, config loads.
func Diag(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// Trace logs high-frequency per-frame/per-detection telemetry.
func Trace(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
