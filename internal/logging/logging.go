// Package logging wraps charmbracelet/log with the per-device, per-stream
// naming and level conventions used throughout the engine, plus a
// sub-logger for the isochronous hot path whose level is clamped to WARN.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Logger wraps a charmbracelet/log.Logger scoped to one device or stream.
type Logger struct {
	*log.Logger
}

// Level constants re-exported so callers never need to import
// charmbracelet/log directly for the common case of picking a verbosity.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
)

// New builds a Logger writing to w (os.Stderr when w is nil), prefixed
// with name (e.g. a device's GUID or a stream processor's direction).
func New(w io.Writer, name string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.StampMilli,
		Prefix:          name,
	})
	return &Logger{Logger: l}
}

// With returns a sub-logger annotating every record with the given
// key/value pairs, for scoping a shared device logger to one component.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...)}
}

// HotPath returns a sub-logger clamped to at least Warn level, for use on
// the isochronous callback path where per-call Info/Debug logging would
// itself threaten real-time deadlines.
func (l *Logger) HotPath() *Logger {
	sub := l.Logger.With()
	if l.Logger.GetLevel() < log.WarnLevel {
		sub.SetLevel(log.WarnLevel)
	}
	return &Logger{Logger: sub}
}

// DiagnosticFilename formats a strftime pattern against t, used to name the
// YAML dumps written when the XRun cascade policy trips.
func DiagnosticFilename(pattern string, t time.Time) (string, error) {
	f, err := strftime.New(pattern)
	if err != nil {
		return "", fmt.Errorf("logging: invalid diagnostic filename pattern %q: %w", pattern, err)
	}
	return f.FormatString(t), nil
}
