package sasl

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/gookit/slog"
)

// Logger represents an interface for engine loggers
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(w io.Writer, level slog.Level) Logger {
	logger := slog.NewSugaredLogger(w, level)

	f := slog.AsTextFormatter(logger.Formatter)
	f.SetTemplate("[{{datetime}}] {{level}} {{message}}\n")
	f.EnableColor = false

	return logger
}

func defaultLogger() Logger {
	return NewLogger(os.Stderr, slog.DebugLevel)
}

// switchLogger represents the logger that could be enabled/disabled
type switchLogger struct {
	enable atomic.Bool
	Logger Logger
}

func newSwitchLogger(l Logger, enable bool) *switchLogger {
	s := &switchLogger{Logger: l}
	s.enable.Store(enable)

	return s
}

func (l *switchLogger) Debugf(format string, args ...any) {
	if l.enable.Load() {
		l.Logger.Debugf(format, args...)
	}
}

func (l *switchLogger) Infof(format string, args ...any) {
	if l.enable.Load() {
		l.Logger.Infof(format, args...)
	}
}

func (l *switchLogger) Warnf(format string, args ...any) {
	if l.enable.Load() {
		l.Logger.Warnf(format, args...)
	}
}

func (l *switchLogger) Errorf(format string, args ...any) {
	if l.enable.Load() {
		l.Logger.Errorf(format, args...)
	}
}
