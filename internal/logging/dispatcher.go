package logging

import (
	"context"
	"log/slog"
)

// DispatcherLogger feeds command dispatcher events into slog, tagged with
// component=dispatcher.
type DispatcherLogger struct {
	logger *slog.Logger
}

func NewDispatcherLogger(logger *slog.Logger) *DispatcherLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatcherLogger{logger: logger.With("component", "dispatcher")}
}

func (l *DispatcherLogger) Debug(msg string, kv ...any) { l.log(slog.LevelDebug, msg, kv) }
func (l *DispatcherLogger) Info(msg string, kv ...any)  { l.log(slog.LevelInfo, msg, kv) }
func (l *DispatcherLogger) Error(msg string, kv ...any) { l.log(slog.LevelError, msg, kv) }

func (l *DispatcherLogger) log(level slog.Level, msg string, kv []any) {
	l.logger.Log(context.Background(), level, msg, kv...)
}
