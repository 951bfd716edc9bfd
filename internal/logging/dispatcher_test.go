package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleettrack/internal/dispatcher"
)

var _ dispatcher.Logger = (*DispatcherLogger)(nil)

func TestDispatcherLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*DispatcherLogger)
		level string
		want  map[string]any
	}{
		{
			name:  "debug",
			log:   func(l *DispatcherLogger) { l.Debug("handling command", "command", "select", "entity", "V1") },
			level: "DEBUG",
			want:  map[string]any{"command": "select", "entity": "V1"},
		},
		{
			name:  "info",
			log:   func(l *DispatcherLogger) { l.Info("command complete", "command", "refresh") },
			level: "INFO",
			want:  map[string]any{"command": "refresh"},
		},
		{
			name:  "error",
			log:   func(l *DispatcherLogger) { l.Error("command failed", "command", "history", "queued", 3) },
			level: "ERROR",
			want:  map[string]any{"command": "history", "queued": float64(3)},
		},
		{
			name:  "no fields",
			log:   func(l *DispatcherLogger) { l.Info("dispatcher closed") },
			level: "INFO",
			want:  map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			tt.log(NewDispatcherLogger(logger))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, "dispatcher", entry["component"])
			for k, v := range tt.want {
				assert.Equal(t, v, entry[k], k)
			}
		})
	}
}

func TestDispatcherLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	NewDispatcherLogger(logger).Debug("handling command")
	assert.Zero(t, buf.Len())
}

func TestDispatcherLogger_NilFallsBackToDefault(t *testing.T) {
	assert.NotNil(t, NewDispatcherLogger(nil))
}
