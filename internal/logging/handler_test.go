package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textHandler(buf *bytes.Buffer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level})
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("disk full")
}

func TestMultiHandler_FansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger := slog.New(NewMultiHandler(nil, textHandler(&console, slog.LevelInfo), textHandler(&file, slog.LevelDebug)))

	logger.Debug("frame")
	logger.Info("live")

	assert.NotContains(t, console.String(), "frame")
	assert.Contains(t, console.String(), "live")
	assert.Contains(t, file.String(), "frame")
	assert.Contains(t, file.String(), "live")
}

func TestMultiHandler_Enabled(t *testing.T) {
	ctx := context.Background()
	info := textHandler(&bytes.Buffer{}, slog.LevelInfo)
	debug := textHandler(&bytes.Buffer{}, slog.LevelDebug)

	assert.False(t, NewMultiHandler().Enabled(ctx, slog.LevelError))
	assert.False(t, NewMultiHandler(info).Enabled(ctx, slog.LevelDebug))
	assert.True(t, NewMultiHandler(info, debug).Enabled(ctx, slog.LevelDebug))
}

func TestMultiHandler_FailingSink(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(failingHandler{}, textHandler(&buf, slog.LevelInfo))

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "still delivered", 0)
	err := h.Handle(context.Background(), r)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, buf.String(), "still delivered")
}

func TestMultiHandler_Derived(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(textHandler(&buf, slog.LevelInfo))

	slog.New(h.WithAttrs([]slog.Attr{slog.String("component", "surface")})).Info("ready")
	slog.New(h.WithGroup("marker")).Info("moved", "id", "V1")

	assert.Contains(t, buf.String(), "component=surface")
	assert.Contains(t, buf.String(), "marker.id=V1")
	assert.Same(t, h, h.WithGroup(""))
}

func TestContextHandler_AddsProviderAttrs(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	h := NewContextHandler(textHandler(&buf, slog.LevelInfo), func() []slog.Attr {
		calls++
		return []slog.Attr{slog.String("surface", "ready")}
	})

	logger := slog.New(h).With("component", "tracking")
	logger.Debug("filtered")
	logger.Info("selected")

	assert.Equal(t, 1, calls)
	assert.Contains(t, buf.String(), "component=tracking")
	assert.Contains(t, buf.String(), "surface=ready")
}

func TestContextHandler_NilProvider(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewContextHandler(textHandler(&buf, slog.LevelInfo), nil)).WithGroup("").Info("plain")
	assert.Contains(t, buf.String(), "plain")
}
