package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.messages, "\n")
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got Event
	d.Register("select", func(_ context.Context, e Event) (any, error) {
		got = e
		return "result", nil
	})

	result, err := d.Dispatch(context.Background(), Event{Command: "select", EntityID: "V2"})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got.EntityID != "V2" {
		t.Errorf("expected handler to see V2, got %q", got.EntityID)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected dispatch to stamp the event")
	}
	if result != "result" {
		t.Errorf("expected 'result', got %v", result)
	}
}

func TestDispatcher_UnknownCommand(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), Event{Command: "teleport"})

	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var count atomic.Int32
	done := make(chan struct{})

	d.Register("filter", func(_ context.Context, e Event) (any, error) {
		if count.Add(1) == 3 {
			close(done)
		}
		return nil, nil
	}, Buffered(10))

	for i := 0; i < 3; i++ {
		result, err := d.Dispatch(context.Background(), Event{Command: "filter", Query: "ABC"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != Queued {
			t.Errorf("expected %q, got %v", Queued, result)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected 3 calls, got %d", count.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d.Register("refresh", func(_ context.Context, e Event) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}, Buffered(1))
	defer close(release)

	// occupy the worker, then fill the queue
	if _, err := d.Dispatch(context.Background(), Event{Command: "refresh"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started
	if _, err := d.Dispatch(context.Background(), Event{Command: "refresh"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := d.Dispatch(context.Background(), Event{Command: "refresh"})
	if err == nil {
		t.Error("expected error when queue is full")
	}
}

func TestDispatcher_BufferedBlockingHonoursContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d.Register("history", func(_ context.Context, e Event) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}, Buffered(1), Blocking())
	defer close(release)

	_, _ = d.Dispatch(context.Background(), Event{Command: "history"})
	<-started
	_, _ = d.Dispatch(context.Background(), Event{Command: "history"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, Event{Command: "history"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcher_BufferedDetachesRequestContext(t *testing.T) {
	d, _ := newTestDispatcher(t)

	seen := make(chan error, 1)
	d.Register("close_history", func(ctx context.Context, e Event) (any, error) {
		seen <- ctx.Err()
		return nil, nil
	}, Buffered(1))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := d.Dispatch(ctx, Event{Command: "close_history"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	select {
	case err := <-seen:
		if err != nil {
			t.Errorf("queued handler saw cancelled context: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("select", func(_ context.Context, e Event) (any, error) {
		return "ok", nil
	}, Logged())

	_, _ = d.Dispatch(context.Background(), Event{Command: "select", EntityID: "V3", Source: "viewer"})

	out := logger.joined()
	if !strings.Contains(out, "handling command") || !strings.Contains(out, "command complete") {
		t.Errorf("expected start and completion logs, got:\n%s", out)
	}
	if !strings.Contains(out, "V3") {
		t.Errorf("expected vehicle id in log, got:\n%s", out)
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register("history", func(_ context.Context, e Event) (any, error) {
		return nil, errors.New("no selection")
	}, Logged())

	_, err := d.Dispatch(context.Background(), Event{Command: "history"})

	if err == nil {
		t.Error("expected error")
	}
	if !strings.Contains(logger.joined(), "ERROR: command failed") {
		t.Errorf("expected error log, got:\n%s", logger.joined())
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register("history", func(ctx context.Context, e Event) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Timeout(10*time.Millisecond))

	_, err := d.Dispatch(context.Background(), Event{Command: "history"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcher_HasHandlerAndCommands(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if d.HasHandler("select") {
		t.Error("expected no handler before registration")
	}

	noop := func(context.Context, Event) (any, error) { return nil, nil }
	d.Register("select", noop)
	d.Register("filter", noop)

	if !d.HasHandler("select") {
		t.Error("expected handler after registration")
	}
	cmds := d.Commands()
	if len(cmds) != 2 || cmds[0] != "filter" || cmds[1] != "select" {
		t.Errorf("unexpected commands: %v", cmds)
	}
}

func TestDispatcher_Close(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var count atomic.Int32
	d.Register("refresh", func(context.Context, Event) (any, error) {
		count.Add(1)
		return nil, nil
	}, Buffered(5))

	for i := 0; i < 3; i++ {
		_, _ = d.Dispatch(context.Background(), Event{Command: "refresh"})
	}
	d.Close()

	if count.Load() != 3 {
		t.Errorf("expected queued commands drained on close, got %d", count.Load())
	}
	if _, err := d.Dispatch(context.Background(), Event{Command: "refresh"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	d.Close()
}
