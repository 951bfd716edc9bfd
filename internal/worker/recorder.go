// Package worker runs background jobs that sit beside the tracking pipeline.
package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/internal/queue"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultBuffer       = 50000
	DefaultWriteTimeout = 10 * time.Second
)

// Writer persists position samples and reports how many were stored.
type Writer interface {
	InsertPositions(ctx context.Context, samples []core.PositionSample) (int, error)
}

// Recorder buffers feed samples and writes them to a Writer in batches.
type Recorder struct {
	writer       Writer
	logger       *slog.Logger
	clock        clock.WithTicker
	interval     time.Duration
	writeTimeout time.Duration
	pending      *queue.Queue[core.PositionSample]

	written   atomic.Int64
	failures  atomic.Int64
	lastWrite atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock replaces the flush ticker's clock.
func WithClock(c clock.WithTicker) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithInterval sets the flush period.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBuffer bounds the number of samples waiting for a flush. The oldest
// samples are evicted first.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.pending = queue.NewBounded[core.PositionSample](n)
		}
	}
}

// WithWriteTimeout bounds a single batch write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w Writer, logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		writer:       w,
		logger:       logger.With("component", "recorder"),
		clock:        clock.RealClock{},
		interval:     DefaultInterval,
		writeTimeout: DefaultWriteTimeout,
		pending:      queue.NewBounded[core.PositionSample](DefaultBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record queues a sample for the next flush. It never blocks.
func (r *Recorder) Record(s core.PositionSample) {
	if evicted := r.pending.Push(s); evicted > 0 {
		observability.RecorderDropped.Add(float64(evicted))
	}
}

// Run flushes on every tick until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
			_, err := r.Flush(final)
			cancel()
			if err != nil {
				r.logger.Error("Final flush failed", "pending", r.pending.Len(), "error", err)
			}
			return nil
		case <-ticker.C():
			// errors are logged and the batch stays queued
			_, _ = r.Flush(ctx)
		}
	}
}

// Flush writes every pending sample as one batch. On failure the batch is
// queued again behind any samples that arrived meanwhile.
func (r *Recorder) Flush(ctx context.Context) (int, error) {
	if r.pending.Empty() {
		return 0, nil
	}

	batch := make([]core.PositionSample, 0, r.pending.Len())
	r.pending.Drain(func(s core.PositionSample) {
		batch = append(batch, s)
	})

	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	start := r.clock.Now()
	n, err := r.writer.InsertPositions(wctx, batch)
	elapsed := r.clock.Since(start)
	r.lastWrite.Store(int64(elapsed))
	observability.RecorderWriteLatency.Observe(elapsed.Seconds())

	if err != nil {
		r.failures.Add(1)
		if evicted := r.pending.Push(batch...); evicted > 0 {
			observability.RecorderDropped.Add(float64(evicted))
		}
		r.logger.Error("Batch write failed", "samples", len(batch), "error", err)
		return 0, err
	}

	r.written.Add(int64(n))
	observability.RecorderWritten.Add(float64(n))
	if skipped := len(batch) - n; skipped > 0 {
		r.logger.Warn("Invalid samples skipped", "skipped", skipped)
	}
	r.logger.Debug("Batch written", "samples", n, "duration", elapsed)
	return n, nil
}

// Pending returns the number of samples waiting for a flush.
func (r *Recorder) Pending() int { return r.pending.Len() }

// Dropped returns the number of samples evicted from the buffer.
func (r *Recorder) Dropped() int { return r.pending.Dropped() }

// Written returns the number of samples persisted so far.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Failures returns the number of failed batch writes.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

// LastWriteDuration returns how long the most recent batch write took.
func (r *Recorder) LastWriteDuration() time.Duration {
	return time.Duration(r.lastWrite.Load())
}
