// Package feed delivers newly inserted position records from a realtime
// channel. Delivery is at-least-once and unordered; consumers deduplicate.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/google/uuid"
)

// ErrFeedUnavailable is reported when the channel could not be opened or
// was lost after opening.
var ErrFeedUnavailable = errors.New("position feed unavailable")

// ErrChannelClosed is passed to onLost by transports whose stream ended
// without a Close call.
var ErrChannelClosed = errors.New("feed channel closed by remote")

const defaultOpenTimeout = 10 * time.Second

// Channel is an open realtime channel. Close releases it synchronously.
type Channel interface {
	Close() error
}

// Transport opens realtime channels carrying inserted position rows.
// onInsert may be called from any goroutine; onLost is called at most once,
// when the transport gives up on the channel.
type Transport interface {
	Open(ctx context.Context, onInsert func(Row), onLost func(error)) (Channel, error)
}

// Client subscribes consumers to a Transport.
type Client struct {
	transport   Transport
	logger      *slog.Logger
	openTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOpenTimeout bounds how long Subscribe waits for the transport.
func WithOpenTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

// NewClient creates a feed client over the given transport.
func NewClient(t Transport, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		transport:   t,
		logger:      logger.With("component", "feed"),
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a subscription.
type Option func(*subscribeConfig)

type subscribeConfig struct {
	entityID string
	onLost   func(error)
}

// ForEntity scopes the subscription to one vehicle.
func ForEntity(id string) Option {
	return func(c *subscribeConfig) {
		c.entityID = id
	}
}

// OnLost registers a callback fired once if the channel drops after opening.
func OnLost(fn func(error)) Option {
	return func(c *subscribeConfig) {
		c.onLost = fn
	}
}

// Handle is a live subscription.
type Handle struct {
	id       string
	entityID string
	active   atomic.Bool

	mu      sync.Mutex
	channel Channel
	err     error

	lostOnce sync.Once
}

// ID returns the subscription id.
func (h *Handle) ID() string {
	return h.id
}

// Err returns the open error, wrapped in ErrFeedUnavailable, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Active reports whether callbacks may still fire.
func (h *Handle) Active() bool {
	return h.active.Load()
}

// Unsubscribe stops delivery and closes the channel. It is idempotent and
// safe on a handle whose open failed. No callback starts after it returns.
func (h *Handle) Unsubscribe() error {
	h.active.Store(false)

	h.mu.Lock()
	ch := h.channel
	h.channel = nil
	h.mu.Unlock()

	if ch == nil {
		return nil
	}
	observability.FeedSubscriptions.Dec()
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close feed channel: %w", err)
	}
	return nil
}

// Subscribe opens one channel and routes each valid sample to onUpdate.
// It blocks until the transport has opened or failed, for at most the open
// timeout, so Err() is final once it returns. It never returns nil and never
// panics. On failure Err() is set
// and no callback fires.
func (c *Client) Subscribe(onUpdate func(core.PositionSample), opts ...Option) *Handle {
	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Handle{id: uuid.NewString(), entityID: cfg.entityID}
	h.active.Store(true)
	log := c.logger.With("subscription", h.id)

	onInsert := func(r Row) {
		if !h.active.Load() {
			return
		}
		s, err := r.Sample()
		if err != nil {
			observability.FeedRowsRejected.Inc()
			log.Warn("Dropping invalid position row", "vehicle", r.VehicleID, "error", err)
			return
		}
		if h.entityID != "" && s.EntityID != h.entityID {
			return
		}
		observability.FeedSamplesReceived.Inc()
		c.deliver(log, onUpdate, s)
	}

	onLost := func(err error) {
		if !h.active.Load() {
			return
		}
		h.lostOnce.Do(func() {
			log.Warn("Position feed lost", "error", err)
			if cfg.onLost != nil {
				cfg.onLost(fmt.Errorf("%w: %w", ErrFeedUnavailable, err))
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.openTimeout)
	defer cancel()

	ch, err := c.open(ctx, onInsert, onLost)
	if err != nil {
		h.active.Store(false)
		h.mu.Lock()
		h.err = fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
		h.mu.Unlock()
		observability.FeedOpenFailures.Inc()
		log.Error("Failed to open position feed", "error", err)
		return h
	}

	h.mu.Lock()
	h.channel = ch
	h.mu.Unlock()

	observability.FeedSubscriptions.Inc()
	log.Info("Position feed subscribed", "vehicle", cfg.entityID)
	return h
}

func (c *Client) open(ctx context.Context, onInsert func(Row), onLost func(error)) (ch Channel, err error) {
	defer func() {
		if r := recover(); r != nil {
			ch, err = nil, fmt.Errorf("transport panic: %v", r)
		}
	}()
	if c.transport == nil {
		return nil, errors.New("no transport configured")
	}
	ch, err = c.transport.Open(ctx, onInsert, onLost)
	if err == nil && ch == nil {
		err = errors.New("transport returned no channel")
	}
	return ch, err
}

func (c *Client) deliver(log *slog.Logger, onUpdate func(core.PositionSample), s core.PositionSample) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Position feed consumer panicked", "vehicle", s.EntityID, "panic", r)
		}
	}()
	onUpdate(s)
}
