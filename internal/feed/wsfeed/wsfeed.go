// Package wsfeed receives position inserts from a websocket change stream.
package wsfeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

// Config holds websocket feed configuration.
type Config struct {
	URL            string
	Secret         string
	Topic          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxReconnect   int
	// PongWait is how long the socket may stay silent before it is treated
	// as dead. Pings go out at nine tenths of it.
	PongWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "vehicle_positions"
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Transport implements feed.Transport over a websocket.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

var _ feed.Transport = (*Transport)(nil)

// New creates a websocket feed transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg.withDefaults(), logger: logger.With("transport", "websocket")}
}

// Open dials the server and joins the configured topic.
func (t *Transport) Open(ctx context.Context, onInsert func(feed.Row), onLost func(error)) (feed.Channel, error) {
	c := newConnection(t.cfg, t.logger, onInsert, onLost)
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func joinMessage(topic string) ([]byte, error) {
	return streaming.Marshal(streaming.TypeJoin, streaming.JoinPayload{Topic: topic})
}

// InsertMessage encodes a row as an insert envelope, the format servers
// publish on the feed socket.
func InsertMessage(r feed.Row) ([]byte, error) {
	return streaming.Marshal(streaming.TypeInsert, r)
}
