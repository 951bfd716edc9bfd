package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/fleetdesk/fleettrack/internal/feed"
)

const writeWait = 10 * time.Second

// connection owns one websocket to the feed server. A single readLoop runs
// at a time; on read error it hands over to reconnect.
type connection struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *ws.Conn
	done   chan struct{} // closed on shutdown
	closed bool

	onInsert func(feed.Row)
	onLost   func(error)
}

func newConnection(cfg Config, logger *slog.Logger, onInsert func(feed.Row), onLost func(error)) *connection {
	return &connection{
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
		onInsert: onInsert,
		onLost:   onLost,
	}
}

// dial connects, joins the topic and starts the read loop.
func (c *connection) dial(ctx context.Context) error {
	conn, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// dialOnce performs a single dial with the secret query param and sends the
// join message for the configured topic.
func (c *connection) dialOnce(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if c.cfg.Secret != "" {
		q := u.Query()
		q.Set("secret", c.cfg.Secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	join, err := joinMessage(c.cfg.Topic)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set join deadline: %w", err)
	}
	if err := conn.WriteMessage(ws.TextMessage, join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

// readLoop decodes insert events until the socket fails. Any frame, pongs
// included, pushes the read deadline out by PongWait.
func (c *connection) readLoop(conn *ws.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("Feed websocket read error", "error", err)
			go c.reconnect(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		row, err := feed.DecodeRow(message)
		if err != nil {
			if !errors.Is(err, feed.ErrNotInsert) {
				c.logger.Debug("Ignoring feed message", "error", err, "raw", string(message))
			}
			continue
		}
		c.onInsert(row)
	}
}

// pingLoop keeps the server answering so a half-open socket trips the read
// deadline instead of hanging.
func (c *connection) pingLoop(conn *ws.Conn, stop <-chan struct{}) {
	ping := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ping.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Feed websocket ping failed", "error", err)
				return
			}
		}
	}
}

// reconnect re-establishes the socket with exponential backoff. When every
// attempt fails the channel is reported lost.
func (c *connection) reconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	backoff := c.cfg.InitialBackoff
	lastErr := cause
	for attempt := 1; attempt <= c.cfg.MaxReconnect; attempt++ {
		c.logger.Info("Reconnecting feed websocket", "attempt", attempt, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dialOnce(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("Feed reconnect dial failed", "attempt", attempt, "error", err)
			lastErr = err
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("Feed websocket reconnected", "attempt", attempt)
		go c.readLoop(conn)
		return
	}

	c.logger.Error("Feed websocket reconnect failed after max attempts", "maxAttempts", c.cfg.MaxReconnect)
	c.onLost(fmt.Errorf("reconnect failed after %d attempts: %w", c.cfg.MaxReconnect, lastErr))
}

// Close sends a close frame and stops the read loop. It is idempotent.
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}
