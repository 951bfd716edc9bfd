// Package pgfeed receives position inserts through PostgreSQL LISTEN/NOTIFY.
// The fleet store installs a trigger that notifies each inserted row as JSON.
package pgfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetdesk/fleettrack/internal/feed"
)

// DefaultChannel matches the NOTIFY channel used by the store trigger.
const DefaultChannel = "vehicle_positions"

// Config holds LISTEN feed configuration.
type Config struct {
	DSN     string
	Channel string
}

// Transport implements feed.Transport with one dedicated connection per
// channel.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

var _ feed.Transport = (*Transport)(nil)

// New creates a LISTEN transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger.With("transport", "postgres")}
}

// Open connects and issues LISTEN before returning.
func (t *Transport) Open(ctx context.Context, onInsert func(feed.Row), onLost func(error)) (feed.Channel, error) {
	conn, err := pgx.Connect(ctx, t.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.cfg.Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", t.cfg.Channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &listener{conn: conn, cancel: cancel, done: make(chan struct{})}
	go t.wait(runCtx, l, onInsert, onLost)
	return l, nil
}

func (t *Transport) wait(ctx context.Context, l *listener, onInsert func(feed.Row), onLost func(error)) {
	defer close(l.done)
	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("Postgres notification wait failed", "error", err)
			onLost(err)
			return
		}
		row, err := feed.DecodeRow([]byte(n.Payload))
		if err != nil {
			if !errors.Is(err, feed.ErrNotInsert) {
				t.logger.Debug("Ignoring notification", "channel", n.Channel, "error", err)
			}
			continue
		}
		onInsert(row)
	}
}

type listener struct {
	conn   *pgx.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close stops the wait loop and closes the connection.
func (l *listener) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.err = l.conn.Close(ctx)
	})
	return l.err
}
