// Package redisfeed carries position inserts over Redis pub/sub and keeps
// the last published row per vehicle under a TTL key.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetdesk/fleettrack/internal/feed"
)

const (
	defaultChannel   = "fleettrack:positions"
	defaultKeyPrefix = "fleettrack:last:"
	defaultLastTTL   = 10 * time.Minute
	defaultMaxErrors = 5
)

// Config holds Redis feed configuration.
type Config struct {
	Channel   string
	KeyPrefix string
	LastTTL   time.Duration
	// MaxErrors is the number of consecutive receive errors after which the
	// channel is reported lost.
	MaxErrors int
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.LastTTL <= 0 {
		c.LastTTL = defaultLastTTL
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = defaultMaxErrors
	}
	return c
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// Transport implements feed.Transport over Redis pub/sub.
type Transport struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

var _ feed.Transport = (*Transport)(nil)

// New wraps an existing client.
func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{rdb: rdb, cfg: cfg.withDefaults(), logger: logger.With("transport", "redis")}
}

// Open subscribes to the positions channel and waits for the confirmation.
func (t *Transport) Open(ctx context.Context, onInsert func(feed.Row), onLost func(error)) (feed.Channel, error) {
	ps := t.rdb.Subscribe(ctx, t.cfg.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.cfg.Channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{ps: ps, cancel: cancel, done: make(chan struct{})}
	go t.receive(runCtx, s, onInsert, onLost)
	return s, nil
}

func (t *Transport) receive(ctx context.Context, s *subscription, onInsert func(feed.Row), onLost func(error)) {
	defer close(s.done)
	failures := 0
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			failures++
			t.logger.Warn("Redis receive error", "error", err, "consecutive", failures)
			if failures >= t.cfg.MaxErrors {
				onLost(fmt.Errorf("redis subscription failed %d times: %w", failures, err))
				return
			}
			continue
		}
		failures = 0

		row, err := feed.DecodeRow([]byte(msg.Payload))
		if err != nil {
			t.logger.Debug("Ignoring redis message", "error", err)
			continue
		}
		onInsert(row)
	}
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the receive loop to stop.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

// Publisher writes rows to the positions channel.
type Publisher struct {
	rdb *redis.Client
	cfg Config
}

// NewPublisher creates a publisher using the same channel naming as Transport.
func NewPublisher(rdb *redis.Client, cfg Config) *Publisher {
	return &Publisher{rdb: rdb, cfg: cfg.withDefaults()}
}

// Publish stores the row as the vehicle's last known position and announces
// it on the channel.
func (p *Publisher) Publish(ctx context.Context, r feed.Row) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, p.cfg.KeyPrefix+r.VehicleID, data, p.cfg.LastTTL)
	pipe.Publish(ctx, p.cfg.Channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish row for %s: %w", r.VehicleID, err)
	}
	return nil
}

// LastKnown returns the last published row for each id that still has one.
func (p *Publisher) LastKnown(ctx context.Context, ids []string) (map[string]feed.Row, error) {
	out := make(map[string]feed.Row, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = p.cfg.KeyPrefix + id
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget last known: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var r feed.Row
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		out[ids[i]] = r
	}
	return out, nil
}
