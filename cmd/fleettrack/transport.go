package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fleetdesk/fleettrack/internal/config"
	"github.com/fleetdesk/fleettrack/internal/database"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/feed/mqttfeed"
	"github.com/fleetdesk/fleettrack/internal/feed/pgfeed"
	"github.com/fleetdesk/fleettrack/internal/feed/redisfeed"
	"github.com/fleetdesk/fleettrack/internal/feed/wsfeed"
)

// buildTransport returns the configured realtime transport, or nil when no
// feed is available. release frees any client the transport holds.
func buildTransport(cfg config.FeedConfig, store config.StoreConfig, db *database.Manager, logger *slog.Logger) (t feed.Transport, release func(), err error) {
	release = func() {}
	switch cfg.Transport {
	case "none":
		logger.Warn("No position feed configured; markers will not move")
		return nil, release, nil
	case "postgres":
		if db == nil || !db.IsPostgres() {
			logger.Warn("Postgres feed selected but the store is not on Postgres; feed disabled")
			return nil, release, nil
		}
		dsn := database.Config{
			Host:     store.Host,
			Port:     store.Port,
			Username: store.Username,
			Password: store.Password,
			Database: store.Database,
			SSLMode:  store.SSLMode,
		}.DSN()
		return pgfeed.New(pgfeed.Config{DSN: dsn, Channel: store.NotifyChannel}, logger), release, nil
	case "websocket":
		return wsfeed.New(wsfeed.Config{
			URL:          cfg.Websocket.URL,
			Secret:       cfg.Websocket.Secret,
			Topic:        cfg.Websocket.Topic,
			MaxReconnect: cfg.Websocket.MaxReconnect,
			PongWait:     cfg.Websocket.PongWait,
		}, logger), release, nil
	case "redis":
		rdb := redisClient(cfg.Redis)
		return redisfeed.New(rdb, redisfeed.Config{Channel: cfg.Redis.Channel}, logger), func() { _ = rdb.Close() }, nil
	case "mqtt":
		return mqttfeed.New(mqttConfig(cfg.MQTT), logger), release, nil
	default:
		return nil, release, fmt.Errorf("unknown feed transport %q", cfg.Transport)
	}
}

func redisClient(cfg config.RedisFeedConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
}

func mqttConfig(cfg config.MQTTFeedConfig) mqttfeed.Config {
	return mqttfeed.Config{
		BrokerURL: cfg.Broker,
		ClientID:  cfg.ClientID,
		Topic:     cfg.Topic,
		QoS:       cfg.QoS,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
}

// publisher announces a pushed row on transports that have no database
// trigger behind them.
type publisher interface {
	Publish(ctx context.Context, r feed.Row) error
}

func buildPublisher(ctx context.Context, cfg config.FeedConfig) (publisher, func(), error) {
	switch cfg.Transport {
	case "redis":
		rdb := redisClient(cfg.Redis)
		return redisfeed.NewPublisher(rdb, redisfeed.Config{Channel: cfg.Redis.Channel}), func() { _ = rdb.Close() }, nil
	case "mqtt":
		p, err := mqttfeed.Dial(ctx, mqttConfig(cfg.MQTT))
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close(context.Background()) }, nil
	default:
		return nil, func() {}, nil
	}
}
