// Package mqttfeed receives position inserts published to an MQTT broker,
// one topic per vehicle (fleet/<vehicle>/position by default).
package mqttfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/fleetdesk/fleettrack/internal/feed"
)

const (
	DefaultTopic   = "fleet/+/position"
	topicTemplate  = "fleet/%s/position"
	defaultQoS     = 1
	defaultBackoff = 3 * time.Second
)

// Config holds MQTT feed configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Topic          string
	QoS            byte
	Username       string
	Password       string
	KeepAlive      uint16
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.QoS == 0 {
		c.QoS = defaultQoS
	}
	if c.ClientID == "" {
		c.ClientID = "fleettrack-" + uuid.NewString()[:8]
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultBackoff
	}
	return c
}

// Transport implements feed.Transport over MQTT.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

var _ feed.Transport = (*Transport)(nil)

// New creates an MQTT feed transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg.withDefaults(), logger: logger.With("transport", "mqtt")}
}

// Open connects to the broker and returns once the first connection is up.
// The subscription is re-sent on every reconnect.
func (t *Transport) Open(ctx context.Context, onInsert func(feed.Row), onLost func(error)) (feed.Channel, error) {
	brokerURL, err := url.Parse(t.cfg.BrokerURL)
	if err != nil || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid broker URL %q", t.cfg.BrokerURL)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{cancel: cancel, logger: t.logger}

	router := func(p paho.PublishReceived) (bool, error) {
		row, err := decode(t.cfg.Topic, p.Packet.Topic, p.Packet.Payload)
		if err != nil {
			t.logger.Debug("Ignoring MQTT message", "topic", p.Packet.Topic, "error", err)
			return true, nil
		}
		onInsert(row)
		return true, nil
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     t.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(t.cfg.ReconnectDelay),
		ConnectTimeout:                t.cfg.ConnectTimeout,
		ConnectUsername:               t.cfg.Username,
		ConnectPassword:               []byte(t.cfg.Password),
		ClientConfig: paho.ClientConfig{
			ClientID: t.cfg.ClientID,
			OnClientError: func(err error) {
				t.logger.Error("MQTT client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				t.logger.Warn("MQTT server requested disconnect", "reason", reason)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){router},
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.logger.Info("MQTT connection established", "topic", t.cfg.Topic)
			if _, err := cm.Subscribe(runCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: t.cfg.Topic, QoS: t.cfg.QoS}},
			}); err != nil {
				t.logger.Error("MQTT subscribe failed", "topic", t.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			t.logger.Warn("MQTT connection failed, retrying", "error", err)
		},
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		cancel()
		<-cm.Done()
		return nil, fmt.Errorf("mqtt await connection: %w", err)
	}
	s.cm = cm

	go func() {
		<-cm.Done()
		if !s.isClosed() {
			onLost(feed.ErrChannelClosed)
		}
	}()
	return s, nil
}

type subscription struct {
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disconnects from the broker. It is idempotent.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.cm.Disconnect(ctx)
	s.cancel()
	<-s.cm.Done()
	if err != nil && !errors.Is(err, autopaho.ConnectionDownError) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	s.logger.Info("MQTT client disconnected")
	return nil
}

// TopicFor returns the publish topic for one vehicle.
func TopicFor(vehicleID string) string {
	return fmt.Sprintf(topicTemplate, vehicleID)
}

// decode reads a row from a message; a missing vehicle_id is taken from the
// single-level wildcard in the subscription filter.
func decode(filter, topic string, payload []byte) (feed.Row, error) {
	var r feed.Row
	if err := json.Unmarshal(payload, &r); err != nil {
		return feed.Row{}, fmt.Errorf("decode position row: %w", err)
	}
	if r.VehicleID == "" {
		r.VehicleID = wildcardValue(filter, topic)
	}
	if r.VehicleID == "" {
		return feed.Row{}, errors.New("decode position row: missing vehicle_id")
	}
	return r, nil
}

// wildcardValue returns the topic level matched by the first '+' in filter,
// or "" when the topic does not match.
func wildcardValue(filter, topic string) string {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	value := ""
	for i, part := range fp {
		if part == "#" {
			return value
		}
		if i >= len(tp) {
			return ""
		}
		switch {
		case part == "+":
			if value == "" {
				value = tp[i]
			}
		case part != tp[i]:
			return ""
		}
	}
	if len(fp) != len(tp) {
		return ""
	}
	return value
}

// Publisher sends rows to per-vehicle topics.
type Publisher struct {
	cm *autopaho.ConnectionManager
}

// Dial connects a publisher and waits for the connection.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid broker URL %q", cfg.BrokerURL)
	}
	cm, err := autopaho.NewConnection(ctx, autopaho.ClientConfig{
		ServerUrls:       []*url.URL{brokerURL},
		KeepAlive:        cfg.KeepAlive,
		ReconnectBackoff: autopaho.NewConstantBackoff(cfg.ReconnectDelay),
		ConnectTimeout:   cfg.ConnectTimeout,
		ConnectUsername:  cfg.Username,
		ConnectPassword:  []byte(cfg.Password),
		ClientConfig:     paho.ClientConfig{ClientID: cfg.ClientID + "-pub"},
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("mqtt await connection: %w", err)
	}
	return &Publisher{cm: cm}, nil
}

// Publish sends one row with QoS 1.
func (p *Publisher) Publish(ctx context.Context, r feed.Row) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   TopicFor(r.VehicleID),
		QoS:     1,
		Payload: data,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", r.VehicleID, err)
	}
	return nil
}

// Close disconnects the publisher.
func (p *Publisher) Close(ctx context.Context) error {
	return p.cm.Disconnect(ctx)
}
