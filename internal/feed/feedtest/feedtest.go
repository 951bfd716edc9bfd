// Package feedtest provides an in-memory feed.Transport for tests and demos.
package feedtest

import (
	"context"
	"errors"
	"sync"

	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Transport is an in-memory transport. Publish delivers synchronously to every
// open channel, which lets tests assert on delivery without sleeping.
type Transport struct {
	mu       sync.Mutex
	openErr  error
	channels map[*Channel]struct{}
	opened   int
}

// New creates an empty transport.
func New() *Transport {
	return &Transport{channels: make(map[*Channel]struct{})}
}

// FailOpen makes subsequent Open calls return err (nil restores success).
func (t *Transport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// Open implements feed.Transport.
func (t *Transport) Open(ctx context.Context, onInsert func(feed.Row), onLost func(error)) (feed.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &Channel{t: t, onInsert: onInsert, onLost: onLost}
	t.channels[ch] = struct{}{}
	t.opened++
	return ch, nil
}

// Publish delivers a row to every open channel.
func (t *Transport) Publish(r feed.Row) {
	for _, ch := range t.snapshot() {
		ch.onInsert(r)
	}
}

// PublishSample delivers a sample as a row.
func (t *Transport) PublishSample(s core.PositionSample) {
	t.Publish(feed.RowFromSample(s))
}

// Drop simulates a lost connection on every open channel.
func (t *Transport) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset")
	}
	for _, ch := range t.snapshot() {
		ch.onLost(err)
	}
}

// OpenChannels returns the number of currently open channels.
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Opened returns how many channels were ever opened.
func (t *Transport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func (t *Transport) snapshot() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Channel, 0, len(t.channels))
	for ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// Channel is one open in-memory channel.
type Channel struct {
	t        *Transport
	onInsert func(feed.Row)
	onLost   func(error)
	closed   bool
}

// Close implements feed.Channel.
func (c *Channel) Close() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	delete(c.t.channels, c)
	return nil
}
