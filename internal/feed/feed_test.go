package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/feed/feedtest"
	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	samples []core.PositionSample
}

func (r *recorder) add(s core.PositionSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) all() []core.PositionSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.PositionSample(nil), r.samples...)
}

func v1Sample(ts time.Time) core.PositionSample {
	return core.PositionSample{EntityID: "V1", Latitude: 35.90, Longitude: 14.40, Timestamp: ts, Speed: 40, Heading: core.HeadingPtr(90)}
}

func TestSubscribe_DeliversSamples(t *testing.T) {
	tr := feedtest.New()
	c := feed.NewClient(tr, nil)
	rec := &recorder{}

	h := c.Subscribe(rec.add)
	require.NoError(t, h.Err())
	require.True(t, h.Active())
	require.NotEmpty(t, h.ID())

	tr.PublishSample(v1Sample(t0))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "V1", got[0].EntityID)
	assert.Equal(t, 40.0, got[0].Speed)
	assert.Equal(t, 1, tr.OpenChannels())
}

func TestSubscribe_PassesDuplicatesAndReordering(t *testing.T) {
	tr := feedtest.New()
	rec := &recorder{}
	feed.NewClient(tr, nil).Subscribe(rec.add)

	tr.PublishSample(v1Sample(t0))
	tr.PublishSample(v1Sample(t0))
	tr.PublishSample(v1Sample(t0.Add(-time.Second)))

	assert.Len(t, rec.all(), 3, "deduplication is the consumer's job")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	tr := feedtest.New()
	rec := &recorder{}
	h := feed.NewClient(tr, nil).Subscribe(rec.add)

	require.NoError(t, h.Unsubscribe())
	assert.False(t, h.Active())
	assert.Equal(t, 0, tr.OpenChannels())

	tr.PublishSample(v1Sample(t0))
	assert.Empty(t, rec.all())
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	tr := feedtest.New()
	h := feed.NewClient(tr, nil).Subscribe(func(core.PositionSample) {})

	require.NoError(t, h.Unsubscribe())
	require.NoError(t, h.Unsubscribe())
	require.NoError(t, h.Unsubscribe())
}

func TestSubscribe_OpenFailure(t *testing.T) {
	tr := feedtest.New()
	tr.FailOpen(errors.New("network unreachable"))
	rec := &recorder{}

	h := feed.NewClient(tr, nil).Subscribe(rec.add)
	require.NotNil(t, h)
	require.Error(t, h.Err())
	assert.True(t, errors.Is(h.Err(), feed.ErrFeedUnavailable))
	assert.False(t, h.Active())

	tr.PublishSample(v1Sample(t0))
	assert.Empty(t, rec.all())
	assert.NoError(t, h.Unsubscribe())
}

func TestSubscribe_NilTransport(t *testing.T) {
	h := feed.NewClient(nil, nil).Subscribe(func(core.PositionSample) {})
	assert.True(t, errors.Is(h.Err(), feed.ErrFeedUnavailable))
	assert.NoError(t, h.Unsubscribe())
}

type panickingTransport struct{}

func (panickingTransport) Open(context.Context, func(feed.Row), func(error)) (feed.Channel, error) {
	panic("boom")
}

func TestSubscribe_TransportPanicBecomesError(t *testing.T) {
	h := feed.NewClient(panickingTransport{}, nil).Subscribe(func(core.PositionSample) {})
	assert.True(t, errors.Is(h.Err(), feed.ErrFeedUnavailable))
}

func TestSubscribe_OnLostFiresOnce(t *testing.T) {
	tr := feedtest.New()
	var lost []error
	h := feed.NewClient(tr, nil).Subscribe(func(core.PositionSample) {}, feed.OnLost(func(err error) {
		lost = append(lost, err)
	}))
	require.NoError(t, h.Err())

	tr.Drop(errors.New("reset by peer"))
	tr.Drop(errors.New("again"))

	require.Len(t, lost, 1)
	assert.True(t, errors.Is(lost[0], feed.ErrFeedUnavailable))
}

func TestSubscribe_OnLostSilentAfterUnsubscribe(t *testing.T) {
	tr := feedtest.New()
	called := false
	h := feed.NewClient(tr, nil).Subscribe(func(core.PositionSample) {}, feed.OnLost(func(error) { called = true }))

	// keep a channel reference alive by subscribing a second consumer
	feed.NewClient(tr, nil).Subscribe(func(core.PositionSample) {})
	require.NoError(t, h.Unsubscribe())
	tr.Drop(nil)

	assert.False(t, called)
}

func TestSubscribe_ForEntity(t *testing.T) {
	tr := feedtest.New()
	rec := &recorder{}
	feed.NewClient(tr, nil).Subscribe(rec.add, feed.ForEntity("V2"))

	tr.PublishSample(v1Sample(t0))
	s := v1Sample(t0)
	s.EntityID = "V2"
	tr.PublishSample(s)

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "V2", got[0].EntityID)
}

func TestSubscribe_InvalidRowDropped(t *testing.T) {
	tr := feedtest.New()
	rec := &recorder{}
	feed.NewClient(tr, nil).Subscribe(rec.add)

	speed := -5.0
	tr.Publish(feed.Row{VehicleID: "V1", Latitude: 35.9, Longitude: 14.4, RecordedAt: t0, Speed: &speed})
	tr.Publish(feed.Row{VehicleID: "V1", Latitude: 135.9, Longitude: 14.4, RecordedAt: t0})

	assert.Empty(t, rec.all())
}

func TestSubscribe_ConsumerPanicIsContained(t *testing.T) {
	tr := feedtest.New()
	calls := 0
	feed.NewClient(tr, nil).Subscribe(func(core.PositionSample) {
		calls++
		panic("render failed")
	})

	assert.NotPanics(t, func() {
		tr.PublishSample(v1Sample(t0))
		tr.PublishSample(v1Sample(t0.Add(time.Second)))
	})
	assert.Equal(t, 2, calls)
}

func TestSubscribe_OpenTimeout(t *testing.T) {
	c := feed.NewClient(blockingTransport{}, nil, feed.WithOpenTimeout(20*time.Millisecond))

	start := time.Now()
	h := c.Subscribe(func(core.PositionSample) {})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, errors.Is(h.Err(), feed.ErrFeedUnavailable))
	assert.ErrorIs(t, h.Err(), context.DeadlineExceeded)
	assert.False(t, h.Active())
	assert.NoError(t, h.Unsubscribe())
}

type blockingTransport struct{}

func (blockingTransport) Open(ctx context.Context, _ func(feed.Row), _ func(error)) (feed.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
