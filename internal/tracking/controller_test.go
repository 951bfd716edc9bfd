package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/feed/feedtest"
	"github.com/fleetdesk/fleettrack/internal/surface"
	"github.com/fleetdesk/fleettrack/internal/surface/surfacetest"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type historyCall struct {
	id       string
	from, to time.Time
}

// fakeSource serves a fixed snapshot. History calls block on gate when set.
type fakeSource struct {
	mu          sync.Mutex
	entities    []core.TrackedEntity
	listErr     error
	listCalls   int
	history     []core.PositionSample
	historyErr  error
	historyLog  []historyCall
	gate        chan struct{}
	historyHeld chan struct{}
}

func (f *fakeSource) ListTrackedEntities(context.Context) ([]core.TrackedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]core.TrackedEntity(nil), f.entities...), nil
}

func (f *fakeSource) GetHistory(_ context.Context, id string, from, to time.Time) ([]core.PositionSample, error) {
	f.mu.Lock()
	f.historyLog = append(f.historyLog, historyCall{id: id, from: from, to: to})
	gate, held := f.gate, f.historyHeld
	f.mu.Unlock()

	if gate != nil {
		if held != nil {
			close(held)
		}
		// ignore ctx so a late result is actually delivered
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.PositionSample(nil), f.history...), f.historyErr
}

func (f *fakeSource) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeSource) historyCalls() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyCall(nil), f.historyLog...)
}

type noteLog struct {
	mu    sync.Mutex
	notes []Notification
}

func (l *noteLog) Notify(n Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, n)
}

func (l *noteLog) codes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, n := range l.notes {
		out = append(out, n.Code)
	}
	return out
}

type harness struct {
	c        *Controller
	source   *fakeSource
	feed     *feedtest.Transport
	renderer *surfacetest.Renderer
	notes    *noteLog
	clock    *testingclock.FakeClock
	cancel   context.CancelFunc
	runErr   chan error
}

func testFleet() []core.TrackedEntity {
	return []core.TrackedEntity{
		{ID: "V1", Label: "ABC-123", Status: core.StatusAssigned, Operator: &core.Operator{ID: "op-1", Name: "Maria Borg"}},
		{ID: "V2", Label: "XYZ-987", Status: core.StatusAvailable, LastPosition: &core.PositionSample{EntityID: "V2", Latitude: 35.85, Longitude: 14.50, Timestamp: t0.Add(-time.Hour), Speed: 0}},
		{ID: "V3", Label: "KLM-555", Status: core.StatusBlocked, Operator: &core.Operator{ID: "op-2", Name: "Joe Vella"}, LastPosition: &core.PositionSample{EntityID: "V3", Latitude: 35.95, Longitude: 14.35, Timestamp: t0.Add(-time.Hour), Speed: 10}},
	}
}

func newHarness(t *testing.T, opts ...func(*harness, *surface.Config, *Config)) *harness {
	t.Helper()
	h := &harness{
		source:   &fakeSource{entities: testFleet()},
		feed:     feedtest.New(),
		renderer: surfacetest.New(),
		notes:    &noteLog{},
		clock:    testingclock.NewFakeClock(t0),
		runErr:   make(chan error, 1),
	}
	scfg := surface.Config{}
	cfg := Config{}
	for _, opt := range opts {
		opt(h, &scfg, &cfg)
	}

	factory, _ := surfacetest.Factory(h.renderer)
	h.c = New(cfg, h.source, feed.NewClient(h.feed, nil), factory, scfg,
		WithClock(h.clock),
		WithNotifier(h.notes),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.runErr
	})
	return h
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Sync(context.Background()))
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Activate(context.Background()))
	h.sync(t)
}

func sampleAt(id string, lat, lng float64, ts time.Time, speed, heading float64) core.PositionSample {
	return core.PositionSample{EntityID: id, Latitude: lat, Longitude: lng, Timestamp: ts, Speed: speed, Heading: core.HeadingPtr(heading)}
}

func TestActivate_GoesLive(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	assert.Equal(t, StateLive, h.c.State())
	assert.Equal(t, 1, h.feed.OpenChannels())
	assert.Equal(t, 2, h.renderer.MarkerCount(), "only vehicles with a last position get markers")
	_, ok := h.renderer.Marker("V1")
	assert.False(t, ok)

	st := h.c.Status()
	assert.Equal(t, StateLive, st.State)
	assert.Equal(t, "ready", st.Surface)
	assert.Equal(t, 3, st.Entities)
	assert.Equal(t, 2, st.Markers)
}

func TestActivate_Twice(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	assert.ErrorIs(t, h.c.Activate(context.Background()), ErrAlreadyActive)
}

func TestActivate_FirstSampleCreatesMarker(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.feed.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	h.sync(t)

	v, ok := h.renderer.Marker("V1")
	require.True(t, ok)
	assert.Equal(t, core.LatLng{Lat: 35.90, Lng: 14.40}, v.Position)
	assert.Equal(t, 90.0, v.Rotation)
	assert.True(t, v.HasHeading)
	assert.Equal(t, "40 km/h", v.SpeedText)
	assert.Equal(t, "ABC-123", v.Label)

	// older delivery is dropped
	h.feed.PublishSample(sampleAt("V1", 36.00, 14.50, t0.Add(-time.Second), 80, 180))
	h.sync(t)

	v, _ = h.renderer.Marker("V1")
	assert.Equal(t, core.LatLng{Lat: 35.90, Lng: 14.40}, v.Position)
	assert.Equal(t, "40 km/h", v.SpeedText)
	e, _ := h.c.Entity("V1")
	require.NotNil(t, e.LastPosition)
	assert.True(t, t0.Equal(e.LastPosition.Timestamp))
	assert.Equal(t, 1, h.c.Status().Applied)
}

func TestFeed_ReorderedDeliveryKeepsNewest(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	order := []int{3, 1, 4, 1, 5, 2, 5}
	for _, i := range order {
		h.feed.PublishSample(sampleAt("V1", 35.90+float64(i)/100, 14.40, t0.Add(time.Duration(i)*time.Second), float64(i), 90))
	}
	h.sync(t)

	v, ok := h.renderer.Marker("V1")
	require.True(t, ok)
	assert.InDelta(t, 35.95, v.Position.Lat, 1e-9)
	assert.Equal(t, "5 km/h", v.SpeedText)
}

func TestFeed_StatusTracksAppliedSamples(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	require.Equal(t, 2, h.c.Status().Markers)

	h.feed.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	h.feed.PublishSample(sampleAt("V1", 35.91, 14.41, t0.Add(time.Second), 42, 90))
	h.feed.PublishSample(sampleAt("V2", 35.86, 14.51, t0.Add(time.Second), 10, 45))
	// stale, no change
	h.feed.PublishSample(sampleAt("V1", 35.80, 14.30, t0, 10, 90))
	h.sync(t)

	st := h.c.Status()
	assert.Equal(t, 3, st.Applied)
	assert.Equal(t, 3, st.Markers)
}

func TestFeed_UnknownVehicleIgnored(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.feed.PublishSample(sampleAt("V9", 35.90, 14.40, t0, 40, 90))
	h.sync(t)

	_, ok := h.renderer.Marker("V9")
	assert.False(t, ok)
}

func TestFeed_SubscribeFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.feed.FailOpen(errors.New("network unreachable"))
	h.activate(t)

	assert.Equal(t, StateDegraded, h.c.State())
	assert.Equal(t, 2, h.renderer.MarkerCount(), "last known snapshot stays visible")
	assert.Contains(t, h.notes.codes(), CodeFeedUnavailable)
}

func TestFeed_LostDegrades(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	h.feed.Drop(errors.New("reset by peer"))
	h.sync(t)

	assert.Equal(t, StateDegraded, h.c.State())
	assert.Equal(t, []string{CodeFeedUnavailable}, h.notes.codes())

	// manual refresh re-enters loading and goes live again
	require.NoError(t, h.c.Refresh(context.Background()))
	h.sync(t)
	assert.Equal(t, StateLive, h.c.State())
	assert.Equal(t, 1, h.feed.OpenChannels())
	assert.Equal(t, 2, h.source.lists())
}

func TestSnapshotFailure(t *testing.T) {
	h := newHarness(t)
	h.source.listErr = errors.New("backend down")

	err := h.c.Activate(context.Background())
	require.ErrorIs(t, err, ErrSnapshotLoad)
	assert.Equal(t, StateIdle, h.c.State())
	assert.Equal(t, 0, h.feed.Opened())
	assert.Equal(t, []string{CodeSnapshotLoad}, h.notes.codes())

	// retry from the empty state
	h.source.mu.Lock()
	h.source.listErr = nil
	h.source.mu.Unlock()
	h.activate(t)
	assert.Equal(t, StateLive, h.c.State())
}

func TestSelect_IsExclusive(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.c.Select(context.Background(), "V2"))
	require.NoError(t, h.c.Select(context.Background(), "V3"))
	h.sync(t)

	v2, _ := h.renderer.Marker("V2")
	v3, _ := h.renderer.Marker("V3")
	assert.False(t, v2.Selected)
	assert.True(t, v3.Selected)
	assert.Equal(t, "V3", h.c.Selected())

	ops := h.renderer.Ops("set_view")
	assert.Len(t, ops, 2, "each selection focuses the map")
}

func TestSelect_Unknown(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	assert.Error(t, h.c.Select(context.Background(), "V9"))
}

func TestSelect_WithoutPositionThenSample(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	require.NoError(t, h.c.Select(context.Background(), "V1"))
	h.feed.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	h.sync(t)

	v, ok := h.renderer.Marker("V1")
	require.True(t, ok)
	assert.True(t, v.Selected)
}

func TestFilter_ClientSideOnly(t *testing.T) {
	h := newHarness(t)
	h.activate(t)

	got, err := h.c.Filter(context.Background(), "joe")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "V3", got[0].ID)
	h.sync(t)

	assert.Equal(t, 1, h.renderer.MarkerCount())
	_, ok := h.renderer.Marker("V3")
	assert.True(t, ok)

	assert.Equal(t, 1, h.source.lists(), "filtering never refetches")
	assert.Equal(t, 1, h.feed.Opened(), "filtering never resubscribes")

	// hidden vehicles keep updating the model and reappear with the latest sample
	h.feed.PublishSample(sampleAt("V2", 35.86, 14.51, t0, 20, 0))
	h.sync(t)
	assert.Equal(t, 1, h.renderer.MarkerCount())

	_, err = h.c.Filter(context.Background(), "")
	require.NoError(t, err)
	h.sync(t)
	v2, ok := h.renderer.Marker("V2")
	require.True(t, ok)
	assert.Equal(t, core.LatLng{Lat: 35.86, Lng: 14.51}, v2.Position)
}

func TestViewHistory_Draws(t *testing.T) {
	h := newHarness(t)
	h.source.history = []core.PositionSample{
		sampleAt("V3", 35.95, 14.36, t0.Add(-time.Minute), 10, 0),
		sampleAt("V3", 35.94, 14.35, t0.Add(-2*time.Hour), 10, 0),
		sampleAt("V3", 35.96, 14.37, t0.Add(-30*time.Second), 10, 0),
	}
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))

	path, err := h.c.ViewHistory(context.Background())
	require.NoError(t, err)
	h.sync(t)

	calls := h.source.historyCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "V3", calls[0].id)
	assert.True(t, t0.Equal(calls[0].to))
	assert.Equal(t, 24*time.Hour, calls[0].to.Sub(calls[0].from))

	require.Len(t, path.Points, 3)
	assert.True(t, path.Points[0].Timestamp.Before(path.Points[1].Timestamp))
	assert.Equal(t, 1, h.renderer.PathCount())
	assert.Equal(t, core.LatLng{Lat: 35.94, Lng: 14.35}, h.renderer.Path(surface.HistoryPathID)[0])
	assert.True(t, h.c.Status().HistoryOpen)

	// drawing again keeps a single path layer
	_, err = h.c.ViewHistory(context.Background())
	require.NoError(t, err)
	h.sync(t)
	assert.Equal(t, 1, h.renderer.PathCount())

	require.NoError(t, h.c.CloseHistory(context.Background()))
	h.sync(t)
	assert.Equal(t, 0, h.renderer.PathCount())
	_, open, err := h.c.History(context.Background())
	require.NoError(t, err)
	assert.False(t, open)
}

func TestViewHistory_Empty(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))

	_, err := h.c.ViewHistory(context.Background())
	require.ErrorIs(t, err, ErrNoHistory)
	h.sync(t)

	assert.Empty(t, h.renderer.Ops("add_path"), "an empty result is never drawn")
	assert.Equal(t, []string{CodeNoHistory}, h.notes.codes())
	assert.Equal(t, StateLive, h.c.State())
}

func TestViewHistory_QueryError(t *testing.T) {
	h := newHarness(t)
	h.source.historyErr = errors.New("timeout")
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))

	_, err := h.c.ViewHistory(context.Background())
	require.ErrorIs(t, err, ErrHistoryQuery)
	assert.Equal(t, []string{CodeHistoryQuery}, h.notes.codes())
	assert.Equal(t, StateLive, h.c.State())
}

func TestViewHistory_NoSelection(t *testing.T) {
	h := newHarness(t)
	h.activate(t)
	_, err := h.c.ViewHistory(context.Background())
	assert.ErrorIs(t, err, ErrNoSelection)
}

func fiftyPoints(id string) []core.PositionSample {
	out := make([]core.PositionSample, 50)
	for i := range out {
		out[i] = sampleAt(id, 35.90+float64(i)/1000, 14.40, t0.Add(-time.Duration(50-i)*time.Minute), 30, 0)
	}
	return out
}

func TestViewHistory_DiscardedAfterSelectionChange(t *testing.T) {
	h := newHarness(t)
	h.source.history = fiftyPoints("V3")
	h.source.gate = make(chan struct{})
	h.source.historyHeld = make(chan struct{})
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))

	res := make(chan error, 1)
	go func() {
		_, err := h.c.ViewHistory(context.Background())
		res <- err
	}()
	<-h.source.historyHeld

	require.NoError(t, h.c.Select(context.Background(), "V2"))
	close(h.source.gate)

	assert.ErrorIs(t, <-res, ErrSuperseded)
	h.sync(t)
	assert.Empty(t, h.renderer.Ops("add_path"))
	assert.Empty(t, h.notes.codes(), "stale results are not reported")
}

func TestDeactivate_DuringHistoryFetch(t *testing.T) {
	h := newHarness(t)
	h.source.history = fiftyPoints("V3")
	h.source.gate = make(chan struct{})
	h.source.historyHeld = make(chan struct{})
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))

	res := make(chan error, 1)
	go func() {
		_, err := h.c.ViewHistory(context.Background())
		res <- err
	}()
	<-h.source.historyHeld

	require.NoError(t, h.c.Deactivate(context.Background()))
	close(h.source.gate)

	err := <-res
	assert.True(t, errors.Is(err, ErrDisposed) || errors.Is(err, ErrSuperseded), "got %v", err)
	assert.Empty(t, h.renderer.Ops("add_path"))
	assert.True(t, h.renderer.Destroyed())
}

func TestDeactivate_Order(t *testing.T) {
	h := newHarness(t)
	h.source.history = fiftyPoints("V3")
	h.activate(t)
	require.NoError(t, h.c.Select(context.Background(), "V3"))
	_, err := h.c.ViewHistory(context.Background())
	require.NoError(t, err)
	h.sync(t)
	h.renderer.Reset()

	require.NoError(t, h.c.Deactivate(context.Background()))

	assert.Equal(t, 0, h.feed.OpenChannels())
	assert.Equal(t, []string{
		"remove_path(history)",
		"remove(V2)",
		"remove(V3)",
		"destroy",
	}, h.renderer.Ops())
	assert.Equal(t, StateDisposed, h.c.State())

	// no observable change after unsubscribe
	h.feed.PublishSample(sampleAt("V2", 35.0, 14.0, t0.Add(time.Hour), 50, 0))
	assert.Equal(t, []string{
		"remove_path(history)",
		"remove(V2)",
		"remove(V3)",
		"destroy",
	}, h.renderer.Ops())

	// idempotent, and everything else reports disposal
	assert.NoError(t, h.c.Deactivate(context.Background()))
	assert.ErrorIs(t, h.c.Select(context.Background(), "V2"), ErrDisposed)
	assert.ErrorIs(t, h.c.Activate(context.Background()), ErrDisposed)
	assert.NoError(t, <-h.runErr)
	h.runErr <- nil
}

func TestSurfaceFailure_RecoversOnRetry(t *testing.T) {
	r := surfacetest.NewManual()
	h := newHarness(t, func(h *harness, _ *surface.Config, _ *Config) {
		h.renderer = r
	})
	h.activate(t)

	r.Fail(errors.New("tiles unreachable"))
	h.sync(t)
	assert.Equal(t, "failed", h.c.Status().Surface)
	assert.Contains(t, h.notes.codes(), CodeSurfaceInit)
	assert.Equal(t, StateLive, h.c.State(), "a map failure does not stop the feed")

	// samples keep flowing into the model while the map is down
	h.feed.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	h.sync(t)

	require.NoError(t, h.c.RetrySurface(context.Background()))
	h.sync(t)
	assert.Equal(t, "ready", h.c.Status().Surface)
	assert.Equal(t, 3, h.c.Status().Markers, "markers are redrawn once the map is back")
}

func TestSurfaceFailure_AutomaticRetry(t *testing.T) {
	r := surfacetest.New()
	r.LoadErr = errors.New("tiles unreachable")
	h := newHarness(t, func(h *harness, _ *surface.Config, cfg *Config) {
		h.renderer = r
		cfg.SurfaceRetryDelay = 5 * time.Second
	})
	h.activate(t)
	assert.Equal(t, "failed", h.c.Status().Surface)

	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
	h.clock.Step(5 * time.Second)

	require.Eventually(t, func() bool {
		_ = h.c.Sync(context.Background())
		return h.c.Status().Surface == "ready"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.c.Status().Markers)
}

func TestAnimation_BoundedByClock(t *testing.T) {
	h := newHarness(t, func(_ *harness, scfg *surface.Config, cfg *Config) {
		scfg.AnimationDuration = time.Second
		cfg.FrameInterval = 100 * time.Millisecond
	})
	h.activate(t)

	h.feed.PublishSample(sampleAt("V2", 35.87, 14.50, t0, 30, 0))
	h.sync(t)

	v, _ := h.renderer.Marker("V2")
	assert.Equal(t, core.LatLng{Lat: 35.85, Lng: 14.50}, v.Position, "the marker starts where it was")

	require.Eventually(t, h.clock.HasWaiters, time.Second, time.Millisecond)
	h.clock.Step(2 * time.Second)

	require.Eventually(t, func() bool {
		v, _ := h.renderer.Marker("V2")
		return v.Position == core.LatLng{Lat: 35.87, Lng: 14.50}
	}, time.Second, 5*time.Millisecond)
}

func TestRun_Twice(t *testing.T) {
	h := newHarness(t)
	h.sync(t)
	assert.ErrorIs(t, h.c.Run(context.Background()), ErrRunning)
}

func TestSampleSink(t *testing.T) {
	var got []core.PositionSample
	source := &fakeSource{entities: testFleet()}
	tr := feedtest.New()
	factory, _ := surfacetest.Factory()
	c := New(Config{}, source, feed.NewClient(tr, nil), factory, surface.Config{},
		WithClock(testingclock.NewFakeClock(t0)),
		WithSampleSink(func(s core.PositionSample) { got = append(got, s) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, c.Activate(ctx))
	tr.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	tr.PublishSample(sampleAt("V1", 35.90, 14.40, t0, 40, 90))
	require.NoError(t, c.Sync(ctx))

	assert.Len(t, got, 1, "duplicates never reach the sink")
}

func TestStatusListener(t *testing.T) {
	var mu sync.Mutex
	var states []State
	source := &fakeSource{entities: testFleet()}
	factory, _ := surfacetest.Factory()
	c := New(Config{}, source, feed.NewClient(feedtest.New(), nil), factory, surface.Config{},
		WithClock(testingclock.NewFakeClock(t0)),
		WithStatusListener(func(s Status) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s.State)
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, c.Activate(ctx))
	require.NoError(t, c.Sync(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateLoading)
	assert.Equal(t, StateLive, states[len(states)-1])
}
