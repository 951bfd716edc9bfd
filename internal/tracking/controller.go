// Package tracking implements the live tracking page controller. One loop
// goroutine owns the marker model, the map surface and the visible entity
// set; feed callbacks, renderer readiness, history results and animation
// frames are posted onto it.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/fleetdesk/fleettrack/internal/cache"
	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/internal/queue"
	"github.com/fleetdesk/fleettrack/internal/surface"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

var (
	// ErrDisposed is returned by every operation after Deactivate.
	ErrDisposed = errors.New("tracking controller disposed")
	// ErrAlreadyActive is returned by Activate outside the idle state.
	ErrAlreadyActive = errors.New("tracking controller already active")
	// ErrBusy is returned when a snapshot load is already in flight.
	ErrBusy = errors.New("tracking snapshot load in progress")
	// ErrNoSelection is returned by ViewHistory without a selected vehicle.
	ErrNoSelection = errors.New("no vehicle selected")
	// ErrSuperseded is returned when a newer request or a teardown made the
	// result obsolete. The result was discarded, not drawn.
	ErrSuperseded = errors.New("request superseded")
	// ErrRunning is returned by a second Run.
	ErrRunning = errors.New("tracking loop already running")
)

// Config holds controller settings.
type Config struct {
	Container         surface.Container
	HistoryWindow     time.Duration
	SnapshotTimeout   time.Duration
	HistoryTimeout    time.Duration
	FrameInterval     time.Duration
	SurfaceRetryDelay time.Duration
}

// DefaultConfig returns the standard settings: a trailing 24h history
// window and 30 frames per second.
func DefaultConfig() Config {
	return Config{
		Container:       surface.Container{ID: "map", Width: 1280, Height: 720},
		HistoryWindow:   24 * time.Hour,
		SnapshotTimeout: 15 * time.Second,
		HistoryTimeout:  15 * time.Second,
		FrameInterval:   time.Second / 30,
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock for history windows and animation frames.
func WithClock(cl clock.WithTickerAndDelayedExecution) Option {
	return func(c *Controller) {
		c.clock = cl
	}
}

// WithNotifier sets where user-visible notifications go. The default logs them.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithSampleSink registers fn for every sample that advanced a marker.
// fn runs on the loop goroutine and must not block.
func WithSampleSink(fn func(core.PositionSample)) Option {
	return func(c *Controller) {
		c.sinks = append(c.sinks, fn)
	}
}

// WithStatusListener is called on the loop after every status change. It
// must not block.
func WithStatusListener(fn func(Status)) Option {
	return func(c *Controller) {
		c.onStatus = fn
	}
}

// WithSurfaceOptions passes extra options to the map surface.
func WithSurfaceOptions(opts ...surface.Option) Option {
	return func(c *Controller) {
		c.surfaceOpts = append(c.surfaceOpts, opts...)
	}
}

// Controller coordinates the snapshot, the feed, the marker model and the
// map surface for one page activation.
type Controller struct {
	cfg         Config
	source      fleet.Source
	feed        *feed.Client
	logger      *slog.Logger
	clock       clock.WithTickerAndDelayedExecution
	notifier    Notifier
	sinks       []func(core.PositionSample)
	onStatus    func(Status)
	surfaceOpts []surface.Option

	// loop plumbing
	mailbox  *queue.Queue[func()]
	signal   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	running  atomic.Bool
	disposed atomic.Bool

	// read side
	entities *cache.EntityCache
	// applied counts samples that changed a marker; loop-owned
	applied int
	status  *statusBox

	// owned by the loop
	lifecycle     *fsm.FSM
	markers       *marker.Model
	surface       *surface.Surface
	handle        *feed.Handle
	loadGen       uint64
	historyGen    uint64
	historyCancel context.CancelFunc
	history       *core.HistoryPath
	selected      string
	filter        string
	lastNotice    *Notification
	ticker        clock.Ticker
	retryTimer    clock.Timer
}

// New creates an idle controller. Run must be started before any operation.
func New(cfg Config, source fleet.Source, feedClient *feed.Client, renderers surface.RendererFactory, surfaceCfg surface.Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Container.ID == "" {
		cfg.Container = def.Container
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}

	c := &Controller{
		cfg:      cfg,
		source:   source,
		feed:     feedClient,
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		mailbox:  queue.New[func()](),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		entities: cache.NewEntityCache(),
		status:   newStatusBox(),
		markers:  marker.NewModel(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "tracking")
	if c.feed == nil {
		c.feed = feed.NewClient(nil, c.logger)
	}
	if c.notifier == nil {
		c.notifier = logNotifier{logger: c.logger}
	}

	c.lifecycle = newLifecycle(func(from, to State) {
		c.logger.Info("Tracking state changed", "from", from, "to", to)
	})

	sopts := []surface.Option{
		surface.WithLogger(c.logger),
		surface.WithClock(c.clock),
		surface.WithExecutor(func(fn func()) { c.post(fn) }),
		surface.WithStateListener(c.onSurfaceState),
	}
	c.surface = surface.New(surfaceCfg, renderers, append(sopts, c.surfaceOpts...)...)

	// the surface observes the marker model
	c.markers.Observe(func(id string, v marker.View, ch marker.Change) {
		observability.MarkerChanges.WithLabelValues(ch.String()).Inc()
		if c.visible(id) {
			c.surface.UpsertMarker(v)
		}
	})
	return c
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	return State(c.lifecycle.Current())
}

// Status returns the latest published status.
func (c *Controller) Status() Status {
	return c.status.get()
}

// Entities returns the fetched entities matching query, with their latest
// applied positions. It never touches the network.
func (c *Controller) Entities(query string) []core.TrackedEntity {
	return c.entities.List(query)
}

// Entity returns one fetched entity.
func (c *Controller) Entity(id string) (core.TrackedEntity, bool) {
	return c.entities.Get(id)
}

// Activate fetches the snapshot, initialises the surface, draws the markers
// and subscribes to the feed.
func (c *Controller) Activate(ctx context.Context) error {
	return c.load(ctx, true)
}

// Refresh closes the feed and re-enters loading.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.load(ctx, false)
}

func (c *Controller) load(ctx context.Context, activation bool) error {
	var gen uint64
	err := c.call(ctx, func() error {
		state := c.State()
		if activation && state != StateIdle {
			if state == StateLoading {
				return ErrBusy
			}
			return ErrAlreadyActive
		}
		if err := c.lifecycle.Event(ctx, EventLoad); err != nil {
			if state == StateLoading {
				return ErrBusy
			}
			return fmt.Errorf("load: %w", err)
		}
		c.stopFeed()
		c.loadGen++
		gen = c.loadGen
		c.publish()
		return nil
	})
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	entities, fetchErr := c.fetchSnapshot(fetchCtx)
	cancel()

	err = c.call(ctx, func() error {
		if gen != c.loadGen {
			return ErrSuperseded
		}
		if fetchErr != nil {
			_ = c.lifecycle.Event(ctx, EventLoadFailed)
			err := fmt.Errorf("%w: %w", ErrSnapshotLoad, fetchErr)
			c.notify(SeverityError, "Could not load vehicles. Retry to try again.", err)
			c.publish()
			return err
		}
		c.applySnapshot(entities)
		return nil
	})
	if err != nil {
		return err
	}

	h := c.feed.Subscribe(
		func(s core.PositionSample) {
			c.post(func() { c.onSample(gen, s) })
		},
		feed.OnLost(func(err error) {
			c.post(func() { c.onFeedLost(gen, err) })
		}),
	)

	return c.call(ctx, func() error {
		if gen != c.loadGen {
			_ = h.Unsubscribe()
			return ErrSuperseded
		}
		c.handle = h
		_ = c.lifecycle.Event(ctx, EventLoaded)
		if err := h.Err(); err != nil {
			_ = c.lifecycle.Event(ctx, EventFeedLost)
			c.notify(SeverityWarning, "Live positions are unavailable, showing last known positions.", err)
		}
		c.publish()
		return nil
	})
}

func (c *Controller) fetchSnapshot(ctx context.Context) (entities []core.TrackedEntity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("snapshot source panicked: %v", r)
		}
	}()
	if c.source == nil {
		return nil, errors.New("no fleet source configured")
	}
	return c.source.ListTrackedEntities(ctx)
}

// applySnapshot runs on the loop.
func (c *Controller) applySnapshot(entities []core.TrackedEntity) {
	c.entities.Replace(entities)

	keep := make(map[string]bool, len(entities))
	for _, e := range entities {
		keep[e.ID] = true
		c.markers.SetIdentity(e.ID, e.Label, e.Status)
		if e.LastPosition != nil {
			c.markers.Update(e.ID, *e.LastPosition, e.ID == c.selected)
		}
	}
	c.markers.Retain(keep)
	if c.selected != "" && !keep[c.selected] {
		c.selected = ""
	}

	if c.surface.State() == surface.StateIdle {
		if _, err := c.surface.Init(c.cfg.Container); err != nil {
			c.logger.Warn("Map surface init failed", "error", err)
		}
	}
	c.syncMarkers()
	c.logger.Info("Fleet snapshot applied", "entities", len(entities), "markers", c.markers.Len())
}

// onSample runs on the loop. Samples from an older load generation or after
// the feed was closed are stale and dropped.
func (c *Controller) onSample(gen uint64, s core.PositionSample) {
	if gen != c.loadGen || c.disposed.Load() {
		return
	}
	if c.handle != nil && !c.handle.Active() {
		return
	}
	if _, known := c.entities.Get(s.EntityID); !known {
		c.logger.Debug("Ignoring sample for vehicle outside the snapshot", "vehicle", s.EntityID)
		return
	}

	c.entities.UpdatePosition(s)
	if c.markers.Update(s.EntityID, s, s.EntityID == c.selected) == marker.ChangeNone {
		return
	}
	c.applied++
	for _, sink := range c.sinks {
		sink(s)
	}
	c.publish()
}

func (c *Controller) onFeedLost(gen uint64, err error) {
	if gen != c.loadGen || c.disposed.Load() {
		return
	}
	if evErr := c.lifecycle.Event(context.Background(), EventFeedLost); evErr != nil {
		return
	}
	c.notify(SeverityWarning, "Live positions were interrupted, showing last known positions.", err)
	c.publish()
}

// stopFeed runs on the loop and must precede any surface teardown.
func (c *Controller) stopFeed() {
	if c.handle == nil {
		return
	}
	if err := c.handle.Unsubscribe(); err != nil {
		c.logger.Warn("Feed unsubscribe failed", "error", err)
	}
	c.handle = nil
}

// Select makes id the only selected vehicle and focuses the map on it. An
// empty id clears the selection. Any open or pending history is dropped.
func (c *Controller) Select(ctx context.Context, id string) error {
	return c.call(ctx, func() error {
		if id != "" {
			if _, ok := c.entities.Get(id); !ok {
				return fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, id)
			}
		}
		c.closeHistory()
		c.selected = id
		c.markers.Select(id)
		if id != "" && !c.surface.FocusOn(id) {
			c.logger.Debug("Selected vehicle has no position to focus", "vehicle", id)
		}
		c.publish()
		return nil
	})
}

// Selected returns the selected vehicle id.
func (c *Controller) Selected() string {
	return c.status.get().Selected
}

// Filter narrows the visible markers to entities whose label or operator
// contains query. It only works on the fetched list.
func (c *Controller) Filter(ctx context.Context, query string) ([]core.TrackedEntity, error) {
	err := c.call(ctx, func() error {
		c.filter = query
		c.syncMarkers()
		c.publish()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.entities.List(query), nil
}

// ViewHistory draws the selected vehicle's path over the trailing history
// window. An empty window is reported as ErrNoHistory and nothing is drawn.
// If the selection changes, the history is closed or the controller is
// disposed before the query returns, the result is discarded.
func (c *Controller) ViewHistory(ctx context.Context) (core.HistoryPath, error) {
	var (
		gen  uint64
		path core.HistoryPath
		hctx context.Context
	)
	err := c.call(ctx, func() error {
		if c.selected == "" {
			return ErrNoSelection
		}
		c.closeHistory()
		gen = c.historyGen

		to := c.clock.Now()
		path = core.HistoryPath{EntityID: c.selected, From: to.Add(-c.cfg.HistoryWindow), To: to}

		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HistoryTimeout)
		c.historyCancel = cancel
		return nil
	})
	if err != nil {
		return core.HistoryPath{}, err
	}

	start := time.Now()
	points, fetchErr := c.fetchHistory(hctx, path)
	observability.ObserveHistoryLatency(start)

	err = c.call(ctx, func() error {
		if gen != c.historyGen || c.disposed.Load() {
			observability.HistoryQueries.WithLabelValues("discarded").Inc()
			return ErrSuperseded
		}
		c.historyCancel()
		c.historyCancel = nil

		if fetchErr != nil {
			observability.HistoryQueries.WithLabelValues("error").Inc()
			err := fmt.Errorf("%w: %w", ErrHistoryQuery, fetchErr)
			c.notify(SeverityError, "No history available.", err)
			return err
		}

		path.Points = points
		path.SortPoints()
		if len(path.Points) == 0 {
			observability.HistoryQueries.WithLabelValues("empty").Inc()
			c.notify(SeverityInfo, "No tracking history for the last "+formatWindow(c.cfg.HistoryWindow)+".", ErrNoHistory)
			return ErrNoHistory
		}
		if err := c.surface.DrawPath(path.Points); err != nil {
			observability.HistoryQueries.WithLabelValues("empty").Inc()
			c.notify(SeverityInfo, "Not enough tracking history to draw a path.", fmt.Errorf("%w: %w", ErrNoHistory, err))
			return ErrNoHistory
		}
		observability.HistoryQueries.WithLabelValues("drawn").Inc()
		c.history = &path
		c.publish()
		return nil
	})
	if err != nil {
		return path, err
	}
	return path, nil
}

func (c *Controller) fetchHistory(ctx context.Context, p core.HistoryPath) (points []core.PositionSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("history source panicked: %v", r)
		}
	}()
	if c.source == nil {
		return nil, errors.New("no fleet source configured")
	}
	return c.source.GetHistory(ctx, p.EntityID, p.From, p.To)
}

// CloseHistory removes the path and discards any history still in flight.
func (c *Controller) CloseHistory(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.closeHistory()
		c.publish()
		return nil
	})
}

// closeHistory runs on the loop.
func (c *Controller) closeHistory() {
	c.historyGen++
	if c.historyCancel != nil {
		c.historyCancel()
		c.historyCancel = nil
	}
	c.history = nil
	if c.surface.HasPath() {
		c.surface.ClearPath()
	}
}

// History returns the drawn history path, if any.
func (c *Controller) History(ctx context.Context) (core.HistoryPath, bool, error) {
	var (
		out core.HistoryPath
		ok  bool
	)
	err := c.call(ctx, func() error {
		if c.history != nil {
			out = *c.history
			out.Points = append([]core.PositionSample(nil), c.history.Points...)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// RetrySurface reloads a map surface that failed to initialise.
func (c *Controller) RetrySurface(ctx context.Context) error {
	return c.call(ctx, func() error {
		return c.surface.Retry()
	})
}

// Deactivate unsubscribes the feed, clears the path and tears the surface
// down, in that order. The controller is then disposed. It is idempotent.
func (c *Controller) Deactivate(ctx context.Context) error {
	err := c.call(ctx, func() error {
		c.dispose()
		return nil
	})
	if errors.Is(err, ErrDisposed) {
		return nil
	}
	return err
}

// dispose runs on the loop.
func (c *Controller) dispose() {
	if c.disposed.Load() {
		return
	}
	c.disposed.Store(true)
	c.loadGen++

	c.stopFeed()
	c.closeHistory()
	c.stopFrames()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.surface.Teardown()

	_ = c.lifecycle.Event(context.Background(), EventDispose)
	c.publish()
	close(c.done)
}

func (c *Controller) onSurfaceState(st surface.State, err error) {
	switch st {
	case surface.StateFailed:
		c.notify(SeverityError, "The map could not be loaded.", err)
		if d := c.cfg.SurfaceRetryDelay; d > 0 && !c.disposed.Load() {
			c.retryTimer = c.clock.AfterFunc(d, func() {
				c.post(func() {
					if c.disposed.Load() || c.surface.State() != surface.StateFailed {
						return
					}
					if err := c.surface.Retry(); err != nil {
						c.logger.Warn("Map surface retry failed", "error", err)
					}
				})
			})
		}
	case surface.StateReady:
		if c.lastNotice != nil && c.lastNotice.Code == CodeSurfaceInit {
			c.notify(SeverityInfo, "The map is available again.", nil)
		}
		// markers and path were dropped if the surface had failed
		c.syncMarkers()
		if c.history != nil && !c.surface.HasPath() {
			if err := c.surface.DrawPath(c.history.Points); err != nil {
				c.logger.Warn("Could not redraw history path", "error", err)
			}
		}
	}
	c.publish()
}

// visible reports whether id passes the current filter.
func (c *Controller) visible(id string) bool {
	if c.filter == "" {
		return true
	}
	e, ok := c.entities.Get(id)
	return ok && e.Matches(c.filter)
}

func (c *Controller) syncMarkers() {
	views := c.markers.Views()
	out := views[:0]
	for _, v := range views {
		if c.visible(v.EntityID) {
			out = append(out, v)
		}
	}
	c.surface.SyncMarkers(out)
}

func (c *Controller) notify(sev Severity, msg string, err error) {
	n := Notification{
		Severity: sev,
		Message:  msg,
		At:       c.clock.Now().UTC(),
		Err:      err,
	}
	if err != nil {
		n.Code = codeFor(err)
		c.logger.Debug("Notifying", "code", n.Code, "error", err)
	} else {
		n.Code = CodeSurfaceReady
	}
	c.lastNotice = &n
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Notifier panicked", "panic", r)
			}
		}()
		c.notifier.Notify(n)
	}()
}

// publish refreshes the status readers see. Runs on the loop.
func (c *Controller) publish() {
	s := Status{
		State:       c.State(),
		Surface:     c.surface.State().String(),
		Selected:    c.selected,
		Filter:      c.filter,
		Entities:    c.entities.Len(),
		Markers:     c.surface.MarkerCount(),
		HistoryOpen: c.history != nil,
		Applied:     c.applied,
		LastNotice:  c.lastNotice,
		UpdatedAt:   c.clock.Now().UTC(),
	}
	prev := c.status.get()
	c.status.set(s)
	if c.onStatus != nil && !sameStatus(prev, s) {
		c.onStatus(s)
	}
}

// sameStatus ignores counters and timestamps.
func sameStatus(a, b Status) bool {
	return a.State == b.State && a.Surface == b.Surface && a.Selected == b.Selected &&
		a.Filter == b.Filter && a.HistoryOpen == b.HistoryOpen
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}
