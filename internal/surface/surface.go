// Package surface adapts a map Renderer into the live tracking surface:
// lifecycle, marker reconciliation and animation, and the history path layer.
//
// A Surface is owned by a single goroutine. Renderers that signal readiness
// from elsewhere must be paired with WithExecutor so the ready callback is
// posted back to the owner.
package surface

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/internal/queue"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

var (
	// ErrSurfaceInit is reported when the renderer fails to load.
	ErrSurfaceInit = errors.New("map surface failed to initialize")
	// ErrAlreadyInitialized is returned by Init before Teardown.
	ErrAlreadyInitialized = errors.New("map surface already initialized")
	// ErrNotFailed is returned by Retry when there is nothing to retry.
	ErrNotFailed = errors.New("map surface is not in the failed state")
	// ErrPathTooShort is returned by DrawPath for fewer than two points.
	ErrPathTooShort = errors.New("history path needs at least two points")
)

// MaxAnimation bounds a single marker move animation.
const MaxAnimation = 10 * time.Second

// HistoryPathID names the single path layer.
const HistoryPathID = "history"

// State is the surface lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds surface defaults.
type Config struct {
	DefaultCenter     core.LatLng
	DefaultZoom       int
	FocusZoom         int
	FitPadding        int
	AnimationDuration time.Duration
	QueueCapacity     int
	PathStyle         PathStyle
}

// DefaultConfig centres on Malta.
func DefaultConfig() Config {
	return Config{
		DefaultCenter:     core.LatLng{Lat: 35.90, Lng: 14.40},
		DefaultZoom:       11,
		FocusZoom:         15,
		FitPadding:        40,
		AnimationDuration: 2 * time.Second,
		QueueCapacity:     512,
		PathStyle:         PathStyle{Color: "#7c3aed", Weight: 4, Opacity: 0.8},
	}
}

// Option configures a Surface.
type Option func(*Surface)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock used to stamp animation starts.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Surface) {
		s.clock = c
	}
}

// WithExecutor routes renderer ready callbacks through post.
func WithExecutor(post func(func())) Option {
	return func(s *Surface) {
		s.post = post
	}
}

// WithStateListener is called on every lifecycle transition. err is non-nil
// (wrapping ErrSurfaceInit) only for StateFailed.
func WithStateListener(fn func(State, error)) Option {
	return func(s *Surface) {
		s.listener = fn
	}
}

type op struct {
	name string
	fn   func(Renderer) error
}

// Surface is the map adapter.
type Surface struct {
	cfg      Config
	factory  RendererFactory
	logger   *slog.Logger
	clock    clock.PassiveClock
	post     func(func())
	listener func(State, error)

	state     State
	gen       uint64
	renderer  Renderer
	container Container
	loadErr   error

	pending *queue.Queue[op]
	lostOps bool

	markers map[string]*placed
	path    []core.LatLng
}

// New creates an idle surface.
func New(cfg Config, factory RendererFactory, opts ...Option) *Surface {
	def := DefaultConfig()
	if cfg.DefaultCenter == (core.LatLng{}) {
		cfg.DefaultCenter = def.DefaultCenter
	}
	if cfg.DefaultZoom == 0 {
		cfg.DefaultZoom = def.DefaultZoom
	}
	if cfg.FocusZoom == 0 {
		cfg.FocusZoom = def.FocusZoom
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.PathStyle.Color == "" {
		cfg.PathStyle = def.PathStyle
	}
	if cfg.AnimationDuration > MaxAnimation {
		cfg.AnimationDuration = MaxAnimation
	}
	if cfg.AnimationDuration < 0 {
		cfg.AnimationDuration = 0
	}

	s := &Surface{
		cfg:     cfg,
		factory: factory,
		logger:  slog.Default(),
		clock:   clock.RealClock{},
		post:    func(fn func()) { fn() },
		pending: queue.NewBounded[op](cfg.QueueCapacity),
		markers: make(map[string]*placed),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "surface")
	return s
}

// Handle identifies one Init of a surface.
type Handle struct {
	s *Surface
}

// Container returns the container the handle was bound to.
func (h *Handle) Container() Container {
	return h.s.container
}

// State returns the current lifecycle state.
func (s *Surface) State() State {
	return s.state
}

// Err returns the last load error while failed.
func (s *Surface) Err() error {
	if s.state != StateFailed {
		return nil
	}
	return s.loadErr
}

// Init binds a new renderer to c, centred on the default view. A load
// failure is reported asynchronously; Init only fails when the surface is
// already initialized.
func (s *Surface) Init(c Container) (*Handle, error) {
	if s.state != StateIdle {
		return nil, ErrAlreadyInitialized
	}
	s.container = c
	s.load()
	return &Handle{s: s}, nil
}

// Retry replaces a failed renderer with a fresh one.
func (s *Surface) Retry() error {
	if s.state != StateFailed {
		return ErrNotFailed
	}
	s.destroyRenderer()
	s.logger.Info("Retrying map surface", "container", s.container.ID)
	s.load()
	return nil
}

func (s *Surface) load() {
	s.gen++
	gen := s.gen
	s.loadErr = nil
	s.setState(StateLoading, nil)

	r := s.newRenderer()
	if r == nil {
		s.fail(gen, errors.New("no renderer available"))
		return
	}
	s.renderer = r

	view := ViewState{Center: s.cfg.DefaultCenter, Zoom: s.cfg.DefaultZoom}
	err := s.safe("load", func() error {
		r.Load(s.container, view, func(err error) {
			s.post(func() { s.onReady(gen, err) })
		})
		return nil
	})
	if err != nil {
		s.onReady(gen, err)
	}
}

func (s *Surface) newRenderer() (r Renderer) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Renderer factory panicked", "panic", p)
			r = nil
		}
	}()
	if s.factory == nil {
		return nil
	}
	return s.factory()
}

// onReady runs on the owner goroutine. Signals from a renderer that has
// since been replaced or torn down are ignored.
func (s *Surface) onReady(gen uint64, err error) {
	if gen != s.gen || s.state != StateLoading {
		return
	}
	if err != nil {
		s.fail(gen, err)
		return
	}

	s.setState(StateReady, nil)
	if s.lostOps {
		dropped := s.pending.Clear()
		s.lostOps = false
		s.logger.Warn("Pending surface operations overflowed, redrawing from state", "discarded", dropped)
		s.redraw()
		return
	}
	n := s.pending.Drain(func(o op) {
		s.apply(o)
	})
	if n > 0 {
		s.logger.Debug("Flushed pending surface operations", "count", n)
	}
}

func (s *Surface) fail(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	dropped := s.pending.Clear()
	s.lostOps = false
	s.markers = make(map[string]*placed)
	s.path = nil
	s.loadErr = fmt.Errorf("%w: %w", ErrSurfaceInit, err)
	s.logger.Error("Map surface failed to load", "error", err, "droppedOps", dropped)
	s.setState(StateFailed, s.loadErr)
}

func (s *Surface) setState(st State, err error) {
	s.state = st
	if s.listener != nil {
		s.listener(st, err)
	}
}

// Teardown removes every marker and the path layer, then destroys the
// renderer. It is safe without Init, after a failed Init, and twice.
func (s *Surface) Teardown() {
	if s.state == StateIdle && s.renderer == nil {
		return
	}
	if s.state == StateReady {
		for _, id := range s.markerIDs() {
			s.apply(op{name: "remove_marker", fn: removeMarkerOp(id)})
		}
		if s.path != nil {
			s.apply(op{name: "remove_path", fn: func(r Renderer) error { return r.RemovePath(HistoryPathID) }})
		}
	}
	s.pending.Clear()
	s.lostOps = false
	s.markers = make(map[string]*placed)
	s.path = nil
	s.destroyRenderer()
	s.gen++
	s.setState(StateIdle, nil)
}

func (s *Surface) destroyRenderer() {
	if s.renderer == nil {
		return
	}
	r := s.renderer
	s.renderer = nil
	if err := s.safe("destroy", r.Destroy); err != nil {
		s.logger.Warn("Renderer destroy failed", "error", err)
	}
}

// enqueue runs o now when ready, queues it while loading and drops it
// otherwise.
func (s *Surface) enqueue(o op) {
	switch s.state {
	case StateReady:
		s.apply(o)
	case StateLoading:
		if evicted := s.pending.Push(o); evicted > 0 {
			s.lostOps = true
			observability.SurfaceDroppedOps.Add(float64(evicted))
			s.logger.Warn("Surface not ready, dropped oldest pending operation", "op", o.name, "evicted", evicted)
		}
	default:
		s.logger.Debug("Surface unavailable, ignoring operation", "op", o.name, "state", s.state)
	}
}

// accepting reports whether state changes should be tracked at all.
func (s *Surface) accepting() bool {
	return s.state == StateReady || s.state == StateLoading
}

func (s *Surface) apply(o op) {
	r := s.renderer
	if r == nil {
		return
	}
	observability.SurfaceMutations.WithLabelValues(o.name).Inc()
	if err := s.safe(o.name, func() error { return o.fn(r) }); err != nil {
		s.logger.Warn("Surface operation failed", "op", o.name, "error", err)
	}
}

func (s *Surface) safe(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("renderer %s panicked: %v", name, p)
		}
	}()
	return fn()
}

// redraw places everything the surface tracks on a freshly ready renderer.
func (s *Surface) redraw() {
	for _, id := range s.markerIDs() {
		m := s.markers[id]
		m.shown = m.view.Position
		m.anim = nil
		s.apply(op{name: "place_marker", fn: placeMarkerOp(m.view)})
	}
	if s.path != nil {
		pts := s.path
		s.apply(op{name: "add_path", fn: func(r Renderer) error { return r.AddPath(HistoryPathID, pts, s.cfg.PathStyle) }})
		s.fitPath(pts)
	}
}
