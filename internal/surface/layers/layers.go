// Package layers is a surface.Renderer that keeps the map as GeoJSON layers
// and streams every mutation to connected viewers as envelopes.
package layers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterstace/simplefeatures/geom"

	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/internal/surface"
	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

// ErrDestroyed is returned by mutations after Destroy.
var ErrDestroyed = errors.New("layers renderer destroyed")

// Config holds renderer configuration.
type Config struct {
	// TileURL is a {z}/{x}/{y} template probed once during Load. Empty skips
	// the probe.
	TileURL      string
	ProbeTimeout time.Duration
	MinZoom      int
	MaxZoom      int
	// SubscriberBuffer is the per-viewer envelope backlog.
	SubscriberBuffer int
}

type pathLayer struct {
	points []core.LatLng
	style  surface.PathStyle
}

// Renderer implements surface.Renderer. It is safe for concurrent use so
// API handlers can read it while the controller mutates it.
type Renderer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	loaded    bool
	destroyed bool
	loadGen   uint64
	container surface.Container
	view      surface.ViewState
	markers   map[string]marker.View
	paths     map[string]pathLayer

	subMu   sync.Mutex
	subs    map[int]chan streaming.Envelope
	nextSub int
}

var _ surface.Renderer = (*Renderer)(nil)

// New creates a renderer.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Renderer {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = 18
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		cfg:     cfg,
		client:  client,
		logger:  logger.With("component", "layers"),
		markers: make(map[string]marker.View),
		paths:   make(map[string]pathLayer),
		subs:    make(map[int]chan streaming.Envelope),
	}
}

// Load probes the tile server in the background and signals ready. A
// destroyed renderer can be loaded again.
func (r *Renderer) Load(c surface.Container, view surface.ViewState, ready func(error)) {
	r.mu.Lock()
	r.destroyed = false
	r.loadGen++
	gen := r.loadGen
	r.container = c
	r.view = view
	r.mu.Unlock()

	go func() {
		if err := r.probe(view); err != nil {
			ready(err)
			return
		}
		r.mu.Lock()
		if r.destroyed || gen != r.loadGen {
			r.mu.Unlock()
			ready(ErrDestroyed)
			return
		}
		r.loaded = true
		r.broadcast(streaming.TypeView, streaming.ViewPayload{Center: view.Center, Zoom: view.Zoom})
		r.mu.Unlock()
		ready(nil)
	}()
}

func (r *Renderer) probe(view surface.ViewState) error {
	if r.cfg.TileURL == "" {
		return nil
	}
	x, y := geo.Tile(view.Center, view.Zoom)
	url := strings.NewReplacer(
		"{z}", strconv.Itoa(view.Zoom),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(r.cfg.TileURL)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("tile probe request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("tile probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("tile probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (r *Renderer) mutate(fn func() (string, any)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	// broadcast under mu so Subscribe sees each mutation in exactly one of
	// snapshot or updates
	if msgType, payload := fn(); msgType != "" {
		r.broadcast(msgType, payload)
	}
	return nil
}

func (r *Renderer) PlaceMarker(v marker.View) error {
	return r.mutate(func() (string, any) {
		r.markers[v.EntityID] = v
		return streaming.TypeMarkerAdd, v
	})
}

func (r *Renderer) MoveMarker(id string, pos core.LatLng) error {
	return r.mutate(func() (string, any) {
		v, ok := r.markers[id]
		if !ok {
			return "", nil
		}
		v.Position = pos
		r.markers[id] = v
		return streaming.TypeMarkerMove, streaming.MarkerMovePayload{ID: id, Position: pos}
	})
}

func (r *Renderer) StyleMarker(v marker.View) error {
	return r.mutate(func() (string, any) {
		old, ok := r.markers[v.EntityID]
		if !ok {
			return "", nil
		}
		// position is owned by MoveMarker while an animation runs
		v.Position = old.Position
		r.markers[v.EntityID] = v
		return streaming.TypeMarkerStyle, v
	})
}

func (r *Renderer) RemoveMarker(id string) error {
	return r.mutate(func() (string, any) {
		if _, ok := r.markers[id]; !ok {
			return "", nil
		}
		delete(r.markers, id)
		return streaming.TypeMarkerRemove, streaming.RemovePayload{ID: id}
	})
}

func (r *Renderer) AddPath(id string, points []core.LatLng, style surface.PathStyle) error {
	if _, err := geo.PathLineString(points); err != nil {
		return err
	}
	pts := append([]core.LatLng(nil), points...)
	return r.mutate(func() (string, any) {
		r.paths[id] = pathLayer{points: pts, style: style}
		return streaming.TypePathAdd, pathPayload(id, r.paths[id])
	})
}

func (r *Renderer) RemovePath(id string) error {
	return r.mutate(func() (string, any) {
		if _, ok := r.paths[id]; !ok {
			return "", nil
		}
		delete(r.paths, id)
		return streaming.TypePathRemove, streaming.RemovePayload{ID: id}
	})
}

// FitBounds picks the largest zoom that shows b inside the padded container
// and recentres on it.
func (r *Renderer) FitBounds(b core.Bounds, paddingPx int) error {
	return r.mutate(func() (string, any) {
		w := r.container.Width - 2*paddingPx
		h := r.container.Height - 2*paddingPx
		if w <= 0 || h <= 0 {
			w, h = r.container.Width, r.container.Height
		}
		r.view = surface.ViewState{
			Center: b.Center(),
			Zoom:   geo.ZoomForBounds(b, w, h, r.cfg.MinZoom, r.cfg.MaxZoom),
		}
		return streaming.TypeView, streaming.ViewPayload{Center: r.view.Center, Zoom: r.view.Zoom}
	})
}

func (r *Renderer) SetView(v surface.ViewState) error {
	return r.mutate(func() (string, any) {
		r.view = v
		return streaming.TypeView, streaming.ViewPayload{Center: v.Center, Zoom: v.Zoom}
	})
}

// Destroy drops all layers and disconnects viewers.
func (r *Renderer) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	r.loaded = false
	r.markers = make(map[string]marker.View)
	r.paths = make(map[string]pathLayer)
	r.mu.Unlock()

	r.subMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subMu.Unlock()
	return nil
}

// View returns the current map view.
func (r *Renderer) View() surface.ViewState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

// Loaded reports whether Load succeeded and Destroy has not run.
func (r *Renderer) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Markers returns the drawn markers sorted by id.
func (r *Renderer) Markers() []marker.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]marker.View, 0, len(r.markers))
	for _, v := range r.markers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// FeatureCollection renders markers as Point features and paths as
// LineString features.
func (r *Renderer) FeatureCollection() (geom.GeoJSONFeatureCollection, error) {
	markers := r.Markers()

	r.mu.RLock()
	pathIDs := make([]string, 0, len(r.paths))
	for id := range r.paths {
		pathIDs = append(pathIDs, id)
	}
	sort.Strings(pathIDs)
	paths := make([]pathLayer, len(pathIDs))
	for i, id := range pathIDs {
		paths[i] = r.paths[id]
	}
	r.mu.RUnlock()

	fc := make(geom.GeoJSONFeatureCollection, 0, len(markers)+len(paths))
	for _, v := range markers {
		fc = append(fc, geom.GeoJSONFeature{
			ID:       v.EntityID,
			Geometry: geo.PointGeometry(v.Position).AsGeometry(),
			Properties: map[string]interface{}{
				"kind":       "marker",
				"label":      v.Label,
				"status":     string(v.Status),
				"rotation":   v.Rotation,
				"hasHeading": v.HasHeading,
				"speed":      v.SpeedText,
				"color":      v.Color,
				"selected":   v.Selected,
				"emphasis":   v.Emphasis,
				"timestamp":  v.Timestamp.Format(time.RFC3339),
			},
		})
	}
	for i, p := range paths {
		ls, err := geo.PathLineString(p.points)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", pathIDs[i], err)
		}
		fc = append(fc, geom.GeoJSONFeature{
			ID:       pathIDs[i],
			Geometry: ls.AsGeometry(),
			Properties: map[string]interface{}{
				"kind":    "path",
				"color":   p.style.Color,
				"weight":  p.style.Weight,
				"opacity": p.style.Opacity,
				"length":  geo.PathLength(p.points),
			},
		})
	}
	return fc, nil
}

// MarshalGeoJSON encodes the current layers as a FeatureCollection.
func (r *Renderer) MarshalGeoJSON() ([]byte, error) {
	fc, err := r.FeatureCollection()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fc)
}

func pathPayload(id string, p pathLayer) streaming.PathPayload {
	return streaming.PathPayload{ID: id, Points: p.points, Color: p.style.Color, Weight: p.style.Weight, Opacity: p.style.Opacity}
}
