// Package surfacetest provides a recording surface.Renderer for tests.
package surfacetest

import (
	"fmt"
	"sync"

	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/internal/surface"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Call is one recorded renderer call.
type Call struct {
	Op     string
	ID     string
	Pos    core.LatLng
	View   marker.View
	Points []core.LatLng
	Bounds core.Bounds
	Map    surface.ViewState
}

func (c Call) String() string {
	if c.ID == "" {
		return c.Op
	}
	return fmt.Sprintf("%s(%s)", c.Op, c.ID)
}

// Renderer records every call. By default Load signals ready immediately;
// with Manual set the test calls Ready or Fail itself.
type Renderer struct {
	Manual  bool
	LoadErr error

	mu        sync.Mutex
	calls     []Call
	ready     func(error)
	markers   map[string]marker.View
	paths     map[string][]core.LatLng
	destroyed bool
}

// New creates a renderer that becomes ready during Load.
func New() *Renderer {
	return &Renderer{markers: make(map[string]marker.View), paths: make(map[string][]core.LatLng)}
}

// NewManual creates a renderer that waits for Ready or Fail.
func NewManual() *Renderer {
	r := New()
	r.Manual = true
	return r
}

// Factory returns a surface.RendererFactory that hands out rs in order and
// then fresh auto-ready renderers.
func Factory(rs ...*Renderer) (surface.RendererFactory, func() []*Renderer) {
	var mu sync.Mutex
	var made []*Renderer
	next := 0
	f := func() surface.Renderer {
		mu.Lock()
		defer mu.Unlock()
		var r *Renderer
		if next < len(rs) {
			r = rs[next]
			next++
		} else {
			r = New()
		}
		made = append(made, r)
		return r
	}
	return f, func() []*Renderer {
		mu.Lock()
		defer mu.Unlock()
		return append([]*Renderer(nil), made...)
	}
}

func (r *Renderer) record(c Call) {
	r.calls = append(r.calls, c)
}

func (r *Renderer) Load(_ surface.Container, view surface.ViewState, ready func(error)) {
	r.mu.Lock()
	r.record(Call{Op: "load", Map: view})
	r.ready = ready
	manual, loadErr := r.Manual, r.LoadErr
	r.mu.Unlock()

	if !manual {
		ready(loadErr)
	}
}

// Ready signals a successful load.
func (r *Renderer) Ready() {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready != nil {
		ready(nil)
	}
}

// Fail signals a failed load.
func (r *Renderer) Fail(err error) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready != nil {
		ready(err)
	}
}

func (r *Renderer) PlaceMarker(v marker.View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "place", ID: v.EntityID, Pos: v.Position, View: v})
	r.markers[v.EntityID] = v
	return nil
}

func (r *Renderer) MoveMarker(id string, pos core.LatLng) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "move", ID: id, Pos: pos})
	if v, ok := r.markers[id]; ok {
		v.Position = pos
		r.markers[id] = v
	}
	return nil
}

func (r *Renderer) StyleMarker(v marker.View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "style", ID: v.EntityID, View: v})
	if old, ok := r.markers[v.EntityID]; ok {
		v.Position = old.Position
		r.markers[v.EntityID] = v
	}
	return nil
}

func (r *Renderer) RemoveMarker(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "remove", ID: id})
	delete(r.markers, id)
	return nil
}

func (r *Renderer) AddPath(id string, points []core.LatLng, _ surface.PathStyle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "add_path", ID: id, Points: points})
	r.paths[id] = points
	return nil
}

func (r *Renderer) RemovePath(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "remove_path", ID: id})
	delete(r.paths, id)
	return nil
}

func (r *Renderer) FitBounds(b core.Bounds, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "fit_bounds", Bounds: b})
	return nil
}

func (r *Renderer) SetView(v surface.ViewState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "set_view", Map: v})
	return nil
}

func (r *Renderer) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(Call{Op: "destroy"})
	r.destroyed = true
	return nil
}

// Calls returns a copy of the recorded calls.
func (r *Renderer) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Ops returns the recorded operation names, optionally filtered.
func (r *Renderer) Ops(only ...string) []string {
	want := make(map[string]bool, len(only))
	for _, o := range only {
		want[o] = true
	}
	var out []string
	for _, c := range r.Calls() {
		if len(want) == 0 || want[c.Op] {
			out = append(out, c.String())
		}
	}
	return out
}

// Reset forgets recorded calls but keeps drawn state.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Marker returns the drawn marker.
func (r *Renderer) Marker(id string) (marker.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.markers[id]
	return v, ok
}

// MarkerCount returns the number of drawn markers.
func (r *Renderer) MarkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.markers)
}

// PathCount returns the number of drawn path layers.
func (r *Renderer) PathCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Path returns the drawn points of a path layer.
func (r *Renderer) Path(id string) []core.LatLng {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[id]
}

// Destroyed reports whether Destroy was called.
func (r *Renderer) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

var _ surface.Renderer = (*Renderer)(nil)
