package surface

import (
	"sort"
	"time"

	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// placed is the surface's record of one marker. view.Position is the target;
// shown is where the renderer currently draws it.
type placed struct {
	view  marker.View
	shown core.LatLng
	anim  *animation
}

type animation struct {
	from, to core.LatLng
	start    time.Time
	duration time.Duration
}

// at returns the interpolated position and whether the animation finished.
func (a *animation) at(now time.Time) (core.LatLng, bool) {
	if a.duration <= 0 {
		return a.to, true
	}
	f := float64(now.Sub(a.start)) / float64(a.duration)
	if f >= 1 {
		return a.to, true
	}
	if f < 0 {
		f = 0
	}
	return geo.Interpolate(a.from, a.to, f), false
}

func placeMarkerOp(v marker.View) func(Renderer) error {
	return func(r Renderer) error { return r.PlaceMarker(v) }
}

func removeMarkerOp(id string) func(Renderer) error {
	return func(r Renderer) error { return r.RemoveMarker(id) }
}

// SyncMarkers reconciles the drawn marker set with views: new markers are
// placed, moved ones animate to their new position, restyled ones are
// redrawn and missing ones removed. Calling it again with the same views
// issues no renderer mutations.
func (s *Surface) SyncMarkers(views []marker.View) {
	if !s.accepting() {
		s.logger.Debug("Surface unavailable, ignoring marker sync", "state", s.state)
		return
	}
	keep := make(map[string]bool, len(views))
	for _, v := range views {
		keep[v.EntityID] = true
		s.upsert(v)
	}
	for _, id := range s.markerIDs() {
		if !keep[id] {
			s.RemoveMarker(id)
		}
	}
}

// UpsertMarker reconciles a single marker without touching the others.
func (s *Surface) UpsertMarker(v marker.View) {
	if !s.accepting() {
		s.logger.Debug("Surface unavailable, ignoring marker update", "vehicle", v.EntityID, "state", s.state)
		return
	}
	s.upsert(v)
}

// RemoveMarker drops one marker. Unknown ids are ignored.
func (s *Surface) RemoveMarker(id string) {
	if _, ok := s.markers[id]; !ok {
		return
	}
	delete(s.markers, id)
	s.enqueue(op{name: "remove_marker", fn: removeMarkerOp(id)})
}

func (s *Surface) upsert(v marker.View) {
	if v.EntityID == "" || !geo.Valid(v.Position) {
		return
	}
	m, ok := s.markers[v.EntityID]
	if !ok {
		s.markers[v.EntityID] = &placed{view: v, shown: v.Position}
		s.enqueue(op{name: "place_marker", fn: placeMarkerOp(v)})
		return
	}

	prev := m.view
	m.view = v
	if styleChanged(prev, v) {
		s.enqueue(op{name: "style_marker", fn: func(r Renderer) error { return r.StyleMarker(v) }})
	}
	if prev.Position == v.Position {
		return
	}

	if s.cfg.AnimationDuration <= 0 || s.state != StateReady {
		m.anim = nil
		m.shown = v.Position
		id, pos := v.EntityID, v.Position
		s.enqueue(op{name: "move_marker", fn: func(r Renderer) error { return r.MoveMarker(id, pos) }})
		return
	}
	// a move during an animation starts from wherever the marker is drawn
	if m.anim != nil {
		m.shown, _ = m.anim.at(s.clock.Now())
	}
	m.anim = &animation{from: m.shown, to: v.Position, start: s.clock.Now(), duration: s.cfg.AnimationDuration}
}

func styleChanged(a, b marker.View) bool {
	return a.Label != b.Label ||
		a.Status != b.Status ||
		a.Rotation != b.Rotation ||
		a.HasHeading != b.HasHeading ||
		a.SpeedText != b.SpeedText ||
		a.Color != b.Color ||
		a.Selected != b.Selected ||
		a.Emphasis != b.Emphasis
}

// Animating reports whether any marker still has frames to draw.
func (s *Surface) Animating() bool {
	for _, m := range s.markers {
		if m.anim != nil {
			return true
		}
	}
	return false
}

// Tick advances every running animation to now and reports whether any is
// still running.
func (s *Surface) Tick(now time.Time) bool {
	if s.state != StateReady {
		return false
	}
	running := false
	for _, id := range s.markerIDs() {
		m := s.markers[id]
		if m.anim == nil {
			continue
		}
		pos, done := m.anim.at(now)
		if done {
			m.anim = nil
		} else {
			running = true
		}
		if pos == m.shown {
			continue
		}
		m.shown = pos
		s.apply(op{name: "move_marker", fn: func(r Renderer) error { return r.MoveMarker(id, pos) }})
	}
	return running
}

// MarkerPosition returns where a marker is currently drawn.
func (s *Surface) MarkerPosition(id string) (core.LatLng, bool) {
	m, ok := s.markers[id]
	if !ok {
		return core.LatLng{}, false
	}
	return m.shown, true
}

// MarkerCount returns the number of markers the surface tracks.
func (s *Surface) MarkerCount() int {
	return len(s.markers)
}

// FocusOn centres the view on a marker's target position at the focus zoom.
// It does nothing for unknown markers.
func (s *Surface) FocusOn(id string) bool {
	m, ok := s.markers[id]
	if !ok {
		return false
	}
	view := ViewState{Center: m.view.Position, Zoom: s.cfg.FocusZoom}
	s.enqueue(op{name: "set_view", fn: func(r Renderer) error { return r.SetView(view) }})
	return true
}

func (s *Surface) markerIDs() []string {
	ids := make([]string, 0, len(s.markers))
	for id := range s.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
