package surface

import (
	"fmt"

	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// DrawPath replaces the history path layer with points, sorted by time, and
// fits the view to it. With fewer than two usable points any old path is
// still removed and ErrPathTooShort is returned.
func (s *Surface) DrawPath(points []core.PositionSample) error {
	if !s.accepting() {
		s.logger.Debug("Surface unavailable, ignoring path", "state", s.state)
		return nil
	}
	sorted := append([]core.PositionSample(nil), points...)
	core.SortSamples(sorted)

	coords := make([]core.LatLng, 0, len(sorted))
	for _, p := range sorted {
		if pos := p.Position(); geo.Valid(pos) {
			coords = append(coords, pos)
		}
	}

	s.ClearPath()
	if len(coords) < 2 {
		return ErrPathTooShort
	}
	if _, err := geo.PathLineString(coords); err != nil {
		return fmt.Errorf("build history path: %w", err)
	}

	s.path = coords
	style := s.cfg.PathStyle
	s.enqueue(op{name: "add_path", fn: func(r Renderer) error { return r.AddPath(HistoryPathID, coords, style) }})
	s.fitPath(coords)
	return nil
}

// ClearPath removes the history path layer if present.
func (s *Surface) ClearPath() {
	if s.path == nil {
		return
	}
	s.path = nil
	s.enqueue(op{name: "remove_path", fn: func(r Renderer) error { return r.RemovePath(HistoryPathID) }})
}

// HasPath reports whether a path layer is present.
func (s *Surface) HasPath() bool {
	return s.path != nil
}

func (s *Surface) fitPath(coords []core.LatLng) {
	b, ok := geo.BoundsOf(coords)
	if !ok {
		return
	}
	pad := s.cfg.FitPadding
	s.enqueue(op{name: "fit_bounds", fn: func(r Renderer) error { return r.FitBounds(b, pad) }})
}
