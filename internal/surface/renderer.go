package surface

import (
	"github.com/fleetdesk/fleettrack/internal/marker"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Container is the display region a renderer draws into.
type Container struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ViewState is a map centre and zoom level.
type ViewState struct {
	Center core.LatLng `json:"center"`
	Zoom   int         `json:"zoom"`
}

// PathStyle controls how a history path is stroked.
type PathStyle struct {
	Color   string  `json:"color"`
	Weight  int     `json:"weight"`
	Opacity float64 `json:"opacity"`
}

// Renderer is the map rendering primitive. Load must call ready exactly once,
// with nil once the map can accept mutations or with the load error. The
// mutation methods are only called after a successful ready.
type Renderer interface {
	Load(c Container, view ViewState, ready func(error))
	PlaceMarker(v marker.View) error
	MoveMarker(id string, pos core.LatLng) error
	StyleMarker(v marker.View) error
	RemoveMarker(id string) error
	AddPath(id string, points []core.LatLng, style PathStyle) error
	RemovePath(id string) error
	FitBounds(b core.Bounds, paddingPx int) error
	SetView(v ViewState) error
	Destroy() error
}

// RendererFactory creates a fresh renderer for each Init or Retry.
type RendererFactory func() Renderer
