// Package streaming defines the JSON envelopes exchanged over websockets:
// the position feed socket and the map viewer socket.
package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Feed socket message types.
const (
	TypeJoin   = "join"
	TypeInsert = "insert"
)

// Viewer socket message types.
const (
	TypeMarkerAdd    = "marker_add"
	TypeMarkerMove   = "marker_move"
	TypeMarkerStyle  = "marker_style"
	TypeMarkerRemove = "marker_remove"
	TypePathAdd      = "path_add"
	TypePathRemove   = "path_remove"
	TypeView         = "view"
	TypeFitBounds    = "fit_bounds"
	TypeNotification = "notification"
	TypeState        = "state"
	TypeCommand      = "command"
	TypeAck          = "ack"
)

// Envelope wraps all messages sent over a websocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage acknowledges a viewer command.
type AckMessage struct {
	Type  string `json:"type"` // always "ack"
	For   string `json:"for"`
	Error string `json:"error,omitempty"`
}

// JoinPayload selects the change stream on the feed socket.
type JoinPayload struct {
	Topic string `json:"topic"`
}

// MarkerMovePayload moves one marker.
type MarkerMovePayload struct {
	ID       string      `json:"id"`
	Position core.LatLng `json:"position"`
}

// RemovePayload removes a marker or path by id.
type RemovePayload struct {
	ID string `json:"id"`
}

// PathPayload carries a path layer.
type PathPayload struct {
	ID      string        `json:"id"`
	Points  []core.LatLng `json:"points"`
	Color   string        `json:"color"`
	Weight  int           `json:"weight"`
	Opacity float64       `json:"opacity"`
}

// ViewPayload is a map centre and zoom.
type ViewPayload struct {
	Center core.LatLng `json:"center"`
	Zoom   int         `json:"zoom"`
}

// FitBoundsPayload asks viewers to fit a bounding box.
type FitBoundsPayload struct {
	Bounds  core.Bounds `json:"bounds"`
	Padding int         `json:"padding"`
}

// NotificationPayload is a user-visible, non-blocking message.
type NotificationPayload struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StatePayload reports the tracking controller state.
type StatePayload struct {
	State    string `json:"state"`
	Surface  string `json:"surface"`
	Selected string `json:"selected,omitempty"`
	Filter   string `json:"filter,omitempty"`
}

// CommandPayload is a viewer request routed to the controller.
type CommandPayload struct {
	Name     string `json:"name"`
	EntityID string `json:"entityId,omitempty"`
	Query    string `json:"query,omitempty"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// NewEnvelope encodes payload into an Envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}
