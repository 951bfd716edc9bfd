// Package fleet defines the fleet-data query interface the tracking page
// reads from.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

// ErrUnknownVehicle is returned for ids the backend does not know.
var ErrUnknownVehicle = errors.New("unknown vehicle")

// Source is the fleet-data query interface.
type Source interface {
	// ListTrackedEntities returns every tracked vehicle with its last known
	// position, if any.
	ListTrackedEntities(ctx context.Context) ([]core.TrackedEntity, error)
	// GetHistory returns the samples recorded for id within [from, to].
	GetHistory(ctx context.Context, id string, from, to time.Time) ([]core.PositionSample, error)
}

// Recorder persists samples; the store implements it and the feed ingest
// path writes through it.
type Recorder interface {
	InsertPosition(ctx context.Context, s core.PositionSample) error
}
