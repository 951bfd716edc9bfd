package api

import (
	"context"
	"time"

	"github.com/fleetdesk/fleettrack/internal/dispatcher"
	"github.com/fleetdesk/fleettrack/internal/tracking"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// Command names accepted from viewers and the HTTP API.
const (
	CmdSelect       = "select"
	CmdHistory      = "history"
	CmdCloseHistory = "close_history"
	CmdFilter       = "filter"
	CmdRefresh      = "refresh"
	CmdRetrySurface = "retry_surface"
)

// Tracker is the controller surface the API drives.
type Tracker interface {
	Status() tracking.Status
	Entities(query string) []core.TrackedEntity
	Entity(id string) (core.TrackedEntity, bool)
	Select(ctx context.Context, id string) error
	Filter(ctx context.Context, query string) ([]core.TrackedEntity, error)
	ViewHistory(ctx context.Context) (core.HistoryPath, error)
	CloseHistory(ctx context.Context) error
	Refresh(ctx context.Context) error
	RetrySurface(ctx context.Context) error
}

// RegisterCommands routes dispatcher commands to the tracker. History
// lookups are bounded by historyTimeout on top of the controller's own limit.
func RegisterCommands(d *dispatcher.Dispatcher, t Tracker, historyTimeout time.Duration) {
	d.Register(CmdSelect, func(ctx context.Context, e dispatcher.Event) (any, error) {
		if err := t.Select(ctx, e.EntityID); err != nil {
			return nil, err
		}
		ent, _ := t.Entity(e.EntityID)
		return ent, nil
	}, dispatcher.Logged())

	historyOpts := []dispatcher.Option{dispatcher.Logged()}
	if historyTimeout > 0 {
		historyOpts = append(historyOpts, dispatcher.Timeout(historyTimeout))
	}
	d.Register(CmdHistory, func(ctx context.Context, e dispatcher.Event) (any, error) {
		if e.EntityID != "" {
			if err := t.Select(ctx, e.EntityID); err != nil {
				return nil, err
			}
		}
		return t.ViewHistory(ctx)
	}, historyOpts...)

	d.Register(CmdCloseHistory, func(ctx context.Context, _ dispatcher.Event) (any, error) {
		return nil, t.CloseHistory(ctx)
	}, dispatcher.Logged())

	d.Register(CmdFilter, func(ctx context.Context, e dispatcher.Event) (any, error) {
		return t.Filter(ctx, e.Query)
	})

	// refresh reloads the snapshot and may be slow; callers get "queued"
	d.Register(CmdRefresh, func(ctx context.Context, _ dispatcher.Event) (any, error) {
		return nil, t.Refresh(ctx)
	}, dispatcher.Buffered(4), dispatcher.Logged())

	d.Register(CmdRetrySurface, func(ctx context.Context, _ dispatcher.Event) (any, error) {
		return nil, t.RetrySurface(ctx)
	}, dispatcher.Logged())
}
