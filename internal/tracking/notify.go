package tracking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetdesk/fleettrack/internal/feed"
	"github.com/fleetdesk/fleettrack/internal/surface"
)

var (
	// ErrSnapshotLoad is reported when the entity snapshot could not be fetched.
	ErrSnapshotLoad = errors.New("could not load fleet snapshot")
	// ErrHistoryQuery is reported when a history fetch fails.
	ErrHistoryQuery = errors.New("could not load tracking history")
	// ErrNoHistory is reported when the history window holds nothing to draw.
	ErrNoHistory = errors.New("no tracking history")
	// ErrFeedUnavailable aliases the feed client's error.
	ErrFeedUnavailable = feed.ErrFeedUnavailable
	// ErrSurfaceInit aliases the surface's error.
	ErrSurfaceInit = surface.ErrSurfaceInit
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a non-blocking, user-visible message produced at the
// controller boundary.
type Notification struct {
	Severity Severity  `json:"severity"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
	Err      error     `json:"-"`
}

// Notifier receives notifications on the controller goroutine and must not
// block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// Notification codes.
const (
	CodeSnapshotLoad    = "snapshot_load"
	CodeFeedUnavailable = "feed_unavailable"
	CodeHistoryQuery    = "history_query"
	CodeNoHistory       = "no_history"
	CodeSurfaceInit     = "surface_init"
	CodeSurfaceReady    = "surface_ready"
)

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrSnapshotLoad):
		return CodeSnapshotLoad
	case errors.Is(err, ErrFeedUnavailable):
		return CodeFeedUnavailable
	case errors.Is(err, ErrNoHistory):
		return CodeNoHistory
	case errors.Is(err, ErrHistoryQuery):
		return CodeHistoryQuery
	case errors.Is(err, ErrSurfaceInit):
		return CodeSurfaceInit
	default:
		return "error"
	}
}

type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) Notify(note Notification) {
	level := slog.LevelInfo
	switch note.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	n.logger.Log(context.Background(), level, note.Message, "code", note.Code)
}
