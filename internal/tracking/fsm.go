package tracking

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/fleetdesk/fleettrack/internal/observability"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateLive     State = "live"
	StateDegraded State = "degraded"
	StateDisposed State = "disposed"
)

const (
	// EventLoad starts a snapshot fetch (activation or manual refresh).
	EventLoad = "load"
	// EventLoaded marks the snapshot applied and the feed subscribed.
	EventLoaded = "loaded"
	// EventLoadFailed returns to idle after a snapshot failure.
	EventLoadFailed = "load_failed"
	// EventFeedLost moves a live page to degraded.
	EventFeedLost = "feed_lost"
	// EventDispose is terminal.
	EventDispose = "dispose"
)

func newLifecycle(onEnter func(from, to State)) *fsm.FSM {
	events := fsm.Events{
		{Name: EventLoad, Src: []string{string(StateIdle), string(StateLive), string(StateDegraded)}, Dst: string(StateLoading)},
		{Name: EventLoaded, Src: []string{string(StateLoading)}, Dst: string(StateLive)},
		{Name: EventLoadFailed, Src: []string{string(StateLoading)}, Dst: string(StateIdle)},
		{Name: EventFeedLost, Src: []string{string(StateLoading), string(StateLive)}, Dst: string(StateDegraded)},
		{Name: EventDispose, Src: []string{string(StateIdle), string(StateLoading), string(StateLive), string(StateDegraded)}, Dst: string(StateDisposed)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			observability.ControllerTransitions.WithLabelValues(e.Dst).Inc()
			if onEnter != nil {
				onEnter(State(e.Src), State(e.Dst))
			}
		},
	}

	return fsm.NewFSM(string(StateIdle), events, callbacks)
}
