package layers

import (
	"sort"

	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

// Subscribe registers a viewer. The returned snapshot replays the current
// view, markers and paths; later mutations arrive on the channel, which is
// closed by cancel or Destroy. A viewer that falls behind loses envelopes.
func (r *Renderer) Subscribe() (snapshot []streaming.Envelope, updates <-chan streaming.Envelope, cancel func()) {
	ch := make(chan streaming.Envelope, r.cfg.SubscriberBuffer)

	// mutations broadcast under mu, so none slips between snapshot and register
	r.mu.RLock()
	snapshot = r.snapshotLocked()
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	if r.destroyed {
		close(ch)
	} else {
		r.subs[id] = ch
	}
	r.subMu.Unlock()
	r.mu.RUnlock()

	cancel = func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			close(c)
			delete(r.subs, id)
		}
	}
	return snapshot, ch, cancel
}

// Subscribers returns the number of connected viewers.
func (r *Renderer) Subscribers() int {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return len(r.subs)
}

func (r *Renderer) snapshotLocked() []streaming.Envelope {
	var out []streaming.Envelope
	add := func(t string, p any) {
		env, err := streaming.NewEnvelope(t, p)
		if err != nil {
			r.logger.Warn("Failed to encode snapshot envelope", "type", t, "error", err)
			return
		}
		out = append(out, env)
	}

	add(streaming.TypeView, streaming.ViewPayload{Center: r.view.Center, Zoom: r.view.Zoom})

	ids := make([]string, 0, len(r.markers))
	for id := range r.markers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		add(streaming.TypeMarkerAdd, r.markers[id])
	}

	pathIDs := make([]string, 0, len(r.paths))
	for id := range r.paths {
		pathIDs = append(pathIDs, id)
	}
	sort.Strings(pathIDs)
	for _, id := range pathIDs {
		add(streaming.TypePathAdd, pathPayload(id, r.paths[id]))
	}
	return out
}

// Publish sends an envelope that is not a layer mutation, such as a
// notification, to every viewer.
func (r *Renderer) Publish(msgType string, payload any) {
	r.broadcast(msgType, payload)
}

func (r *Renderer) broadcast(msgType string, payload any) {
	env, err := streaming.NewEnvelope(msgType, payload)
	if err != nil {
		r.logger.Warn("Failed to encode envelope", "type", msgType, "error", err)
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- env:
		default:
			r.logger.Warn("Viewer channel full, dropping envelope", "viewer", id, "type", msgType)
		}
	}
}
