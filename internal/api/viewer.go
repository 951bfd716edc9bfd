package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/fleetdesk/fleettrack/internal/dispatcher"
	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
	ackBuffer  = 16
)

// handleViewer streams surface mutations to a browser and accepts commands
// on the same socket. The connection has a single writer goroutine.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Viewer upgrade failed", "error", err)
		return
	}
	observability.ViewerConnections.Inc()
	defer observability.ViewerConnections.Dec()

	snapshot, updates, cancel := s.deps.Surface.Subscribe()
	defer cancel()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Debug("Viewer connected", "snapshot", len(snapshot))

	acks := make(chan []byte, ackBuffer)
	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	go func() {
		defer stop()
		s.readCommands(ctx, conn, acks, logger)
	}()

	s.writeLoop(ctx, conn, snapshot, updates, acks, logger)
	_ = conn.Close()
	logger.Debug("Viewer disconnected")
}

func (s *Server) writeLoop(ctx context.Context, conn *ws.Conn, snapshot []streaming.Envelope,
	updates <-chan streaming.Envelope, acks <-chan []byte, logger *slog.Logger) {
	write := func(data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
			logger.Debug("Viewer write failed", "error", err)
			return false
		}
		return true
	}
	writeEnv := func(env streaming.Envelope) bool {
		data, err := json.Marshal(env)
		if err != nil {
			logger.Warn("Failed to encode envelope", "type", env.Type, "error", err)
			return true
		}
		return write(data)
	}

	for _, env := range snapshot {
		if !writeEnv(env) {
			return
		}
	}
	if st, err := streaming.NewEnvelope(streaming.TypeState, statePayload(s.deps.Tracker)); err == nil {
		if !writeEnv(st) {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env, ok := <-updates:
			if !ok {
				// surface destroyed; the page is gone
				_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, "surface destroyed"), time.Now().Add(writeWait))
				return
			}
			if !writeEnv(env) {
				return
			}
		case data := <-acks:
			if !write(data) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *ws.Conn, acks chan<- []byte, logger *slog.Logger) {
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				logger.Debug("Viewer read failed", "error", err)
			}
			return
		}

		ack := streaming.AckMessage{Type: streaming.TypeAck}
		var env streaming.Envelope
		var cmd streaming.CommandPayload
		switch {
		case json.Unmarshal(data, &env) != nil:
			ack.Error = "invalid envelope"
		case env.Type != streaming.TypeCommand:
			ack.For = env.Type
			ack.Error = "unsupported message type"
		case json.Unmarshal(env.Payload, &cmd) != nil:
			ack.Error = "invalid command payload"
		default:
			ack.For = cmd.Name
			_, err := s.deps.Commands.Dispatch(ctx, dispatcher.Event{
				Command:   cmd.Name,
				EntityID:  cmd.EntityID,
				Query:     cmd.Query,
				Source:    "viewer",
				Timestamp: s.deps.Now(),
			})
			if err != nil {
				ack.Error = err.Error()
			}
		}

		out, err := json.Marshal(ack)
		if err != nil {
			continue
		}
		select {
		case acks <- out:
		case <-ctx.Done():
			return
		}
	}
}

func statePayload(t Tracker) streaming.StatePayload {
	st := t.Status()
	return streaming.StatePayload{
		State:    string(st.State),
		Surface:  st.Surface,
		Selected: st.Selected,
		Filter:   st.Filter,
	}
}
