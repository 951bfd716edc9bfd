// Package api serves the tracking page over HTTP: JSON reads, commands
// routed through the dispatcher and a websocket carrying the map surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/peterstace/simplefeatures/geom"

	"github.com/fleetdesk/fleettrack/internal/dispatcher"
	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/internal/observability"
	"github.com/fleetdesk/fleettrack/internal/tracking"
	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/fleetdesk/fleettrack/pkg/streaming"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 7
)

// Surface is the streamed map layer model.
type Surface interface {
	Subscribe() (snapshot []streaming.Envelope, updates <-chan streaming.Envelope, cancel func())
	MarshalGeoJSON() ([]byte, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Tracker  Tracker
	Source   fleet.Source
	Surface  Surface
	Commands *dispatcher.Dispatcher
	// Ready reports dependency health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
	Now   func() time.Time
}

// Server is the HTTP front of the tracking page.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	router   *mux.Router
	upgrader ws.Upgrader
}

// NewServer builds the router.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "api"),
		router: mux.NewRouter(),
		upgrader: ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleViewer).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	api.HandleFunc("/entities", s.handleEntities).Methods(http.MethodGet)
	api.HandleFunc("/entities/{id}", s.handleEntity).Methods(http.MethodGet)
	api.HandleFunc("/entities/{id}/select", s.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/entities/{id}/history", s.handleEntityHistory).Methods(http.MethodGet)
	api.HandleFunc("/filter", s.handleFilter).Methods(http.MethodPost)
	api.HandleFunc("/history", s.command(CmdHistory)).Methods(http.MethodPost)
	api.HandleFunc("/history", s.command(CmdCloseHistory)).Methods(http.MethodDelete)
	api.HandleFunc("/refresh", s.command(CmdRefresh)).Methods(http.MethodPost)
	api.HandleFunc("/surface", s.handleSurface).Methods(http.MethodGet)
	api.HandleFunc("/surface/retry", s.command(CmdRetrySurface)).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.Status())
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Commands.Commands())
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Tracker.Entities(r.URL.Query().Get("q")))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, ok := s.deps.Tracker.Entity(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, dispatcher.Event{Command: CmdSelect, EntityID: mux.Vars(r)["id"]})
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}
	s.dispatch(w, r, dispatcher.Event{Command: CmdFilter, Query: body.Query})
}

func (s *Server) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, dispatcher.Event{Command: name, EntityID: r.URL.Query().Get("id")})
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, e dispatcher.Event) {
	e.Source = "http"
	e.Timestamp = s.deps.Now()
	result, err := s.deps.Commands.Dispatch(r.Context(), e)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result == dispatcher.Queued {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": dispatcher.Queued})
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// historyResponse is a trailing window report for one vehicle.
type historyResponse struct {
	Path    core.HistoryPath     `json:"path"`
	Length  float64              `json:"lengthMeters"`
	Feature *geom.GeoJSONFeature `json:"feature,omitempty"`
}

// handleEntityHistory reads history straight from the source. It does not
// touch the map; POST /api/history draws the selected vehicle's path.
func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	hours := defaultHistoryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		h, err := strconv.Atoi(raw)
		if err != nil || h <= 0 || h > maxHistoryHours {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("hours must be between 1 and %d", maxHistoryHours)})
			return
		}
		hours = h
	}

	to := s.deps.Now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	start := time.Now()
	points, err := s.deps.Source.GetHistory(r.Context(), id, from, to)
	observability.ObserveHistoryLatency(start)
	if err != nil {
		s.writeError(w, err)
		return
	}

	path := core.HistoryPath{EntityID: id, From: from, To: to, Points: points}
	path.SortPoints()
	coords := path.Coordinates()
	resp := historyResponse{Path: path, Length: geo.PathLength(coords)}
	if ls, err := geo.PathLineString(coords); err == nil {
		resp.Feature = &geom.GeoJSONFeature{
			ID:       id,
			Geometry: ls.AsGeometry(),
			Properties: map[string]interface{}{
				"kind":   "history",
				"points": len(points),
				"from":   from.Format(time.RFC3339),
				"to":     to.Format(time.RFC3339),
			},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSurface(w http.ResponseWriter, _ *http.Request) {
	data, err := s.deps.Surface.MarshalGeoJSON()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrUnknownVehicle), errors.Is(err, tracking.ErrNoHistory):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrNoSelection), errors.Is(err, tracking.ErrSuperseded),
		errors.Is(err, tracking.ErrBusy), errors.Is(err, tracking.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, tracking.ErrDisposed), errors.Is(err, dispatcher.ErrClosed),
		errors.Is(err, tracking.ErrFeedUnavailable), errors.Is(err, tracking.ErrSurfaceInit):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "status", code, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
