package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeedSamplesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_feed_samples_received_total",
		Help: "Valid position samples delivered by the realtime feed",
	})
	FeedRowsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_feed_rows_rejected_total",
		Help: "Feed rows dropped because they failed validation",
	})
	FeedOpenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_feed_open_failures_total",
		Help: "Realtime channels that failed to open",
	})
	FeedSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleettrack_feed_subscriptions",
		Help: "Open realtime feed subscriptions",
	})
	MarkerChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleettrack_marker_changes_total",
		Help: "Marker model updates by change kind (none, partial, full)",
	}, []string{"change"})
	SurfaceMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleettrack_surface_mutations_total",
		Help: "Renderer mutations issued by the map surface",
	}, []string{"op"})
	SurfaceDroppedOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_surface_dropped_ops_total",
		Help: "Surface operations dropped before the renderer became ready",
	})
	HistoryQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleettrack_history_queries_total",
		Help: "History queries by outcome (drawn, empty, error, discarded)",
	}, []string{"result"})
	HistoryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleettrack_history_query_seconds",
		Help:    "Latency of trailing-window history queries",
		Buckets: prometheus.DefBuckets,
	})
	ControllerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleettrack_controller_transitions_total",
		Help: "Tracking controller state transitions by destination state",
	}, []string{"state"})
	ViewerConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleettrack_viewer_connections",
		Help: "Connected map viewers",
	})
	RecorderWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_recorder_samples_written_total",
		Help: "Feed samples persisted by the position recorder",
	})
	RecorderDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleettrack_recorder_samples_dropped_total",
		Help: "Feed samples evicted from a full recorder buffer",
	})
	RecorderWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleettrack_recorder_write_seconds",
		Help:    "Duration of recorder batch writes",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveHistoryLatency records the time since start.
func ObserveHistoryLatency(start time.Time) {
	HistoryLatency.Observe(time.Since(start).Seconds())
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
