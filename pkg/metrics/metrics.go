package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tailkeeper_sessions",
			Help: "Number of tail sessions by state",
		},
		[]string{"state"},
	)

	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailkeeper_refreshes_total",
			Help: "Credential refreshes by result",
		},
		[]string{"result"},
	)

	ConnectionDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tailkeeper_connection_drops_total",
			Help: "Streams that ended without being closed locally",
		},
	)

	SessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailkeeper_session_events_total",
			Help: "Session lifecycle events by type",
		},
		[]string{"type"},
	)

	// Sink metrics
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailkeeper_records_total",
			Help: "Inbound log records by result (stored, dropped, failed)",
		},
		[]string{"result"},
	)

	// Discovery metrics
	DiscoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tailkeeper_discovery_duration_seconds",
			Help:    "Duration of discovery reconciliation cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DiscoveryCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailkeeper_discovery_cycles_total",
			Help: "Discovery cycles by result",
		},
		[]string{"result"},
	)

	SessionsRetiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tailkeeper_sessions_retired_total",
			Help: "Sessions closed because their workload disappeared",
		},
	)

	// Persistence metrics
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tailkeeper_snapshots_total",
			Help: "State snapshots written by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(RefreshesTotal)
	prometheus.MustRegister(ConnectionDropsTotal)
	prometheus.MustRegister(SessionEventsTotal)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(DiscoveryDuration)
	prometheus.MustRegister(DiscoveryCyclesTotal)
	prometheus.MustRegister(SessionsRetiredTotal)
	prometheus.MustRegister(SnapshotsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewMux serves metrics and health endpoints
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
