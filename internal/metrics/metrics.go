package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	RecordTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_cache_record_transitions_total",
			Help: "Total number of record state transitions by series and resulting state",
		},
		[]string{"series", "state"},
	)

	FetchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_cache_fetch_outcomes_total",
			Help: "Total number of fetch outcomes received by result",
		},
		[]string{"result"},
	)

	AnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_cache_anomalies_total",
			Help: "Total number of cached values flagged as spikes",
		},
	)

	// Reconciler metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_cache_scans_total",
			Help: "Total number of range scans by series and completeness",
		},
		[]string{"series", "missing_data"},
	)

	// Ledger metrics
	ProviderCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_cache_provider_calls_total",
			Help: "Total number of provider calls recorded in the ledger",
		},
	)

	IngestionLockHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meter_cache_ingestion_lock_held",
			Help: "Whether this process holds the ingestion lock (1 = held)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_cache_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_cache_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(RecordTransitionsTotal)
	prometheus.MustRegister(FetchOutcomesTotal)
	prometheus.MustRegister(AnomaliesTotal)
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ProviderCallsTotal)
	prometheus.MustRegister(IngestionLockHeld)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
