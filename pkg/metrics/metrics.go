// Package metrics defines the Prometheus metric collectors used by the
// ingestion manager and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion manager.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DocumentsIngested   *prometheus.CounterVec
	DocumentsRemoved    *prometheus.CounterVec
	DocumentsRecorded   *prometheus.CounterVec
	PipelineSends       *prometheus.CounterVec
	DeadlockRetries     prometheus.Counter
	UpsertConflicts     prometheus.Counter
	LockWaitDuration    prometheus.Histogram
	IngestDuration      *prometheus.HistogramVec
	ConnectorErrors     *prometheus.CounterVec
	ActivityEventsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_documents_total",
				Help: "Documents delivered per output connection.",
			},
			[]string{"output"},
		),
		DocumentsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_removes_total",
				Help: "Document removals issued per output connection.",
			},
			[]string{"output"},
		),
		DocumentsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Version-only recordings per output connection.",
			},
			[]string{"output"},
		),
		PipelineSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pipeline_sends_total",
				Help: "Pipeline send outcomes (accepted, rejected, error).",
			},
			[]string{"outcome"},
		),
		DeadlockRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_deadlock_retries_total",
				Help: "Transactions restarted after deadlock or serialization failure.",
			},
		),
		UpsertConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_upsert_conflicts_total",
				Help: "Upsert inserts beaten by a concurrent insert and retried as updates.",
			},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_lock_wait_seconds",
				Help:    "Time spent waiting on URI locks.",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_operation_seconds",
				Help:    "Latency of coordinator operations.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),
		ConnectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_connector_errors_total",
				Help: "Connector call failures by kind (interruption, io, permanent).",
			},
			[]string{"kind"},
		),
		ActivityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_activity_events_total",
				Help: "Activity records published, by sink status.",
			},
			[]string{"status"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocumentsIngested,
		m.DocumentsRemoved,
		m.DocumentsRecorded,
		m.PipelineSends,
		m.DeadlockRetries,
		m.UpsertConflicts,
		m.LockWaitDuration,
		m.IngestDuration,
		m.ConnectorErrors,
		m.ActivityEventsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
