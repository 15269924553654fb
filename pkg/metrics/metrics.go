// Package metrics defines the Prometheus metric collectors used by the
// ingestor and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestor.
type Metrics struct {
	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	RowsTotal           *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
	WriteAttemptsTotal  *prometheus.CounterVec
	WriteDuration       prometheus.Histogram
	SkippedTicksTotal   prometheus.Counter
	LoopState           *prometheus.GaugeVec
	FilesCheckpointed   prometheus.Counter
	DeadLetterFailures  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cycles_total",
				Help: "Trigger cycles by outcome (empty, committed, failed, aborted).",
			},
			[]string{"outcome"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_cycle_duration_seconds",
				Help:    "Wall time of a trigger cycle in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rows_total",
				Help: "Rows processed by outcome (read, inserted, duplicate, rejected).",
			},
			[]string{"outcome"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rejections_total",
				Help: "Rejected rows by reason.",
			},
			[]string{"reason"},
		),
		WriteAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_write_attempts_total",
				Help: "Batch write attempts by result (ok, transient, permanent).",
			},
			[]string{"result"},
		),
		WriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_write_duration_seconds",
				Help:    "Latency of a single batch write attempt in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		SkippedTicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_skipped_ticks_total",
				Help: "Trigger ticks skipped because a cycle was still running.",
			},
		),
		LoopState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_loop_state",
				Help: "1 for the state the ingestion loop is currently in, 0 otherwise.",
			},
			[]string{"state"},
		),
		FilesCheckpointed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_files_checkpointed_total",
				Help: "Files recorded as processed in the checkpoint.",
			},
		),
		DeadLetterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_dead_letter_failures_total",
				Help: "Dead-letter deliveries that failed, by sink.",
			},
			[]string{"sink"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_http_requests_total",
				Help: "Requests to the metrics and health endpoints by path and status code.",
			},
			[]string{"path", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_http_request_duration_seconds",
				Help:    "Latency of metrics and health endpoint requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.CyclesTotal,
			m.CycleDuration,
			m.RowsTotal,
			m.RejectionsTotal,
			m.WriteAttemptsTotal,
			m.WriteDuration,
			m.SkippedTicksTotal,
			m.LoopState,
			m.FilesCheckpointed,
			m.DeadLetterFailures,
			m.CircuitBreakerState,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
	}

	return m
}

// SetState marks state as the current loop state among all known states.
func (m *Metrics) SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.LoopState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus scrape HTTP handler for gatherer g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
