// Package metrics defines the Prometheus collectors of the service and the
// scrape handler. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	HTTPRequestsInFlight   prometheus.Gauge
	DocumentsIngestedTotal *prometheus.CounterVec
	IngestionStageDuration *prometheus.HistogramVec
	ChunksStoredTotal      prometheus.Counter
	RetrievalResults       prometheus.Histogram
	AnswersTotal           *prometheus.CounterVec
	SummaryOmittedTotal    prometheus.Counter

	reg prometheus.Registerer
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_ingested_total",
				Help: "Documents that finished ingestion by outcome (completed, failed).",
			},
			[]string{"outcome"},
		),
		IngestionStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingestion_stage_duration_seconds",
				Help:    "Time spent per ingestion stage.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		ChunksStoredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunks_stored_total",
				Help: "Total chunks persisted.",
			},
		),
		RetrievalResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_results_count",
				Help:    "Number of chunks returned per retrieval.",
				Buckets: []float64{0, 1, 2, 3, 5, 10},
			},
		),
		AnswersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answers_total",
				Help: "Answer requests by mode and outcome (ok, degraded, error).",
			},
			[]string{"mode", "outcome"},
		),
		SummaryOmittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "summary_documents_omitted_total",
				Help: "Documents dropped from a multi-agent summary after a failed fold.",
			},
		),
		reg: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocumentsIngestedTotal,
		m.IngestionStageDuration,
		m.ChunksStoredTotal,
		m.RetrievalResults,
		m.AnswersTotal,
		m.SummaryOmittedTotal,
	)

	return m
}

// RegisterCacheStats exposes hit and miss counters read from stats.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64)) {
	if m == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "embedding_cache_hits_total",
			Help: "Total embedding cache hits.",
		}, func() float64 {
			h, _ := stats()
			return float64(h)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "embedding_cache_misses_total",
			Help: "Total embedding cache misses.",
		}, func() float64 {
			_, mi := stats()
			return float64(mi)
		}),
	)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestionStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) IngestionFinished(outcome string, chunks int) {
	if m == nil {
		return
	}
	m.DocumentsIngestedTotal.WithLabelValues(outcome).Inc()
	m.ChunksStoredTotal.Add(float64(chunks))
}

func (m *Metrics) Retrieved(n int) {
	if m == nil {
		return
	}
	m.RetrievalResults.Observe(float64(n))
}

func (m *Metrics) Answered(mode, outcome string) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) SummaryOmitted(n int) {
	if m == nil {
		return
	}
	m.SummaryOmittedTotal.Add(float64(n))
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
