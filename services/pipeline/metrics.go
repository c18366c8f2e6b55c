package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the pipeline's operational counters on the default
// prometheus registry, scraped via the gateway's /metrics endpoint.
type Metrics struct {
	uploads    *prometheus.CounterVec
	inFlight   prometheus.Gauge
	failures   *prometheus.CounterVec
	durations  prometheus.Histogram
	rejections prometheus.Counter
}

// All methods tolerate a nil receiver so tests can run without touching the
// default registry.

func (m *Metrics) upload(mediaType string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(mediaType).Inc()
}

func (m *Metrics) analysisStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) analysisEnded(seconds float64) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.durations.Observe(seconds)
}

func (m *Metrics) failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rejections.Inc()
}

// NewMetrics registers the pipeline collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		uploads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "l1gw_uploads_total",
			Help: "Artifacts accepted for analysis, by media type.",
		}, []string{"media_type"}),
		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "l1gw_analyses_in_flight",
			Help: "Analyzer processes currently running.",
		}),
		failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "l1gw_analyses_failed_total",
			Help: "Analyses that reached the failed terminal state, by reason.",
		}, []string{"reason"}),
		durations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "l1gw_analysis_duration_seconds",
			Help:    "Wall-clock analysis duration from dispatch to exit.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		rejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "l1gw_uploads_rejected_total",
			Help: "Uploads rejected before an artifact record was created.",
		}),
	}
}
