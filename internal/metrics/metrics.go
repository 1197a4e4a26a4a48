// Package metrics wraps a Prometheus registry with the handful of
// counters/gauges/histograms this node exposes: capture FPS, queue
// depths, event counts by route mode, and analysis latency. Mirrors the
// registry-wrapped counter/gauge/histogram-by-name idiom of
// engine/telemetry/metrics's PrometheusProvider, trimmed to this node's
// fixed, small metric set rather than a generic on-demand registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this node registers. All fields are
// safe for concurrent use, per the prometheus client library's own
// guarantees.
type Metrics struct {
	reg *prometheus.Registry

	CaptureFPS       prometheus.Gauge
	AnalysisQueueLen prometheus.Gauge
	CloudQueueLen    prometheus.Gauge
	CloudPending     prometheus.Gauge

	EventsTotal     *prometheus.CounterVec // labeled by route_mode
	AnalysisLatency prometheus.Histogram
	HTTPRequests    *prometheus.CounterVec // labeled by path, method, status
}

// New creates a Metrics with every collector registered against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		CaptureFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_capture_fps",
			Help: "Current capture loop frames per second.",
		}),
		AnalysisQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_analysis_queue_depth",
			Help: "Number of jobs currently queued for local inference.",
		}),
		CloudQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_cloud_queue_depth",
			Help: "Number of jobs currently queued for cloud staging.",
		}),
		CloudPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgenode_cloud_pending",
			Help: "Number of packages staged for cloud upload but not yet claimed.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_events_total",
			Help: "Total finalized events by routing decision.",
		}, []string{"route_mode"}),
		AnalysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgenode_analysis_latency_seconds",
			Help:    "Local inference runner latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgenode_http_requests_total",
			Help: "Total HTTP requests served, by route and status.",
		}, []string{"path", "method", "status"}),
	}

	reg.MustRegister(
		m.CaptureFPS, m.AnalysisQueueLen, m.CloudQueueLen, m.CloudPending,
		m.EventsTotal, m.AnalysisLatency, m.HTTPRequests,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
