package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's Prometheus metrics. Pass to the server; a nil
// *Metrics disables recording.
type Metrics struct {
	TunnelsTotal      *prometheus.CounterVec
	ActiveTunnels     prometheus.Gauge
	TransformDuration prometheus.Histogram
	UpstreamErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers all proxy metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TunnelsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gap",
				Name:      "tunnels_total",
				Help:      "Tunnels by terminal outcome",
			},
			[]string{"outcome"}, // streamed, bad_request, auth_fail, no_match, host_mismatch, transform_fail, upstream_fail, storage_fail
		),
		ActiveTunnels: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gap",
				Name:      "active_tunnels",
				Help:      "Tunnels currently open",
			},
		),
		TransformDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gap",
				Name:      "transform_duration_seconds",
				Help:      "Plugin transform duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
			},
		),
		UpstreamErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gap",
				Name:      "upstream_errors_total",
				Help:      "Upstream dial failures by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) tunnelOutcome(outcome string) {
	if m != nil {
		m.TunnelsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) upstreamError(kind UpstreamErrorKind) {
	if m != nil {
		m.UpstreamErrors.WithLabelValues(kind.String()).Inc()
	}
}
