package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for toolscope.
// Pass to components that need to record metrics; a nil *Metrics disables
// recording.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	ConnectedSessions prometheus.Gauge
	DiscoveryDuration *prometheus.HistogramVec
	DiscoveredTools   *prometheus.GaugeVec
	ListChangedTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "toolscope",
				Name:      "calls_total",
				Help:      "Total number of routed tool calls",
			},
			[]string{"server", "status"}, // status=ok/tool_error/error
		),
		CallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolscope",
				Name:      "call_duration_seconds",
				Help:      "Routed tool call duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"server"},
		),
		ConnectedSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "toolscope",
				Name:      "connected_sessions",
				Help:      "Number of connected downstream sessions",
			},
		),
		DiscoveryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "toolscope",
				Name:      "discovery_duration_seconds",
				Help:      "Per-server discovery pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server"},
		),
		DiscoveredTools: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "toolscope",
				Name:      "discovered_tools",
				Help:      "Number of cached tools per downstream server",
			},
			[]string{"server"},
		),
		ListChangedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "toolscope",
				Name:      "list_changed_notifications_total",
				Help:      "Total tools/list_changed notifications sent to the peer",
			},
		),
	}
}
