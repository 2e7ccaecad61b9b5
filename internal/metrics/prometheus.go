package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for the metadata sync core
type PrometheusMetrics struct {
	// Registry metrics
	RegistryNodesTotal prometheus.Gauge
	StaleNodes         prometheus.Gauge

	// Propagation metrics
	PropagationsTotal   *prometheus.CounterVec
	PropagationDuration prometheus.Histogram

	// Convergence daemon metrics
	DaemonCyclesTotal  prometheus.Counter
	DaemonWakeupsTotal *prometheus.CounterVec

	// Plan cache metrics
	PlanCacheInvalidations prometheus.Counter

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			RegistryNodesTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "registry_nodes_total",
				Help: "The total number of nodes in the registry",
			}),
			StaleNodes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "registry_stale_nodes",
				Help: "The number of nodes whose replica is known stale",
			}),

			PropagationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metadata_propagations_total",
					Help: "The total number of snapshot propagation attempts",
				},
				[]string{"outcome"},
			),
			PropagationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "metadata_propagation_duration_seconds",
				Help:    "Propagation attempt latencies in seconds",
				Buckets: prometheus.DefBuckets,
			}),

			DaemonCyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "convergence_daemon_cycles_total",
				Help: "The total number of convergence daemon scan cycles",
			}),
			DaemonWakeupsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "convergence_daemon_wakeups_total",
					Help: "Daemon wakeups by cause",
				},
				[]string{"cause"},
			),

			PlanCacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "plan_cache_invalidations_total",
				Help: "The total number of plan cache invalidations from address changes",
			}),

			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "requests_total",
					Help: "The total number of processed requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "request_duration_seconds",
					Help:    "The request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	if instance == nil {
		return NewPrometheusMetrics()
	}
	return instance
}

// RecordPropagation records a propagation attempt with its outcome
func (pm *PrometheusMetrics) RecordPropagation(outcome string, seconds float64) {
	pm.PropagationsTotal.WithLabelValues(outcome).Inc()
	pm.PropagationDuration.Observe(seconds)
}

// RecordRequest records a request with its method, endpoint, status and latency
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string, seconds float64) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
