package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Guest action metrics
	GuestActionTotal      *prometheus.CounterVec // action (reserve/unreserve/contribute) x outcome
	IdempotentReplayTotal prometheus.Counter
	RateLimitRejected     *prometheus.CounterVec

	// Read-model and stream metrics
	SnapshotBuildDuration prometheus.Histogram
	StreamConnections     prometheus.Gauge

	// Storage operation metrics
	StorageOperationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		GuestActionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guest_actions_total",
			Help: "Total number of public guest actions by outcome",
		}, []string{"action", "outcome"}),

		IdempotentReplayTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotent_replays_total",
			Help: "Total number of mutations answered from the idempotency ledger",
		}),

		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejected_total",
			Help: "Total number of guest actions rejected by the rate limiter",
		}, []string{"scope"}),

		SnapshotBuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapshot_build_duration_seconds",
			Help:    "Read-model snapshot build duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		StreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_connections",
			Help: "Number of currently connected stream viewers",
		}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.GuestActionTotal)
	registerOrGet(m.IdempotentReplayTotal)
	registerOrGet(m.RateLimitRejected)
	registerOrGet(m.SnapshotBuildDuration)
	registerOrGet(m.StreamConnections)
	registerOrGet(m.StorageOperationTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
