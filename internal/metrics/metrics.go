// Package metrics exposes Prometheus instrumentation for the analytics
// backend.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the metric families shared by the cache, gateways and the
// HTTP layer.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	WarehouseQueries prometheus.Counter
	WarehouseErrors  prometheus.Counter
	QueryDuration    prometheus.Histogram
	DegradedWrites   prometheus.Counter

	StoreOpsTotal *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// New creates the process-wide metrics set. Subsequent calls return the
// same instance regardless of namespace; registration with the default
// registry must happen exactly once.
func New(namespace string) *Metrics {
	once.Do(func() {
		if namespace == "" {
			namespace = "variant_analytics"
		}
		instance = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status code.",
			}, []string{"method", "route", "status"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Dataset cache hits by tier (memory or object_store).",
			}, []string{"tier"}),
			CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Dataset cache misses by tier.",
			}, []string{"tier"}),
			WarehouseQueries: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_queries_total",
				Help:      "Queries issued to the warehouse.",
			}),
			WarehouseErrors: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_errors_total",
				Help:      "Warehouse queries that failed after retries.",
			}),
			QueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "warehouse_query_duration_seconds",
				Help:      "Warehouse query latency.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			DegradedWrites: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_degraded_writes_total",
				Help:      "Best-effort object store cache writes that failed.",
			}),
			StoreOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objectstore_ops_total",
				Help:      "Object store operations by op and result.",
			}, []string{"op", "result"}),
		}
	})
	return instance
}
