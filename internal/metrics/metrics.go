// Package metrics exposes Prometheus collectors for page usage and eviction.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagekeeper_evictions_total",
		Help: "Pages whose local replica was deleted, by eviction condition",
	}, []string{"condition"})

	EvictionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagekeeper_eviction_failures_total",
		Help: "Eviction attempts that ended in an error, by status",
	}, []string{"status"})

	PredicateResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagekeeper_predicate_results_total",
		Help: "Eviction safety checks by predicate and result",
	}, []string{"predicate", "result"})

	OpenPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagekeeper_open_pages",
		Help: "Pages with at least one live reference",
	})

	Sweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagekeeper_cleanup_sweeps_total",
		Help: "Cleanup sweeps by policy and outcome",
	}, []string{"policy", "outcome"})

	SweepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagekeeper_cleanup_sweep_latency_milliseconds",
		Help:    "Cleanup sweep latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2.0, 16),
	})

	PendingOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagekeeper_pending_operations",
		Help: "Outstanding eviction, check and usage index operations",
	})

	DiskUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagekeeper_disk_used_bytes",
		Help: "Bytes used by local page replicas",
	})

	PeerEvictionNotices = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagekeeper_peer_eviction_notices_total",
		Help: "Eviction notices received from cluster peers",
	})
)

func init() {
	prometheus.MustRegister(Evictions)
	prometheus.MustRegister(EvictionFailures)
	prometheus.MustRegister(PredicateResults)
	prometheus.MustRegister(OpenPages)
	prometheus.MustRegister(Sweeps)
	prometheus.MustRegister(SweepLatency)
	prometheus.MustRegister(PendingOperations)
	prometheus.MustRegister(DiskUsedBytes)
	prometheus.MustRegister(PeerEvictionNotices)
}

func IncEviction(condition string) {
	Evictions.WithLabelValues(condition).Inc()
}

func IncEvictionFailure(status string) {
	EvictionFailures.WithLabelValues(status).Inc()
}

func IncPredicateResult(predicate, result string) {
	PredicateResults.WithLabelValues(predicate, result).Inc()
}

func PageOpened() {
	OpenPages.Inc()
}

func PageClosed() {
	OpenPages.Dec()
}

func ObserveSweep(policy, outcome string, ms float64) {
	Sweeps.WithLabelValues(policy, outcome).Inc()
	SweepLatency.Observe(ms)
}

func SetPendingOperations(n int) {
	PendingOperations.Set(float64(n))
}

func SetDiskUsed(bytes int64) {
	DiskUsedBytes.Set(float64(bytes))
}

func IncPeerEvictionNotice() {
	PeerEvictionNotices.Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
