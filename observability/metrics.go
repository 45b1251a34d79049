package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type escrowMetrics struct {
	transitions *prometheus.CounterVec
	locked      *prometheus.GaugeVec
	settlement  *prometheus.HistogramVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record
// JSON-RPC activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapvault",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapvault",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and HTTP status.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapvault",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapvault",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. Status is the HTTP status
// the handler wrote; anything outside 2xx counts as an error.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status < 200 || status >= 300 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" or "duplicate" so dashboards stay consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// EscrowMetrics returns the registry tracking escrow lifecycle activity.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapvault",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Count of escrow lifecycle transitions segmented by asset and outcome.",
			}, []string{"asset", "transition"}),
			locked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "swapvault",
				Subsystem: "escrow",
				Name:      "active",
				Help:      "Number of escrows currently holding funds, by asset.",
			}, []string{"asset"}),
			settlement: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapvault",
				Subsystem: "escrow",
				Name:      "settlement_seconds",
				Help:      "Time from escrow creation to settlement.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			}, []string{"asset", "transition"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.locked,
			escrowRegistry.settlement,
		)
	})
	return escrowRegistry
}

// RecordCreated notes a newly funded escrow.
func (m *escrowMetrics) RecordCreated(asset string) {
	if m == nil {
		return
	}
	asset = normalizeAssetLabel(asset)
	m.transitions.WithLabelValues(asset, "created").Inc()
	m.locked.WithLabelValues(asset).Inc()
}

// RecordSettled notes a terminal transition ("withdrawn" or "cancelled")
// and how long the escrow was open.
func (m *escrowMetrics) RecordSettled(asset, transition string, open time.Duration) {
	if m == nil {
		return
	}
	asset = normalizeAssetLabel(asset)
	if transition == "" {
		transition = "unknown"
	}
	m.transitions.WithLabelValues(asset, transition).Inc()
	m.locked.WithLabelValues(asset).Dec()
	if open > 0 {
		m.settlement.WithLabelValues(asset, transition).Observe(open.Seconds())
	}
}

func normalizeAssetLabel(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
