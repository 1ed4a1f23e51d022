// Package metrics defines the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors on a dedicated registry so tests
// can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	PaymentEvents      *prometheus.CounterVec
	ExecutionAttempts  *prometheus.CounterVec
	ReceiptSubmissions *prometheus.CounterVec
	CacheRequests      *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
}

// Event result labels for PaymentEvents.
const (
	EventProcessed     = "processed"
	EventDroppedInput  = "dropped_no_input"
	EventDroppedModel  = "dropped_inactive_model"
	EventDroppedLookup = "dropped_model_lookup"
)

// Result labels for CacheRequests.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// New builds the collector set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PaymentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_payment_events_total",
			Help: "Payment events received, labelled by network and processing result.",
		}, []string{"network", "result"}),
		ExecutionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_execution_attempts_total",
			Help: "Outbound execution attempts against model endpoints, labelled by result.",
		}, []string{"result"}),
		ReceiptSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_receipt_submissions_total",
			Help: "On-chain receipt submission outcomes.",
		}, []string{"outcome"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_requests_total",
			Help: "Cache lookups, labelled by cache name and hit/miss.",
		}, []string{"cache", "result"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_execution_duration_seconds",
			Help:    "Wall time of full pipeline executions, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PaymentEvents,
		m.ExecutionAttempts,
		m.ReceiptSubmissions,
		m.CacheRequests,
		m.ExecutionDuration,
	)
	return m
}

// ObserveCache counts one lookup against the named cache. Nil-safe so cache
// wrappers constructed without instrumentation stay usable in tests.
func (m *Metrics) ObserveCache(cache, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}
