// Package metrics exposes the gateway's Prometheus counters and
// histograms and the /metrics handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the gateway emits. All instruments
// are registered on a private registry so tests can create several
// instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestLatency     *prometheus.HistogramVec
	PolicyViolations   *prometheus.CounterVec
	SignatureVerifies  *prometheus.CounterVec
	TransformReceipts  *prometheus.CounterVec
	HopRequests        *prometheus.CounterVec
	HopLatency         *prometheus.HistogramVec
	ReceiptWriteErrors *prometheus.CounterVec
	Reloads            *prometheus.CounterVec
	RoamingRejections  *prometheus.CounterVec
	QuotaRejections    *prometheus.CounterVec
	StorageFallbacks   *prometheus.CounterVec
	IdentityMisses     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_requests_total",
		Help: "Inbound requests by route, method, and status.",
	}, []string{"route", "method", "status"})

	m.RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odin_request_duration_seconds",
		Help:    "Inbound request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	m.PolicyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_policy_violations_total",
		Help: "Policy denials by rule.",
	}, []string{"rule"})

	m.SignatureVerifies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_signature_verifications_total",
		Help: "Signature verifications by service and outcome.",
	}, []string{"service", "outcome"})

	m.TransformReceipts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_transform_receipts_total",
		Help: "Transform receipts by stage, map, storage, and outcome.",
	}, []string{"stage", "map", "storage", "outcome"})

	m.HopRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_hop_requests_total",
		Help: "Outbound hop requests by outcome.",
	}, []string{"outcome"})

	m.HopLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odin_hop_duration_seconds",
		Help:    "Outbound hop latency by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	m.ReceiptWriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_receipt_write_failures_total",
		Help: "Receipt persistence failures by kind.",
	}, []string{"kind"})

	m.Reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_dynamic_reloads_total",
		Help: "Hot reloads by target.",
	}, []string{"target"})

	m.RoamingRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_roaming_rejections_total",
		Help: "Roaming pass rejections by reason.",
	}, []string{"reason"})

	m.QuotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_quota_rejections_total",
		Help: "Quota denials by tenant class.",
	}, []string{"tenant"})

	m.StorageFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odin_storage_fallbacks_total",
		Help: "Storage fallback activations by operation.",
	}, []string{"op"})

	m.IdentityMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odin_bridge_identity_misses_total",
		Help: "Outbound hops sent without an identity token.",
	})

	m.registry.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.PolicyViolations,
		m.SignatureVerifies, m.TransformReceipts, m.HopRequests,
		m.HopLatency, m.ReceiptWriteErrors, m.Reloads,
		m.RoamingRejections, m.QuotaRejections, m.StorageFallbacks,
		m.IdentityMisses,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed inbound request.
func (m *Metrics) ObserveRequest(route, method, status string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveHop records one outbound hop cycle.
func (m *Metrics) ObserveHop(outcome string, elapsed time.Duration) {
	m.HopRequests.WithLabelValues(outcome).Inc()
	m.HopLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
