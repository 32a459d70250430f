package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	RequestErrorsByStatus *prometheus.CounterVec
	RequestLatency       *prometheus.HistogramVec
	CostUSD              *prometheus.CounterVec
	TokensTotal          *prometheus.CounterVec
	RateLimitedTotal     prometheus.Counter
	TemporalUp           prometheus.Gauge
	HeartbeatTotal       prometheus.Counter
	ProviderHealthState  *prometheus.GaugeVec // 1=available, 0=unavailable, per provider

	// Circuit breaker metrics.
	TemporalCircuitState  prometheus.Gauge   // 0=closed, 1=open, 2=half-open
	TemporalFallbackTotal prometheus.Counter // count of requests that fell back to direct engine

	// Cascade metrics: drafter/verifier acceptance outcomes and the cost
	// avoided by accepting a draft instead of escalating.
	CascadeAcceptedTotal  *prometheus.CounterVec
	CascadeEscalatedTotal *prometheus.CounterVec
	CascadeAlignmentScore *prometheus.HistogramVec
	CostSavedUSD          *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"mode", "model", "provider", "status"}),
		RequestErrorsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_request_errors_by_status_total",
			Help: "Total failed requests broken down by upstream HTTP status",
		}, []string{"mode", "model", "provider", "http_status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascadeflow_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_cost_usd_total",
			Help: "Estimated USD cost",
		}, []string{"model", "provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_tokens_total",
			Help: "Total tokens processed, by direction",
		}, []string{"model", "provider", "direction"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascadeflow_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascadeflow_temporal_up",
			Help: "Whether the background workflow engine is connected (1=up, 0=down/disabled)",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascadeflow_heartbeat_total",
			Help: "Total background heartbeat ticks processed",
		}),
		ProviderHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cascadeflow_provider_health_state",
			Help: "Provider availability as tracked by the health monitor (1=available, 0=unavailable)",
		}, []string{"provider"}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cascadeflow_verifier_circuit_state",
			Help: "Verifier dispatch circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cascadeflow_verifier_fallback_total",
			Help: "Total requests that fell back to direct verifier dispatch due to circuit breaker",
		}),
		CascadeAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_cascade_accepted_total",
			Help: "Total cascade requests where the drafter response was accepted",
		}, []string{"draft_model", "verifier_model"}),
		CascadeEscalatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_cascade_escalated_total",
			Help: "Total cascade requests that escalated to the verifier",
		}, []string{"draft_model", "verifier_model"}),
		CascadeAlignmentScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascadeflow_alignment_score",
			Help:    "Distribution of alignment scorer output",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"draft_model"}),
		CostSavedUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascadeflow_cost_saved_usd_total",
			Help: "Estimated USD cost avoided by accepting drafter responses",
		}, []string{"draft_model", "verifier_model"}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestErrorsByStatus, m.RequestLatency, m.CostUSD, m.TokensTotal,
		m.RateLimitedTotal, m.TemporalUp, m.HeartbeatTotal, m.ProviderHealthState,
		m.TemporalCircuitState, m.TemporalFallbackTotal,
		m.CascadeAcceptedTotal, m.CascadeEscalatedTotal, m.CascadeAlignmentScore, m.CostSavedUSD,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
