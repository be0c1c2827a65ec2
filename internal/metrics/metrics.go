package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	AttemptsTotal  *prometheus.CounterVec
	RotationsTotal *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	QuotaDenials   *prometheus.CounterVec
	StreamChunks   *prometheus.CounterVec
	CostUSD        *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"mode", "model", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelrelay_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"mode", "model", "provider"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_upstream_attempts_total",
			Help: "Upstream attempts by provider and outcome class",
		}, []string{"provider", "outcome"}),
		RotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_candidate_rotations_total",
			Help: "Fallback rotations to the next candidate",
		}, []string{"provider", "reason"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelrelay_circuit_state",
			Help: "Circuit state per provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
		QuotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_quota_denials_total",
			Help: "Requests denied by the provider quota window",
		}, []string{"provider"}),
		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_stream_chunks_total",
			Help: "Stream chunks forwarded to callers",
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelrelay_cost_usd_total",
			Help: "Accrued USD cost",
		}, []string{"model", "provider"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelrelay_http_rate_limited_total",
			Help: "Inbound requests rejected by the per-IP rate limiter",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.AttemptsTotal, m.RotationsTotal,
		m.CircuitState, m.QuotaDenials, m.StreamChunks, m.CostUSD, m.RateLimited)
	return m
}

// SetCircuit maps a circuit name to the gauge encoding.
func (m *Registry) SetCircuit(provider, circuit string) {
	var v float64
	switch circuit {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(provider).Set(v)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
