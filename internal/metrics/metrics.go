// Package metrics exposes a Prometheus registry wired to the same
// lifecycle events the events bus publishes, so every stage's counters and
// histograms are discoverable under one /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/histogram/gauge the pipeline records.
type Registry struct {
	reg *prometheus.Registry

	RequestsPreprocessedTotal *prometheus.CounterVec // outcome=passed|rejected
	RiskScore                 prometheus.Histogram

	RoutingDecisionsTotal *prometheus.CounterVec // strategy, outcome=success|fallback|failed
	RoutingLatencyMs      prometheus.Histogram

	BatchesFormedTotal    *prometheus.CounterVec // strategy
	BatchSize             prometheus.Histogram
	BatchWaitMs           prometheus.Histogram

	AttemptsTotal    *prometheus.CounterVec // backend, outcome
	AttemptLatencyMs *prometheus.HistogramVec

	BreakerState      *prometheus.GaugeVec // backend -> 0 closed,1 open,2 half-open
	BreakerTripsTotal *prometheus.CounterVec

	ResponsesTotal *prometheus.CounterVec // outcome=success|degraded|cached
	QualityScore   prometheus.Histogram
	CostUSDTotal   *prometheus.CounterVec // backend

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	QueueDepth prometheus.Gauge
}

// New builds a Registry with every metric registered against a fresh
// prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsPreprocessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_requests_preprocessed_total",
			Help: "Requests that completed preprocessing, by outcome",
		}, []string{"outcome"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingcore_risk_score",
			Help:    "Preprocessor risk score distribution",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		RoutingDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_routing_decisions_total",
			Help: "Routing decisions, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		RoutingLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingcore_routing_latency_ms",
			Help:    "Time to produce a RoutingDecision",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		BatchesFormedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_batches_formed_total",
			Help: "Batches formed, by strategy",
		}, []string{"strategy"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingcore_batch_size",
			Help:    "Member count of completed batches",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		}),
		BatchWaitMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingcore_batch_wait_ms",
			Help:    "Time a batch spent forming before dispatch",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_attempts_total",
			Help: "Execution attempts, by backend and outcome",
		}, []string{"backend", "outcome"}),
		AttemptLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routingcore_attempt_latency_ms",
			Help:    "Execution attempt latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"backend"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routingcore_breaker_state",
			Help: "Circuit breaker state per backend (0=closed,1=open,2=half-open)",
		}, []string{"backend"}),
		BreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_breaker_trips_total",
			Help: "Circuit breaker trips, by backend",
		}, []string{"backend"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_responses_total",
			Help: "Terminal responses, by outcome",
		}, []string{"outcome"}),
		QualityScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routingcore_quality_score",
			Help:    "ResponseProcessor quality score distribution",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routingcore_cost_usd_total",
			Help: "Estimated USD cost, by backend",
		}, []string{"backend"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routingcore_cache_hits_total",
			Help: "Cache lookups that hit",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routingcore_cache_misses_total",
			Help: "Cache lookups that missed",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routingcore_queue_depth",
			Help: "Requests currently admitted but not yet terminal",
		}),
	}
	reg.MustRegister(
		m.RequestsPreprocessedTotal, m.RiskScore,
		m.RoutingDecisionsTotal, m.RoutingLatencyMs,
		m.BatchesFormedTotal, m.BatchSize, m.BatchWaitMs,
		m.AttemptsTotal, m.AttemptLatencyMs,
		m.BreakerState, m.BreakerTripsTotal,
		m.ResponsesTotal, m.QualityScore, m.CostUSDTotal,
		m.CacheHitsTotal, m.CacheMissesTotal,
		m.QueueDepth,
	)
	return m
}

// Handler returns the HTTP handler serving this registry in Prometheus
// exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// BreakerStateValue maps a circuit state name to the gauge value contract
// documented on BreakerState.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "halfOpen":
		return 2
	default:
		return 0
	}
}
