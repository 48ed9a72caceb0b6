package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsPreprocessedTotal == nil {
		t.Fatal("expected non-nil RequestsPreprocessedTotal counter")
	}
	if r.AttemptLatencyMs == nil {
		t.Fatal("expected non-nil AttemptLatencyMs histogram")
	}
	if r.CostUSDTotal == nil {
		t.Fatal("expected non-nil CostUSDTotal counter")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	h := r.Handler()
	if h == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	// Record through every metric kind to ensure none of them panic.
	r.RequestsPreprocessedTotal.WithLabelValues("passed").Inc()
	r.CostUSDTotal.WithLabelValues("anthropic-claude").Add(0.01)
	r.AttemptLatencyMs.WithLabelValues("anthropic-claude").Observe(150.0)
	r.BreakerState.WithLabelValues("anthropic-claude").Set(BreakerStateValue("open"))
	r.CacheHitsTotal.Inc()
	r.QueueDepth.Set(3)

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}

	want := []string{
		"routingcore_requests_preprocessed_total",
		"routingcore_attempt_latency_ms",
		"routingcore_cost_usd_total",
		"routingcore_breaker_state",
		"routingcore_cache_hits_total",
		"routingcore_queue_depth",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RequestsPreprocessedTotal.WithLabelValues("passed").Inc()

	// r2 should have zero metrics gathered (no observations made).
	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
}

func TestRegisteredMetricDescriptions(t *testing.T) {
	r := New()

	ch := make(chan *prometheus.Desc, 10)
	go func() {
		r.RequestsPreprocessedTotal.Describe(ch)
		r.AttemptLatencyMs.Describe(ch)
		r.CostUSDTotal.Describe(ch)
		close(ch)
	}()

	count := 0
	for range ch {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 metric descriptors, got %d", count)
	}
}

func TestBreakerStateValue(t *testing.T) {
	cases := map[string]float64{
		"closed":   0,
		"open":     1,
		"halfOpen": 2,
		"unknown":  0,
	}
	for state, want := range cases {
		if got := BreakerStateValue(state); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
