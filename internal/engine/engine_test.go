package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/cache"
	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// fakeProvider always replies with a fixed canned response, counting calls
// so tests can assert how many times it was invoked.
type fakeProvider struct {
	id      string
	content string
	calls   int
	fail    bool
}

func (f *fakeProvider) ID() string                   { return f.id }
func (f *fakeProvider) Capabilities() map[string]bool { return nil }
func (f *fakeProvider) HealthProbe(context.Context) (provider.HealthReport, error) {
	return provider.HealthReport{Healthy: true}, nil
}
func (f *fakeProvider) Execute(_ context.Context, call provider.PreparedCall, _ time.Time) (provider.RawResult, error) {
	f.calls++
	if f.fail {
		return provider.RawResult{}, &provider.Error{Kind: provider.FatalClient, Err: errFake}
	}
	return provider.RawResult{Content: f.content, InputTokens: 10, OutputTokens: 20}, nil
}

var errFake = fakeErr("fake provider failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestCore(t *testing.T, providers map[string]*fakeProvider, cfg Config) *Core {
	t.Helper()
	bus := events.NewBus()
	lookup := func(agentID string) (provider.Provider, bool) {
		p, ok := providers[agentID]
		return p, ok
	}
	core := New(cfg, cache.NewMemoryStore(100), lookup, bus, clock.Real)
	for id := range providers {
		core.Registry().Register(reqtype.Agent{
			ID:                 id,
			Kind:               reqtype.KindProvider,
			BackendType:        "test",
			Capabilities:       map[string]reqtype.Capability{},
			LatencyP95:         50,
			QualityScore:       0.8,
			MaxConcurrency:     10,
			CostPerInputToken:  0.0001,
			CostPerOutputToken: 0.0002,
		})
	}
	return core
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Batcher.MinBatchSize = 1 // a lone request must dispatch without waiting on peers
	cfg.Batcher.BaseMaxWaitTime = 10 * time.Millisecond
	cfg.OrchestrationEnabled = false
	return cfg
}

func TestCore_Submit_Success(t *testing.T) {
	p := &fakeProvider{id: "agent-1", content: "hello from agent-1"}
	core := newTestCore(t, map[string]*fakeProvider{"agent-1": p}, baseConfig())

	req := reqtype.NewRequest("tenant-1", reqtype.TypeText, "say hello")
	req.ID = "req-1"

	resp, err := core.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected a successful response")
	}
	if resp.Content != "hello from agent-1" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if p.calls != 1 {
		t.Errorf("expected provider called once, got %d", p.calls)
	}
}

func TestCore_Submit_ValidationFailure(t *testing.T) {
	core := newTestCore(t, map[string]*fakeProvider{}, baseConfig())

	_, err := core.Submit(context.Background(), reqtype.Request{}) // missing ID/TenantID/Content
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !reqtype.IsKind(err, reqtype.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestCore_Submit_NoAgentAvailable(t *testing.T) {
	core := newTestCore(t, map[string]*fakeProvider{}, baseConfig())

	req := reqtype.NewRequest("tenant-1", reqtype.TypeText, "say hello")
	req.ID = "req-2"

	_, err := core.Submit(context.Background(), req)
	if !reqtype.IsKind(err, reqtype.ErrNoAgentAvailable) {
		t.Errorf("expected ErrNoAgentAvailable, got %v", err)
	}
}

func TestCore_Submit_CachesDeterministicRequests(t *testing.T) {
	p := &fakeProvider{id: "agent-1", content: "cacheable answer"}
	core := newTestCore(t, map[string]*fakeProvider{"agent-1": p}, baseConfig())

	req := reqtype.NewRequest("tenant-1", reqtype.TypeText, "deterministic question")
	req.ID = "req-3"
	req.Parameters = map[string]any{"temperature": float64(0)}

	first, err := core.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached {
		t.Error("first response should not be a cache hit")
	}

	req.ID = "req-4" // same tenant+content+params -> same fingerprint
	second, err := core.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Error("second identical request should be served from cache")
	}
	if p.calls != 1 {
		t.Errorf("expected provider called only once across both requests, got %d", p.calls)
	}
}

func TestCore_Submit_OrchestratesAnalysisRequests(t *testing.T) {
	primary := &fakeProvider{id: "agent-primary", content: "analysis draft"}
	critic := &fakeProvider{id: "agent-critic", content: "needs more detail"}
	cfg := baseConfig()
	cfg.OrchestrationEnabled = true
	cfg.OrchestrationMode = "refine"
	cfg.OrchestrationIterations = 1

	core := newTestCore(t, map[string]*fakeProvider{"agent-primary": primary, "agent-critic": critic}, cfg)

	req := reqtype.NewRequest("tenant-1", reqtype.TypeAnalysis, "analyze this dataset")
	req.ID = "req-5"

	resp, err := core.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected a successful response")
	}
	// Refine mode always re-invokes whichever agent the Router actually
	// selected (loadBalanced is a weighted-random draw among equally-scored
	// agents, so it is not necessarily "agent-primary" by name); what matters
	// is that one agent received both the initial call and the refine call.
	if primary.calls+critic.calls < 2 {
		t.Errorf("expected at least 2 total calls (initial + refine) across the two agents, got primary=%d critic=%d", primary.calls, critic.calls)
	}
	if primary.calls != 0 && critic.calls != 0 {
		t.Errorf("expected a single agent to handle both refine calls, got primary=%d critic=%d", primary.calls, critic.calls)
	}
}

func TestCore_Cancel_UnknownRequestReturnsFalse(t *testing.T) {
	core := newTestCore(t, map[string]*fakeProvider{}, baseConfig())
	if core.Cancel("does-not-exist") {
		t.Error("expected Cancel to report false for an unknown request")
	}
}

func TestCore_SubmitStreaming_DeliversContentThenDone(t *testing.T) {
	p := &fakeProvider{id: "agent-1", content: "streamed reply"}
	core := newTestCore(t, map[string]*fakeProvider{"agent-1": p}, baseConfig())

	req := reqtype.NewRequest("tenant-1", reqtype.TypeText, "stream this")
	req.ID = "req-6"

	ch, err := core.SubmitStreaming(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []reqtype.StreamChunk
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				goto done
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("timed out waiting for stream chunks")
		}
	}
done:
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (content, done), got %d", len(chunks))
	}
	if chunks[0].Kind != reqtype.ChunkContent || chunks[0].Data != "streamed reply" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Kind != reqtype.ChunkDone {
		t.Errorf("unexpected second chunk: %+v", chunks[1])
	}
}
