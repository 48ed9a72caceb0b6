package responseprocessor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/cache"
	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

func preprocessedOf(typ reqtype.Type, content string, params map[string]any) reqtype.PreprocessedRequest {
	req := reqtype.NewRequest("tenant-1", typ, content)
	if params != nil {
		req.Parameters = params
	}
	return reqtype.PreprocessedRequest{Request: req, ValidationPassed: true, ResolvedPriority: 5}
}

func newTestProcessor(bus *events.Bus, c *cache.Cache) *Processor {
	return New(DefaultConfig(), bus, c, clock.NewFake(time.Unix(0, 0)))
}

func TestProcess_successPopulatesContentAndUsage(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "Summarize the quarterly report for this year.", nil)
	decision := reqtype.RoutingDecision{RequestID: req.Request.ID, Selected: reqtype.Agent{ID: "agent-1", CostPerInputToken: 0.001, CostPerOutputToken: 0.002}}
	res := executor.Result{
		Raw:     provider.RawResult{Content: "The quarterly report shows steady growth across all regions."},
		AgentID: "agent-1",
		Attempts: []reqtype.ExecutionAttempt{
			{Outcome: reqtype.OutcomeSuccess, Usage: reqtype.Usage{InputTokens: 10, OutputTokens: 20}},
		},
	}

	resp, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("expected Success=true")
	}
	if resp.Content == "" {
		t.Error("expected non-empty content")
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 20 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	wantCost := 10*0.001 + 20*0.002
	if resp.Usage.Cost != wantCost {
		t.Errorf("expected cost %v, got %v", wantCost, resp.Usage.Cost)
	}
	if resp.QualityScore < 0 || resp.QualityScore > 10 {
		t.Errorf("quality score out of range: %v", resp.QualityScore)
	}
}

func TestProcess_propagatesTerminalError(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "hi", nil)
	decision := reqtype.RoutingDecision{RequestID: req.Request.ID, Selected: reqtype.Agent{ID: "agent-1"}}
	res := executor.Result{Err: reqtype.NewError(reqtype.ErrTimeoutExceeded, req.Request.ID, "deadline exceeded", nil)}

	_, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if !reqtype.IsKind(err, reqtype.ErrTimeoutExceeded) {
		t.Fatalf("expected TimeoutExceeded to propagate unchanged, got %v", err)
	}
}

func TestProcess_degradedCarriesWarning(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "hi", nil)
	decision := reqtype.RoutingDecision{RequestID: req.Request.ID, Selected: reqtype.Agent{ID: "agent-1"}}
	res := executor.Result{Raw: provider.RawResult{Content: "please retry shortly"}, Degraded: true}

	resp, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Degraded {
		t.Error("expected Degraded=true")
	}
	if len(resp.Warnings) == 0 {
		t.Error("expected a warning on a degraded response")
	}
}

func TestProcess_safetyFilterRedactsCredentials(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "what is the key", nil)
	decision := reqtype.RoutingDecision{RequestID: req.Request.ID, Selected: reqtype.Agent{ID: "agent-1"}}
	res := executor.Result{Raw: provider.RawResult{Content: "Sure, here it is: sk-abcdefghijklmnopqrstuvwxyz1234567890"}}

	resp, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(resp.Content, "sk-abcdefghijklmnopqrstuvwxyz1234567890") {
		t.Errorf("expected credential to be redacted, got %q", resp.Content)
	}
	if !strings.Contains(resp.Content, "[REDACTED]") {
		t.Errorf("expected a [REDACTED] marker, got %q", resp.Content)
	}
	found := false
	for _, tr := range resp.TransformationsApplied {
		if tr.Name == "safety-filter" {
			found = true
		}
	}
	if !found {
		t.Error("expected a safety-filter transformation record")
	}
}

func TestProcess_outputShapingStripsThinkBlock(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "explain this", nil)
	decision := reqtype.RoutingDecision{RequestID: req.Request.ID, Selected: reqtype.Agent{ID: "agent-1"}}
	res := executor.Result{Raw: provider.RawResult{Content: "<think>internal reasoning here</think>The answer is 42."}}

	resp, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(resp.Content, "<think>") || strings.Contains(resp.Content, "internal reasoning") {
		t.Errorf("expected think block stripped, got %q", resp.Content)
	}
	if !strings.Contains(resp.Content, "The answer is 42.") {
		t.Errorf("expected visible content preserved, got %q", resp.Content)
	}
}

func TestProcess_markdownEnhancementOnlyForCodeLikeTypes(t *testing.T) {
	p := newTestProcessor(nil, nil)
	decision := reqtype.RoutingDecision{Selected: reqtype.Agent{ID: "agent-1"}}

	codeReq := preprocessedOf(reqtype.TypeCode, "write a function", nil)
	res := executor.Result{Raw: provider.RawResult{Content: "```\nfunc f() {}\n```"}}
	resp, err := p.Process(context.Background(), res, codeReq, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.Content, "```text") {
		t.Errorf("expected bare fence labeled for a code request, got %q", resp.Content)
	}

	textReq := preprocessedOf(reqtype.TypeText, "write a function", nil)
	resp2, err := p.Process(context.Background(), res, textReq, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(resp2.Content, "```text") {
		t.Errorf("expected markdown enhancement skipped for a text request, got %q", resp2.Content)
	}
}

func TestProcess_perfMetricsAlwaysRecorded(t *testing.T) {
	p := newTestProcessor(nil, nil)
	req := preprocessedOf(reqtype.TypeText, "hi", nil)
	decision := reqtype.RoutingDecision{Selected: reqtype.Agent{ID: "agent-1"}}
	res := executor.Result{Raw: provider.RawResult{Content: "hello there"}}

	resp, err := p.Process(context.Background(), res, req, decision, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, tr := range resp.TransformationsApplied {
		if tr.Name == "perf-metrics" {
			found = true
			if !strings.Contains(tr.Detail, "chars=") || !strings.Contains(tr.Detail, "words=") {
				t.Errorf("expected perf-metrics detail to include counts, got %q", tr.Detail)
			}
		}
	}
	if !found {
		t.Error("expected a perf-metrics transformation on every response")
	}
}

func TestGetOrBuild_cachesDeterministicRequests(t *testing.T) {
	bus := events.NewBus()
	c := cache.New(cache.NewMemoryStore(0), time.Hour, bus)
	p := newTestProcessor(bus, c)

	req := preprocessedOf(reqtype.TypeText, "what is 2+2", map[string]any{"temperature": 0.0})
	req.Request.Fingerprint = "fp-1"

	calls := 0
	build := func(ctx context.Context) (reqtype.ProcessedResponse, error) {
		calls++
		decision := reqtype.RoutingDecision{Selected: reqtype.Agent{ID: "agent-1"}}
		res := executor.Result{Raw: provider.RawResult{Content: "4"}}
		return p.Process(ctx, res, req, decision, time.Unix(0, 0))
	}

	first, hit1, err := p.GetOrBuild(context.Background(), req, build)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit1 {
		t.Error("expected a miss on the first call")
	}

	second, hit2, err := p.GetOrBuild(context.Background(), req, build)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit2 {
		t.Error("expected a cache hit on the second call")
	}
	if calls != 1 {
		t.Errorf("expected build to run exactly once, got %d calls", calls)
	}
	if second.Content != first.Content {
		t.Errorf("expected identical cached content, got %q vs %q", first.Content, second.Content)
	}
}

func TestGetOrBuild_nonDeterministicRequestsBypassCache(t *testing.T) {
	bus := events.NewBus()
	c := cache.New(cache.NewMemoryStore(0), time.Hour, bus)
	p := newTestProcessor(bus, c)

	req := preprocessedOf(reqtype.TypeText, "tell me a joke", map[string]any{"temperature": 0.9})
	req.Request.Fingerprint = "fp-2"

	calls := 0
	build := func(ctx context.Context) (reqtype.ProcessedResponse, error) {
		calls++
		return reqtype.ProcessedResponse{RequestID: req.Request.ID, Success: true, Content: "joke"}, nil
	}

	_, _, _ = p.GetOrBuild(context.Background(), req, build)
	_, _, _ = p.GetOrBuild(context.Background(), req, build)
	if calls != 2 {
		t.Errorf("expected build to run on every call for a non-deterministic request, got %d calls", calls)
	}
}

func TestHeuristicScorer_errorLanguagePenalized(t *testing.T) {
	s := HeuristicScorer{}
	req := preprocessedOf(reqtype.TypeText, "please summarize this document", nil)
	good := s.Score("Here is a concise summary of the document's key points.", req, 100*time.Millisecond)
	bad := s.Score("I apologize, but I cannot complete this request.", req, 100*time.Millisecond)
	if bad >= good {
		t.Errorf("expected error-language response to score lower: good=%v bad=%v", good, bad)
	}
}
