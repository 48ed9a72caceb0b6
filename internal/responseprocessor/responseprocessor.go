// Package responseprocessor implements the ResponseProcessor (spec C6): an
// ordered transformation pipeline over a provider's raw output, heuristic
// quality scoring, usage/cost extraction, and the fingerprint-keyed cache
// wiring that lets a deterministic request skip re-execution entirely.
package responseprocessor

import (
	"context"
	"sort"
	"time"

	"github.com/jordanhubbard/routingcore/internal/cache"
	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// transform is one {predicate, transform} pair from spec §4.6's ordered
// pipeline. Higher Priority runs first. apply returns the new content plus
// the Transformation record to append to TransformationsApplied; a
// transform that doesn't apply returns the content unchanged and a zero
// Transformation (dropped by Process).
type transform struct {
	name      string
	priority  int
	predicate func(reqtype.PreprocessedRequest) bool
	apply     func(content string, req reqtype.PreprocessedRequest, ctx transformContext) (string, reqtype.Transformation)
}

// transformContext carries the bits of Process's local state a transform
// needs without widening every apply signature as new needs appear.
type transformContext struct {
	startedAt time.Time
	now       time.Time
}

// QualityScorer scores a processed response in [0,10] (spec §4.6). The
// default is the heuristic scorer in quality.go; a model-based scorer can
// be substituted without touching Process.
type QualityScorer interface {
	Score(content string, req reqtype.PreprocessedRequest, latency time.Duration) float64
}

// Config tunes the Processor's behavior. Cache TTL (spec §6's
// cacheTtlSec) is configured on the injected *cache.Cache itself, not
// here, since the Cache collaborator is shared with whatever else reads
// it directly (e.g. an admin invalidation endpoint).
type Config struct {
	MaxContentLen int // spec §6's maxContentLen; 0 disables truncation
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{MaxContentLen: 0}
}

// Processor implements process(rawResult, PreprocessedRequest,
// RoutingDecision) → ProcessedResponse (spec §4.6's contract), plus the
// cache-or-build wrapper around it.
type Processor struct {
	cfg        Config
	transforms []transform
	scorer     QualityScorer
	cache      *cache.Cache
	bus        *events.Bus
	clock      clock.Clock
}

// Option configures a Processor.
type Option func(*Processor)

// WithScorer overrides the default heuristic QualityScorer.
func WithScorer(s QualityScorer) Option {
	return func(p *Processor) { p.scorer = s }
}

// New builds a Processor with spec §4.6's four standard transforms
// (safety filter, output shaping, content formatting, markdown
// enhancement, performance-metrics annotation) wired in priority order.
func New(cfg Config, bus *events.Bus, c *cache.Cache, clk clock.Clock, opts ...Option) *Processor {
	if clk == nil {
		clk = clock.Real
	}
	p := &Processor{
		cfg:        cfg,
		transforms: standardTransforms(),
		scorer:     HeuristicScorer{},
		cache:      c,
		bus:        bus,
		clock:      clk,
	}
	for _, o := range opts {
		o(p)
	}
	sort.SliceStable(p.transforms, func(i, j int) bool { return p.transforms[i].priority > p.transforms[j].priority })
	return p
}

// Process runs res through the transformation pipeline and quality
// scoring, producing the terminal ProcessedResponse. A non-nil res.Err
// (Cancelled, TimeoutExceeded, or the executor's exhausted recovery chain)
// is returned as-is; Process has nothing useful to transform in that case.
func (p *Processor) Process(ctx context.Context, res executor.Result, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, startedAt time.Time) (reqtype.ProcessedResponse, error) {
	return p.process(ctx, res, req, decision, startedAt, false)
}

func (p *Processor) process(ctx context.Context, res executor.Result, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, startedAt time.Time, streaming bool) (reqtype.ProcessedResponse, error) {
	if res.Err != nil {
		return reqtype.ProcessedResponse{}, res.Err
	}

	now := p.clock.Now()
	content := res.Raw.Content
	if p.cfg.MaxContentLen > 0 && len(content) > p.cfg.MaxContentLen {
		content = content[:p.cfg.MaxContentLen] + "..."
	}

	tctx := transformContext{startedAt: startedAt, now: now}
	var applied []reqtype.Transformation
	for _, tr := range p.transforms {
		if tr.predicate != nil && !tr.predicate(req) {
			continue
		}
		var t reqtype.Transformation
		content, t = tr.apply(content, req, tctx)
		if t.Name != "" {
			applied = append(applied, t)
		}
	}

	latency := now.Sub(startedAt)
	usage := sumUsage(res.Attempts)
	usage.Cost = float64(usage.InputTokens)*decision.Selected.CostPerInputToken + float64(usage.OutputTokens)*decision.Selected.CostPerOutputToken

	resp := reqtype.ProcessedResponse{
		RequestID:              req.Request.ID,
		Success:                true,
		Content:                content,
		QualityScore:           p.scorer.Score(content, req, latency),
		Usage:                  usage,
		TransformationsApplied: applied,
		Degraded:               res.Degraded,
		Streaming:              streaming,
		ProducedAt:             now,
	}
	if res.Degraded {
		resp.Warnings = append(resp.Warnings, "a full response was not available; this is a degraded fallback")
	}

	p.publish(resp, req, res.AgentID)
	p.maybeCache(ctx, req, resp)
	return resp, nil
}

// GetOrBuild checks the cache for a prior response to req's fingerprint
// before calling build (which should run the full
// Preprocessor→Router→Batcher→Executor→Process chain); concurrent callers
// sharing a fingerprint observe the same built result (spec §4.6, §8
// property 4).
func (p *Processor) GetOrBuild(ctx context.Context, req reqtype.PreprocessedRequest, build func(context.Context) (reqtype.ProcessedResponse, error)) (reqtype.ProcessedResponse, bool, error) {
	if p.cache == nil || !isCacheable(req) {
		resp, err := build(ctx)
		return resp, false, err
	}
	resp, hit, err := p.cache.GetOrBuild(ctx, req.Request.TenantID, req.Request.Fingerprint, build)
	if hit {
		resp.Cached = true
	}
	return resp, hit, err
}

func (p *Processor) maybeCache(ctx context.Context, req reqtype.PreprocessedRequest, resp reqtype.ProcessedResponse) {
	if p.cache == nil || !isCacheable(req) {
		return
	}
	if err := p.cache.Set(ctx, req.Request.TenantID, req.Request.Fingerprint, resp); err == nil && p.bus != nil {
		p.bus.Publish(events.Event{Type: events.ResponseCached, RequestID: resp.RequestID, TenantID: req.Request.TenantID})
	}
}

// isCacheable implements spec §4.6's cacheability predicate: pure
// deterministic request types, temperature=0, and no user-specific
// context (no UserID/SessionID, since a cached response for one user
// leaking to another would violate tenant isolation expectations).
func isCacheable(req reqtype.PreprocessedRequest) bool {
	switch req.Request.Type {
	case reqtype.TypeText, reqtype.TypeCode, reqtype.TypeEmbedding:
	default:
		return false
	}
	if req.Request.UserID != "" || req.Request.SessionID != "" {
		return false
	}
	temp, ok := req.Request.Parameters["temperature"]
	if !ok {
		return false
	}
	f, ok := temp.(float64)
	return ok && f == 0
}

func (p *Processor) publish(resp reqtype.ProcessedResponse, req reqtype.PreprocessedRequest, agentID string) {
	if p.bus == nil {
		return
	}
	typ := events.ResponseProcessed
	if resp.Degraded {
		typ = events.ResponseDegraded
	}
	p.bus.Publish(events.Event{Type: typ, RequestID: resp.RequestID, TenantID: req.Request.TenantID, AgentID: agentID, CostUSD: resp.Usage.Cost})
}

func sumUsage(attempts []reqtype.ExecutionAttempt) reqtype.Usage {
	var u reqtype.Usage
	for _, a := range attempts {
		if a.Outcome != reqtype.OutcomeSuccess {
			continue
		}
		u.InputTokens += a.Usage.InputTokens
		u.OutputTokens += a.Usage.OutputTokens
	}
	return u
}
