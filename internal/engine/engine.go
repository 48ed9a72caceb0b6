// Package engine wires the pipeline stages into the single Core a caller
// submits a Request to: Preprocessor (C1) validates and normalizes it,
// Router (C3) issues a RoutingDecision against the AgentRegistry (C2),
// Batcher (C4) groups and dispatches it, Executor (C5) runs it with
// recovery, and ResponseProcessor (C6) shapes the terminal
// ProcessedResponse, consulting the Cache (C7) before and after the chain
// runs. Every stage publishes to the shared EventBus (C8) on its own; Core
// does not duplicate that wiring.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/routingcore/internal/batcher"
	"github.com/jordanhubbard/routingcore/internal/cache"
	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/preprocess"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/registry"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
	"github.com/jordanhubbard/routingcore/internal/responseprocessor"
	"github.com/jordanhubbard/routingcore/internal/router"
)

// Config aggregates every stage collaborator's own tunables plus the few
// knobs Core itself owns (the orchestration gate and the default deadline
// applied when a Request doesn't set one).
type Config struct {
	Preprocess        preprocess.Config
	Batcher           batcher.Config
	Executor          executor.Config
	ResponseProcessor responseprocessor.Config
	Health            registry.HealthConfig

	CacheTTL         time.Duration
	EmergencyAgentID string
	FallbackDisabled bool
	DefaultDeadline  time.Duration

	OrchestrationEnabled     bool
	OrchestrationMode        router.OrchestrationMode
	OrchestrationIterations  int
	OrchestrationJudgeAgentID string

	// RouterOptions carries operator policy (RoutingPolicy-derived priority
	// overrides and tie-break weights) into the Router, kept as opaque
	// router.Option values so engine never has to import the config
	// package that produces them.
	RouterOptions []router.Option
}

// DefaultConfig composes each stage's own DefaultConfig with Core's
// defaults.
func DefaultConfig() Config {
	return Config{
		Preprocess:        preprocess.Config{},
		Batcher:           batcher.DefaultConfig(),
		Executor:          executor.DefaultConfig(),
		ResponseProcessor: responseprocessor.DefaultConfig(),
		Health:            registry.DefaultHealthConfig(),
		CacheTTL:          24 * time.Hour,
		DefaultDeadline:   30 * time.Second,

		OrchestrationEnabled:    true,
		OrchestrationMode:       router.OrchestrationAdversarial,
		OrchestrationIterations: 1,
	}
}

// Core is the top-level orchestrator a transport layer (HTTP, gRPC, a
// message-queue consumer — none of which live in this package, per spec
// §1's "front-end controllers are external collaborators") submits
// Requests to.
type Core struct {
	cfg   Config
	clock clock.Clock
	bus   *events.Bus

	cache             *cache.Cache
	registry          *registry.Registry
	router            *router.Router
	orchestrator      *router.Orchestrator
	batcher           *batcher.Batcher
	executor          *executor.Executor
	responseProcessor *responseprocessor.Processor
	preprocessor      *preprocess.Preprocessor
}

// New builds a Core, wiring every stage collaborator in construction order
// Cache -> Registry -> Router -> Executor -> Batcher -> ResponseProcessor
// (the Batcher depends on the already-built Executor; everything else is
// read by reference, not by construction order). lookup resolves an Agent
// ID to its Provider, shared by the Executor's recovery chain and, when
// OrchestrationEnabled, the Orchestrator's direct single-call path.
func New(cfg Config, store cache.KVStore, lookup executor.ProviderLookup, bus *events.Bus, clk clock.Clock, extraStrategies ...router.Strategy) *Core {
	if clk == nil {
		clk = clock.Real
	}

	c := &Core{cfg: cfg, clock: clk, bus: bus}
	c.cache = cache.New(store, cfg.CacheTTL, bus)
	c.registry = registry.New(cfg.Health, clk, bus)

	var routerOpts []router.Option
	if cfg.EmergencyAgentID != "" {
		routerOpts = append(routerOpts, router.WithEmergencyAgent(cfg.EmergencyAgentID))
	}
	if cfg.FallbackDisabled {
		routerOpts = append(routerOpts, router.WithFallbackDisabled())
	}
	routerOpts = append(routerOpts, cfg.RouterOptions...)
	c.router = router.New(c.registry, bus, extraStrategies, routerOpts...)

	c.executor = executor.New(cfg.Executor, clk, bus, lookup)

	if cfg.OrchestrationEnabled {
		c.orchestrator = router.NewOrchestrator(singleShotCaller(lookup))
	}

	c.responseProcessor = responseprocessor.New(cfg.ResponseProcessor, bus, c.cache, clk)
	c.preprocessor = preprocess.New(cfg.Preprocess, clk, bus)
	c.batcher = batcher.New(cfg.Batcher, clk, bus, c.executor, c.buildCall)

	return c
}

// Registry exposes the AgentRegistry for provider registration and health
// administration at startup (cmd/routingcore/main.go) and over an ops
// endpoint.
func (c *Core) Registry() *registry.Registry { return c.registry }

// singleShotCaller adapts a ProviderLookup into the single-call Caller the
// Orchestrator drives per leg of an adversarial/vote/refine pipeline. It
// deliberately bypasses the Executor's retry/backoff chain: a multi-call
// pipeline that retried every leg three times over would multiply latency
// and cost for marginal gain, so a failing leg aborts the whole
// orchestration instead (see router.Orchestrator.invoke).
func singleShotCaller(lookup executor.ProviderLookup) router.Caller {
	return func(ctx context.Context, agentID, prompt string, deadline time.Time) (provider.RawResult, error) {
		prov, ok := lookup(agentID)
		if !ok {
			return provider.RawResult{}, fmt.Errorf("no provider registered for agent %s", agentID)
		}
		return prov.Execute(ctx, provider.PreparedCall{RequestID: "", ModelID: agentID, Content: prompt}, deadline)
	}
}

// buildCall turns an admitted request's PreprocessedRequest/RoutingDecision
// pair into the provider-agnostic envelope the Batcher hands to the
// Executor once the member is actually dispatched.
func (c *Core) buildCall(req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision) provider.PreparedCall {
	return provider.PreparedCall{
		RequestID:  req.Request.ID,
		ModelID:    decision.Selected.ID,
		Content:    req.Request.Content,
		Parameters: req.Request.Parameters,
	}
}

// Submit runs req through the full pipeline and returns the terminal
// ProcessedResponse: Preprocess -> (cache check) -> Route -> Batch/Execute
// or Orchestrate -> Process -> (cache store).
func (c *Core) Submit(ctx context.Context, req reqtype.Request) (reqtype.ProcessedResponse, error) {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = c.clock.Now()
	}

	pre, err := c.preprocessor.Process(ctx, req)
	if err != nil {
		return reqtype.ProcessedResponse{}, err
	}

	if c.cfg.Batcher.HighWater > 0 && c.batcher.InFlight() >= c.cfg.Batcher.HighWater {
		return reqtype.ProcessedResponse{}, reqtype.NewError(reqtype.ErrOverloaded, req.ID, "pipeline at high-water mark", nil)
	}

	resp, _, err := c.responseProcessor.GetOrBuild(ctx, pre, func(ctx context.Context) (reqtype.ProcessedResponse, error) {
		return c.execute(ctx, pre)
	})
	return resp, err
}

// SubmitStreaming runs req through the pipeline the same way as Submit but
// delivers the terminal response as a StreamChunk sequence, matching the
// ResponseProcessor's streaming contract. Orchestrated requests are never
// streamed (a multi-call pipeline has no single provider stream to relay),
// so they fall back to the ordinary batched path and are emitted as one
// content chunk.
func (c *Core) SubmitStreaming(ctx context.Context, req reqtype.Request) (<-chan reqtype.StreamChunk, error) {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = c.clock.Now()
	}

	pre, err := c.preprocessor.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	decision, err := c.router.Route(pre)
	if err != nil {
		return nil, err
	}

	deadline := c.deadlineFor(pre)
	startedAt := c.clock.Now()
	resCh := c.batcher.Submit(ctx, pre, decision)

	out := make(chan reqtype.StreamChunk, 4)
	go func() {
		defer close(out)
		var res executor.Result
		select {
		case res = <-resCh:
		case <-ctx.Done():
			out <- reqtype.StreamChunk{Kind: reqtype.ChunkError, Data: ctx.Err().Error()}
			return
		}

		resp, err := c.responseProcessor.Process(ctx, res, pre, decision, startedAt)
		if err != nil {
			out <- reqtype.StreamChunk{Kind: reqtype.ChunkError, Data: err.Error()}
			return
		}
		out <- reqtype.StreamChunk{Kind: reqtype.ChunkContent, Data: resp.Content}
		out <- reqtype.StreamChunk{Kind: reqtype.ChunkDone}
	}()
	_ = deadline
	return out, nil
}

// Cancel propagates a cancellation into the Batcher for req, per spec
// §4.4's cancellation semantics (removed outright while forming, discarded
// at delivery once running).
func (c *Core) Cancel(requestID string) bool {
	return c.batcher.Cancel(requestID)
}

func (c *Core) execute(ctx context.Context, pre reqtype.PreprocessedRequest) (reqtype.ProcessedResponse, error) {
	decision, err := c.router.Route(pre)
	if err != nil {
		return reqtype.ProcessedResponse{}, err
	}

	deadline := c.deadlineFor(pre)
	startedAt := c.clock.Now()

	if c.orchestrator != nil && pre.Request.Type == reqtype.TypeAnalysis {
		orch := c.orchestrator.Run(ctx, pre, decision, router.OrchestrationConfig{
			Mode:         c.cfg.OrchestrationMode,
			Iterations:   c.cfg.OrchestrationIterations,
			JudgeAgentID: c.cfg.OrchestrationJudgeAgentID,
		}, deadline)
		return c.responseProcessor.Process(ctx, orchestrationToExecutorResult(orch), pre, decision, startedAt)
	}

	resCh := c.batcher.Submit(ctx, pre, decision)
	select {
	case res := <-resCh:
		return c.responseProcessor.Process(ctx, res, pre, decision, startedAt)
	case <-ctx.Done():
		return reqtype.ProcessedResponse{}, reqtype.NewError(reqtype.ErrCancelled, pre.Request.ID, "context cancelled awaiting dispatch", ctx.Err())
	}
}

func (c *Core) deadlineFor(pre reqtype.PreprocessedRequest) time.Time {
	if !pre.Request.Deadline.IsZero() {
		return pre.Request.Deadline
	}
	return c.clock.Now().Add(c.cfg.DefaultDeadline)
}

// orchestrationToExecutorResult adapts router.OrchestrationResult onto
// executor.Result so ResponseProcessor.Process has a single input shape
// regardless of which path produced it.
func orchestrationToExecutorResult(o router.OrchestrationResult) executor.Result {
	if o.Err != nil {
		return executor.Result{Attempts: o.Attempts, Err: o.Err}
	}
	return executor.Result{Attempts: o.Attempts, Raw: o.Raw, AgentID: o.AgentID}
}
