// Package executor implements the Executor and its ErrorRecovery chain
// (spec C5): per-backendKey circuit breakers, exponential-backoff retry,
// backend fallback, agent fallback, graceful degradation, and an
// emergency canned response — tried in that order until one succeeds or
// every option is exhausted.
package executor

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// Config tunes retry/backoff/breaker/degradation behavior.
type Config struct {
	MaxRetries       int
	BaseRetryDelay   time.Duration
	MaxRetryDelay    time.Duration
	RetryJitter      float64 // fraction, e.g. 0.5 = +/-50%
	BreakerThreshold int
	BreakerTimeout   time.Duration

	FallbackEnabled    bool
	DegradationEnabled bool
	DeadlineSafetyMargin time.Duration
}

// DefaultConfig matches spec §5's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		BaseRetryDelay:       200 * time.Millisecond,
		MaxRetryDelay:        8 * time.Second,
		RetryJitter:          0.5,
		BreakerThreshold:     10,
		BreakerTimeout:       60 * time.Second,
		FallbackEnabled:      true,
		DegradationEnabled:   true,
		DeadlineSafetyMargin: 250 * time.Millisecond,
	}
}

// ProviderLookup resolves an Agent ID to its Provider collaborator.
type ProviderLookup func(agentID string) (provider.Provider, bool)

// Executor runs a RoutingDecision to completion, applying the recovery
// chain on failure.
type Executor struct {
	cfg      Config
	breakers *breakerRegistry
	clock    clock.Clock
	bus      *events.Bus
	lookup   ProviderLookup
}

// New builds an Executor. Agent-level fallback is driven entirely by
// decision.FallbackChain, which the Router already populates in
// deterministic tie-break order (spec §4.3); the Executor does not
// re-resolve fallbacks itself.
func New(cfg Config, clk clock.Clock, bus *events.Bus, lookup ProviderLookup) *Executor {
	if clk == nil {
		clk = clock.Real
	}
	return &Executor{
		cfg:      cfg,
		breakers: newBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerTimeout, clk, bus),
		clock:    clk,
		bus:      bus,
		lookup:   lookup,
	}
}

// Result is the terminal outcome of Run: exactly one of Response or Err is
// set, satisfying the exactly-one-terminal-outcome invariant (spec §8).
type Result struct {
	Attempts []reqtype.ExecutionAttempt
	Raw      provider.RawResult
	AgentID  string
	Degraded bool
	Err      error
}

// Run executes decision's selected Agent, escalating through the recovery
// chain on failure: exponential-backoff retry against the same agent,
// then each fallback agent in decision.FallbackChain, then a degraded
// canned response, then returns BackendRetryableExhausted/BackendFatal.
func (e *Executor) Run(ctx context.Context, call provider.PreparedCall, decision reqtype.RoutingDecision, deadline time.Time) Result {
	candidates := append([]reqtype.Agent{decision.Selected}, decision.FallbackChain...)
	var attempts []reqtype.ExecutionAttempt

	for ci, agent := range candidates {
		if ci > 0 && !e.cfg.FallbackEnabled {
			break
		}
		res, as := e.runAgentWithRetry(ctx, call, agent, deadline)
		attempts = append(attempts, as...)
		if res.Err == nil {
			return Result{Attempts: attempts, Raw: res.Raw, AgentID: agent.ID}
		}
		if reqtype.IsKind(res.Err, reqtype.ErrTimeoutExceeded) || reqtype.IsKind(res.Err, reqtype.ErrCancelled) {
			return Result{Attempts: attempts, Err: res.Err}
		}
	}

	if e.cfg.DegradationEnabled {
		return Result{
			Attempts: attempts,
			Raw:      provider.RawResult{Content: "A full response is not available right now; please retry shortly."},
			Degraded: true,
		}
	}

	return Result{Attempts: attempts, Err: reqtype.NewError(reqtype.ErrBackendRetryableExhausted, decision.RequestID, "every candidate agent failed and degradation is disabled", nil)}
}

type agentRunResult struct {
	Raw provider.RawResult
	Err error
}

// runAgentWithRetry applies exponential-backoff retry against a single
// agent, bounded by MaxRetries and the per-attempt circuit breaker.
func (e *Executor) runAgentWithRetry(ctx context.Context, call provider.PreparedCall, agent reqtype.Agent, deadline time.Time) (agentRunResult, []reqtype.ExecutionAttempt) {
	backendKey := agent.BackendKey()
	var attempts []reqtype.ExecutionAttempt

	for attemptNum := 1; attemptNum <= e.cfg.MaxRetries+1; attemptNum++ {
		if e.clock.Now().After(deadline) {
			return agentRunResult{Err: reqtype.NewError(reqtype.ErrTimeoutExceeded, call.RequestID, "deadline exceeded before attempt", nil)}, attempts
		}
		if !e.breakers.allow(backendKey) {
			return agentRunResult{Err: reqtype.NewError(reqtype.ErrCircuitOpen, call.RequestID, "circuit open for backend "+backendKey, nil)}, attempts
		}

		attempt := reqtype.ExecutionAttempt{RequestID: call.RequestID, AttemptNumber: attemptNum, AgentID: agent.ID, StartedAt: e.clock.Now()}
		e.publishAttempt(events.AttemptStarted, attempt, "")

		raw, err := e.invoke(ctx, call, agent, deadline)
		attempt.EndedAt = e.clock.Now()

		if err == nil {
			attempt.Outcome = reqtype.OutcomeSuccess
			attempt.Usage = reqtype.Usage{InputTokens: raw.InputTokens, OutputTokens: raw.OutputTokens}
			attempts = append(attempts, attempt)
			e.breakers.recordSuccess(backendKey)
			e.publishAttempt(events.AttemptSucceeded, attempt, "")
			return agentRunResult{Raw: raw}, attempts
		}

		kind, retryable := classify(err)
		attempt.Outcome = reqtype.OutcomeRetryableFailure
		if !retryable {
			attempt.Outcome = reqtype.OutcomeFatalFailure
		}
		attempt.ErrorKind = string(kind)
		attempts = append(attempts, attempt)
		e.breakers.recordFailure(backendKey)
		e.publishAttempt(events.AttemptFailed, attempt, err.Error())

		if !retryable {
			return agentRunResult{Err: reqtype.NewError(reqtype.ErrBackendFatal, call.RequestID, "non-retryable backend error", err)}, attempts
		}
		if attemptNum <= e.cfg.MaxRetries {
			e.sleepBackoff(ctx, attemptNum)
		}
	}
	return agentRunResult{Err: reqtype.NewError(reqtype.ErrBackendRetryableExhausted, call.RequestID, "max retries exhausted", nil)}, attempts
}

// invoke runs one Provider call under an OTel span and the per-attempt
// deadline minus a safety margin, so a slow provider never silently
// overruns the caller's Deadline.
func (e *Executor) invoke(ctx context.Context, call provider.PreparedCall, agent reqtype.Agent, deadline time.Time) (provider.RawResult, error) {
	prov, ok := e.lookup(agent.ID)
	if !ok {
		return provider.RawResult{}, reqtype.NewError(reqtype.ErrInternal, call.RequestID, "no provider registered for agent "+agent.ID, nil)
	}

	ctx, span := otel.Tracer("routingcore.executor").Start(ctx, "executor.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("agent.id", agent.ID)),
	)
	defer span.End()

	attemptDeadline := deadline.Add(-e.cfg.DeadlineSafetyMargin)
	ctx, cancel := context.WithDeadline(ctx, attemptDeadline)
	defer cancel()

	raw, err := prov.Execute(ctx, call, attemptDeadline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return provider.RawResult{}, err
	}
	span.SetStatus(codes.Ok, "")
	return raw, nil
}

// classify maps a Provider error onto the recovery chain's retryability
// decision. AuthFailure and FatalClient never retry; everything else does
// until MaxRetries is exhausted.
func classify(err error) (provider.ErrorKind, bool) {
	pe, ok := err.(*provider.Error)
	if !ok {
		return provider.Retryable, true
	}
	switch pe.Kind {
	case provider.FatalClient, provider.AuthFailure:
		return pe.Kind, false
	default:
		return pe.Kind, true
	}
}

// sleepBackoff waits base*2^(attempt-1), jittered by +/-RetryJitter and
// capped at MaxRetryDelay, or returns early if ctx is cancelled.
func (e *Executor) sleepBackoff(ctx context.Context, attemptNum int) {
	delay := e.cfg.BaseRetryDelay * time.Duration(1<<uint(attemptNum-1))
	if delay > e.cfg.MaxRetryDelay {
		delay = e.cfg.MaxRetryDelay
	}
	jitter := 1.0 + e.cfg.RetryJitter*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)
	if delay < 0 {
		delay = 0
	}
	select {
	case <-e.clock.After(delay):
	case <-ctx.Done():
	}
}

func (e *Executor) publishAttempt(typ events.Type, a reqtype.ExecutionAttempt, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:       typ,
		RequestID:  a.RequestID,
		AgentID:    a.AgentID,
		AttemptNum: a.AttemptNumber,
		Reason:     reason,
	})
}

// BreakerState exposes the current per-backend circuit state, for metrics
// gauges and debug endpoints.
func (e *Executor) BreakerState(backendKey string) reqtype.CircuitState {
	return e.breakers.state(backendKey)
}
