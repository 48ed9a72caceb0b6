package temporal

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/routingcore/internal/circuitbreaker"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/provider"
)

// ProviderLookup resolves an Agent ID to its Provider collaborator, the
// same collaborator contract internal/executor.ProviderLookup depends on,
// so the durable Temporal path and the direct in-process path reach the
// exact same backends.
type ProviderLookup func(agentID string) (provider.Provider, bool)

// Activities holds the dependencies Temporal activities need.
type Activities struct {
	Lookup   ProviderLookup
	Breakers *breakerSet
	Bus      *events.Bus
}

// NewActivities builds an Activities with a fresh per-backend breaker set,
// sized the same as internal/executor.DefaultConfig's breaker defaults.
func NewActivities(lookup ProviderLookup, bus *events.Bus, threshold int, cooldown time.Duration) *Activities {
	if threshold <= 0 {
		threshold = 10
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Activities{Lookup: lookup, Bus: bus, Breakers: newBreakerSet(threshold, cooldown)}
}

// breakerSet owns one circuitbreaker.Breaker per backend key, created
// lazily. A worker process hosts activities for every backend key it
// might ever see, so a map mirrors internal/executor.breakerRegistry's
// per-backend isolation instead of one breaker per workflow execution.
type breakerSet struct {
	threshold int
	cooldown  time.Duration
	mu        sync.Mutex
	breakers  map[string]*circuitbreaker.Breaker
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{threshold: threshold, cooldown: cooldown, breakers: make(map[string]*circuitbreaker.Breaker)}
}

func (s *breakerSet) get(key string) *circuitbreaker.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = circuitbreaker.New(circuitbreaker.WithThreshold(s.threshold), circuitbreaker.WithCooldown(s.cooldown))
		s.breakers[key] = b
	}
	return b
}

// ExecuteAgent runs one Provider call, the activity AttemptWorkflow drives
// once per retry. The circuit-breaker check happens here rather than in
// the workflow, since workflow code must stay deterministic and a
// breaker's wall-clock-based state is exactly the kind of side effect
// activities exist to host.
func (a *Activities) ExecuteAgent(ctx context.Context, input ExecuteAgentInput) (ExecuteAgentOutput, error) {
	breaker := a.Breakers.get(input.BackendKey)
	if !breaker.Allow() {
		return ExecuteAgentOutput{BreakerOpen: true, Retryable: true, ErrorMsg: "circuit open for backend " + input.BackendKey}, nil
	}

	prov, ok := a.Lookup(input.AgentID)
	if !ok {
		breaker.RecordFailure()
		return ExecuteAgentOutput{Retryable: false, ErrorMsg: "no provider registered for agent " + input.AgentID}, nil
	}

	activity.RecordHeartbeat(ctx, "executing")
	raw, err := prov.Execute(ctx, input.Call, input.Deadline)
	if err != nil {
		retryable := classifyRetryable(err)
		if retryable {
			breaker.RecordFailure()
		}
		if a.Bus != nil {
			a.Bus.Publish(events.Event{Type: events.AttemptFailed, RequestID: input.Call.RequestID, AgentID: input.AgentID, BackendKey: input.BackendKey, Reason: err.Error()})
		}
		return ExecuteAgentOutput{Retryable: retryable, ErrorMsg: err.Error()}, nil
	}

	breaker.RecordSuccess()
	if a.Bus != nil {
		a.Bus.Publish(events.Event{Type: events.AttemptSucceeded, RequestID: input.Call.RequestID, AgentID: input.AgentID, BackendKey: input.BackendKey})
	}
	return ExecuteAgentOutput{Raw: raw}, nil
}

// classifyRetryable mirrors internal/executor's classify: only
// FatalClient and AuthFailure provider errors are treated as terminal,
// everything else (including a non-*provider.Error) is retried.
func classifyRetryable(err error) bool {
	perr, ok := err.(*provider.Error)
	if !ok {
		return true
	}
	switch perr.Kind {
	case provider.FatalClient, provider.AuthFailure:
		return false
	default:
		return true
	}
}
