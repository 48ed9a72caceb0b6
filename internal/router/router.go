// Package router implements the Router (spec C3): five named strategies
// evaluated in descending priority order, a deterministic tie-break among
// equally-eligible Agents, and a fallback chain of last resort when no
// strategy can place a request.
package router

import (
	"sort"
	"time"

	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// AgentSource is the Router's read-only view of the AgentRegistry: ranked
// lookup by capability plus the live stats strategies weigh.
type AgentSource interface {
	ByCapabilities(required map[string]bool) []reqtype.Agent
	AvgLatencyMs(agentID string) float64
	ErrorRate(agentID string) float64
	IsAvailable(agentID string) bool
}

// preOrderedStrategy marks a Strategy whose Candidates return is already
// ranked best-first and must not be re-sorted by the deterministic
// tie-break (e.g. loadBalancedBandit's posterior-sampled order).
type preOrderedStrategy interface {
	PreOrdered() bool
}

// Strategy produces a ranked candidate list for a PreprocessedRequest, or
// an empty slice if it does not apply. Priority is the strategy's fixed
// precedence (spec §4.3); strategies run in descending Priority order and
// the first to return a non-empty list wins.
type Strategy interface {
	Name() string
	Priority() int
	Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent
}

// Router evaluates strategies in priority order and issues a
// RoutingDecision, falling back to the emergency agent or any healthy
// agent when no strategy can place the request (spec §4.3).
type Router struct {
	strategies []Strategy
	agents     AgentSource
	bus        *events.Bus

	emergencyAgentID  string
	fallbackEnabled   bool
	priorityOverrides map[string]int
	tieBreakWeights   *tieBreakWeights
}

// tieBreakWeights scales the deterministic tie-break terms (spec §4.3's
// qualityScore/latencyP95/cost ordering) by an operator-supplied
// RoutingPolicy rather than weighing them equally.
type tieBreakWeights struct {
	Quality float64
	Latency float64
	Cost    float64
}

// Option configures a Router at construction.
type Option func(*Router)

// WithEmergencyAgent sets the last-resort agent ID tried before "any
// healthy agent" in the fallback chain.
func WithEmergencyAgent(id string) Option {
	return func(r *Router) { r.emergencyAgentID = id }
}

// WithFallbackDisabled turns off the fallback chain entirely, so a
// strategy miss becomes NoAgentAvailable immediately. Used in tests and by
// deployments that want fail-fast semantics.
func WithFallbackDisabled() Option {
	return func(r *Router) { r.fallbackEnabled = false }
}

// WithPriorityOverrides replaces a named strategy's fixed Priority() with
// an operator-supplied value (a RoutingPolicy document's
// strategy_priorities), re-sorting strategy evaluation order. Strategies
// absent from overrides keep their built-in Priority().
func WithPriorityOverrides(overrides map[string]int) Option {
	return func(r *Router) { r.priorityOverrides = overrides }
}

// WithTieBreakWeights scales the deterministic tie-break terms by a
// RoutingPolicy document's tie_break weights instead of weighing
// qualityScore, latencyP95, and cost equally.
func WithTieBreakWeights(quality, latency, cost float64) Option {
	return func(r *Router) { r.tieBreakWeights = &tieBreakWeights{Quality: quality, Latency: latency, Cost: cost} }
}

// New builds a Router with the five spec-defined strategies registered in
// descending-priority order, plus any extra strategies supplied (e.g. the
// optional loadBalancedBandit).
func New(agents AgentSource, bus *events.Bus, extra []Strategy, opts ...Option) *Router {
	r := &Router{
		agents:          agents,
		bus:             bus,
		fallbackEnabled: true,
	}
	r.strategies = append(r.strategies,
		highPriorityStrategy{},
		agentSpecializationStrategy{},
		capabilityRequiredStrategy{},
		costOptimizedStrategy{},
		loadBalancedStrategy{},
	)
	r.strategies = append(r.strategies, extra...)
	for _, o := range opts {
		o(r)
	}
	sort.SliceStable(r.strategies, func(i, j int) bool {
		return r.priorityOf(r.strategies[i]) > r.priorityOf(r.strategies[j])
	})
	return r
}

// priorityOf returns a strategy's effective priority: the RoutingPolicy
// override if one names it, otherwise its built-in Priority().
func (r *Router) priorityOf(s Strategy) int {
	if p, ok := r.priorityOverrides[s.Name()]; ok {
		return p
	}
	return s.Priority()
}

// Route selects an Agent for req, trying each strategy in priority order
// and falling back per spec §4.3 if every strategy comes up empty.
func (r *Router) Route(req reqtype.PreprocessedRequest) (reqtype.RoutingDecision, error) {
	for _, s := range r.strategies {
		candidates := s.Candidates(req, r.agents)
		candidates = dropUnavailable(candidates, r.agents)
		if len(candidates) == 0 {
			continue
		}
		ordered := candidates
		if _, preOrdered := s.(preOrderedStrategy); !preOrdered {
			ordered = r.orderCandidates(candidates)
		}
		decision := r.decide(req, ordered, s.Name())
		r.publish(decision, events.RoutingSuccess, "")
		return decision, nil
	}

	if r.fallbackEnabled {
		if decision, ok := r.fallback(req); ok {
			r.publish(decision, events.RoutingFallback, "strategy chain exhausted")
			return decision, nil
		}
	}

	r.bus.Publish(events.Event{Type: events.RoutingFailed, RequestID: req.Request.ID, TenantID: req.Request.TenantID})
	return reqtype.RoutingDecision{}, reqtype.NewError(reqtype.ErrNoAgentAvailable, req.Request.ID, "no strategy produced an eligible agent", nil)
}

// fallback tries the configured emergency agent, then any healthy agent at
// all, per spec §4.3's "emergency agent -> any healthy agent ->
// NoAgentAvailable" chain.
func (r *Router) fallback(req reqtype.PreprocessedRequest) (reqtype.RoutingDecision, bool) {
	if r.emergencyAgentID != "" && r.agents.IsAvailable(r.emergencyAgentID) {
		all := r.agents.ByCapabilities(nil)
		for _, a := range all {
			if a.ID == r.emergencyAgentID {
				return r.decide(req, []reqtype.Agent{a}, "fallback-emergency"), true
			}
		}
	}
	any := dropUnavailable(r.agents.ByCapabilities(nil), r.agents)
	if len(any) == 0 {
		return reqtype.RoutingDecision{}, false
	}
	return r.decide(req, r.orderCandidates(any), "fallback-any-healthy"), true
}

// orderCandidates applies the RoutingPolicy-weighted tie-break when one is
// configured, falling back to the spec's strict lexicographic ordering
// otherwise.
func (r *Router) orderCandidates(agents []reqtype.Agent) []reqtype.Agent {
	if r.tieBreakWeights != nil {
		return weightedTieBreak(agents, *r.tieBreakWeights)
	}
	return tieBreak(agents)
}

func (r *Router) decide(req reqtype.PreprocessedRequest, ordered []reqtype.Agent, strategy string) reqtype.RoutingDecision {
	chainLen := len(ordered) - 1
	if chainLen > 3 {
		chainLen = 3
	}
	return reqtype.RoutingDecision{
		RequestID:     req.Request.ID,
		Selected:      ordered[0],
		Strategy:      strategy,
		FallbackChain: append([]reqtype.Agent(nil), ordered[1:1+max(chainLen, 0)]...),
		Reason:        strategy,
		ScoreBreakdown: map[string]float64{
			"quality_score": ordered[0].QualityScore,
			"latency_p95":   ordered[0].LatencyP95,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func (r *Router) publish(d reqtype.RoutingDecision, typ events.Type, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      typ,
		RequestID: d.RequestID,
		AgentID:   d.Selected.ID,
		Strategy:  d.Strategy,
		Reason:    reason,
	})
}

func dropUnavailable(agents []reqtype.Agent, src AgentSource) []reqtype.Agent {
	out := agents[:0:0]
	for _, a := range agents {
		if a.HealthState == reqtype.HealthOffline {
			continue
		}
		if src != nil && !src.IsAvailable(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// tieBreak orders candidates by the deterministic rule spec §4.3 names:
// qualityScore descending, latencyP95 ascending, cost ascending, then ID
// lexicographic.
func tieBreak(agents []reqtype.Agent) []reqtype.Agent {
	out := append([]reqtype.Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		if a.LatencyP95 != b.LatencyP95 {
			return a.LatencyP95 < b.LatencyP95
		}
		costA := a.CostPerInputToken + a.CostPerOutputToken
		costB := b.CostPerInputToken + b.CostPerOutputToken
		if costA != costB {
			return costA < costB
		}
		return a.ID < b.ID
	})
	return out
}

// weightedTieBreak orders candidates by a single weighted score (a
// RoutingPolicy document's tie_break weights applied to qualityScore,
// latencyP95, and cost) instead of the strict lexicographic ordering,
// falling back to ID for an exact tie.
func weightedTieBreak(agents []reqtype.Agent, w tieBreakWeights) []reqtype.Agent {
	out := append([]reqtype.Agent(nil), agents...)
	score := func(a reqtype.Agent) float64 {
		cost := a.CostPerInputToken + a.CostPerOutputToken
		return a.QualityScore*w.Quality - (a.LatencyP95/1000)*w.Latency - cost*w.Cost
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
