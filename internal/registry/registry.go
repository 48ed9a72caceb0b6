// Package registry implements the AgentRegistry and CapabilityIndex (spec
// C2): the authoritative set of routable Agents, their live health state,
// and ranked lookup by required capability. The health state machine here
// generalizes the EWMA/consecutive-error tracker pattern to the full
// healthy/degraded/unhealthy/offline lattice spec §3 requires.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// HealthConfig tunes the consecutive-failure thresholds and dwell times
// that drive an Agent's HealthState transitions.
type HealthConfig struct {
	ConsecErrorsForDegraded  int
	ConsecErrorsForUnhealthy int
	DegradedDwell            time.Duration // min time in Degraded before recovery to Healthy
	UnhealthyCooldown        time.Duration // time in Unhealthy before a probe may recover it
}

// DefaultHealthConfig matches the spec's "agent health demotes after 3
// consecutive failures, a 30s degraded dwell before auto-recovery" note.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ConsecErrorsForDegraded:  2,
		ConsecErrorsForUnhealthy: 5,
		DegradedDwell:            30 * time.Second,
		UnhealthyCooldown:        60 * time.Second,
	}
}

// liveStats is the registry's mutable bookkeeping for one Agent, kept
// separate from the immutable reqtype.Agent snapshot handed to callers.
type liveStats struct {
	agent reqtype.Agent

	consecErrors  int
	avgLatencyMs  float64
	totalRequests int64
	totalErrors   int64
	lastChangedAt time.Time
	cooldownUntil time.Time

	offline bool // operator-forced, independent of the error-driven state machine
}

// Registry is the goroutine-safe store of Agents and their live health.
type Registry struct {
	mu    sync.RWMutex
	cfg   HealthConfig
	clock clock.Clock
	bus   *events.Bus

	agents map[string]*liveStats
}

// New builds an empty Registry.
func New(cfg HealthConfig, clk clock.Clock, bus *events.Bus) *Registry {
	if clk == nil {
		clk = clock.Real
	}
	return &Registry{cfg: cfg, clock: clk, bus: bus, agents: make(map[string]*liveStats)}
}

// Register adds or replaces the static definition of an Agent. Its
// HealthState starts Healthy unless the Agent explicitly arrives Offline.
func (r *Registry) Register(a reqtype.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.HealthState == "" {
		a.HealthState = reqtype.HealthHealthy
	}
	r.agents[a.ID] = &liveStats{agent: a, lastChangedAt: r.clock.Now(), offline: a.HealthState == reqtype.HealthOffline}
}

// Deregister removes an Agent entirely, e.g. on operator decommission.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// SetOffline forces an Agent offline (or brings it back) independent of the
// error-driven state machine; this is the operator override spec §3
// describes as distinct from automatic health demotion.
func (r *Registry) SetOffline(id string, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.agents[id]
	if !ok {
		return
	}
	s.offline = offline
	if offline {
		r.transition(s, reqtype.HealthOffline, "operator forced offline")
	} else {
		r.transition(s, reqtype.HealthHealthy, "operator cleared offline")
		s.consecErrors = 0
	}
}

// RecordSuccess updates latency and resets the consecutive-error counter,
// promoting a Degraded Agent back to Healthy once its dwell time elapses.
func (r *Registry) RecordSuccess(id string, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.agents[id]
	if !ok {
		return
	}
	s.totalRequests++
	s.consecErrors = 0
	if s.totalRequests == 1 {
		s.avgLatencyMs = latencyMs
	} else {
		s.avgLatencyMs = s.avgLatencyMs*0.9 + latencyMs*0.1
	}
	if s.offline {
		return
	}
	if s.agent.HealthState == reqtype.HealthDegraded && r.clock.Now().Sub(s.lastChangedAt) >= r.cfg.DegradedDwell {
		r.transition(s, reqtype.HealthHealthy, "recovered after dwell")
	} else if s.agent.HealthState == reqtype.HealthUnhealthy && r.clock.Now().After(s.cooldownUntil) {
		r.transition(s, reqtype.HealthDegraded, "probe succeeded after cooldown")
	}
}

// RecordError accounts a failed attempt, demoting the Agent's HealthState
// once its consecutive-error thresholds are crossed.
func (r *Registry) RecordError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.agents[id]
	if !ok {
		return
	}
	s.totalRequests++
	s.totalErrors++
	s.consecErrors++
	if s.offline {
		return
	}
	switch {
	case s.consecErrors >= r.cfg.ConsecErrorsForUnhealthy:
		s.cooldownUntil = r.clock.Now().Add(r.cfg.UnhealthyCooldown)
		r.transition(s, reqtype.HealthUnhealthy, "consecutive failures exceeded unhealthy threshold")
	case s.consecErrors >= r.cfg.ConsecErrorsForDegraded:
		r.transition(s, reqtype.HealthDegraded, "consecutive failures exceeded degraded threshold")
	}
}

// transition must be called with r.mu held.
func (r *Registry) transition(s *liveStats, to reqtype.HealthState, reason string) {
	from := s.agent.HealthState
	if from == to {
		return
	}
	s.agent.HealthState = to
	s.lastChangedAt = r.clock.Now()
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:     events.AgentHealthChanged,
			AgentID:  s.agent.ID,
			OldState: string(from),
			NewState: string(to),
			Reason:   reason,
		})
	}
}

// Get returns a snapshot of one Agent by ID.
func (r *Registry) Get(id string) (reqtype.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[id]
	if !ok {
		return reqtype.Agent{}, false
	}
	return s.agent, true
}

// All returns a snapshot of every registered Agent, excluding none.
func (r *Registry) All() []reqtype.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]reqtype.Agent, 0, len(r.agents))
	for _, s := range r.agents {
		out = append(out, s.agent)
	}
	return out
}

// ByCapabilities returns every non-offline Agent that satisfies required,
// ranked by QualityScore descending then LatencyP95 ascending — the same
// deterministic tie-break order the Router applies (spec §4.3). Offline
// agents are never returned, enforcing the invariant that an offline agent
// never appears in a RoutingDecision.
func (r *Registry) ByCapabilities(required map[string]bool) []reqtype.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []reqtype.Agent
	for _, s := range r.agents {
		if s.agent.HealthState == reqtype.HealthOffline {
			continue
		}
		if s.agent.HasCapabilities(required) {
			matches = append(matches, s.agent)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].QualityScore != matches[j].QualityScore {
			return matches[i].QualityScore > matches[j].QualityScore
		}
		if matches[i].LatencyP95 != matches[j].LatencyP95 {
			return matches[i].LatencyP95 < matches[j].LatencyP95
		}
		return matches[i].ID < matches[j].ID
	})
	return matches
}

// AvgLatencyMs returns the EWMA latency tracked for id, implementing the
// StatsProvider collaborator the costOptimized and loadBalanced strategies
// consult.
func (r *Registry) AvgLatencyMs(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.agents[id]; ok {
		return s.avgLatencyMs
	}
	return 0
}

// ErrorRate returns the lifetime error rate tracked for id.
func (r *Registry) ErrorRate(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.agents[id]; ok && s.totalRequests > 0 {
		return float64(s.totalErrors) / float64(s.totalRequests)
	}
	return 0
}

// IsAvailable reports whether id may currently receive a dispatch: it must
// exist, not be forced offline, and (if Unhealthy) past its cooldown.
func (r *Registry) IsAvailable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agents[id]
	if !ok {
		return false
	}
	if s.agent.HealthState == reqtype.HealthOffline {
		return false
	}
	if s.agent.HealthState == reqtype.HealthUnhealthy && r.clock.Now().Before(s.cooldownUntil) {
		return false
	}
	return true
}
