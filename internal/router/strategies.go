package router

import (
	"math/rand"
	"sort"

	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// highPriorityStrategy (priority 100) applies to requests whose resolved
// numeric priority reaches 8 or higher (spec §4.3): among those, only
// healthy agents fast enough to serve a high-priority request at all
// qualify (latencyP50 < 2s), and the deterministic tie-break's
// quality-first ordering then picks the best one.
type highPriorityStrategy struct{}

func (highPriorityStrategy) Name() string  { return "highPriority" }
func (highPriorityStrategy) Priority() int { return 100 }

const highPriorityLatencyP50CeilingMs = 2000

func (highPriorityStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	if req.ResolvedPriority < 8 {
		return nil
	}
	all := agents.ByCapabilities(req.Request.RequiredCapabilities)
	var fast []reqtype.Agent
	for _, a := range all {
		if a.LatencyP50 < highPriorityLatencyP50CeilingMs {
			fast = append(fast, a)
		}
	}
	return fast
}

// agentSpecializationStrategy (priority 90) prefers a KindAgent specialist
// over a generic provider for request types that want one (code, analysis,
// specializedTask), keeping only specialists whose capability-match score
// against the request reaches the spec's 0.6 floor.
type agentSpecializationStrategy struct{}

func (agentSpecializationStrategy) Name() string  { return "agentSpecialization" }
func (agentSpecializationStrategy) Priority() int { return 90 }

const agentSpecializationMatchFloor = 0.6

func (agentSpecializationStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	if !req.Request.Type.WantsSpecializedAgent() {
		return nil
	}
	all := agents.ByCapabilities(req.Request.RequiredCapabilities)
	var specialists []reqtype.Agent
	for _, a := range all {
		if a.Kind != reqtype.KindAgent {
			continue
		}
		if capabilityMatchScore(a, req.Request.RequiredCapabilities) < agentSpecializationMatchFloor {
			continue
		}
		specialists = append(specialists, a)
	}
	return specialists
}

// capabilityMatchScore averages an Agent's proficiency over the request's
// RequiredCapabilities (or, absent any, over every capability the agent
// carries), giving agentSpecializationStrategy a single [0,1] match score
// to floor against.
func capabilityMatchScore(a reqtype.Agent, required map[string]bool) float64 {
	if len(required) == 0 {
		if len(a.Capabilities) == 0 {
			return 0
		}
		var sum float64
		for _, c := range a.Capabilities {
			sum += c.Proficiency
		}
		return sum / float64(len(a.Capabilities))
	}
	var sum float64
	for name := range required {
		if c, ok := a.Capabilities[name]; ok {
			sum += c.Proficiency
		}
	}
	return sum / float64(len(required))
}

// capabilityRequiredStrategy (priority 85) applies whenever the request
// names explicit RequiredCapabilities: only agents satisfying every one
// qualify.
type capabilityRequiredStrategy struct{}

func (capabilityRequiredStrategy) Name() string  { return "capabilityRequired" }
func (capabilityRequiredStrategy) Priority() int { return 85 }

func (capabilityRequiredStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	if len(req.Request.RequiredCapabilities) == 0 {
		return nil
	}
	return agents.ByCapabilities(req.Request.RequiredCapabilities)
}

// costOptimizedStrategy (priority 80) applies for a free-tier tenant or
// once the Preprocessor's estimated cost clears 0.1 (spec §4.3); candidates
// are every capability-eligible healthy agent, pre-ordered ascending by
// costPerInputToken + costPerOutputToken·3 — the spec's output-weighted
// cost-minimization rule — rather than left to the deterministic tie-break.
type costOptimizedStrategy struct{}

func (costOptimizedStrategy) Name() string     { return "costOptimized" }
func (costOptimizedStrategy) Priority() int    { return 80 }
func (costOptimizedStrategy) PreOrdered() bool { return true }

const costOptimizedEstimatedCostFloor = 0.1

func (costOptimizedStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	if req.EstimatedCost <= costOptimizedEstimatedCostFloor {
		return nil
	}
	all := agents.ByCapabilities(req.Request.RequiredCapabilities)
	return sortByWeightedCost(all)
}

func sortByWeightedCost(agents []reqtype.Agent) []reqtype.Agent {
	out := append([]reqtype.Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		return weightedCost(out[i]) < weightedCost(out[j])
	})
	return out
}

// weightedCost is the spec §4.3 costOptimized minimization target: input
// cost plus output cost weighted 3x, reflecting that output tokens
// typically cost several times more than input tokens across providers.
func weightedCost(a reqtype.Agent) float64 {
	return a.CostPerInputToken + a.CostPerOutputToken*3
}

// loadBalancedStrategy (priority 70) is the catch-all: every capability-
// eligible healthy agent qualifies, pre-ordered by a weighted-random draw
// (spec §4.3) rather than the deterministic tie-break, so load spreads
// across agents instead of always favoring the single best-scored one. It
// is the last strategy tried before the Router's emergency fallback chain.
type loadBalancedStrategy struct{}

func (loadBalancedStrategy) Name() string     { return "loadBalanced" }
func (loadBalancedStrategy) Priority() int    { return 70 }
func (loadBalancedStrategy) PreOrdered() bool { return true }

func (loadBalancedStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	all := agents.ByCapabilities(req.Request.RequiredCapabilities)
	return weightedRandomOrder(all, agents)
}

// loadBalancedWeight is proportional to (1 − utilization) · qualityScore
// (spec §4.3). AgentSource exposes no concurrency/in-flight counter, so
// the agent's tracked ErrorRate stands in as the closest available live
// utilization proxy: a heavily-erroring backend is treated as saturated.
// A small floor keeps every agent selectable even at quality 0 or error
// rate 1.0, rather than zeroing it out of the draw entirely.
func loadBalancedWeight(a reqtype.Agent, errorRate float64) float64 {
	w := (1 - errorRate) * a.QualityScore
	if w <= 0 {
		w = 0.0001
	}
	return w
}

// weightedRandomOrder draws a full ordering of agents without replacement,
// weighted by loadBalancedWeight, implementing the spec's weighted-random
// loadBalanced selector.
func weightedRandomOrder(agents []reqtype.Agent, src AgentSource) []reqtype.Agent {
	remaining := append([]reqtype.Agent(nil), agents...)
	weights := make([]float64, len(remaining))
	for i, a := range remaining {
		weights[i] = loadBalancedWeight(a, src.ErrorRate(a.ID))
	}

	out := make([]reqtype.Agent, 0, len(remaining))
	for len(remaining) > 0 {
		total := 0.0
		for _, w := range weights {
			total += w
		}
		pick := rand.Float64() * total
		idx := len(weights) - 1
		cum := 0.0
		for i, w := range weights {
			cum += w
			if pick < cum {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return out
}

// loadBalancedBanditStrategy is the optional Thompson-Sampling strategy
// (spec §12 supplemented feature): instead of the fixed quality/latency
// tie-break, it draws a sample per eligible agent from that agent's
// Beta(alpha, beta) posterior and orders candidates by the draw. It is
// registered at the same priority as loadBalanced but only activates when
// the caller opts in via Request.Parameters["routing_mode"] == "bandit",
// so it never displaces the deterministic strategies above it.
type loadBalancedBanditStrategy struct {
	sampler *ThompsonSampler
}

// NewLoadBalancedBandit builds the optional bandit strategy.
func NewLoadBalancedBandit(sampler *ThompsonSampler) Strategy {
	return loadBalancedBanditStrategy{sampler: sampler}
}

func (loadBalancedBanditStrategy) Name() string     { return "loadBalancedBandit" }
func (loadBalancedBanditStrategy) Priority() int    { return 71 }
func (loadBalancedBanditStrategy) PreOrdered() bool { return true }

func (s loadBalancedBanditStrategy) Candidates(req reqtype.PreprocessedRequest, agents AgentSource) []reqtype.Agent {
	mode, _ := req.Request.Parameters["routing_mode"].(string)
	if mode != "bandit" {
		return nil
	}
	all := agents.ByCapabilities(req.Request.RequiredCapabilities)
	if len(all) == 0 {
		return nil
	}
	byID := make(map[string]reqtype.Agent, len(all))
	ids := make([]string, len(all))
	for i, a := range all {
		byID[a.ID] = a
		ids[i] = a.ID
	}
	bucket := TokenBucketLabel(req.EstimatedTokens.Input + req.EstimatedTokens.Output)
	ranked := s.sampler.Sample(ids, bucket)
	out := make([]reqtype.Agent, len(ranked))
	for i, id := range ranked {
		out[i] = byID[id]
	}
	return out
}
