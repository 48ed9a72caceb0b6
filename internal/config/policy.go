package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingPolicy overrides the Router's default strategy priorities and the
// deterministic tie-break weighting, loaded from an operator-supplied YAML
// file rather than recompiled into the binary.
type RoutingPolicy struct {
	StrategyPriorities map[string]int `yaml:"strategy_priorities"`
	TieBreak           struct {
		QualityWeight float64 `yaml:"quality_weight"`
		LatencyWeight float64 `yaml:"latency_weight"`
		CostWeight    float64 `yaml:"cost_weight"`
	} `yaml:"tie_break"`
	CostOptimized struct {
		MaxCostPerRequest float64 `yaml:"max_cost_per_request"`
	} `yaml:"cost_optimized"`
}

// DefaultRoutingPolicy mirrors the strategy priority ordering spec §4.3
// names: highPriority(100) > agentSpecialization(90) > capabilityRequired(85)
// > costOptimized(80) > loadBalanced(70).
func DefaultRoutingPolicy() RoutingPolicy {
	p := RoutingPolicy{
		StrategyPriorities: map[string]int{
			"highPriority":        100,
			"agentSpecialization": 90,
			"capabilityRequired":  85,
			"costOptimized":       80,
			"loadBalanced":        70,
		},
	}
	p.TieBreak.QualityWeight = 1.0
	p.TieBreak.LatencyWeight = 1.0
	p.TieBreak.CostWeight = 1.0
	return p
}

// LoadRoutingPolicy reads a RoutingPolicy from path, falling back to
// DefaultRoutingPolicy when path is empty.
func LoadRoutingPolicy(path string) (RoutingPolicy, error) {
	policy := DefaultRoutingPolicy()
	if path == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RoutingPolicy{}, fmt.Errorf("read routing policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return RoutingPolicy{}, fmt.Errorf("parse routing policy %s: %w", path, err)
	}
	return policy, nil
}
