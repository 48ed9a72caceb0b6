package router

import (
	"testing"

	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

func TestTokenBucketLabel(t *testing.T) {
	cases := map[int]string{
		500:   "small",
		5000:  "medium",
		50000: "large",
	}
	for tokens, want := range cases {
		if got := TokenBucketLabel(tokens); got != want {
			t.Errorf("TokenBucketLabel(%d) = %q, want %q", tokens, got, want)
		}
	}
}

func TestCostOptimizedStrategy_belowThresholdDoesNotApply(t *testing.T) {
	src := &fakeSource{agents: []reqtype.Agent{agent("a1", 0.5, 100)}}
	req := preReq(reqtype.PriorityMedium)
	req.EstimatedCost = 0.05 // below the 0.1 activation floor

	got := costOptimizedStrategy{}.Candidates(req, src)
	if got != nil {
		t.Fatalf("expected no candidates below the cost floor, got %+v", got)
	}
}

func TestCostOptimizedStrategy_ordersByWeightedCostAscending(t *testing.T) {
	cheap := agent("cheap", 0.5, 100)
	cheap.CostPerInputToken = 0.0001
	cheap.CostPerOutputToken = 0.0001
	expensive := agent("expensive", 0.9, 50)
	expensive.CostPerInputToken = 10.0
	expensive.CostPerOutputToken = 10.0

	src := &fakeSource{agents: []reqtype.Agent{expensive, cheap}}
	req := preReq(reqtype.PriorityMedium)
	req.EstimatedCost = 0.5 // above the 0.1 activation floor

	got := costOptimizedStrategy{}.Candidates(req, src)
	if len(got) != 2 || got[0].ID != "cheap" {
		t.Fatalf("expected cheap agent ordered first by weighted cost, got %+v", got)
	}
}

func TestLoadBalancedWeight(t *testing.T) {
	highQuality := reqtype.Agent{QualityScore: 0.8}
	if got := loadBalancedWeight(highQuality, 0.0); got != 0.8 {
		t.Errorf("loadBalancedWeight(quality=0.8, errorRate=0) = %v, want 0.8", got)
	}
	if got := loadBalancedWeight(highQuality, 1.0); got <= 0 {
		t.Errorf("expected a positive floor weight at errorRate=1.0, got %v", got)
	}
	if got := loadBalancedWeight(reqtype.Agent{QualityScore: 0}, 0); got <= 0 {
		t.Errorf("expected a positive floor weight for a zero-quality agent, got %v", got)
	}
}

func TestWeightedRandomOrder_ReturnsEveryAgentExactlyOnce(t *testing.T) {
	agents := []reqtype.Agent{
		agent("a1", 0.9, 100),
		agent("a2", 0.5, 200),
		agent("a3", 0.1, 300),
	}
	src := &fakeSource{agents: agents}

	out := weightedRandomOrder(agents, src)
	if len(out) != len(agents) {
		t.Fatalf("expected %d agents, got %d", len(agents), len(out))
	}
	seen := make(map[string]bool, len(out))
	for _, a := range out {
		seen[a.ID] = true
	}
	for _, a := range agents {
		if !seen[a.ID] {
			t.Errorf("expected %s in weighted-random order, missing", a.ID)
		}
	}
}

func TestAgentSpecializationStrategy_requiresMatchFloor(t *testing.T) {
	wellMatched := agent("specialist-good", 0.7, 100)
	wellMatched.Kind = reqtype.KindAgent
	wellMatched.Capabilities = map[string]reqtype.Capability{"code": {Name: "code", Proficiency: 0.9}}

	poorlyMatched := agent("specialist-poor", 0.9, 50)
	poorlyMatched.Kind = reqtype.KindAgent
	poorlyMatched.Capabilities = map[string]reqtype.Capability{"code": {Name: "code", Proficiency: 0.3}}

	generic := agent("generic", 0.95, 10)
	generic.Kind = reqtype.KindProvider
	generic.Capabilities = map[string]reqtype.Capability{"code": {Name: "code", Proficiency: 1.0}}

	src := &fakeSource{agents: []reqtype.Agent{wellMatched, poorlyMatched, generic}}
	req := preReq(reqtype.PriorityMedium)
	req.Request.Type = reqtype.TypeCode
	req.Request.RequiredCapabilities = map[string]bool{"code": true}

	got := agentSpecializationStrategy{}.Candidates(req, src)
	if len(got) != 1 || got[0].ID != "specialist-good" {
		t.Fatalf("expected only the well-matched specialist, got %+v", got)
	}
}
