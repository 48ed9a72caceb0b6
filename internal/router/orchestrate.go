package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// OrchestrationMode selects one of the multi-model pipelines an analysis
// request can be run through instead of a single Agent call.
type OrchestrationMode string

const (
	// OrchestrationAdversarial runs a plan/critique/refine loop: one Agent
	// drafts a response, a second critiques it, and the first revises
	// against the critique for a fixed number of rounds.
	OrchestrationAdversarial OrchestrationMode = "adversarial"
	// OrchestrationVote fans the same prompt out to every candidate Agent
	// and has a judge Agent pick the strongest answer.
	OrchestrationVote OrchestrationMode = "vote"
	// OrchestrationRefine has a single Agent iteratively tighten its own
	// response for a fixed number of rounds.
	OrchestrationRefine OrchestrationMode = "refine"
)

// OrchestrationConfig tunes one orchestration run.
type OrchestrationConfig struct {
	Mode         OrchestrationMode
	Iterations   int // adversarial/refine round count; ignored by vote
	JudgeAgentID string
}

// Caller invokes one Agent with a prompt and returns its raw reply. This is
// deliberately narrower than provider.Provider: orchestration issues several
// calls per request and does not repeat the Executor's own retry/fallback
// chain for each of them, since a single slow or failing leg should abort
// the whole orchestration rather than silently retry it N times over.
type Caller func(ctx context.Context, agentID, prompt string, deadline time.Time) (provider.RawResult, error)

// OrchestrationResult mirrors executor.Result's exactly-one-terminal-outcome
// shape so engine can hand it to the same ResponseProcessor.Process call an
// ordinary single-agent execution uses. It is declared here rather than
// reusing executor.Result to avoid router depending on executor for a
// single struct shape.
type OrchestrationResult struct {
	Attempts []reqtype.ExecutionAttempt
	Raw      provider.RawResult
	AgentID  string
	Err      error
}

// Orchestrator runs OrchestrationConfig.Mode against a RoutingDecision's
// selected Agent and fallback chain.
type Orchestrator struct {
	call Caller
}

// NewOrchestrator builds an Orchestrator over call.
func NewOrchestrator(call Caller) *Orchestrator {
	return &Orchestrator{call: call}
}

// Run dispatches to the mode-specific pipeline. An unrecognized Mode falls
// back to a single call against decision.Selected.
func (o *Orchestrator) Run(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, cfg OrchestrationConfig, deadline time.Time) OrchestrationResult {
	switch cfg.Mode {
	case OrchestrationAdversarial:
		return o.runAdversarial(ctx, req, decision, cfg, deadline)
	case OrchestrationVote:
		return o.runVote(ctx, req, decision, cfg, deadline)
	case OrchestrationRefine:
		return o.runRefine(ctx, req, decision, cfg, deadline)
	default:
		return o.runSingle(ctx, req, decision, deadline)
	}
}

func candidatesOf(decision reqtype.RoutingDecision) []reqtype.Agent {
	return append([]reqtype.Agent{decision.Selected}, decision.FallbackChain...)
}

func (o *Orchestrator) runSingle(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, deadline time.Time) OrchestrationResult {
	agentID := decision.Selected.ID
	raw, attempt, err := o.invoke(ctx, agentID, req.Request.Content, deadline, 1)
	if err != nil {
		return OrchestrationResult{Attempts: []reqtype.ExecutionAttempt{attempt}, Err: err}
	}
	return OrchestrationResult{Attempts: []reqtype.ExecutionAttempt{attempt}, Raw: raw, AgentID: agentID}
}

// runAdversarial has the primary candidate draft a response, the secondary
// candidate (or the primary itself, if there is no fallback) critique it,
// and the primary revise against that critique for cfg.Iterations rounds.
func (o *Orchestrator) runAdversarial(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, cfg OrchestrationConfig, deadline time.Time) OrchestrationResult {
	candidates := candidatesOf(decision)
	primary := candidates[0].ID
	critic := primary
	if len(candidates) > 1 {
		critic = candidates[1].ID
	}

	var attempts []reqtype.ExecutionAttempt
	attemptNum := 1

	plan, attempt, err := o.invoke(ctx, primary, req.Request.Content, deadline, attemptNum)
	attempts = append(attempts, attempt)
	if err != nil {
		return OrchestrationResult{Attempts: attempts, Err: err}
	}

	for i := 0; i < cfg.Iterations; i++ {
		attemptNum++
		critiquePrompt := fmt.Sprintf("Critique the following response for accuracy, completeness, and clarity:\n\n%s", plan.Content)
		critique, attempt, err := o.invoke(ctx, critic, critiquePrompt, deadline, attemptNum)
		attempts = append(attempts, attempt)
		if err != nil {
			return OrchestrationResult{Attempts: attempts, Err: err}
		}

		attemptNum++
		refinePrompt := fmt.Sprintf("Original response:\n%s\n\nCritique:\n%s\n\nProduce an improved response that addresses the critique.", plan.Content, critique.Content)
		refined, attempt, err := o.invoke(ctx, primary, refinePrompt, deadline, attemptNum)
		attempts = append(attempts, attempt)
		if err != nil {
			return OrchestrationResult{Attempts: attempts, Err: err}
		}
		plan = refined
	}

	return OrchestrationResult{Attempts: attempts, Raw: plan, AgentID: primary}
}

// runVote fans req's prompt out to every candidate concurrently, then asks a
// judge Agent to pick the strongest answer by number. If the judge's reply
// doesn't parse to a valid index, voting falls back to the first candidate's
// answer rather than failing the request outright.
func (o *Orchestrator) runVote(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, cfg OrchestrationConfig, deadline time.Time) OrchestrationResult {
	candidates := candidatesOf(decision)
	answers := make([]provider.RawResult, len(candidates))
	attemptList := make([]reqtype.ExecutionAttempt, len(candidates))
	errs := make([]error, len(candidates))

	var wg sync.WaitGroup
	for i, agent := range candidates {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			raw, attempt, err := o.invoke(ctx, agentID, req.Request.Content, deadline, i+1)
			answers[i] = raw
			attemptList[i] = attempt
			errs[i] = err
		}(i, agent.ID)
	}
	wg.Wait()

	attempts := append([]reqtype.ExecutionAttempt(nil), attemptList...)
	for _, err := range errs {
		if err != nil {
			return OrchestrationResult{Attempts: attempts, Err: err}
		}
	}

	if len(candidates) == 1 {
		return OrchestrationResult{Attempts: attempts, Raw: answers[0], AgentID: candidates[0].ID}
	}

	judgeID := cfg.JudgeAgentID
	if judgeID == "" {
		judgeID = candidates[0].ID
	}
	judgePrompt := "Multiple candidate answers follow. Respond with only the number of the single best answer.\n\n"
	for i, a := range answers {
		judgePrompt += fmt.Sprintf("Answer %d:\n%s\n\n", i+1, a.Content)
	}
	verdict, judgeAttempt, err := o.invoke(ctx, judgeID, judgePrompt, deadline, len(candidates)+1)
	attempts = append(attempts, judgeAttempt)
	if err != nil {
		return OrchestrationResult{Attempts: attempts, Err: err}
	}

	winner := parseDigitIndex(verdict.Content, len(candidates))
	return OrchestrationResult{Attempts: attempts, Raw: answers[winner], AgentID: candidates[winner].ID}
}

// runRefine has a single Agent iteratively tighten its own response for
// cfg.Iterations rounds.
func (o *Orchestrator) runRefine(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, cfg OrchestrationConfig, deadline time.Time) OrchestrationResult {
	agentID := decision.Selected.ID
	attemptNum := 1

	current, attempt, err := o.invoke(ctx, agentID, req.Request.Content, deadline, attemptNum)
	attempts := []reqtype.ExecutionAttempt{attempt}
	if err != nil {
		return OrchestrationResult{Attempts: attempts, Err: err}
	}

	for i := 0; i < cfg.Iterations; i++ {
		attemptNum++
		prompt := fmt.Sprintf("Improve and tighten the following response without changing its meaning:\n\n%s", current.Content)
		refined, attempt, err := o.invoke(ctx, agentID, prompt, deadline, attemptNum)
		attempts = append(attempts, attempt)
		if err != nil {
			return OrchestrationResult{Attempts: attempts, Err: err}
		}
		current = refined
	}

	return OrchestrationResult{Attempts: attempts, Raw: current, AgentID: agentID}
}

func (o *Orchestrator) invoke(ctx context.Context, agentID, prompt string, deadline time.Time, attemptNum int) (provider.RawResult, reqtype.ExecutionAttempt, error) {
	attempt := reqtype.ExecutionAttempt{AttemptNumber: attemptNum, AgentID: agentID, StartedAt: time.Now()}
	raw, err := o.call(ctx, agentID, prompt, deadline)
	attempt.EndedAt = time.Now()
	if err != nil {
		attempt.Outcome = reqtype.OutcomeFatalFailure
		attempt.ErrorKind = err.Error()
		return provider.RawResult{}, attempt, err
	}
	attempt.Outcome = reqtype.OutcomeSuccess
	attempt.Usage = reqtype.Usage{InputTokens: raw.InputTokens, OutputTokens: raw.OutputTokens}
	return raw, attempt, nil
}

// parseDigitIndex extracts the first digit in s and converts it to a
// 0-based index, falling back to 0 if s carries no usable digit or the
// digit is out of [1,n] range.
func parseDigitIndex(s string, n int) int {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			idx := int(r-'0') - 1
			if idx >= 0 && idx < n {
				return idx
			}
			break
		}
	}
	return 0
}
