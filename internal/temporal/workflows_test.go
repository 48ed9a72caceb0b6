package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// actsRef is a nil *Activities pointer used to create bound method
// references for Temporal mock registration. The SDK only uses reflection
// to extract the method name; no actual method body runs.
var actsRef *Activities

func agentCandidates(ids ...string) []reqtype.Agent {
	out := make([]reqtype.Agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, reqtype.Agent{ID: id})
	}
	return out
}

func TestAttemptWorkflow_SuccessOnFirstTry(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.Anything).Return(
		ExecuteAgentOutput{Raw: provider.RawResult{Content: "ok", InputTokens: 5, OutputTokens: 7}}, nil)

	input := AttemptInput{
		Call:       provider.PreparedCall{RequestID: "req-1"},
		Candidates: agentCandidates("agent-1"),
		Deadline:   time.Now().Add(time.Minute),
		MaxRetries: 0,
	}
	env.ExecuteWorkflow(AttemptWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AttemptOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "agent-1", out.AgentID)
	require.Equal(t, "ok", out.Raw.Content)
	require.False(t, out.Degraded)
	require.Empty(t, out.ErrorMsg)
	require.Len(t, out.Attempts, 1)
	require.Equal(t, reqtype.OutcomeSuccess, out.Attempts[0].Outcome)
}

func TestAttemptWorkflow_RetryableFailureThenSuccess(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	calls := 0
	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.Anything).Return(
		func(_ interface{}, _ ExecuteAgentInput) (ExecuteAgentOutput, error) {
			calls++
			if calls == 1 {
				return ExecuteAgentOutput{Retryable: true, ErrorMsg: "temporary blip"}, nil
			}
			return ExecuteAgentOutput{Raw: provider.RawResult{Content: "recovered"}}, nil
		})

	input := AttemptInput{
		Call:       provider.PreparedCall{RequestID: "req-2"},
		Candidates: agentCandidates("agent-1"),
		Deadline:   time.Now().Add(time.Minute),
		MaxRetries: 1,
	}
	env.ExecuteWorkflow(AttemptWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AttemptOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "recovered", out.Raw.Content)
	require.Len(t, out.Attempts, 2)
	require.Equal(t, reqtype.OutcomeRetryableFailure, out.Attempts[0].Outcome)
	require.Equal(t, reqtype.OutcomeSuccess, out.Attempts[1].Outcome)
}

func TestAttemptWorkflow_FallsBackToNextCandidate(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.MatchedBy(func(in ExecuteAgentInput) bool {
		return in.AgentID == "agent-primary"
	})).Return(ExecuteAgentOutput{Retryable: false, ErrorMsg: "fatal client error"}, nil)
	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.MatchedBy(func(in ExecuteAgentInput) bool {
		return in.AgentID == "agent-fallback"
	})).Return(ExecuteAgentOutput{Raw: provider.RawResult{Content: "fallback-ok"}}, nil)

	input := AttemptInput{
		Call:       provider.PreparedCall{RequestID: "req-3"},
		Candidates: agentCandidates("agent-primary", "agent-fallback"),
		Deadline:   time.Now().Add(time.Minute),
		MaxRetries: 0,
	}
	env.ExecuteWorkflow(AttemptWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AttemptOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "agent-fallback", out.AgentID)
	require.Equal(t, "fallback-ok", out.Raw.Content)
	require.Len(t, out.Attempts, 2)
	require.Equal(t, reqtype.OutcomeFatalFailure, out.Attempts[0].Outcome)
}

func TestAttemptWorkflow_DegradesWhenEveryCandidateFails(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.Anything).Return(
		ExecuteAgentOutput{Retryable: false, ErrorMsg: "fatal"}, nil)

	input := AttemptInput{
		Call:        provider.PreparedCall{RequestID: "req-4"},
		Candidates:  agentCandidates("agent-1"),
		Deadline:    time.Now().Add(time.Minute),
		MaxRetries:  0,
		Degradation: true,
	}
	env.ExecuteWorkflow(AttemptWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AttemptOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.True(t, out.Degraded)
	require.NotEmpty(t, out.Raw.Content)
	require.Empty(t, out.ErrorMsg)
}

func TestAttemptWorkflow_TerminalFailureWithoutDegradation(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ExecuteAgent, mock.Anything, mock.Anything).Return(
		ExecuteAgentOutput{Retryable: false, ErrorMsg: "fatal"}, nil)

	input := AttemptInput{
		Call:        provider.PreparedCall{RequestID: "req-5"},
		Candidates:  agentCandidates("agent-1"),
		Deadline:    time.Now().Add(time.Minute),
		MaxRetries:  0,
		Degradation: false,
	}
	env.ExecuteWorkflow(AttemptWorkflow, input)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out AttemptOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.False(t, out.Degraded)
	require.NotEmpty(t, out.ErrorMsg)
}

func TestBatchSchedulerWorkflow_MaxWaitElapses(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.ExecuteWorkflow(BatchSchedulerWorkflow, BatchSchedulerInput{
		BatchID:     "batch-1",
		TenantID:    "tenant-1",
		MaxWaitTime: 2 * time.Second,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchSchedulerOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "max-wait-elapsed", out.Reason)
}

func TestBatchSchedulerWorkflow_BatchFullSignalShortCircuits(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalBatchFull, nil)
	}, time.Millisecond*10)

	env.ExecuteWorkflow(BatchSchedulerWorkflow, BatchSchedulerInput{
		BatchID:     "batch-2",
		TenantID:    "tenant-1",
		MaxWaitTime: time.Minute,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchSchedulerOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "batch-full", out.Reason)
}

func TestBatchSchedulerWorkflow_CancelSignalShortCircuits(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancelBatch, nil)
	}, time.Millisecond*10)

	env.ExecuteWorkflow(BatchSchedulerWorkflow, BatchSchedulerInput{
		BatchID:     "batch-3",
		TenantID:    "tenant-1",
		MaxWaitTime: time.Minute,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out BatchSchedulerOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "cancelled", out.Reason)
}

func TestClassifyRetryable(t *testing.T) {
	if !classifyRetryable(errors.New("plain error")) {
		t.Error("expected a non-provider.Error to be treated as retryable")
	}
	if classifyRetryable(&provider.Error{Kind: provider.FatalClient, Err: errors.New("bad request")}) {
		t.Error("expected FatalClient to be non-retryable")
	}
	if classifyRetryable(&provider.Error{Kind: provider.AuthFailure, Err: errors.New("unauthorized")}) {
		t.Error("expected AuthFailure to be non-retryable")
	}
	if !classifyRetryable(&provider.Error{Kind: provider.RateLimited, Err: errors.New("slow down")}) {
		t.Error("expected RateLimited to be retryable")
	}
}
