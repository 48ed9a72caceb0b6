package temporal

import (
	"fmt"
	"math/rand"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

const activityTimeout = 60 * time.Second

// AttemptWorkflow durably drives the Executor's recovery chain (spec C5):
// exponential-backoff retry against the selected Agent, then each
// fallback Agent in Candidates, in order, until one call succeeds, every
// candidate is exhausted, or Deadline passes. Backoff delays go through
// workflow.Sleep so they replay deterministically and survive a worker
// restart mid-wait, the property the in-process Executor cannot offer on
// its own.
func AttemptWorkflow(ctx workflow.Context, input AttemptInput) (AttemptOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1}, // AttemptWorkflow owns retry, not the activity layer
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var attempts []reqtype.ExecutionAttempt

	for _, agent := range input.Candidates {
		backendKey := agent.BackendKey()

		for attemptNum := 1; attemptNum <= input.MaxRetries+1; attemptNum++ {
			if workflow.Now(ctx).After(input.Deadline) {
				return AttemptOutput{Attempts: attempts, ErrorMsg: "deadline exceeded before attempt"}, nil
			}

			attempt := reqtype.ExecutionAttempt{
				RequestID:     input.Call.RequestID,
				AttemptNumber: attemptNum,
				AgentID:       agent.ID,
				StartedAt:     workflow.Now(ctx),
			}

			var out ExecuteAgentOutput
			execErr := workflow.ExecuteActivity(ctx, (*Activities).ExecuteAgent, ExecuteAgentInput{
				Call:       input.Call,
				AgentID:    agent.ID,
				BackendKey: backendKey,
				Deadline:   input.Deadline,
			}).Get(ctx, &out)
			attempt.EndedAt = workflow.Now(ctx)

			if execErr == nil && out.ErrorMsg == "" {
				attempt.Outcome = reqtype.OutcomeSuccess
				attempt.Usage = reqtype.Usage{InputTokens: out.Raw.InputTokens, OutputTokens: out.Raw.OutputTokens}
				attempts = append(attempts, attempt)
				return AttemptOutput{Attempts: attempts, Raw: out.Raw, AgentID: agent.ID}, nil
			}

			retryable := out.Retryable
			errMsg := out.ErrorMsg
			if execErr != nil {
				retryable = true // activity-level failure (worker crash, etc.) is always worth another try
				errMsg = execErr.Error()
			}

			attempt.Outcome = reqtype.OutcomeRetryableFailure
			if !retryable {
				attempt.Outcome = reqtype.OutcomeFatalFailure
			}
			attempt.ErrorKind = errMsg
			attempts = append(attempts, attempt)

			if !retryable {
				break // next candidate
			}
			if attemptNum <= input.MaxRetries {
				delay := backoffDelay(ctx, attemptNum)
				_ = workflow.Sleep(ctx, delay)
			}
		}
	}

	if input.Degradation {
		return AttemptOutput{
			Attempts: attempts,
			Raw:      provider.RawResult{Content: "A full response is not available right now; please retry shortly."},
			Degraded: true,
		}, nil
	}
	return AttemptOutput{Attempts: attempts, ErrorMsg: "every candidate agent failed and degradation is disabled"}, nil
}

// backoffDelay computes base*2^(attempt-1), jittered by +/-50% the same
// way internal/executor.sleepBackoff does, capped at a fixed ceiling
// since AttemptInput doesn't thread through a per-call max (the workflow
// deadline already bounds total wait time).
func backoffDelay(ctx workflow.Context, attemptNum int) time.Duration {
	const baseDelay = 200 * time.Millisecond
	const maxDelay = 8 * time.Second
	delay := baseDelay * time.Duration(1<<uint(attemptNum-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	var jitterSeed int64
	_ = workflow.SideEffect(ctx, func(workflow.Context) any { return rand.Int63() }).Get(&jitterSeed)
	jitter := 1.0 + 0.5*(2*(float64(jitterSeed%1000)/1000.0)-1)
	return time.Duration(float64(delay) * jitter)
}

// BatchSchedulerWorkflow durably drives a forming batch's maxWaitTime
// deadline (spec C4's scheduled->running transition): it waits for
// whichever comes first among the wait timer elapsing, a SignalBatchFull
// notification (the batch hit MaxBatchSize or admitted an urgent member),
// or a SignalCancelBatch notification (every member was cancelled before
// dispatch), then returns the reason the caller dispatches on.
func BatchSchedulerWorkflow(ctx workflow.Context, input BatchSchedulerInput) (BatchSchedulerOutput, error) {
	fullCh := workflow.GetSignalChannel(ctx, SignalBatchFull)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancelBatch)
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	timerFuture := workflow.NewTimer(timerCtx, input.MaxWaitTime)

	selector := workflow.NewSelector(ctx)
	result := BatchSchedulerOutput{BatchID: input.BatchID}

	selector.AddFuture(timerFuture, func(f workflow.Future) {
		result.Reason = "max-wait-elapsed"
	})
	selector.AddReceive(fullCh, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, nil)
		result.Reason = "batch-full"
	})
	selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, nil)
		result.Reason = "cancelled"
	})

	selector.Select(ctx)
	cancelTimer()
	if result.Reason == "" {
		return result, fmt.Errorf("batch scheduler %s: selector returned with no reason set", input.BatchID)
	}
	return result, nil
}
