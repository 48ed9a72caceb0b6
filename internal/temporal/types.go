package temporal

import (
	"time"

	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// AttemptInput is AttemptWorkflow's input: a durable replacement for
// Executor.Run's in-process backoff-retry/fallback loop (spec C5) so a
// multi-attempt escalation sequence survives a worker restart when
// TemporalEnabled.
type AttemptInput struct {
	Call        provider.PreparedCall `json:"call"`
	Candidates  []reqtype.Agent       `json:"candidates"` // Selected + FallbackChain, in order
	Deadline    time.Time             `json:"deadline"`
	MaxRetries  int                   `json:"max_retries"`
	BaseDelay   time.Duration         `json:"base_delay"`
	MaxDelay    time.Duration         `json:"max_delay"`
	Degradation bool                  `json:"degradation"`
}

// AttemptOutput mirrors executor.Result's exactly-one-terminal-outcome
// shape (spec §8) across the workflow boundary. ErrorMsg is set only for
// the terminal-failure case; a degraded response carries no error.
type AttemptOutput struct {
	Attempts []reqtype.ExecutionAttempt `json:"attempts"`
	Raw      provider.RawResult         `json:"raw"`
	AgentID  string                     `json:"agent_id"`
	Degraded bool                       `json:"degraded"`
	ErrorMsg string                     `json:"error_msg,omitempty"`
}

// ExecuteAgentInput/Output is the single-call activity AttemptWorkflow
// drives once per retry: one Provider.Execute invocation plus the
// circuit-breaker check guarding it.
type ExecuteAgentInput struct {
	Call       provider.PreparedCall `json:"call"`
	AgentID    string                `json:"agent_id"`
	BackendKey string                `json:"backend_key"`
	Deadline   time.Time             `json:"deadline"`
}

// ExecuteAgentOutput reports an activity-level outcome. Retryable and
// BreakerOpen are only meaningful when ErrorMsg is non-empty.
type ExecuteAgentOutput struct {
	Raw         provider.RawResult `json:"raw"`
	Retryable   bool               `json:"retryable"`
	BreakerOpen bool               `json:"breaker_open"`
	ErrorMsg    string             `json:"error_msg,omitempty"`
}

// BatchSchedulerInput is BatchSchedulerWorkflow's input: a durable
// replacement for the Batcher's clock.Timer-driven maxWaitTime wait (spec
// C4) so a forming batch's scheduled->running transition survives a
// worker restart when TemporalEnabled. Signals ("batch-full",
// "cancel-batch") can release the wait before MaxWaitTime elapses.
type BatchSchedulerInput struct {
	BatchID     string        `json:"batch_id"`
	TenantID    string        `json:"tenant_id"`
	MaxWaitTime time.Duration `json:"max_wait_time"`
}

// BatchSchedulerOutput reports why the batch was released for dispatch.
type BatchSchedulerOutput struct {
	BatchID string `json:"batch_id"`
	Reason  string `json:"reason"` // "max-wait-elapsed", "batch-full", "cancelled"
}

const (
	// SignalBatchFull is sent when the Batcher observes the forming batch
	// has reached MaxBatchSize or admitted an urgent member, so the
	// scheduler workflow should stop waiting and dispatch immediately.
	SignalBatchFull = "batch-full"
	// SignalCancelBatch is sent when every member of a forming batch is
	// cancelled before dispatch.
	SignalCancelBatch = "cancel-batch"
)
