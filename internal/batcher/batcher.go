// Package batcher implements the Batcher/Dispatcher (spec C4): grouping
// compatible requests into BatchJobs under one of five compatibility
// predicates, scheduling them once a size or wait-time threshold is hit,
// and dispatching the resulting jobs under a bounded concurrency limit.
package batcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// Config tunes batch formation and dispatch bounds (spec §4.4, §6).
type Config struct {
	MaxBatchSize     int
	MinBatchSize     int
	BaseMaxWaitTime  time.Duration
	ConcurrencyLimit int
	HighWater        int
	LowWater         int
}

// DefaultConfig matches spec §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     50,
		MinBatchSize:     3,
		BaseMaxWaitTime:  2 * time.Second,
		ConcurrencyLimit: 10,
		HighWater:        1000,
		LowWater:         200,
	}
}

// CallBuilder turns a PreprocessedRequest plus its RoutingDecision into the
// provider-agnostic envelope the Executor invokes.
type CallBuilder func(reqtype.PreprocessedRequest, reqtype.RoutingDecision) provider.PreparedCall

// Runner is the subset of Executor the Batcher depends on.
type Runner interface {
	Run(ctx context.Context, call provider.PreparedCall, decision reqtype.RoutingDecision, deadline time.Time) executor.Result
}

// pendingCall tracks one admitted request from submission through dispatch.
type pendingCall struct {
	req      reqtype.PreprocessedRequest
	decision reqtype.RoutingDecision
	call     provider.PreparedCall
	resultCh chan executor.Result

	mu        sync.Mutex
	cancelled bool
}

func (p *pendingCall) cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.cancelled = true
	return true
}

func (p *pendingCall) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// formingBatch is a BatchJob still accepting new members.
type formingBatch struct {
	job     reqtype.BatchJob
	pending []*pendingCall
	timer   clock.Timer
}

// Batcher groups and dispatches requests per spec §4.4.
type Batcher struct {
	cfg   Config
	clock clock.Clock
	bus   *events.Bus
	exec  Runner
	build CallBuilder

	mu      sync.Mutex
	forming []*formingBatch
	pending map[string]*pendingCall // keyed by RequestID, spans forming+running
	sem     *semaphore.Weighted
}

// New builds a Batcher. build is consulted once per member, exactly when
// the member is about to be dispatched (forming batches hold the
// PreprocessedRequest/RoutingDecision pair, not a prepared call, so a
// cancellation before dispatch never pays the build cost).
func New(cfg Config, clk clock.Clock, bus *events.Bus, exec Runner, build CallBuilder) *Batcher {
	if clk == nil {
		clk = clock.Real
	}
	return &Batcher{
		cfg:     cfg,
		clock:   clk,
		bus:     bus,
		exec:    exec,
		build:   build,
		pending: make(map[string]*pendingCall),
		sem:     semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
	}
}

// InFlight reports the number of requests currently forming, scheduled, or
// running, for the Preprocessor's backpressure check (spec §4.1/§6).
func (b *Batcher) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Submit admits req into the batcher per spec §4.4's three outcomes:
// immediate emergency dispatch, attachment to a compatible forming batch,
// or a new forming batch. The returned channel receives exactly one
// executor.Result.
func (b *Batcher) Submit(ctx context.Context, req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision) <-chan executor.Result {
	pc := &pendingCall{req: req, decision: decision, resultCh: make(chan executor.Result, 1)}

	b.mu.Lock()
	b.pending[req.Request.ID] = pc

	if req.Request.Priority == reqtype.PriorityUrgent && len(b.forming) == 0 {
		b.mu.Unlock()
		b.dispatchSolo(ctx, pc, reqtype.StrategyEmergency)
		return pc.resultCh
	}

	if fb, strategy := b.findCompatible(req, decision); fb != nil {
		fb.job.Members = append(fb.job.Members, reqtype.BatchMember{Request: req, Decision: decision})
		fb.pending = append(fb.pending, pc)
		fb.job.Strategy = strategy
		if fb.job.Priority < req.ResolvedPriority {
			fb.job.Priority = req.ResolvedPriority
		}
		full := len(fb.job.Members) >= b.cfg.MaxBatchSize
		urgent := req.Request.Priority == reqtype.PriorityUrgent
		b.mu.Unlock()
		if full || urgent {
			b.scheduleForming(ctx, fb)
		}
		return pc.resultCh
	}

	fb := b.newForming(req, pc)
	b.forming = append(b.forming, fb)
	b.mu.Unlock()
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.BatchFormed, BatchID: fb.job.ID, RequestID: req.Request.ID})
	}
	b.armTimer(ctx, fb)
	return pc.resultCh
}

// Cancel removes req from a forming batch, or marks a running member so
// its result is discarded, per spec §4.4's cancellation semantics.
func (b *Batcher) Cancel(requestID string) bool {
	b.mu.Lock()
	pc, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if !pc.cancel() {
		return false
	}

	b.mu.Lock()
	for _, fb := range b.forming {
		for i, m := range fb.pending {
			if m == pc {
				fb.job.Members = append(fb.job.Members[:i], fb.job.Members[i+1:]...)
				fb.pending = append(fb.pending[:i], fb.pending[i+1:]...)
				delete(b.pending, requestID)
				b.mu.Unlock()
				pc.resultCh <- executor.Result{Err: reqtype.NewError(reqtype.ErrCancelled, requestID, "cancelled while forming", nil)}
				return true
			}
		}
	}
	b.mu.Unlock()
	// Already scheduled or running: isCancelled() is checked at dispatch
	// and the in-flight invocation's result is discarded in favor of a
	// Cancelled result (spec §4.4 "batch proceeds but result is discarded").
	return true
}

// newForming opens a batch around a single seed member. Strategy starts as
// StrategyBackend (the most common eventual fit) and is corrected in Submit
// once a second member actually joins under a specific predicate.
func (b *Batcher) newForming(req reqtype.PreprocessedRequest, pc *pendingCall) *formingBatch {
	return &formingBatch{
		job: reqtype.BatchJob{
			ID:        req.Request.ID + "-batch",
			Strategy:  reqtype.StrategyBackend,
			Members:   []reqtype.BatchMember{{Request: req, Decision: pc.decision}},
			Priority:  req.ResolvedPriority,
			CreatedAt: b.clock.Now(),
			State:     reqtype.BatchForming,
		},
		pending: []*pendingCall{pc},
	}
}

// findCompatible searches existing forming batches for the highest-priority
// applicable predicate (similarity > backend > priority > temporal), per
// spec §4.4's compatibility table. Caller must hold b.mu.
func (b *Batcher) findCompatible(req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision) (*formingBatch, reqtype.BatchStrategy) {
	var best *formingBatch
	var bestStrategy reqtype.BatchStrategy
	bestRank := -1
	for _, fb := range b.forming {
		if len(fb.job.Members) >= b.cfg.MaxBatchSize {
			continue
		}
		rank, strategy := compatibilityRank(req, decision, fb, b.clock.Now())
		if rank > bestRank {
			best, bestStrategy, bestRank = fb, strategy, rank
		}
	}
	if bestRank < 0 {
		return nil, ""
	}
	return best, bestStrategy
}

// compatibilityRank scores req against fb's existing members under the
// four non-emergency predicates, returning -1 if none apply.
func compatibilityRank(req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision, fb *formingBatch, now time.Time) (int, reqtype.BatchStrategy) {
	if len(fb.job.Members) == 0 {
		return -1, ""
	}
	head := fb.job.Members[0]

	if jaccardSimilarity(req.Request.Parameters, head.Request.Request.Parameters) > 0.6 {
		return 4, reqtype.StrategySimilarity
	}
	if decision.Selected.ID == head.Decision.Selected.ID {
		return 3, reqtype.StrategyBackend
	}
	if req.Request.Priority == head.Request.Request.Priority {
		return 2, reqtype.StrategyPriority
	}
	within := true
	for _, m := range fb.job.Members {
		if now.Sub(m.Request.Request.SubmittedAt) > 5*time.Second {
			within = false
			break
		}
	}
	if within {
		return 1, reqtype.StrategyTemporal
	}
	return -1, ""
}

// jaccardSimilarity compares the parameter key sets of two requests, per
// spec §4.4's similarity predicate.
func jaccardSimilarity(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	union := make(map[string]struct{}, len(a)+len(b))
	inter := 0
	for k := range a {
		union[k] = struct{}{}
		if _, ok := b[k]; ok {
			inter++
		}
	}
	for k := range b {
		union[k] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

// armTimer schedules fb's maxWaitTime flush, scaled by the batch's
// priority level and halved above the high-water mark (spec §6).
func (b *Batcher) armTimer(ctx context.Context, fb *formingBatch) {
	wait := b.waitTimeFor(fb)
	timer := b.clock.NewTimer(wait)
	b.mu.Lock()
	fb.timer = timer
	b.mu.Unlock()
	go func() {
		<-timer.C()
		b.flush(ctx, fb)
	}()
}

func (b *Batcher) waitTimeFor(fb *formingBatch) time.Duration {
	base := b.cfg.BaseMaxWaitTime
	var frac float64
	switch priorityOf(fb) {
	case reqtype.PriorityUrgent:
		frac = 0.10
	case reqtype.PriorityHigh:
		frac = 0.30
	case reqtype.PriorityMedium:
		frac = 0.70
	default:
		frac = 1.0
	}
	wait := time.Duration(float64(base) * frac)
	if b.InFlight() > b.cfg.HighWater {
		wait /= 2
	}
	return wait
}

func priorityOf(fb *formingBatch) reqtype.Priority {
	if len(fb.job.Members) == 0 {
		return reqtype.PriorityMedium
	}
	return fb.job.Members[0].Request.Request.Priority
}

// flush fires when a forming batch's maxWaitTime elapses: schedule if the
// batch reached minBatchSize, otherwise dispatch its members individually.
func (b *Batcher) flush(ctx context.Context, fb *formingBatch) {
	b.mu.Lock()
	idx := -1
	for i, f := range b.forming {
		if f == fb {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return // already scheduled by a concurrent Submit reaching maxBatchSize
	}
	b.forming = append(b.forming[:idx], b.forming[idx+1:]...)
	members := append([]*pendingCall(nil), fb.pending...)
	enough := len(members) >= b.cfg.MinBatchSize
	b.mu.Unlock()

	if enough {
		b.dispatchBatch(ctx, fb)
		return
	}
	for _, pc := range members {
		b.dispatchSolo(ctx, pc, reqtype.StrategyBackend)
	}
}

// scheduleForming immediately schedules fb (reached maxBatchSize, or an
// urgent member arrived), stopping its wait timer first.
func (b *Batcher) scheduleForming(ctx context.Context, fb *formingBatch) {
	b.mu.Lock()
	idx := -1
	for i, f := range b.forming {
		if f == fb {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	b.forming = append(b.forming[:idx], b.forming[idx+1:]...)
	if fb.timer != nil {
		fb.timer.Stop()
	}
	b.mu.Unlock()
	b.dispatchBatch(ctx, fb)
}

// dispatchBatch runs every live member of fb concurrently, bounded by the
// batcher's semaphore, per spec §4.4's concurrencyLimit.
func (b *Batcher) dispatchBatch(ctx context.Context, fb *formingBatch) {
	fb.job.State = reqtype.BatchRunning
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.BatchScheduled, BatchID: fb.job.ID})
	}
	var wg sync.WaitGroup
	for _, pc := range fb.pending {
		wg.Add(1)
		go func(pc *pendingCall) {
			defer wg.Done()
			b.run(ctx, pc)
		}(pc)
	}
	wg.Wait()
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.BatchCompleted, BatchID: fb.job.ID})
	}
}

// dispatchSolo runs a single request outside of any batch (the emergency
// bypass, or members of a batch that never reached minBatchSize).
func (b *Batcher) dispatchSolo(ctx context.Context, pc *pendingCall, _ reqtype.BatchStrategy) {
	go b.run(ctx, pc)
}

// run acquires a concurrency slot, invokes the Executor, and delivers the
// result, respecting a cancellation observed at any point before delivery.
func (b *Batcher) run(ctx context.Context, pc *pendingCall) {
	defer func() {
		b.mu.Lock()
		delete(b.pending, pc.req.Request.ID)
		b.mu.Unlock()
	}()

	if pc.isCancelled() {
		pc.resultCh <- executor.Result{Err: reqtype.NewError(reqtype.ErrCancelled, pc.req.Request.ID, "cancelled before dispatch", nil)}
		return
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		pc.resultCh <- executor.Result{Err: reqtype.NewError(reqtype.ErrCancelled, pc.req.Request.ID, "context cancelled awaiting dispatch slot", err)}
		return
	}
	defer b.sem.Release(1)

	if pc.isCancelled() {
		pc.resultCh <- executor.Result{Err: reqtype.NewError(reqtype.ErrCancelled, pc.req.Request.ID, "cancelled before dispatch", nil)}
		return
	}

	call := b.build(pc.req, pc.decision)
	res := b.exec.Run(ctx, call, pc.decision, pc.req.Request.Deadline)

	if pc.isCancelled() {
		pc.resultCh <- executor.Result{Err: reqtype.NewError(reqtype.ErrCancelled, pc.req.Request.ID, "cancelled while running", nil)}
		return
	}
	pc.resultCh <- res
}
