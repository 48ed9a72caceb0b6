package batcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/executor"
	"github.com/jordanhubbard/routingcore/internal/provider"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// fakeRunner records every call it receives and hands back a scripted or
// default result, standing in for the Executor.
type fakeRunner struct {
	mu    sync.Mutex
	calls []provider.PreparedCall
	delay time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, call provider.PreparedCall, decision reqtype.RoutingDecision, deadline time.Time) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return executor.Result{AgentID: decision.Selected.ID, Raw: provider.RawResult{Content: "ok:" + call.RequestID}}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testBuilder(req reqtype.PreprocessedRequest, decision reqtype.RoutingDecision) provider.PreparedCall {
	return provider.PreparedCall{RequestID: req.Request.ID, Content: req.Request.Content}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBatchSize = 3
	cfg.MaxBatchSize = 5
	cfg.BaseMaxWaitTime = 2 * time.Second
	cfg.ConcurrencyLimit = 10
	cfg.HighWater = 1000
	return cfg
}

func preprocessed(tenant string, priority reqtype.Priority, resolved int, submittedAt time.Time, params map[string]any) reqtype.PreprocessedRequest {
	req := reqtype.NewRequest(tenant, reqtype.TypeChat, "hello")
	req.Priority = priority
	req.SubmittedAt = submittedAt
	if params != nil {
		req.Parameters = params
	}
	return reqtype.PreprocessedRequest{Request: req, ValidationPassed: true, ResolvedPriority: resolved}
}

func decisionFor(req reqtype.PreprocessedRequest, agentID string) reqtype.RoutingDecision {
	return reqtype.RoutingDecision{
		RequestID: req.Request.ID,
		Selected:  reqtype.Agent{ID: agentID},
		CreatedAt: req.Request.SubmittedAt,
	}
}

func TestSubmit_urgentBypassesBatching(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	req := preprocessed("t1", reqtype.PriorityUrgent, 10, fake.Now(), nil)
	ch := b.Submit(context.Background(), req, decisionFor(req, "agent-a"))

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected urgent request to dispatch without waiting on a timer")
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected 1 call, got %d", runner.callCount())
	}
}

func TestSubmit_backendCompatibilityGroupsIntoOneBatch(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	var chans []<-chan executor.Result
	for i := 0; i < 3; i++ {
		req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
		chans = append(chans, b.Submit(context.Background(), req, decisionFor(req, "agent-shared")))
	}

	// minBatchSize reached -> still waiting on the timer until it elapses,
	// since only maxBatchSize or an urgent arrival schedule early.
	if runner.callCount() != 0 {
		t.Fatalf("expected no dispatch before wait elapses, got %d calls", runner.callCount())
	}

	fake.Advance(2 * time.Second)

	for _, ch := range chans {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for batched result")
		}
	}
	if runner.callCount() != 3 {
		t.Fatalf("expected 3 calls once the batch flushed, got %d", runner.callCount())
	}
}

func TestSubmit_maxBatchSizeSchedulesImmediately(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	cfg := testConfig()
	cfg.MaxBatchSize = 3
	b := New(cfg, fake, nil, runner, testBuilder)

	var chans []<-chan executor.Result
	for i := 0; i < 3; i++ {
		req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
		chans = append(chans, b.Submit(context.Background(), req, decisionFor(req, "agent-shared")))
	}

	for _, ch := range chans {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("expected maxBatchSize to trigger immediate dispatch without advancing the clock")
		}
	}
}

func TestSubmit_belowMinBatchSizeDispatchesIndividually(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
	ch := b.Submit(context.Background(), req, decisionFor(req, "agent-only"))

	fake.Advance(2 * time.Second)

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected single member below minBatchSize to dispatch solo on wait elapse")
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected 1 call, got %d", runner.callCount())
	}
}

func TestSubmit_similarityGroupsByParameterOverlap(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	params := map[string]any{"temperature": 0.7, "top_p": 0.9, "max_tokens": 256}
	var chans []<-chan executor.Result
	for i := 0; i < 3; i++ {
		req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), params)
		chans = append(chans, b.Submit(context.Background(), req, decisionFor(req, "agent-"+string(rune('a'+i)))))
	}

	fake.Advance(2 * time.Second)

	for _, ch := range chans {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for similarity-grouped batch")
		}
	}
	if runner.callCount() != 3 {
		t.Fatalf("expected all 3 similarity-matched members to join one batch, got %d calls", runner.callCount())
	}
}

func TestCancel_removesMemberWhileForming(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
	ch := b.Submit(context.Background(), req, decisionFor(req, "agent-only"))

	if !b.Cancel(req.Request.ID) {
		t.Fatal("expected Cancel to succeed on a forming member")
	}

	select {
	case res := <-ch:
		if res.Err == nil {
			t.Fatal("expected a Cancelled error")
		}
		if !reqtype.IsKind(res.Err, reqtype.ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate Cancelled result")
	}

	fake.Advance(2 * time.Second)
	if runner.callCount() != 0 {
		t.Fatalf("expected the cancelled member never to dispatch, got %d calls", runner.callCount())
	}
}

func TestCancel_discardsResultWhileRunning(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{delay: 200 * time.Millisecond}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	req := preprocessed("t1", reqtype.PriorityUrgent, 10, fake.Now(), nil)
	ch := b.Submit(context.Background(), req, decisionFor(req, "agent-only"))

	// Give the dispatch goroutine a moment to actually start running before
	// cancelling, so this exercises the mid-flight discard path rather than
	// the pre-dispatch one.
	time.Sleep(20 * time.Millisecond)
	b.Cancel(req.Request.ID)

	select {
	case res := <-ch:
		if !reqtype.IsKind(res.Err, reqtype.ErrCancelled) {
			t.Fatalf("expected the running member's result to be discarded in favor of Cancelled, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled-while-running result")
	}
}

func TestInFlight_tracksPendingMembers(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(testConfig(), fake, nil, runner, testBuilder)

	req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
	ch := b.Submit(context.Background(), req, decisionFor(req, "agent-only"))

	if b.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight request, got %d", b.InFlight())
	}

	fake.Advance(2 * time.Second)
	<-ch

	deadline := time.Now().Add(time.Second)
	for b.InFlight() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.InFlight() != 0 {
		t.Fatalf("expected InFlight to drain to 0 after delivery, got %d", b.InFlight())
	}
}

func TestSubmit_publishesBatchLifecycleEvents(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	runner := &fakeRunner{}
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	b := New(testConfig(), fake, bus, runner, testBuilder)

	for i := 0; i < 3; i++ {
		req := preprocessed("t1", reqtype.PriorityMedium, 5, fake.Now(), nil)
		b.Submit(context.Background(), req, decisionFor(req, "agent-shared"))
	}
	fake.Advance(2 * time.Second)

	seen := map[events.Type]bool{}
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case e := <-sub.C:
			seen[e.Type] = true
			if seen[events.BatchFormed] && seen[events.BatchScheduled] && seen[events.BatchCompleted] {
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	if !seen[events.BatchFormed] {
		t.Error("expected a BatchFormed event")
	}
	if !seen[events.BatchScheduled] {
		t.Error("expected a BatchScheduled event")
	}
	if !seen[events.BatchCompleted] {
		t.Error("expected a BatchCompleted event")
	}
}
