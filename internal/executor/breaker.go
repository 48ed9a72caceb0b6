package executor

import (
	"sync"
	"time"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// breaker is a single per-backendKey circuit breaker: Closed -> Open after
// failureThreshold consecutive failures, Open -> HalfOpen after cooldown,
// HalfOpen -> Closed on a successful probe or back to Open on failure.
type breaker struct {
	mu           sync.Mutex
	state        reqtype.CircuitState
	failureCount int
	lastTripped  time.Time

	threshold int
	cooldown  time.Duration
	clock     clock.Clock
}

func newBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *breaker {
	return &breaker{state: reqtype.CircuitClosed, threshold: threshold, cooldown: cooldown, clock: clk}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// when the cooldown has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case reqtype.CircuitClosed:
		return true
	case reqtype.CircuitOpen:
		if b.clock.Now().After(b.lastTripped.Add(b.cooldown)) {
			b.state = reqtype.CircuitHalfOpen
			return true
		}
		return false
	case reqtype.CircuitHalfOpen:
		return false // only one probe in flight at a time
	default:
		return false
	}
}

// RecordSuccess resets the failure counter and closes the breaker if a
// half-open probe succeeded.
func (b *breaker) RecordSuccess() (from, to reqtype.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	b.failureCount = 0
	if b.state == reqtype.CircuitHalfOpen {
		b.state = reqtype.CircuitClosed
	}
	return from, b.state
}

// RecordFailure increments the failure counter, tripping the breaker open
// once threshold is reached (or immediately, if the half-open probe failed).
func (b *breaker) RecordFailure() (from, to reqtype.CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	b.failureCount++
	switch b.state {
	case reqtype.CircuitClosed:
		if b.failureCount >= b.threshold {
			b.state = reqtype.CircuitOpen
			b.lastTripped = b.clock.Now()
		}
	case reqtype.CircuitHalfOpen:
		b.state = reqtype.CircuitOpen
		b.lastTripped = b.clock.Now()
	}
	return from, b.state
}

func (b *breaker) State() reqtype.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakerRegistry lazily creates one breaker per backendKey and publishes
// state-change events to the bus.
type breakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	bus       *events.Bus
}

func newBreakerRegistry(threshold int, cooldown time.Duration, clk clock.Clock, bus *events.Bus) *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*breaker), threshold: threshold, cooldown: cooldown, clock: clk, bus: bus}
}

func (r *breakerRegistry) get(backendKey string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[backendKey]
	if !ok {
		b = newBreaker(r.threshold, r.cooldown, r.clock)
		r.breakers[backendKey] = b
	}
	return b
}

func (r *breakerRegistry) allow(backendKey string) bool {
	return r.get(backendKey).Allow()
}

func (r *breakerRegistry) recordSuccess(backendKey string) {
	from, to := r.get(backendKey).RecordSuccess()
	r.publishTransition(backendKey, from, to)
}

func (r *breakerRegistry) recordFailure(backendKey string) {
	from, to := r.get(backendKey).RecordFailure()
	r.publishTransition(backendKey, from, to)
}

func (r *breakerRegistry) publishTransition(backendKey string, from, to reqtype.CircuitState) {
	if from == to || r.bus == nil {
		return
	}
	typ := events.BreakerClosed
	switch to {
	case reqtype.CircuitOpen:
		typ = events.BreakerOpen
	case reqtype.CircuitHalfOpen:
		typ = events.BreakerHalfOpen
	}
	r.bus.Publish(events.Event{Type: typ, BackendKey: backendKey, OldState: string(from), NewState: string(to)})
}

func (r *breakerRegistry) state(backendKey string) reqtype.CircuitState {
	return r.get(backendKey).State()
}
