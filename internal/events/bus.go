// Package events is the in-process publish/subscribe bus every pipeline
// stage uses to announce lifecycle transitions, per spec §6's stable event
// names. Subscribers never block a publisher: a slow subscriber drops
// events rather than stall the pipeline.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of event, matching spec §6's stable event-name
// list verbatim.
type Type string

const (
	RequestPreprocessed Type = "request.preprocessed"
	RequestRejected     Type = "request.rejected"

	RoutingSuccess  Type = "routing.success"
	RoutingFallback Type = "routing.fallback"
	RoutingFailed   Type = "routing.failed"

	BatchFormed    Type = "batch.formed"
	BatchScheduled Type = "batch.scheduled"
	BatchCompleted Type = "batch.completed"
	BatchFailed    Type = "batch.failed"

	AttemptStarted   Type = "attempt.started"
	AttemptSucceeded Type = "attempt.succeeded"
	AttemptFailed    Type = "attempt.failed"

	BreakerOpen     Type = "breaker.open"
	BreakerHalfOpen Type = "breaker.halfOpen"
	BreakerClosed   Type = "breaker.closed"

	ResponseProcessed Type = "response.processed"
	ResponseCached    Type = "response.cached"
	ResponseDegraded  Type = "response.degraded"

	CacheHit  Type = "cache.hit"
	CacheMiss Type = "cache.miss"

	AgentHealthChanged Type = "agent.healthChanged"
)

// Event is a single lifecycle notification published on the Bus. Only the
// fields relevant to Type are populated; the rest are left zero.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	BackendKey string `json:"backend_key,omitempty"`

	Strategy   string  `json:"strategy,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	AttemptNum int     `json:"attempt_num,omitempty"`

	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`
}

// JSON renders e as a JSON byte slice, used by the debug SSE surface.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a buffered channel until Unsubscribe closes it.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory, non-blocking pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new Subscriber with the given channel buffer size
// (64 if bufSize <= 0).
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize), done: make(chan struct{})}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s from the bus and closes its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish fans e out to every current subscriber without blocking; a
// subscriber whose buffer is full simply misses the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
