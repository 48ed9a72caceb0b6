package executor

import (
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

func TestBreaker_tripsAfterThreshold(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker(3, time.Second, fake)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	if b.State() != reqtype.CircuitClosed {
		t.Fatalf("expected still closed before threshold, got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != reqtype.CircuitOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
	if b.Allow() {
		t.Fatalf("open breaker should not allow before cooldown")
	}
}

func TestBreaker_halfOpenAfterCooldownThenCloses(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	b := newBreaker(1, time.Second, fake)
	b.RecordFailure()
	if b.State() != reqtype.CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	fake.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected Allow() to admit a probe after cooldown")
	}
	if b.State() != reqtype.CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown probe, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != reqtype.CircuitClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}
