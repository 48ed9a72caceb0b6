// Package clock gives the pipeline a single, virtualizable notion of time.
// No stage reads time.Now directly in a hot path (spec design note); every
// timer-driven flush, deadline check, and breaker cooldown goes through a
// Clock so tests can drive them deterministically.
package clock

import "time"

// Clock is the narrow time interface every pipeline stage depends on
// instead of the time package directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the pipeline needs, so a fake
// clock can hand back a controllable one.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// real is the production Clock backed by the time package.
type real struct{}

// Real is the process-wide production clock.
var Real Clock = real{}

func (real) Now() time.Time                         { return time.Now() }
func (real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (real) NewTimer(d time.Duration) Timer          { return &realTimer{t: time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
