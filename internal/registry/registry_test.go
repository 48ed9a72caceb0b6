package registry

import (
	"testing"
	"time"

	"github.com/jordanhubbard/routingcore/internal/clock"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

func testAgent(id string, caps ...string) reqtype.Agent {
	capMap := make(map[string]reqtype.Capability, len(caps))
	for _, c := range caps {
		capMap[c] = reqtype.Capability{Name: c, Proficiency: 1}
	}
	return reqtype.Agent{ID: id, Kind: reqtype.KindProvider, Capabilities: capMap, QualityScore: 0.8}
}

func TestByCapabilities_excludesOffline(t *testing.T) {
	r := New(DefaultHealthConfig(), clock.Real, nil)
	r.Register(testAgent("a1", "code"))
	offline := testAgent("a2", "code")
	offline.HealthState = reqtype.HealthOffline
	r.Register(offline)

	got := r.ByCapabilities(map[string]bool{"code": true})
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("expected only a1, got %+v", got)
	}
}

func TestByCapabilities_missingCapabilityExcluded(t *testing.T) {
	r := New(DefaultHealthConfig(), clock.Real, nil)
	r.Register(testAgent("a1", "code"))

	got := r.ByCapabilities(map[string]bool{"vision": true})
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}

func TestRecordError_demotesThroughStates(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultHealthConfig()
	r := New(cfg, fake, nil)
	r.Register(testAgent("a1"))

	for i := 0; i < cfg.ConsecErrorsForDegraded; i++ {
		r.RecordError("a1")
	}
	a, _ := r.Get("a1")
	if a.HealthState != reqtype.HealthDegraded {
		t.Fatalf("expected degraded, got %s", a.HealthState)
	}

	for i := 0; i < cfg.ConsecErrorsForUnhealthy-cfg.ConsecErrorsForDegraded; i++ {
		r.RecordError("a1")
	}
	a, _ = r.Get("a1")
	if a.HealthState != reqtype.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", a.HealthState)
	}
	if r.IsAvailable("a1") {
		t.Fatalf("unhealthy agent within cooldown should not be available")
	}
}

func TestSetOffline_neverReturnedEvenAfterRecordSuccess(t *testing.T) {
	r := New(DefaultHealthConfig(), clock.Real, nil)
	r.Register(testAgent("a1", "code"))
	r.SetOffline("a1", true)
	r.RecordSuccess("a1", 10)

	got := r.ByCapabilities(map[string]bool{"code": true})
	if len(got) != 0 {
		t.Fatalf("offline agent must never be selectable, got %+v", got)
	}
}

func TestRecordSuccess_recoversAfterDegradedDwell(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultHealthConfig()
	r := New(cfg, fake, nil)
	r.Register(testAgent("a1"))

	for i := 0; i < cfg.ConsecErrorsForDegraded; i++ {
		r.RecordError("a1")
	}
	fake.Advance(cfg.DegradedDwell + time.Second)
	r.RecordSuccess("a1", 5)

	a, _ := r.Get("a1")
	if a.HealthState != reqtype.HealthHealthy {
		t.Fatalf("expected recovery to healthy, got %s", a.HealthState)
	}
}
