package server

import (
	"testing"
	"time"
)

func TestRegistryObserveAndPendingConfig(t *testing.T) {
	r := NewRegistry()

	// First observation registers and returns no config.
	if pending := r.Observe(RunnerInfo{RunnerID: "a", Status: RunnerActive}); pending != nil {
		t.Errorf("fresh runner got pending config %+v", pending)
	}

	drain := true
	if !r.SetPendingConfig("a", PendingConfig{Drain: &drain}) {
		t.Fatal("set pending config on known runner failed")
	}
	if r.SetPendingConfig("ghost", PendingConfig{Drain: &drain}) {
		t.Error("set pending config on unknown runner should fail")
	}
	if !r.HasPendingConfig("a") {
		t.Error("pending config should be visible")
	}

	// Delivered exactly once.
	pending := r.Observe(RunnerInfo{RunnerID: "a"})
	if pending == nil || pending.Drain == nil || !*pending.Drain {
		t.Fatalf("pending = %+v, want drain", pending)
	}
	if again := r.Observe(RunnerInfo{RunnerID: "a"}); again != nil {
		t.Error("pending config delivered twice")
	}
}

func TestRegistryStatusTracking(t *testing.T) {
	r := NewRegistry()
	r.Observe(RunnerInfo{RunnerID: "a", Status: RunnerActive})

	if status, ok := r.Status("a"); !ok || status != RunnerActive {
		t.Errorf("status = (%s, %v)", status, ok)
	}

	r.Observe(RunnerInfo{RunnerID: "a", Status: RunnerDrained})
	if status, _ := r.Status("a"); status != RunnerDrained {
		t.Errorf("status = %s, want drained", status)
	}

	if _, ok := r.Status("ghost"); ok {
		t.Error("unknown runner should not have a status")
	}
}

func TestRegistryDrainAll(t *testing.T) {
	r := NewRegistry()
	r.Observe(RunnerInfo{RunnerID: "a"})
	r.Observe(RunnerInfo{RunnerID: "b"})

	r.DrainAll()
	if !r.HasPendingConfig("a") || !r.HasPendingConfig("b") {
		t.Error("drain should queue on every runner")
	}
}

func TestRegistryAnyRunnerPrefersRecent(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.AnyRunner(); ok {
		t.Error("empty registry should have no runner")
	}

	r.Observe(RunnerInfo{RunnerID: "old"})
	time.Sleep(2 * time.Millisecond)
	r.Observe(RunnerInfo{RunnerID: "new"})

	if id, ok := r.AnyRunner(); !ok || id != "new" {
		t.Errorf("AnyRunner = (%s, %v), want most recent", id, ok)
	}
}

func TestRegistryTelemetryMerge(t *testing.T) {
	r := NewRegistry()
	r.Observe(RunnerInfo{RunnerID: "a", Backend: "claude", MaxConcurrent: 4, ActiveCount: 2})
	// A later sparse report keeps earlier telemetry.
	r.Observe(RunnerInfo{RunnerID: "a", ActiveCount: 1})

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("list = %d entries", len(list))
	}
	got := list[0]
	if got.Backend != "claude" || got.MaxConcurrent != 4 {
		t.Errorf("telemetry lost on sparse report: %+v", got)
	}
	if got.ActiveCount != 1 {
		t.Errorf("active count = %d, want refreshed 1", got.ActiveCount)
	}
}
