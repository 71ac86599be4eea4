package degrade

import "testing"

func TestTransitions_SingleFailureAndRecovery(t *testing.T) {
	c := NewCoordinator()

	if got := c.StateOf(DependencyStore); got != Nominal {
		t.Fatalf("initial state = %s, want nominal", got)
	}

	c.MarkFailure(DependencyStore)
	if got := c.StateOf(DependencyStore); got != Degraded {
		t.Errorf("after one failure: %s, want degraded", got)
	}
	if !c.IsDegraded(DependencyStore) {
		t.Error("IsDegraded should report true")
	}

	c.MarkSuccess(DependencyStore)
	if got := c.StateOf(DependencyStore); got != Nominal {
		t.Errorf("after one success: %s, want nominal", got)
	}
}

func TestTransitions_DependenciesAreIndependent(t *testing.T) {
	c := NewCoordinator()
	c.MarkFailure(DependencyRisk)

	if c.StateOf(DependencyStore) != Nominal {
		t.Error("store state must not follow the risk dependency")
	}
	if c.StateOf(DependencyRisk) != Degraded {
		t.Error("risk dependency should be degraded")
	}
}

func TestTransitions_RecoverAfterThreshold(t *testing.T) {
	c := NewCoordinator(WithRecoverAfter(2))

	c.MarkFailure(DependencyRisk)
	c.MarkSuccess(DependencyRisk)
	if got := c.StateOf(DependencyRisk); got != Recovering {
		t.Errorf("after first success: %s, want recovering", got)
	}
	c.MarkSuccess(DependencyRisk)
	if got := c.StateOf(DependencyRisk); got != Nominal {
		t.Errorf("after second success: %s, want nominal", got)
	}

	// A failure mid-recovery resets the streak.
	c.MarkFailure(DependencyRisk)
	c.MarkSuccess(DependencyRisk)
	c.MarkFailure(DependencyRisk)
	c.MarkSuccess(DependencyRisk)
	if got := c.StateOf(DependencyRisk); got != Recovering {
		t.Errorf("streak should reset on failure, got %s", got)
	}
}

func TestMarkSuccess_NominalStaysNominal(t *testing.T) {
	c := NewCoordinator(WithRecoverAfter(3))
	c.MarkSuccess(DependencyStore)
	if got := c.StateOf(DependencyStore); got != Nominal {
		t.Errorf("success on nominal must not change state, got %s", got)
	}
}

func TestSnapshot(t *testing.T) {
	c := NewCoordinator()
	c.MarkFailure(DependencyRisk)
	c.Register("limiter", func() map[string]int64 {
		return map[string]int64{"writes.admitted": 7}
	})

	snap := c.Snapshot()
	if snap.Dependencies["store"] != "nominal" {
		t.Errorf("store = %q, want nominal", snap.Dependencies["store"])
	}
	if snap.Dependencies["risk"] != "degraded" {
		t.Errorf("risk = %q, want degraded", snap.Dependencies["risk"])
	}
	if snap.Stats["limiter"]["writes.admitted"] != 7 {
		t.Errorf("registered counters missing from snapshot: %+v", snap.Stats)
	}
}

func TestUnknownDependencyIsIgnored(t *testing.T) {
	c := NewCoordinator()
	c.MarkFailure(Dependency("nonsense"))
	c.MarkSuccess(Dependency("nonsense"))
	if got := c.StateOf(Dependency("nonsense")); got != Nominal {
		t.Errorf("unknown dependency state = %s, want nominal", got)
	}
}
