package dag

import (
	"testing"

	"github.com/google/uuid"

	"github.com/butlerdotdev/butler-registry/internal/store"
)

// diamond returns a fixed diamond DAG A -> {B, C} -> D, and a dependents
// adjacency (moduleID -> direct dependents) mirroring DirectDependents.
func diamond() (a, b, c, d uuid.UUID, dependents map[uuid.UUID][]uuid.UUID) {
	a, b, c, d = uuid.New(), uuid.New(), uuid.New(), uuid.New()
	dependents = map[uuid.UUID][]uuid.UUID{
		a: {b, c},
		b: {d},
		c: {d},
		d: {},
	}
	return
}

// TestBFSClosure_Diamond confirms the closure over a diamond includes every
// node exactly once despite two paths reaching D (B->D and C->D) — the
// shared downstream node must not be double-counted or visited twice.
func TestBFSClosure_Diamond(t *testing.T) {
	a, b, c, d, dependents := diamond()

	closure, err := bfsClosure([]uuid.UUID{a}, func(id uuid.UUID) ([]uuid.UUID, error) {
		return dependents[id], nil
	})
	if err != nil {
		t.Fatalf("bfsClosure: %v", err)
	}

	for _, id := range []uuid.UUID{a, b, c, d} {
		if !closure[id] {
			t.Errorf("expected %s to be in the closure", id)
		}
	}
	if len(closure) != 4 {
		t.Errorf("expected closure of size 4, got %d", len(closure))
	}
}

// TestBFSClosure_ExcludingMiddleModuleClosesOverItsDependent confirms
// excluding B pulls in D too, since D depends on B.
func TestBFSClosure_ExcludingMiddleModuleClosesOverItsDependent(t *testing.T) {
	_, b, _, d, dependents := diamond()

	closure, err := bfsClosure([]uuid.UUID{b}, func(id uuid.UUID) ([]uuid.UUID, error) {
		return dependents[id], nil
	})
	if err != nil {
		t.Fatalf("bfsClosure: %v", err)
	}
	if !closure[b] || !closure[d] {
		t.Errorf("expected closure to contain both B and its dependent D, got %v", closure)
	}
	if len(closure) != 2 {
		t.Errorf("expected closure of size 2 (B, D), got %d", len(closure))
	}
}

func TestIsReady(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()

	// Upstream not part of this run at all: never blocks readiness.
	if !isReady([]uuid.UUID{u1}, map[uuid.UUID]bool{}, map[uuid.UUID]bool{}) {
		t.Error("module with an out-of-run upstream should be ready")
	}

	// Upstream part of the run but not yet succeeded: blocks readiness.
	partOfRun := map[uuid.UUID]bool{u1: true, u2: true}
	succeeded := map[uuid.UUID]bool{u1: true}
	if isReady([]uuid.UUID{u1, u2}, partOfRun, succeeded) {
		t.Error("module with an unsucceeded in-run upstream should not be ready")
	}

	// Every in-run upstream succeeded: ready.
	succeeded[u2] = true
	if !isReady([]uuid.UUID{u1, u2}, partOfRun, succeeded) {
		t.Error("module with every in-run upstream succeeded should be ready")
	}

	// No upstreams at all: always ready.
	if !isReady(nil, partOfRun, succeeded) {
		t.Error("module with no upstreams should be ready")
	}
}

// TestIsSatisfyingStatus_PlannedCountsForPlanAllRuns confirms a plan-all
// run's modules, which complete at `planned` and never reach `succeeded`,
// still satisfy their dependents' readiness check.
func TestIsSatisfyingStatus_PlannedCountsForPlanAllRuns(t *testing.T) {
	cases := []struct {
		status store.RunStatus
		want   bool
	}{
		{store.RunStatusSucceeded, true},
		{store.RunStatusPlanned, true},
		{store.RunStatusFailed, false},
		{store.RunStatusPending, false},
		{store.RunStatusQueued, false},
		{store.RunStatusApplying, false},
	}
	for _, c := range cases {
		if got := isSatisfyingStatus(c.status); got != c.want {
			t.Errorf("isSatisfyingStatus(%v) = %v, want %v", c.status, got, c.want)
		}
	}
}
