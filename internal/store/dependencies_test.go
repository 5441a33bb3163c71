package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestKahnSort_LinearChain(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	// c depends on b, b depends on a: a must come first.
	edges := []ModuleDependency{
		{ModuleID: b, DependsOnID: a},
		{ModuleID: c, DependsOnID: b},
	}
	order, remaining := kahnSort([]uuid.UUID{a, b, c}, edges)
	if remaining != nil {
		t.Fatalf("unexpected cycle detected: %v", remaining)
	}
	want := []uuid.UUID{a, b, c}
	if !sameOrder(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestKahnSort_DeterministicAmongIndependentNodes(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	order1, _ := kahnSort(ids, nil)
	order2, _ := kahnSort(ids, nil)
	if !sameOrder(order1, order2) {
		t.Fatalf("repeated sorts of the same independent node set must agree: %v vs %v", order1, order2)
	}
	sorted := append([]uuid.UUID(nil), ids...)
	sortUUIDs(sorted)
	if !sameOrder(order1, sorted) {
		t.Errorf("independent nodes should emit in ascending-id order, got %v, want %v", order1, sorted)
	}
}

func TestKahnSort_RejectsCycle(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	edges := []ModuleDependency{
		{ModuleID: a, DependsOnID: b},
		{ModuleID: b, DependsOnID: a},
	}
	order, remaining := kahnSort([]uuid.UUID{a, b}, edges)
	if order != nil {
		t.Fatalf("expected no order for a cyclic graph, got %v", order)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected both nodes stuck in the cycle, got %v", remaining)
	}
}

func TestKahnSort_PartialCycleStillFlagsOnlyStuckNodes(t *testing.T) {
	root, a, b := uuid.New(), uuid.New(), uuid.New()
	// root has no dependencies and resolves cleanly; a and b depend on each
	// other and never resolve.
	edges := []ModuleDependency{
		{ModuleID: a, DependsOnID: b},
		{ModuleID: b, DependsOnID: a},
	}
	order, remaining := kahnSort([]uuid.UUID{root, a, b}, edges)
	if order != nil {
		t.Fatalf("expected the whole sort to fail when any node is stuck, got %v", order)
	}
	if len(remaining) != 2 || !containsUUID(remaining, a) || !containsUUID(remaining, b) {
		t.Errorf("remaining = %v, want exactly [%v %v]", remaining, a, b)
	}
}

func sameOrder(got, want []uuid.UUID) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func sortUUIDs(ids []uuid.UUID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].String() < ids[j-1].String(); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func containsUUID(haystack []uuid.UUID, needle uuid.UUID) bool {
	for _, id := range haystack {
		if id == needle {
			return true
		}
	}
	return false
}
