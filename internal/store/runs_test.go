package store

import (
	"testing"

	"github.com/google/uuid"
)

func TestNextQueuePlacement_NoActiveRunGoesStraightToQueued(t *testing.T) {
	status, pos := nextQueuePlacement(0, 3)
	if status != RunStatusQueued {
		t.Errorf("status = %v, want %v", status, RunStatusQueued)
	}
	if pos != nil {
		t.Errorf("queue position = %v, want nil", *pos)
	}
}

func TestNextQueuePlacement_ActiveRunGoesPendingAtTail(t *testing.T) {
	status, pos := nextQueuePlacement(1, 3)
	if status != RunStatusPending {
		t.Errorf("status = %v, want %v", status, RunStatusPending)
	}
	if pos == nil || *pos != 4 {
		t.Errorf("queue position = %v, want 4", pos)
	}
}

func TestNextQueuePlacement_EmptyQueueStartsAtOne(t *testing.T) {
	_, pos := nextQueuePlacement(1, 0)
	if pos == nil || *pos != 1 {
		t.Errorf("queue position = %v, want 1", pos)
	}
}

func TestSelectNextQueued_EmptyReturnsFalse(t *testing.T) {
	_, ok := selectNextQueued(nil)
	if ok {
		t.Fatal("expected ok = false for an empty candidate set")
	}
}

func TestSelectNextQueued_UserPriorityBeatsCascadeRegardlessOfPosition(t *testing.T) {
	cascade := queuedRunCandidate{ID: uuid.New(), Priority: PriorityCascade, QueuePosition: 1}
	user := queuedRunCandidate{ID: uuid.New(), Priority: PriorityUser, QueuePosition: 5}
	chosen, ok := selectNextQueued([]queuedRunCandidate{cascade, user})
	if !ok {
		t.Fatal("expected a candidate to be selected")
	}
	if chosen.ID != user.ID {
		t.Errorf("chosen = %v, want the user-priority run even though its queue position is later", chosen.ID)
	}
}

func TestSelectNextQueued_TiesBreakOnAscendingQueuePosition(t *testing.T) {
	first := queuedRunCandidate{ID: uuid.New(), Priority: PriorityCascade, QueuePosition: 2}
	second := queuedRunCandidate{ID: uuid.New(), Priority: PriorityCascade, QueuePosition: 7}
	chosen, ok := selectNextQueued([]queuedRunCandidate{second, first})
	if !ok {
		t.Fatal("expected a candidate to be selected")
	}
	if chosen.ID != first.ID {
		t.Errorf("chosen = %v, want the lowest queue_position %v", chosen.ID, first.ID)
	}
}

func TestSelectNextQueued_SingleCandidate(t *testing.T) {
	only := queuedRunCandidate{ID: uuid.New(), Priority: PriorityUser, QueuePosition: 1}
	chosen, ok := selectNextQueued([]queuedRunCandidate{only})
	if !ok || chosen.ID != only.ID {
		t.Errorf("chosen = %v, ok = %v, want %v, true", chosen.ID, ok, only.ID)
	}
}
