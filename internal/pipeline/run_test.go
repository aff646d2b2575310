package pipeline

import (
	"cdpipeline/internal/apperrors"
	"errors"
	"testing"
)

func TestRun_StateMachine(t *testing.T) {
	p, err := New(validDefinition())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	run := NewRun(p, Trigger{Revision: "r"})

	if run.State() != RunNotStarted {
		t.Fatalf("expected NotStarted, got %s", run.State())
	}
	if _, err := run.finish(nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected Conflict finishing a run that never started, got %v", err)
	}
	if err := run.start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := run.start(); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected Conflict starting twice, got %v", err)
	}

	run.markPending("Stack", "a", "prepare")
	run.markPending("Stack", "b", "prepare")
	run.resolvePending("Stack", "b")

	cause := apperrors.ActionTimeout("build", 0)
	state, err := run.finish(cause)
	if err != nil || state != RunFailed {
		t.Fatalf("expected Failed, got %s (%v)", state, err)
	}
	if !state.Terminal() {
		t.Error("Failed must be terminal")
	}
	if _, err := run.finish(nil); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected Conflict leaving a terminal state, got %v", err)
	}

	orphans := run.Orphans()
	if len(orphans) != 1 || orphans[0].ChangeSetName != "a" || orphans[0].Reason != cause.Error() {
		t.Errorf("unexpected orphans %+v", orphans)
	}
	snap := run.Snapshot()
	if snap.ErrorKind != "ActionTimeout" || snap.FinishedAt == nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestRun_PendingAfterFinishIsOrphaned(t *testing.T) {
	p, err := New(validDefinition())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	run := NewRun(p, Trigger{Revision: "r"})
	if err := run.start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := run.finish(nil); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	run.markPending("Stack", "late", "prepare")

	orphans := run.Orphans()
	if len(orphans) != 1 || orphans[0].ChangeSetName != "late" || orphans[0].Reason != "prepared after the run finished" {
		t.Errorf("unexpected orphans %+v", orphans)
	}
}

func TestRun_SnapshotIsACopy(t *testing.T) {
	p, err := New(validDefinition())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	run := NewRun(p, Trigger{Revision: "r"})
	snap := run.Snapshot()
	snap.Stages[0].Actions[0].Result = ResultFailed
	if run.Snapshot().Stages[0].Actions[0].Result != ResultPending {
		t.Error("snapshot shares state with the run")
	}
}

func TestNewRun_UniqueIDs(t *testing.T) {
	p, err := New(validDefinition())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	seen := make(map[string]bool)
	for range 100 {
		id := NewRun(p, Trigger{}).ID()
		if seen[id] {
			t.Fatalf("duplicate run id %s", id)
		}
		seen[id] = true
	}
}
