package runstore

import (
	"testing"

	"github.com/issuepilot/issuepilot/internal/domain"
)

func TestChildFlag_AtMostOnePerParent(t *testing.T) {
	store := newTestStore(t)

	flag, err := store.GetChildFlag("EPIC-1")
	if err != nil {
		t.Fatal(err)
	}
	if flag != nil {
		t.Fatal("flag present before creation")
	}

	if err := store.SetChildFlag("EPIC-1", 5, "w1"); err != nil {
		t.Fatal(err)
	}

	// A second writer must fail instead of overwriting.
	if err := store.SetChildFlag("EPIC-1", 7, "w2"); err == nil {
		t.Error("second SetChildFlag succeeded, want primary key conflict")
	}

	flag, err = store.GetChildFlag("EPIC-1")
	if err != nil {
		t.Fatal(err)
	}
	if flag == nil {
		t.Fatal("flag missing after creation")
	}
	if flag.ChildCount != 5 || flag.CreatedBy != "w1" {
		t.Errorf("flag = %+v, want count 5 by w1", flag)
	}
}

func TestFixAttempts_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("X-1", domain.PriorityNormal, "R", false)

	attempts := []*domain.FixAttempt{
		{RunID: id, IssueKey: "X-1", AttemptNum: 1, Model: "primary", Category: domain.CategoryTypeMismatch, Success: false, FilesTouched: []string{"a.go"}},
		{RunID: id, IssueKey: "X-1", AttemptNum: 2, Model: "secondary", Category: domain.CategoryTypeMismatch, Success: true, FilesTouched: []string{"a.go", "b.go"}},
	}
	for _, a := range attempts {
		if err := store.RecordFixAttempt(a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListFixAttempts(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("attempt count = %d, want 2", len(got))
	}
	if got[0].AttemptNum != 1 || got[1].AttemptNum != 2 {
		t.Error("attempts not ordered by attempt_num")
	}
	if got[1].Model != "secondary" || !got[1].Success {
		t.Errorf("attempt 2 = %+v, want successful secondary", got[1])
	}
	if len(got[1].FilesTouched) != 2 {
		t.Errorf("files touched = %v, want 2 entries", got[1].FilesTouched)
	}
}

func TestErrorPattern_CountersAndConfidence(t *testing.T) {
	store := newTestStore(t)

	hash := "abc123"
	if err := store.UpsertErrorPattern(hash, domain.CategoryMissingDep, "add import", true); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertErrorPattern(hash, domain.CategoryMissingDep, "other strategy", false); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertErrorPattern(hash, domain.CategoryMissingDep, "add import", true); err != nil {
		t.Fatal(err)
	}

	p, err := store.GetErrorPattern(hash)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("pattern missing")
	}
	if p.SuccessCount != 2 || p.FailCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", p.SuccessCount, p.FailCount)
	}
	if got := p.Confidence(); got < 0.66 || got > 0.67 {
		t.Errorf("confidence = %f, want 2/3", got)
	}
	// Failed upsert must not replace the stored strategy.
	if p.FixStrategy != "add import" {
		t.Errorf("strategy = %q, want \"add import\"", p.FixStrategy)
	}
}

func TestErrorPattern_UnknownSignature(t *testing.T) {
	store := newTestStore(t)

	p, err := store.GetErrorPattern("never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("pattern = %+v, want nil", p)
	}
}

func TestRollbackTag_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("X-1", domain.PriorityNormal, "R", false)

	tag := &domain.RollbackTag{
		Name:     "pre-autopilot-X-1-20240101",
		RunID:    id,
		IssueKey: "X-1",
		RepoKey:  "R",
		Target:   "abc1234",
	}
	if err := store.CreateRollbackTag(tag); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRollbackTag(id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("tag missing")
	}
	if got.Target != "abc1234" || got.IssueKey != "X-1" {
		t.Errorf("tag = %+v", got)
	}

	missing, err := store.GetRollbackTag("no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("tag returned for unknown run")
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	store.Enqueue("X-1", domain.PriorityNormal, "R", false)
	store.Enqueue("X-2", domain.PriorityUrgent, "S", false)
	claimed, err := store.ClaimNext("w1", 1)
	if err != nil {
		t.Fatal(err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.ByStatus[domain.RunQueued] != 1 || stats.ByStatus[domain.RunClaimed] != 1 {
		t.Errorf("by status = %v", stats.ByStatus)
	}
	if stats.ByPriority[domain.PriorityUrgent] != 1 {
		t.Errorf("by priority = %v", stats.ByPriority)
	}
	if stats.ByRepo["R"]+stats.ByRepo["S"] != 2 {
		t.Errorf("by repo = %v", stats.ByRepo)
	}
	// Only the claimed run counts as in flight, the queued one does not.
	if stats.InFlightByRepo["S"] != 1 || stats.InFlightByRepo["R"] != 0 {
		t.Errorf("in flight by repo = %v", stats.InFlightByRepo)
	}

	// Terminal runs drop out of the in-flight view but stay in ByRepo.
	if err := store.Finish(claimed.ID, "w1", domain.RunCompleted, ""); err != nil {
		t.Fatal(err)
	}
	stats, err = store.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.InFlightByRepo) != 0 {
		t.Errorf("in flight by repo = %v, want empty", stats.InFlightByRepo)
	}
	if stats.ByRepo["S"] != 1 {
		t.Errorf("by repo = %v, want S still counted", stats.ByRepo)
	}
}

func TestEvents_AppendOnlyOrdering(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("X-1", domain.PriorityNormal, "R", false)

	if err := store.AppendEvent(id, domain.LevelInfo, "first", map[string]string{"stage": "planning"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(id, domain.LevelError, "second", nil); err != nil {
		t.Fatal(err)
	}

	events, err := store.ListEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	if events[0].Message != "first" || events[1].Message != "second" {
		t.Error("events not in insertion order")
	}
	if events[0].Metadata["stage"] != "planning" {
		t.Errorf("metadata = %v", events[0].Metadata)
	}
	if events[1].Level != domain.LevelError {
		t.Errorf("level = %s, want error", events[1].Level)
	}
}
