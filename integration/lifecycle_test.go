//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/issuepilot/issuepilot/internal/buildrun"
	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/genai"
	"github.com/issuepilot/issuepilot/internal/notify"
	"github.com/issuepilot/issuepilot/internal/pipeline"
	"github.com/issuepilot/issuepilot/internal/worker"
)

func testCaps() *config.CapsHolder {
	return config.NewCapsHolder(config.CapsConfig{
		MaxChildrenPerParent: 50,
		MaxFixAttempts:       3,
		StaleTimeoutMinutes:  30,
		EscalateAfterAttempt: 2,
		MaxConcurrentPerRepo: 1,
	})
}

// TestFullLifecycle drives an epic through planning and a subtask through
// the execution pipeline with a build failure healed on the second try,
// using the real store, worker and pipeline.
func TestFullLifecycle(t *testing.T) {
	store := OpenStore(t)
	trk := newMemTracker()
	caps := testCaps()

	trk.issues["EPIC-1"] = &domain.Issue{
		Key: "EPIC-1", Type: domain.IssueEpic,
		Summary:     "Auth epic",
		Description: "## Stories\n\n- [ ] Login endpoint\n- [ ] Logout endpoint\n",
		State:       domain.StateSelectedForDev,
	}

	fv := &memVCS{dir: t.TempDir()}
	runner := &scriptedRunner{results: []*buildrun.Result{
		{ExitCode: 1, Stderr: "main.go:3:1: undefined: Handler"},
		{ExitCode: 0},
	}}
	candidate := &genai.Result{
		Files:         []genai.FileChange{{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}},
		CommitMessage: "add entrypoint",
	}
	selector := &genai.Selector{
		Primary:   &scriptedGen{name: "primary", results: []*genai.Result{candidate}},
		Secondary: &scriptedGen{name: "secondary", results: []*genai.Result{candidate}},
		Policy:    genai.EscalateAfter(2),
	}
	pl := pipeline.New(store, fv, runner, selector, pipeline.NewLearner(store), caps,
		"make build", "", "it-worker")
	w := worker.New("it-worker", store, trk, pl, notify.NoopNotifier{}, caps, time.Second)

	// Stage 1: the epic run plans its stories.
	if _, err := store.Enqueue("EPIC-1", domain.PriorityNormal, "", false); err != nil {
		t.Fatal(err)
	}
	if err := w.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(trk.created) != 2 {
		t.Fatalf("stories created = %d, want 2", len(trk.created))
	}
	if trk.issues["EPIC-1"].State != domain.StateInProgress {
		t.Errorf("epic state = %s, want in_progress", trk.issues["EPIC-1"].State)
	}

	// Stage 2: a subtask run heals a failing build and hands off to review.
	trk.issues["SUB-1"] = &domain.Issue{
		Key: "SUB-1", Type: domain.IssueSubtask,
		Summary: "wire up main.go", State: domain.StateSelectedForDev,
	}
	id, err := store.Enqueue("SUB-1", domain.PriorityHigh, "org/app", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	run, err := store.GetRun(id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}
	if run.Metrics.FixAttempts != 1 {
		t.Errorf("fix attempts = %d, want 1", run.Metrics.FixAttempts)
	}
	if trk.issues["SUB-1"].State != domain.StateInTesting {
		t.Errorf("subtask state = %s, want in_testing", trk.issues["SUB-1"].State)
	}
	if len(fv.committed) != 1 || len(fv.tagged) != 1 {
		t.Errorf("commits = %v, tags = %v, want one each", fv.committed, fv.tagged)
	}

	attempts, err := store.ListFixAttempts(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || !attempts[0].Success {
		t.Errorf("attempts = %+v, want one successful", attempts)
	}

	tag, err := store.GetRollbackTag(id)
	if err != nil {
		t.Fatal(err)
	}
	if tag == nil || tag.Target != "deadbeef" {
		t.Errorf("rollback tag = %+v", tag)
	}

	// The learner remembered the healed error signature.
	events, err := store.ListEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Error("run finished without audit events")
	}
}

// TestDuplicateWebhookDelivery simulates the tracker delivering the same
// planning trigger twice.
func TestDuplicateWebhookDelivery(t *testing.T) {
	store := OpenStore(t)
	trk := newMemTracker()
	caps := testCaps()
	trk.issues["EPIC-9"] = &domain.Issue{
		Key: "EPIC-9", Type: domain.IssueEpic,
		Description: "## Stories\n\n- [ ] one\n- [ ] two\n",
		State:       domain.StateSelectedForDev,
	}
	w := worker.New("it-worker", store, trk, nil, notify.NoopNotifier{}, caps, time.Second)

	id1, err := store.Enqueue("EPIC-9", domain.PriorityNormal, "", false)
	if err != nil {
		t.Fatal(err)
	}

	// Second delivery while the first run is still queued is a no-op.
	id2, err := store.Enqueue("EPIC-9", domain.PriorityNormal, "", false)
	if id2 != id1 {
		t.Errorf("duplicate enqueue returned %s, want existing %s", id2, id1)
	}

	if err := w.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Third delivery after the run finished: the child flag still guards.
	trk.issues["EPIC-9"].State = domain.StateSelectedForDev
	if _, err := store.Enqueue("EPIC-9", domain.PriorityNormal, "", true); err != nil {
		t.Fatal(err)
	}
	if err := w.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(trk.created) != 2 {
		t.Errorf("children = %d, want exactly one set of 2", len(trk.created))
	}
}
