package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/issuepilot/issuepilot/internal/buildrun"
	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/genai"
)

// fakeStore records pipeline writes in memory
type fakeStore struct {
	events     []string
	attempts   []*domain.FixAttempt
	tags       []*domain.RollbackTag
	holdsClaim bool
}

func (f *fakeStore) AppendEvent(runID, level, message string, metadata map[string]string) error {
	f.events = append(f.events, message)
	return nil
}
func (f *fakeStore) RecordFixAttempt(a *domain.FixAttempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}
func (f *fakeStore) CreateRollbackTag(tag *domain.RollbackTag) error {
	f.tags = append(f.tags, tag)
	return nil
}
func (f *fakeStore) HoldsClaim(id, workerID string) (bool, error) {
	return f.holdsClaim, nil
}

// fakeVCS tracks call order so tests can assert tag-before-commit
type fakeVCS struct {
	dir       string
	sequence  []string
	committed bool
}

func (f *fakeVCS) Checkout(ctx context.Context, repoKey, ref string) (string, error) {
	f.sequence = append(f.sequence, "checkout")
	return f.dir, nil
}
func (f *fakeVCS) Branch(ctx context.Context, repoKey, name string) error {
	f.sequence = append(f.sequence, "branch")
	return nil
}
func (f *fakeVCS) CommitAndPush(ctx context.Context, repoKey, message string) error {
	f.sequence = append(f.sequence, "commit")
	f.committed = true
	return nil
}
func (f *fakeVCS) CreateOrUpdatePR(ctx context.Context, repoKey, title, body, base string) (string, error) {
	f.sequence = append(f.sequence, "pr")
	return "https://example.test/pr/1", nil
}
func (f *fakeVCS) Tag(ctx context.Context, repoKey, name, target string) error {
	f.sequence = append(f.sequence, "tag")
	return nil
}
func (f *fakeVCS) ResetTo(ctx context.Context, repoKey, ref string) error { return nil }
func (f *fakeVCS) Diff(ctx context.Context, repoKey string) (string, error) {
	return "", nil
}
func (f *fakeVCS) Head(ctx context.Context, repoKey string) (string, error) {
	return "abc1234", nil
}
func (f *fakeVCS) WorkingDir(repoKey string) string { return f.dir }

// fakeRunner returns scripted verification results in order, repeating the
// last one when the script runs out.
type fakeRunner struct {
	results []*buildrun.Result
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string) (*buildrun.Result, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

// fakeGen returns scripted candidates and counts calls
type fakeGen struct {
	name    string
	results []*genai.Result
	calls   int
}

func (f *fakeGen) Name() string { return f.name }
func (f *fakeGen) Generate(ctx context.Context, gc *genai.Context) (*genai.Result, genai.Usage, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], genai.Usage{TokensInput: 10, TokensOutput: 20}, nil
}

func goodCandidate() *genai.Result {
	return &genai.Result{
		Files:         []genai.FileChange{{Path: "main.go", Content: "package main\n\nfunc main() {}\n"}},
		CommitMessage: "implement the task",
	}
}

var passResult = &buildrun.Result{ExitCode: 0}
var failResult = &buildrun.Result{ExitCode: 1, Stderr: "main.go:1:1: undefined: Foo"}

type testEnv struct {
	store  *fakeStore
	vcs    *fakeVCS
	runner *fakeRunner
	prim   *fakeGen
	sec    *fakeGen
	pl     *Pipeline
}

func newTestEnv(t *testing.T, runner *fakeRunner, prim, sec *fakeGen) *testEnv {
	t.Helper()
	store := &fakeStore{holdsClaim: true}
	fv := &fakeVCS{dir: t.TempDir()}
	caps := config.NewCapsHolder(config.CapsConfig{
		MaxChildrenPerParent: 50,
		MaxFixAttempts:       3,
		StaleTimeoutMinutes:  30,
		EscalateAfterAttempt: 2,
		MaxConcurrentPerRepo: 1,
	})
	selector := &genai.Selector{Primary: prim, Secondary: sec, Policy: genai.EscalateAfter(2)}
	pl := New(store, fv, runner, selector, NewLearner(newFakePatternStore()), caps,
		"make build", "", "worker-1")
	pl.backoff = testBackoff
	return &testEnv{store: store, vcs: fv, runner: runner, prim: prim, sec: sec, pl: pl}
}

func testRun() *domain.Run {
	return &domain.Run{ID: "run-1", IssueKey: "X-1", RepoKey: "org/app", Status: domain.RunRunning}
}

func testIssue() *domain.Issue {
	return &domain.Issue{
		Key:         "X-1",
		Type:        domain.IssueSubtask,
		Summary:     "wire up main.go entrypoint",
		Description: "add a main function in main.go",
		State:       domain.StateInProgress,
	}
}

func TestExecute_SuccessFirstTry(t *testing.T) {
	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{passResult}},
		&fakeGen{name: "primary", results: []*genai.Result{goodCandidate()}},
		&fakeGen{name: "secondary", results: []*genai.Result{goodCandidate()}})

	outcome, err := env.pl.Execute(context.Background(), testRun(), testIssue(), "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", outcome.Status)
	}
	if outcome.PRURL == "" {
		t.Error("PR URL missing")
	}
	if len(env.store.attempts) != 0 {
		t.Errorf("fix attempts = %d, want 0 on first-try success", len(env.store.attempts))
	}
	if len(env.store.tags) != 1 {
		t.Fatalf("rollback tags = %d, want 1", len(env.store.tags))
	}
	if env.store.tags[0].Target != "abc1234" {
		t.Errorf("tag target = %s, want pre-change head", env.store.tags[0].Target)
	}

	// The rollback tag must be created before the commit.
	seq := strings.Join(env.vcs.sequence, ",")
	if !strings.Contains(seq, "tag,commit") {
		t.Errorf("sequence = %s, want tag before commit", seq)
	}

	// The generated file was applied to the working copy.
	if _, err := os.Stat(filepath.Join(env.vcs.dir, "main.go")); err != nil {
		t.Error("generated file not applied")
	}
}

func TestExecute_SelfHealTermination(t *testing.T) {
	// Verification never passes: exactly MaxFixAttempts fix attempts are
	// recorded, then the run fails.
	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{failResult}},
		&fakeGen{name: "primary", results: []*genai.Result{goodCandidate()}},
		&fakeGen{name: "secondary", results: []*genai.Result{goodCandidate()}})

	outcome, err := env.pl.Execute(context.Background(), testRun(), testIssue(), "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if len(env.store.attempts) != 3 {
		t.Fatalf("fix attempts = %d, want exactly 3", len(env.store.attempts))
	}
	for i, a := range env.store.attempts {
		if a.AttemptNum != i+1 {
			t.Errorf("attempt %d has number %d", i, a.AttemptNum)
		}
		if a.Success {
			t.Errorf("attempt %d marked successful", i)
		}
	}
	if env.vcs.committed {
		t.Error("failed run committed")
	}
}

func TestExecute_ModelEscalation(t *testing.T) {
	// Policy escalates after attempt 2: the final fix attempt must come
	// from the secondary service.
	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{failResult}},
		&fakeGen{name: "primary", results: []*genai.Result{goodCandidate()}},
		&fakeGen{name: "secondary", results: []*genai.Result{goodCandidate()}})

	if _, err := env.pl.Execute(context.Background(), testRun(), testIssue(), ""); err != nil {
		t.Fatal(err)
	}

	// Primary: initial generation + heal attempts 1 and 2. Secondary: heal attempt 3.
	if env.prim.calls != 3 {
		t.Errorf("primary calls = %d, want 3", env.prim.calls)
	}
	if env.sec.calls != 1 {
		t.Errorf("secondary calls = %d, want 1", env.sec.calls)
	}
	if got := env.store.attempts[2].Model; got != "secondary" {
		t.Errorf("final attempt model = %s, want secondary", got)
	}
}

func TestExecute_SelfHealRecovers(t *testing.T) {
	// First verification fails, the fix passes reverification.
	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{failResult, passResult}},
		&fakeGen{name: "primary", results: []*genai.Result{goodCandidate()}},
		&fakeGen{name: "secondary", results: []*genai.Result{goodCandidate()}})

	outcome, err := env.pl.Execute(context.Background(), testRun(), testIssue(), "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.RunCompleted {
		t.Fatalf("status = %s, want completed", outcome.Status)
	}
	if len(env.store.attempts) != 1 {
		t.Fatalf("fix attempts = %d, want 1", len(env.store.attempts))
	}
	if !env.store.attempts[0].Success {
		t.Error("recovering attempt not marked successful")
	}
	if !env.vcs.committed {
		t.Error("successful run did not commit")
	}
}

func TestExecute_RegressionNeverCommits(t *testing.T) {
	// Seed the working copy with a file whose export the candidate removes.
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "api"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "api", "server.go"), []byte(oldFile), 0644); err != nil {
		t.Fatal(err)
	}

	regressive := &genai.Result{
		Files:         []genai.FileChange{{Path: "api/server.go", Content: "package api\n\ntype Server struct{}\n"}},
		CommitMessage: "simplify server",
	}

	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{failResult}},
		&fakeGen{name: "primary", results: []*genai.Result{regressive}},
		&fakeGen{name: "secondary", results: []*genai.Result{regressive}})
	env.vcs.dir = dir

	issue := testIssue()
	issue.Summary = "improve api/server.go"
	issue.Description = "refactor the handler wiring in api/server.go"

	outcome, err := env.pl.Execute(context.Background(), testRun(), issue, "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.RunFailed {
		t.Fatalf("status = %s, want failed after repeated rejection", outcome.Status)
	}
	if env.vcs.committed {
		t.Error("regressive candidate reached committing")
	}
	if env.runner.calls != 0 {
		t.Errorf("verification ran %d times, want 0 (candidate never applied)", env.runner.calls)
	}
	if len(env.store.attempts) != 3 {
		t.Errorf("fix attempts = %d, want 3 (each rejection consumes one)", len(env.store.attempts))
	}
}

func TestExecute_QuestionsHaltGeneration(t *testing.T) {
	asking := &genai.Result{Questions: []string{"Which auth scheme should the endpoint use?"}}

	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{passResult}},
		&fakeGen{name: "primary", results: []*genai.Result{asking}},
		&fakeGen{name: "secondary", results: []*genai.Result{asking}})

	outcome, err := env.pl.Execute(context.Background(), testRun(), testIssue(), "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != domain.RunBlocked {
		t.Fatalf("status = %s, want blocked", outcome.Status)
	}
	if len(outcome.Questions) != 1 {
		t.Errorf("questions = %v", outcome.Questions)
	}
	if env.runner.calls != 0 {
		t.Error("verification ran despite open questions")
	}
	if env.vcs.committed {
		t.Error("blocked run committed")
	}
}

func TestExecute_ClaimLostBeforeCommit(t *testing.T) {
	env := newTestEnv(t,
		&fakeRunner{results: []*buildrun.Result{passResult}},
		&fakeGen{name: "primary", results: []*genai.Result{goodCandidate()}},
		&fakeGen{name: "secondary", results: []*genai.Result{goodCandidate()}})
	env.store.holdsClaim = false

	_, err := env.pl.Execute(context.Background(), testRun(), testIssue(), "")
	if !errors.Is(err, domain.ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
	if env.vcs.committed {
		t.Error("reclaimed worker still committed")
	}
}
