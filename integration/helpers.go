//go:build integration

package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/issuepilot/issuepilot/internal/buildrun"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/genai"
	"github.com/issuepilot/issuepilot/internal/runstore"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// OpenStore opens a file-backed store that is closed with the test
func OpenStore(t *testing.T) *runstore.Store {
	t.Helper()
	store, err := runstore.New(TempDBPath(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// memTracker is an in-memory tracker collaborator
type memTracker struct {
	issues    map[string]*domain.Issue
	created   []domain.ChildSpec
	nextChild int
}

func newMemTracker() *memTracker {
	return &memTracker{issues: make(map[string]*domain.Issue)}
}

func (m *memTracker) Fetch(ctx context.Context, issueKey string) (*domain.Issue, error) {
	issue, ok := m.issues[issueKey]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueKey)
	}
	return issue, nil
}

func (m *memTracker) Transition(ctx context.Context, issueKey string, target domain.IssueState) error {
	if issue, ok := m.issues[issueKey]; ok {
		issue.State = target
	}
	return nil
}

func (m *memTracker) Assign(ctx context.Context, issueKey, actor string) error { return nil }

func (m *memTracker) Comment(ctx context.Context, issueKey, text string) error {
	if issue, ok := m.issues[issueKey]; ok {
		issue.Comments = append(issue.Comments, text)
	}
	return nil
}

func (m *memTracker) ListChildren(ctx context.Context, parentKey string) ([]string, error) {
	return nil, nil
}

func (m *memTracker) CreateChild(ctx context.Context, parentKey string, spec domain.ChildSpec) (string, error) {
	m.nextChild++
	m.created = append(m.created, spec)
	key := fmt.Sprintf("%s-%d", parentKey, m.nextChild)
	m.issues[key] = &domain.Issue{
		Key: key, Type: spec.Type,
		Summary: spec.Summary, Description: spec.Description,
		State: domain.StateBacklog, ParentKey: parentKey,
	}
	return key, nil
}

// memVCS is a vcs.Client whose working copy is a temp directory
type memVCS struct {
	dir       string
	committed []string
	tagged    []string
}

func (m *memVCS) Checkout(ctx context.Context, repoKey, ref string) (string, error) {
	return m.dir, nil
}
func (m *memVCS) Branch(ctx context.Context, repoKey, name string) error { return nil }
func (m *memVCS) CommitAndPush(ctx context.Context, repoKey, message string) error {
	m.committed = append(m.committed, message)
	return nil
}
func (m *memVCS) CreateOrUpdatePR(ctx context.Context, repoKey, title, body, base string) (string, error) {
	return "https://example.test/pr/1", nil
}
func (m *memVCS) Tag(ctx context.Context, repoKey, name, target string) error {
	m.tagged = append(m.tagged, name)
	return nil
}
func (m *memVCS) ResetTo(ctx context.Context, repoKey, ref string) error { return nil }
func (m *memVCS) Diff(ctx context.Context, repoKey string) (string, error) {
	return "", nil
}
func (m *memVCS) Head(ctx context.Context, repoKey string) (string, error) {
	return "deadbeef", nil
}
func (m *memVCS) WorkingDir(repoKey string) string { return m.dir }

// scriptedRunner returns canned build results in order
type scriptedRunner struct {
	results []*buildrun.Result
	calls   int
}

func (s *scriptedRunner) Run(ctx context.Context, dir, command string) (*buildrun.Result, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx], nil
}

// scriptedGen is a genai.Service returning canned candidates
type scriptedGen struct {
	name    string
	results []*genai.Result
	calls   int
}

func (s *scriptedGen) Name() string { return s.name }

func (s *scriptedGen) Generate(ctx context.Context, gc *genai.Context) (*genai.Result, genai.Usage, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx], genai.Usage{TokensInput: 50, TokensOutput: 100}, nil
}
