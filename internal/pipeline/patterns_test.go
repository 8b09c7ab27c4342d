package pipeline

import (
	"testing"
	"time"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// fakePatternStore keeps patterns in memory for learner tests
type fakePatternStore struct {
	patterns map[string]*domain.ErrorPattern
}

func newFakePatternStore() *fakePatternStore {
	return &fakePatternStore{patterns: make(map[string]*domain.ErrorPattern)}
}

func (f *fakePatternStore) GetErrorPattern(hash string) (*domain.ErrorPattern, error) {
	return f.patterns[hash], nil
}

func (f *fakePatternStore) UpsertErrorPattern(hash string, category domain.ErrorCategory, strategy string, success bool) error {
	p, ok := f.patterns[hash]
	if !ok {
		p = &domain.ErrorPattern{SignatureHash: hash, Category: category}
		f.patterns[hash] = p
	}
	if success {
		p.SuccessCount++
		p.FixStrategy = strategy
	} else {
		p.FailCount++
	}
	p.LastUsed = time.Now()
	return nil
}

func TestLearner_UnknownSignatureNoHint(t *testing.T) {
	learner := NewLearner(newFakePatternStore())

	hint, err := learner.Consult("undefined: Foo")
	if err != nil {
		t.Fatal(err)
	}
	if hint != "" {
		t.Errorf("hint = %q, want empty for unknown signature", hint)
	}
}

func TestLearner_HintAboveThreshold(t *testing.T) {
	store := newFakePatternStore()
	learner := NewLearner(store)
	output := "main.go:3:1: undefined: Foo"

	// Two successes, no failures: confidence 1.0.
	learner.Record(output, domain.CategoryUnresolvedExport, "add the missing export", true)
	learner.Record(output, domain.CategoryUnresolvedExport, "add the missing export", true)

	hint, err := learner.Consult(output)
	if err != nil {
		t.Fatal(err)
	}
	if hint != "add the missing export" {
		t.Errorf("hint = %q", hint)
	}
}

func TestLearner_NoHintBelowThreshold(t *testing.T) {
	store := newFakePatternStore()
	learner := NewLearner(store)
	output := "main.go:3:1: undefined: Foo"

	// One success, two failures: confidence 1/3 < 0.6.
	learner.Record(output, domain.CategoryUnresolvedExport, "a strategy", true)
	learner.Record(output, domain.CategoryUnresolvedExport, "a strategy", false)
	learner.Record(output, domain.CategoryUnresolvedExport, "a strategy", false)

	hint, err := learner.Consult(output)
	if err != nil {
		t.Fatal(err)
	}
	if hint != "" {
		t.Errorf("hint = %q, want empty below confidence threshold", hint)
	}
}

func TestLearner_SameDefectDifferentLinesSharesPattern(t *testing.T) {
	store := newFakePatternStore()
	learner := NewLearner(store)

	learner.Record("api.go:10:1: undefined: Hub", domain.CategoryUnresolvedExport, "define Hub", true)
	learner.Record("api.go:99:5: undefined: Hub", domain.CategoryUnresolvedExport, "define Hub", true)

	if len(store.patterns) != 1 {
		t.Errorf("pattern count = %d, want 1 (line numbers normalized away)", len(store.patterns))
	}
}
