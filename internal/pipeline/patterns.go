package pipeline

import (
	"github.com/issuepilot/issuepilot/internal/domain"
)

// PatternStore is the durable side of the pattern learner
type PatternStore interface {
	GetErrorPattern(signatureHash string) (*domain.ErrorPattern, error)
	UpsertErrorPattern(signatureHash string, category domain.ErrorCategory, strategy string, success bool) error
}

// defaultConfidenceThreshold gates when a stored strategy is surfaced as a
// hint; below it the history is treated as noise.
const defaultConfidenceThreshold = 0.6

// Learner consults and updates the durable error-pattern store. Updates
// are additive counter increments keyed by a stable hash, so concurrent
// workers never conflict.
type Learner struct {
	store     PatternStore
	threshold float64
}

// NewLearner creates a Learner with the default confidence threshold
func NewLearner(store PatternStore) *Learner {
	return &Learner{store: store, threshold: defaultConfidenceThreshold}
}

// Consult returns a fix-strategy hint for the error output, or "" when the
// signature is unknown or its confidence is below the threshold.
func (l *Learner) Consult(output string) (hint string, err error) {
	pattern, err := l.store.GetErrorPattern(SignatureHash(output))
	if err != nil {
		return "", err
	}
	if pattern == nil || pattern.FixStrategy == "" {
		return "", nil
	}
	if pattern.Confidence() < l.threshold {
		return "", nil
	}
	return pattern.FixStrategy, nil
}

// Record stores the outcome of one attempt against the error's pattern.
// The strategy descriptor is the commit message of the applied fix; it is
// only persisted as the pattern's strategy when the attempt succeeded.
func (l *Learner) Record(output string, category domain.ErrorCategory, strategy string, success bool) error {
	return l.store.UpsertErrorPattern(SignatureHash(output), category, strategy, success)
}
