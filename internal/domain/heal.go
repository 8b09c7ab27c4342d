package domain

import "time"

// ErrorCategory classifies a failed build/lint verification
type ErrorCategory string

const (
	CategoryUnresolvedExport ErrorCategory = "unresolved_export"
	CategoryTypeMismatch     ErrorCategory = "type_mismatch"
	CategoryMissingDep       ErrorCategory = "missing_dependency"
	CategorySyntax           ErrorCategory = "syntax"
	CategoryGeneric          ErrorCategory = "generic"
)

// FixAttempt records one self-heal attempt. Rows are append-only.
type FixAttempt struct {
	ID           int
	RunID        string
	IssueKey     string
	AttemptNum   int
	Model        string
	Category     ErrorCategory
	Success      bool
	FilesTouched []string
	CreatedAt    time.Time
}

// ErrorPattern maps a normalized error signature to a fix strategy with
// historical success counters.
type ErrorPattern struct {
	SignatureHash string
	Category      ErrorCategory
	FixStrategy   string
	SuccessCount  int
	FailCount     int
	LastUsed      time.Time
}

// Confidence returns the historical success rate of the pattern's strategy.
func (p *ErrorPattern) Confidence() float64 {
	total := p.SuccessCount + p.FailCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}
