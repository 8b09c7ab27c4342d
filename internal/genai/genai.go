// Package genai is the generation-service collaborator: a small closed set
// of model providers behind one interface, selected per attempt by an
// explicit escalation policy.
package genai

import (
	"context"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/tiktoken-go/tokenizer"
)

// FileChange is one generated file
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Result is a parsed generation response. A non-empty Questions list means
// the model declined to guess; the pipeline must halt and surface them.
type Result struct {
	Files         []FileChange `json:"files"`
	CommitMessage string       `json:"commit_message"`
	Questions     []string     `json:"questions,omitempty"`
}

// Usage reports token consumption for run metrics
type Usage struct {
	TokensInput  int
	TokensOutput int
}

// AttemptSummary is one prior attempt, fed back so the model does not
// repeat a failed strategy.
type AttemptSummary struct {
	AttemptNum int
	Model      string
	Category   domain.ErrorCategory
	Rejected   bool // rejected by validation before apply
	Detail     string
}

// Context carries everything a generation call may use
type Context struct {
	IssueKey      string
	TaskSummary   string
	TaskBody      string
	ErrorOutput   string
	ErrorCategory domain.ErrorCategory
	StrategyHint  string
	Files         map[string]string // path -> current content
	History       []AttemptSummary
	PrimaryFailed bool // set when escalated: tells the secondary to take an independent approach
	HumanFeedback string
}

// Service generates a candidate change set
type Service interface {
	Name() string
	Generate(ctx context.Context, gc *Context) (*Result, Usage, error)
}

// Tier identifies which provider an attempt should use
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
)

// EscalationPolicy maps an attempt number (1-based) to a provider tier.
// The switch point is data, not a constant buried in the state machine.
type EscalationPolicy func(attempt int) Tier

// EscalateAfter returns a policy that uses the primary service through
// attempt n and the secondary service afterwards.
func EscalateAfter(n int) EscalationPolicy {
	return func(attempt int) Tier {
		if attempt > n {
			return TierSecondary
		}
		return TierPrimary
	}
}

// Selector picks the service for an attempt
type Selector struct {
	Primary   Service
	Secondary Service
	Policy    EscalationPolicy
}

// ForAttempt returns the service for a 1-based attempt number and whether
// the choice is an escalation.
func (s *Selector) ForAttempt(attempt int) (Service, bool) {
	if s.Policy(attempt) == TierSecondary && s.Secondary != nil {
		return s.Secondary, true
	}
	return s.Primary, false
}

// EstimateTokens approximates the token count of a prompt for rate-limit
// accounting. Falls back to a character heuristic if the codec is missing.
func EstimateTokens(text string) int {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return len(text) / 4
	}
	n, err := codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// classifyProviderError maps provider failures onto the error taxonomy.
// Rate limits, timeouts and 5xx responses are transient; everything else
// terminates the call.
func classifyProviderError(service string, err error) error {
	msg := err.Error()
	transient := strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "temporar") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504")
	if transient {
		return domain.NewPipelineError(domain.FailureTransient, service+" call failed", err)
	}
	return domain.NewPipelineError(domain.FailureConfig, service+" call rejected", err)
}
