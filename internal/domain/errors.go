package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for queue and claim control flow
var (
	// ErrNoRunAvailable means no queued run is currently claimable.
	ErrNoRunAvailable = errors.New("no run available")
	// ErrClaimLost means the worker no longer holds the claim on a run,
	// typically because a stale-run sweep reclaimed it.
	ErrClaimLost = errors.New("claim lost")
	// ErrDuplicateRun means a non-terminal run already exists for the issue.
	ErrDuplicateRun = errors.New("duplicate run for issue")
	// ErrRunTerminal means the run already reached a terminal status.
	ErrRunTerminal = errors.New("run is terminal")
)

// FailureKind distinguishes how a pipeline or worker error propagates
type FailureKind string

const (
	// FailureTransient is retried locally with backoff; never counted
	// against the self-heal budget.
	FailureTransient FailureKind = "transient"
	// FailureBuild drives the classify/fix loop.
	FailureBuild FailureKind = "build_failure"
	// FailureValidation means a candidate fix was rejected before apply.
	FailureValidation FailureKind = "validation_rejected"
	// FailureRegression is a validation rejection caused by removed
	// exports or disproportionate deletions.
	FailureRegression FailureKind = "regression_detected"
	// FailureConfig is immediately fatal for the run; never retried.
	FailureConfig FailureKind = "configuration_error"
	// FailureExhausted means the self-heal budget ran out.
	FailureExhausted FailureKind = "exhausted"
)

// PipelineError carries a failure kind so propagation decisions are
// explicit rather than inferred from message strings.
type PipelineError struct {
	Kind       FailureKind
	Message    string
	RetryAfter time.Duration // provider-supplied hint, transient only
	Err        error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError builds a PipelineError wrapping err.
func NewPipelineError(kind FailureKind, msg string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the failure kind from err, defaulting to build failure
// for plain errors so unknown failures stay inside the heal loop.
func KindOf(err error) FailureKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return FailureBuild
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == FailureTransient
}
