package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/issuepilot/issuepilot/internal/domain"
)

var testBackoff = backoffConfig{
	maxAttempts:  3,
	initialDelay: time.Millisecond,
	maxDelay:     5 * time.Millisecond,
}

func TestWithBackoff_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := withBackoff(context.Background(), testBackoff, func() error {
		calls++
		if calls < 3 {
			return domain.NewPipelineError(domain.FailureTransient, "rate limited", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithBackoff_NonTransientImmediate(t *testing.T) {
	calls := 0
	fatal := domain.NewPipelineError(domain.FailureConfig, "bad key", nil)
	err := withBackoff(context.Background(), testBackoff, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want the configuration error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for non-transient)", calls)
	}
}

func TestWithBackoff_Bounded(t *testing.T) {
	calls := 0
	err := withBackoff(context.Background(), testBackoff, func() error {
		calls++
		return domain.NewPipelineError(domain.FailureTransient, "still limited", nil)
	})
	if err == nil {
		t.Fatal("err = nil, want exhausted transient error")
	}
	if calls != testBackoff.maxAttempts {
		t.Errorf("calls = %d, want %d", calls, testBackoff.maxAttempts)
	}
}

func TestWithBackoff_HonorsRetryHint(t *testing.T) {
	calls := 0
	start := time.Now()
	hint := 20 * time.Millisecond
	withBackoff(context.Background(), testBackoff, func() error {
		calls++
		if calls == 1 {
			return &domain.PipelineError{Kind: domain.FailureTransient, Message: "429", RetryAfter: hint}
		}
		return nil
	})
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("elapsed = %v, want at least the %v hint", elapsed, hint)
	}
}

func TestWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withBackoff(ctx, testBackoff, func() error {
		return domain.NewPipelineError(domain.FailureTransient, "limited", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
