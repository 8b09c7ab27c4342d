package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// backoffConfig bounds local retries of transient failures. These retries
// never consume heal attempts.
type backoffConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

var defaultBackoff = backoffConfig{
	maxAttempts:  4,
	initialDelay: time.Second,
	maxDelay:     30 * time.Second,
}

// withBackoff runs fn, retrying transient failures with exponential
// backoff. A provider-supplied retry hint overrides the computed delay.
// Non-transient errors return immediately.
func withBackoff(ctx context.Context, cfg backoffConfig, fn func() error) error {
	delay := cfg.initialDelay
	var err error

	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if attempt == cfg.maxAttempts {
			break
		}

		wait := delay
		var pe *domain.PipelineError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			wait = pe.RetryAfter
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
	return err
}
