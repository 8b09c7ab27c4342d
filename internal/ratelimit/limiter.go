// Package ratelimit provides per-service token buckets shared across all
// workers in the process. Every external call (tracker, VCS host, model
// providers) must acquire from its service bucket first.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServiceConfig defines the rate limit for one external service
type ServiceConfig struct {
	TokensPerMinute int
	Burst           int // bucket capacity; defaults to TokensPerMinute
}

// Limiter holds one token bucket per external service
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// waits counts how often a caller had to block, per service.
	waits map[string]int64

	onWait func(service string)
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// New creates a Limiter with the given per-service configs
func New(configs map[string]ServiceConfig) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		waits:   make(map[string]int64),
	}
	for name, cfg := range configs {
		capacity := cfg.Burst
		if capacity <= 0 {
			capacity = cfg.TokensPerMinute
		}
		l.buckets[name] = &bucket{
			tokens:     float64(capacity),
			capacity:   float64(capacity),
			refillRate: float64(cfg.TokensPerMinute) / 60.0,
			lastRefill: time.Now(),
		}
	}
	return l
}

// Acquire blocks until n tokens are available for the service or the
// context is done. Services without a configured bucket are unlimited.
func (l *Limiter) Acquire(ctx context.Context, service string, n int) error {
	for {
		wait, ok := l.tryTake(service, n)
		if ok {
			return nil
		}

		l.mu.Lock()
		l.waits[service]++
		hook := l.onWait
		l.mu.Unlock()
		if hook != nil {
			hook(service)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait for %s: %w", service, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// tryTake refills the bucket and takes n tokens if available. When tokens
// are short it returns how long to wait before the next try.
func (l *Limiter) tryTake(service string, n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[service]
	if !ok {
		return 0, true
	}

	elapsed := time.Since(b.lastRefill)
	b.tokens += elapsed.Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = time.Now()

	need := float64(n)
	if need > b.capacity {
		need = b.capacity // never wait forever on an oversized request
	}
	if b.tokens >= need {
		b.tokens -= need
		return 0, true
	}

	deficit := need - b.tokens
	wait := time.Duration(deficit / b.refillRate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait, false
}

// OnWait registers a hook invoked each time a caller blocks, for metrics.
func (l *Limiter) OnWait(fn func(service string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWait = fn
}

// WaitCount returns how often callers blocked on the service's bucket.
func (l *Limiter) WaitCount(service string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits[service]
}

// Service names used across the process
const (
	ServiceTracker   = "tracker"
	ServiceVCSHost   = "vcs_host"
	ServicePrimary   = "model_primary"
	ServiceSecondary = "model_secondary"
)
