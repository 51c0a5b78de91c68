// Package resilience implements the commit-race retry policy of §4.6:
// exponential backoff with jitter up to a configured wall-clock budget.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
	Budget       time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
		Budget:       250 * time.Millisecond,
	}
}

// BudgetExceeded is returned by Retry when fn keeps failing with
// shouldRetry(err) == true past the configured wall-clock budget.
type BudgetExceeded struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
}

func (e *BudgetExceeded) Error() string { return "retry budget exceeded: " + e.LastErr.Error() }
func (e *BudgetExceeded) Unwrap() error { return e.LastErr }

// Retry executes fn with exponential backoff until it succeeds, until
// shouldRetry reports the error is not retriable, or until the wall-clock
// budget is exhausted — in which case it returns *BudgetExceeded.
//
// retries is reported 0-indexed: a call that succeeds on its first try
// reports 0 retries (see rpc.Executor.CallSystem, step 6).
func Retry(ctx context.Context, cfg RetryConfig, shouldRetry func(error) bool, fn func() error) (retries int, err error) {
	start := time.Now()
	delay := cfg.InitialDelay
	attempt := 0

	for {
		attempt++
		err = fn()
		if err == nil {
			return attempt - 1, nil
		}
		if !shouldRetry(err) {
			return attempt - 1, err
		}

		elapsed := time.Since(start)
		if elapsed >= cfg.Budget {
			return attempt - 1, &BudgetExceeded{Attempts: attempt, Elapsed: elapsed, LastErr: err}
		}

		wait := addJitter(delay, cfg.Jitter)
		if remaining := cfg.Budget - elapsed; wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		case <-time.After(wait):
		}
		delay = nextDelay(delay, cfg)
	}
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
