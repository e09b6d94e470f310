package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls the retry loop in Retry/RetryWithCircuitBreaker. It
// mirrors the teacher framework's RetryConfig field-for-field.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig returns the teacher's defaults: 3 attempts, 100ms
// initial delay doubling up to 5s, with jitter enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds or config.MaxAttempts is exhausted,
// sleeping an exponentially increasing delay between attempts. Every
// error is retried; there is no non-retriable class. ctx cancellation
// aborts the loop immediately.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		sleep := delay
		if config.JitterEnabled {
			sleep = jitter(delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", config.MaxAttempts, lastErr)
}

// RetryWithCircuitBreaker is Retry with every attempt routed through cb, so
// a collaborator that is already known to be down fails fast instead of
// burning the whole retry budget on doomed calls.
func RetryWithCircuitBreaker(ctx context.Context, config RetryConfig, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, config, func(ctx context.Context) error {
		return cb.Execute(ctx, fn)
	})
}

// jitter returns d scaled by a random factor in [0.8, 1.2], smoothing out
// synchronized retries from many callers backing off in lockstep.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * factor)
}
