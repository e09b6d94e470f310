package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = time.Millisecond

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "exhausted 2 attempts")
}

func TestRetryAbortsOnContextCancellation(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestRetryWithCircuitBreakerFailsFastWhenOpen(t *testing.T) {
	cfg := DefaultConfig("dep")
	cfg.VolumeThreshold = 1
	cfg.ErrorThreshold = 0.1
	cb := New(cfg)

	boom := errors.New("boom")
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	rcfg := DefaultRetryConfig()
	rcfg.MaxAttempts = 3
	rcfg.InitialDelay = time.Millisecond

	err := RetryWithCircuitBreaker(context.Background(), rcfg, cb, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls, "circuit breaker should reject every attempt without invoking fn")
}
