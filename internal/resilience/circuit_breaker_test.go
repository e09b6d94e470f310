package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsOnErrorRate(t *testing.T) {
	cfg := DefaultConfig("webhook:example.com")
	cfg.VolumeThreshold = 4
	cfg.ErrorThreshold = 0.5
	cb := New(cfg)

	boom := errors.New("boom")
	failing := func(ctx context.Context) error { return boom }
	ok := func(ctx context.Context) error { return nil }

	require.NoError(t, cb.Execute(context.Background(), ok))
	require.NoError(t, cb.Execute(context.Background(), ok))
	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))

	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cfg := DefaultConfig("webhook:example.com")
	cfg.VolumeThreshold = 2
	cfg.ErrorThreshold = 0.5
	cfg.SleepWindow = 10 * time.Millisecond
	cfg.HalfOpenProbes = 2
	cfg.SuccessThreshold = 0.5
	cb := New(cfg)

	boom := errors.New("boom")
	failing := func(ctx context.Context) error { return boom }
	ok := func(ctx context.Context) error { return nil }

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Error(t, cb.Execute(context.Background(), failing))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), ok))
	require.NoError(t, cb.Execute(context.Background(), ok))

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerRecoversPanic(t *testing.T) {
	cb := New(DefaultConfig("panicky"))
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")
}

func TestRegistryReturnsSameBreakerForKey(t *testing.T) {
	reg := NewRegistry(func(name string) Config { return DefaultConfig(name) })
	a := reg.Get("host-a")
	b := reg.Get("host-a")
	c := reg.Get("host-b")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
