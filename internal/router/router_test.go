package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/task"
)

func TestNewRouterCoversEveryKnownType(t *testing.T) {
	require.NotPanics(t, func() { NewRouter(0) })
}

func TestResolveReturnsConfiguredPolicy(t *testing.T) {
	r := NewRouter(0)
	p := r.Resolve(task.TypeGenerateVideo)
	assert.Equal(t, "gpu_heavy", p.Queue)
	assert.Equal(t, 600*time.Second, p.HardTimeout)
	assert.Equal(t, task.PriorityHigh, p.PriorityDefault)
}

func TestResolveFallsBackToDefaultForUnknownType(t *testing.T) {
	r := NewRouter(0)
	p := r.Resolve(task.Type("nonexistent"))
	assert.Equal(t, "default", p.Queue)
}

func TestQueuesListsDistinctQueueNames(t *testing.T) {
	r := NewRouter(0)
	queues := r.Queues()
	assert.Contains(t, queues, "gpu_heavy")
	assert.Contains(t, queues, "gpu_medium")
	assert.Contains(t, queues, "cpu_intensive")
	assert.Contains(t, queues, "default")
}

func TestStaleTimeoutAppliesMultiplier(t *testing.T) {
	r := NewRouter(3.0)
	assert.Equal(t, 1800*time.Second, r.StaleTimeout(task.TypeGenerateVideo))
}

func TestRetryDelayDoublesWithJitter(t *testing.T) {
	p := Policy{RetryInitialDelay: 60 * time.Second}

	for n := 1; n <= 4; n++ {
		expected := float64(60*time.Second) * float64(int(1)<<(n-1))
		if time.Duration(expected) > maxRetryDelay {
			expected = float64(maxRetryDelay)
		}
		got := RetryDelay(p, n)
		lower := time.Duration(expected * 0.9)
		upper := time.Duration(expected * 1.1)
		assert.GreaterOrEqual(t, got, lower, "attempt %d", n)
		assert.LessOrEqual(t, got, upper, "attempt %d", n)
	}
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	p := Policy{RetryInitialDelay: 60 * time.Second}
	got := RetryDelay(p, 10)
	assert.LessOrEqual(t, got, maxRetryDelay)
}
