package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/lifecycle"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/worker/mock"
)

const testQueue = "test_queue"

func fastPolicy() router.Policy {
	return router.Policy{
		Queue: testQueue, HardTimeout: 300 * time.Millisecond, SoftTimeout: 150 * time.Millisecond,
		MaxRetries: 3, RetryInitialDelay: 10 * time.Millisecond, PriorityDefault: task.PriorityNormal,
	}
}

func newHarness(t *testing.T, scripts ...mock.Script) (*Pool, store.Store, broker.Broker, *lifecycle.Manager) {
	t.Helper()
	s := store.NewMemoryStore()
	b := broker.NewMemoryBroker()
	r := router.NewWithPolicies(map[task.Type]router.Policy{task.TypeGenerateImage: fastPolicy()}, 0)
	lm := lifecycle.New(s, b, r, nil)
	executor := mock.New(scripts...)

	cfg := DefaultConfig()
	cfg.Queues = []string{testQueue}
	cfg.Concurrency = 1
	cfg.RecycleAfter = 0
	cfg.LeaseDuration = time.Second
	cfg.RevocationPollInterval = 20 * time.Millisecond
	cfg.HardTimeoutGrace = 200 * time.Millisecond

	p := New(s, b, lm, r, executor, cfg, nil)
	return p, s, b, lm
}

func submitTask(t *testing.T, lm *lifecycle.Manager, queue string) *task.Record {
	t.Helper()
	rec := task.New(task.NewID(), "proj-1", task.TypeGenerateImage, map[string]interface{}{"x": 1})
	require.NoError(t, lm.Submit(context.Background(), rec, queue))
	return rec
}

func TestPoolCompletesHappyPath(t *testing.T) {
	p, s, _, lm := newHarness(t, mock.Success(json.RawMessage(`{"ok":true}`)))
	rec := submitTask(t, lm, testQueue)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	p.Run(ctx)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, stored.State)
}

func TestPoolRetriesOnRetriableFailure(t *testing.T) {
	p, s, _, lm := newHarness(t,
		mock.Fail(task.NewExecError(task.ErrorKindTimeout, "slow", true)),
		mock.Success(json.RawMessage(`{"ok":true}`)),
	)
	rec := submitTask(t, lm, testQueue)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	p.Run(ctx)

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, stored.State)
	assert.Equal(t, 1, stored.Attempt)
}

func TestPoolDropsStaleReservation(t *testing.T) {
	p, s, _, lm := newHarness(t, mock.Success(nil))
	rec := submitTask(t, lm, testQueue)

	_, err := s.UpdateAtomically(context.Background(), rec.ID, func(r *task.Record) error {
		now := time.Now().UTC()
		r.State = task.StateCancelled
		r.FinishedAt = &now
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()
	p.Run(ctx)

	assert.EqualValues(t, 0, p.executor.(*mock.Executor).Calls())
}

func TestPoolHonorsMidFlightRevocation(t *testing.T) {
	p, s, _, lm := newHarness(t, mock.Script{Sleep: 2 * time.Second})
	rec := submitTask(t, lm, testQueue)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		r, err := s.Get(context.Background(), rec.ID)
		return err == nil && r.State == task.StateRunning
	}, time.Second, 10*time.Millisecond, "task never reached Running")

	require.NoError(t, s.AddRevocation(context.Background(), rec.ID))

	require.Eventually(t, func() bool {
		r, err := s.Get(context.Background(), rec.ID)
		return err == nil && r.State == task.StateCancelled
	}, time.Second, 10*time.Millisecond, "task was not cancelled after revocation")

	cancel()
}

func TestPoolCompletesAfterRecycleBound(t *testing.T) {
	p, s, _, lm := newHarness(t, mock.Success(json.RawMessage(`{}`)))
	p.cfg.RecycleAfter = 1
	rec := submitTask(t, lm, testQueue)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reason := p.Run(ctx)

	assert.Equal(t, ExitRecycled, reason)
	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, stored.State)
}
