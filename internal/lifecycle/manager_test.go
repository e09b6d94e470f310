package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
)

func newTestManager(t *testing.T) (*Manager, store.Store, broker.Broker) {
	t.Helper()
	s := store.NewMemoryStore()
	b := broker.NewMemoryBroker()
	r := router.NewRouter(0)
	return New(s, b, r, nil), s, b
}

func newTestRecord() *task.Record {
	r := task.New(task.NewID(), "proj-1", task.TypeGenerateImage, map[string]interface{}{"prompt": "a cat"})
	r.Priority = task.PriorityNormal
	r.CallbackURL = "https://example.test/callback"
	return r
}

func TestSubmitEnqueuesAndIncrementsSubmitted(t *testing.T) {
	m, s, b := newTestManager(t)
	rec := newTestRecord()

	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))

	stored, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, stored.State)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters.Submitted)

	res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.Entry.TaskID)
}

func TestBeginRunningTransitionsAndIncrementsCurrentlyRunning(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))

	updated, err := m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, task.StateRunning, updated.State)
	assert.Equal(t, "worker-1", updated.WorkerID)
	assert.NotNil(t, updated.StartedAt)
}

func TestBeginRunningConflictsIfNotQueued(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	_, err := m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)

	_, err = m.BeginRunning(context.Background(), rec.ID, "worker-2")
	assert.ErrorIs(t, err, task.ErrConflict)
}

func TestCompleteTransitionsAndAdjustsCounters(t *testing.T) {
	m, s, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	_, err := m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)

	updated, err := m.Complete(context.Background(), rec.ID, []byte(`{"url":"https://cdn.test/a.png"}`))
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, updated.State)
	assert.NotNil(t, updated.FinishedAt)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters.CurrentlyRunning)
	assert.EqualValues(t, 1, counters.Completed)
}

func TestFailRetriesWhenBudgetRemains(t *testing.T) {
	m, s, b := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
	require.NoError(t, err)
	_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, b.Ack(context.Background(), res))

	updated, err := m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindTimeout, "deadline exceeded", true))
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, updated.State)
	assert.Equal(t, 1, updated.Attempt)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters.CurrentlyRunning)
	assert.EqualValues(t, 1, counters.Retried)
}

func TestFailTerminatesWhenNotRetriable(t *testing.T) {
	m, s, b := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
	require.NoError(t, err)
	_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, b.Ack(context.Background(), res))

	updated, err := m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindExecutorPermanent, "bad input", false))
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, updated.State)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters.CurrentlyRunning)
	assert.EqualValues(t, 1, counters.Failed)

	ev, err := s.SubscribeTerminal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, ev.State)
}

func TestFailTerminatesWhenRetryBudgetExhausted(t *testing.T) {
	m, s, b := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))

	for i := 0; i < 3; i++ {
		res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
		require.NoError(t, err)
		_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
		require.NoError(t, err)
		require.NoError(t, b.Ack(context.Background(), res))
		_, err = m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindTimeout, "deadline exceeded", true))
		require.NoError(t, err)
	}

	res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
	require.NoError(t, err)
	_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, b.Ack(context.Background(), res))

	updated, err := m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindTimeout, "deadline exceeded", true))
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, updated.State)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, counters.Retried)
	assert.EqualValues(t, 1, counters.Failed)
}

func TestCancelFromQueuedDoesNotTouchCurrentlyRunning(t *testing.T) {
	m, s, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))

	updated, previousState, err := m.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, updated.State)
	assert.Equal(t, task.StateQueued, previousState)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters.CurrentlyRunning)
	assert.EqualValues(t, 1, counters.Cancelled)
}

func TestCancelFromRunningAddsRevocationAndDecrementsCurrentlyRunning(t *testing.T) {
	m, s, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	_, err := m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)

	updated, previousState, err := m.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, updated.State)
	assert.Equal(t, task.StateRunning, previousState)

	revoked, err := s.IsRevoked(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	counters, err := s.ReadCounters(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, counters.CurrentlyRunning)
}

func TestCancelAlreadyTerminalFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	_, _, err := m.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)

	_, _, err = m.Cancel(context.Background(), rec.ID)
	assert.ErrorIs(t, err, task.ErrAlreadyTerminal)
}

func TestRetryCreatesNewTaskAndLeavesOriginalUntouched(t *testing.T) {
	m, s, b := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
	require.NoError(t, err)
	_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, b.Ack(context.Background(), res))
	_, err = m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindTimeout, "deadline exceeded", true))
	require.NoError(t, err)
	// exhaust the retry budget so the task is terminally Failed{Timeout, retriable}
	for i := 0; i < 3; i++ {
		res, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-1", 0)
		require.NoError(t, err)
		_, err = m.BeginRunning(context.Background(), rec.ID, "worker-1")
		require.NoError(t, err)
		require.NoError(t, b.Ack(context.Background(), res))
		_, err = m.Fail(context.Background(), rec.ID, task.NewExecError(task.ErrorKindTimeout, "deadline exceeded", true))
		require.NoError(t, err)
	}

	fresh, err := m.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, fresh.ID)
	assert.Equal(t, task.StateQueued, fresh.State)
	assert.Equal(t, rec.CallbackURL, fresh.CallbackURL)

	original, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, original.State)

	reserved, err := b.Reserve(context.Background(), []string{"gpu_medium"}, "worker-2", 0)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, reserved.Entry.TaskID)
}

func TestRetryRejectsNonFailedTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))

	_, err := m.Retry(context.Background(), rec.ID)
	assert.ErrorIs(t, err, task.ErrNotRetriable)
}

func TestMarkCancelledClearsRevocation(t *testing.T) {
	m, s, _ := newTestManager(t)
	rec := newTestRecord()
	require.NoError(t, m.Submit(context.Background(), rec, "gpu_medium"))
	_, err := m.BeginRunning(context.Background(), rec.ID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, s.AddRevocation(context.Background(), rec.ID))

	updated, err := m.MarkCancelled(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, updated.State)

	revoked, err := s.IsRevoked(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, revoked)
}
