// Package lifecycle owns the task state machine. Every state transition —
// and only here — flows through Store.UpdateAtomically, so the rest of the
// service never mutates a task record directly. Grounded on the teacher's
// "mutate state, then best-effort publish" pattern in
// core/redis_registry.go's Register method, generalized from service
// heartbeats to the full Queued/Running/terminal state machine.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/dispatch/internal/broker"
	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/router"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
)

// Manager is the sole writer of task.Record.State transitions.
type Manager struct {
	store  store.Store
	broker broker.Broker
	router *router.Router
	logger logging.ComponentLogger
}

// New builds a Manager.
func New(s store.Store, b broker.Broker, r *router.Router, logger logging.ComponentLogger) *Manager {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Manager{store: s, broker: b, router: r, logger: logger.WithComponent("lifecycle")}
}

// Submit persists a freshly validated record as Queued and enqueues it,
// incrementing the submitted counter. If enqueue fails after the record
// is durably created, the record is marked Failed{EnqueueFailed} so
// Status never reports a ghost Queued task the Broker never saw.
func (m *Manager) Submit(ctx context.Context, r *task.Record, queue string) error {
	if err := m.store.Create(ctx, r); err != nil {
		return err
	}
	if err := m.store.IncrementCounter(ctx, store.CounterSubmitted, 1); err != nil {
		m.logger.Warn("failed to increment submitted counter", logging.Fields{"task_id": r.ID, "error": err.Error()})
	}

	if err := m.broker.Enqueue(ctx, queue, r.ID, r.Priority, 0); err != nil {
		_, updateErr := m.store.UpdateAtomically(ctx, r.ID, func(rec *task.Record) error {
			finished := time.Now().UTC()
			rec.State = task.StateFailed
			rec.FinishedAt = &finished
			rec.Error = task.NewExecError(task.ErrorKindEnqueueFailed, err.Error(), false)
			return nil
		})
		if updateErr != nil {
			m.logger.Error("failed to mark enqueue failure", logging.Fields{"task_id": r.ID, "error": updateErr.Error()})
		}
		_ = m.store.IncrementCounter(ctx, store.CounterFailed, 1)
		m.publishTerminal(ctx, r.ID, r.ProjectID, task.StateFailed, r.CallbackURL)
		return fmt.Errorf("lifecycle: enqueue task %s: %w", r.ID, err)
	}
	return nil
}

// BeginRunning transitions a Queued record to Running. Returns
// task.ErrConflict if the record is not currently Queued (another worker
// already claimed it, or it was cancelled first) — the worker pool treats
// this as ack-and-drop, never a hard failure.
func (m *Manager) BeginRunning(ctx context.Context, taskID, workerID string) (*task.Record, error) {
	updated, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State != task.StateQueued {
			return task.ErrConflict
		}
		now := time.Now().UTC()
		r.State = task.StateRunning
		r.StartedAt = &now
		r.LastHeartbeatAt = &now
		r.WorkerID = workerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, 1); err != nil {
		m.logger.Warn("failed to increment currentlyRunning counter", logging.Fields{"task_id": taskID, "error": err.Error()})
	}
	return updated, nil
}

// Heartbeat refreshes a Running record's lastHeartbeatAt, used by the
// worker pool's lease-renewal goroutine so the reaper does not mistake a
// healthy long-running task for an abandoned one.
func (m *Manager) Heartbeat(ctx context.Context, taskID string) error {
	_, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State != task.StateRunning {
			return task.ErrConflict
		}
		now := time.Now().UTC()
		r.LastHeartbeatAt = &now
		return nil
	})
	return err
}

// Complete transitions a Running record to Completed.
func (m *Manager) Complete(ctx context.Context, taskID string, result json.RawMessage) (*task.Record, error) {
	updated, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State != task.StateRunning {
			return task.ErrConflict
		}
		now := time.Now().UTC()
		r.State = task.StateCompleted
		r.FinishedAt = &now
		r.Result = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, -1)
	_ = m.store.IncrementCounter(ctx, store.CounterCompleted, 1)
	m.publishTerminal(ctx, updated.ID, updated.ProjectID, task.StateCompleted, updated.CallbackURL)
	return updated, nil
}

// Fail transitions a Running record on executor error. If execErr is
// retriable and the record has retry budget left, it re-enqueues with the
// policy's backoff delay and returns to Queued instead of terminating.
func (m *Manager) Fail(ctx context.Context, taskID string, execErr *task.ExecError) (*task.Record, error) {
	current, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	policy := m.router.Resolve(current.TaskType)

	if execErr.Retriable && current.Attempt < policy.MaxRetries {
		return m.retryRunning(ctx, taskID, execErr, policy)
	}
	return m.failTerminal(ctx, taskID, execErr)
}

func (m *Manager) retryRunning(ctx context.Context, taskID string, execErr *task.ExecError, policy router.Policy) (*task.Record, error) {
	updated, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State != task.StateRunning {
			return task.ErrConflict
		}
		r.State = task.StateQueued
		r.Attempt++
		r.Error = execErr
		r.StartedAt = nil
		r.LastHeartbeatAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, -1)
	_ = m.store.IncrementCounter(ctx, store.CounterRetried, 1)

	delay := router.RetryDelay(policy, updated.Attempt)
	if enqueueErr := m.broker.Enqueue(ctx, policy.Queue, taskID, updated.Priority, delay); enqueueErr != nil {
		m.logger.Error("failed to re-enqueue retriable task", logging.Fields{"task_id": taskID, "error": enqueueErr.Error()})
		return m.failTerminal(ctx, taskID, task.NewExecError(task.ErrorKindEnqueueFailed, enqueueErr.Error(), false))
	}
	return updated, nil
}

func (m *Manager) failTerminal(ctx context.Context, taskID string, execErr *task.ExecError) (*task.Record, error) {
	updated, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State.IsTerminal() {
			return task.ErrAlreadyTerminal
		}
		wasRunning := r.State == task.StateRunning
		now := time.Now().UTC()
		r.State = task.StateFailed
		r.FinishedAt = &now
		r.Error = execErr
		_ = wasRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, -1)
	_ = m.store.IncrementCounter(ctx, store.CounterFailed, 1)
	m.publishTerminal(ctx, updated.ID, updated.ProjectID, task.StateFailed, updated.CallbackURL)
	return updated, nil
}

// Cancel transitions a non-terminal record to Cancelled. If the task is
// currently Running, it also adds a revocation entry so the worker
// observes the cancellation and stops promptly. Returns the record's
// state immediately before cancellation alongside the updated record, so
// callers (the Submission API) can report it without a second read.
func (m *Manager) Cancel(ctx context.Context, taskID string) (updated *task.Record, previousState task.State, err error) {
	current, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if current.State.IsTerminal() {
		return nil, "", task.ErrAlreadyTerminal
	}
	previousState = current.State

	wasRunning := current.State == task.StateRunning
	if wasRunning {
		if err := m.store.AddRevocation(ctx, taskID); err != nil {
			return nil, "", fmt.Errorf("lifecycle: record revocation for %s: %w", taskID, err)
		}
	}

	updated, err = m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State.IsTerminal() {
			return task.ErrAlreadyTerminal
		}
		now := time.Now().UTC()
		r.State = task.StateCancelled
		r.FinishedAt = &now
		r.Error = task.NewExecError(task.ErrorKindCancelled, "task cancelled by request", false)
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	if wasRunning {
		_ = m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, -1)
	}
	_ = m.store.IncrementCounter(ctx, store.CounterCancelled, 1)
	m.publishTerminal(ctx, updated.ID, updated.ProjectID, task.StateCancelled, updated.CallbackURL)
	return updated, previousState, nil
}

// MarkCancelled is called by the worker pool when it observes a
// revocation (before BeginRunning or mid-execution); it moves a Queued or
// Running record to Cancelled without re-adding the (already-present)
// revocation entry. currentlyRunning is decremented only when the record
// was Running.
func (m *Manager) MarkCancelled(ctx context.Context, taskID string) (*task.Record, error) {
	wasRunning := false
	updated, err := m.store.UpdateAtomically(ctx, taskID, func(r *task.Record) error {
		if r.State.IsTerminal() {
			return task.ErrAlreadyTerminal
		}
		wasRunning = r.State == task.StateRunning
		now := time.Now().UTC()
		r.State = task.StateCancelled
		r.FinishedAt = &now
		r.Error = task.NewExecError(task.ErrorKindCancelled, "task cancelled by request", false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasRunning {
		_ = m.store.IncrementCounter(ctx, store.CounterCurrentlyRunning, -1)
	}
	_ = m.store.IncrementCounter(ctx, store.CounterCancelled, 1)
	_ = m.store.ClearRevocation(ctx, taskID)
	m.publishTerminal(ctx, updated.ID, updated.ProjectID, task.StateCancelled, updated.CallbackURL)
	return updated, nil
}

// Retry implements the client-facing POST /tasks/{id}/retry operation: it
// leaves the original record untouched and submits a brand-new task with
// the same taskType/input/metadata/callbackUrl, returning the new record.
// Returns task.ErrNotRetriable if the original is not Failed with a
// retriable error.
func (m *Manager) Retry(ctx context.Context, taskID string) (*task.Record, error) {
	original, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if original.State != task.StateFailed || original.Error == nil || !original.Error.Retriable {
		return nil, task.ErrNotRetriable
	}

	policy := m.router.Resolve(original.TaskType)
	fresh := task.New(task.NewID(), original.ProjectID, original.TaskType, original.Input)
	fresh.Metadata = original.Metadata
	fresh.CallbackURL = original.CallbackURL
	if policy.PriorityDefault != 0 {
		fresh.Priority = policy.PriorityDefault
	}

	if err := m.Submit(ctx, fresh, policy.Queue); err != nil {
		return nil, fmt.Errorf("lifecycle: submit retried task for %s: %w", taskID, err)
	}
	return fresh, nil
}

func (m *Manager) publishTerminal(ctx context.Context, taskID, projectID string, state task.State, callbackURL string) {
	err := m.store.PublishTerminal(ctx, store.TerminalEvent{
		TaskID:      taskID,
		ProjectID:   projectID,
		State:       state,
		CallbackURL: callbackURL,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("failed to publish terminal event", logging.Fields{"task_id": taskID, "error": err.Error()})
	}
}
