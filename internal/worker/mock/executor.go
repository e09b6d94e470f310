// Package mock provides a scriptable worker.Executor used by
// internal/worker's tests (and available to any other package's tests
// that need to drive the S1-S7 scenarios of spec.md §8 without a real
// Executor implementation).
package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/worker"
)

// Script is one scripted response to a Run call.
type Script struct {
	// Sleep delays before producing the outcome below. If Sleep exceeds
	// ctx's remaining deadline, Run returns OutcomeCancelled once ctx is
	// done instead of waiting out the full Sleep duration, mirroring a
	// real Executor that honors cancellation.
	Sleep time.Duration

	// IgnoreCancellation makes Run block until the full Sleep elapses
	// regardless of ctx cancellation, used to drive the "worker considers
	// itself corrupted" test scenario.
	IgnoreCancellation bool

	Outcome worker.Outcome
}

// Executor replays a fixed sequence of Scripts, one per call to Run, then
// repeats the last Script for any call beyond the sequence's length.
type Executor struct {
	scripts []Script
	calls   int64
}

// New builds an Executor that replays scripts in order.
func New(scripts ...Script) *Executor {
	return &Executor{scripts: scripts}
}

// Calls reports how many times Run has been invoked.
func (e *Executor) Calls() int64 {
	return atomic.LoadInt64(&e.calls)
}

func (e *Executor) Run(ctx context.Context, taskType task.Type, input map[string]interface{}, sink worker.ProgressSink) worker.Outcome {
	n := atomic.AddInt64(&e.calls, 1) - 1
	idx := int(n)
	if idx >= len(e.scripts) {
		idx = len(e.scripts) - 1
	}
	if idx < 0 {
		return worker.Outcome{Kind: worker.OutcomeSuccess, Result: json.RawMessage(`{}`)}
	}
	s := e.scripts[idx]

	if s.IgnoreCancellation {
		time.Sleep(s.Sleep)
		return s.Outcome
	}

	if s.Sleep <= 0 {
		select {
		case <-ctx.Done():
			return worker.Outcome{Kind: worker.OutcomeCancelled}
		default:
			return s.Outcome
		}
	}

	timer := time.NewTimer(s.Sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return s.Outcome
	case <-ctx.Done():
		return worker.Outcome{Kind: worker.OutcomeCancelled}
	}
}

// Success is a convenience constructor for a Script that succeeds
// immediately with the given result payload.
func Success(result json.RawMessage) Script {
	return Script{Outcome: worker.Outcome{Kind: worker.OutcomeSuccess, Result: result}}
}

// Fail is a convenience constructor for a Script that fails immediately
// with the given ExecError.
func Fail(err *task.ExecError) Script {
	return Script{Outcome: worker.Outcome{Kind: worker.OutcomeError, Err: err}}
}
