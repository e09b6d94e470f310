package worker

import (
	"context"
	"encoding/json"

	"github.com/taskforge/dispatch/internal/task"
)

// OutcomeKind classifies how an Executor.Run call ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeError
	OutcomeCancelled
)

// Outcome is what an Executor reports back to the worker pool. Exactly one
// of Result/Err is meaningful, selected by Kind.
type Outcome struct {
	Kind   OutcomeKind
	Result json.RawMessage
	Err    *task.ExecError
}

// ProgressSink lets an Executor report liveness and advisory progress back
// to the worker pool while it runs. Heartbeat refreshes the record's
// lastHeartbeatAt; SetProgress is advisory only and never affects
// correctness.
type ProgressSink interface {
	Heartbeat()
	SetProgress(pct float64, step string)
}

// Executor runs the domain-specific work for one task. Implementations
// must honor ctx cancellation promptly: the worker pool cancels ctx on
// hard timeout and on observed revocation, and expects Run to return
// OutcomeCancelled (or any outcome at all) shortly after.
type Executor interface {
	Run(ctx context.Context, taskType task.Type, input map[string]interface{}, sink ProgressSink) Outcome
}
