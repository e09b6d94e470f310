package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/worker"
)

// referenceExecutor is a stand-in for the task payload logic spec.md §1
// names as an external collaborator ("how a video is actually generated,
// how an evaluation prompt is run"). It simulates a small amount of work
// per task type and honors cancellation the way any real executor plugged
// into the pool must. Swapping this for a real media/evaluation backend
// means implementing worker.Executor and passing it to worker.New instead.
type referenceExecutor struct {
	workPerType map[task.Type]time.Duration
}

func newReferenceExecutor() *referenceExecutor {
	return &referenceExecutor{
		workPerType: map[task.Type]time.Duration{
			task.TypeGenerateVideo:         5 * time.Second,
			task.TypeGenerateImage:         2 * time.Second,
			task.TypeProcessAudio:          3 * time.Second,
			task.TypeEvaluateDepartment:    1 * time.Second,
			task.TypeAutomatedGatherCreate: 4 * time.Second,
		},
	}
}

func (e *referenceExecutor) Run(ctx context.Context, taskType task.Type, input map[string]interface{}, sink worker.ProgressSink) worker.Outcome {
	work := e.workPerType[taskType]
	if work <= 0 {
		work = time.Second
	}

	sink.SetProgress(0, "starting")
	ticker := time.NewTicker(work / 4)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for elapsed < work {
		select {
		case <-ctx.Done():
			return worker.Outcome{Kind: worker.OutcomeCancelled}
		case <-ticker.C:
			elapsed += work / 4
			sink.Heartbeat()
		}
	}

	result, err := json.Marshal(map[string]interface{}{
		"taskType":  taskType,
		"processed": true,
	})
	if err != nil {
		return worker.Outcome{Kind: worker.OutcomeError, Err: task.NewExecError(
			task.ErrorKindExecutorPermanent, fmt.Sprintf("failed to marshal result: %v", err), false,
		)}
	}
	return worker.Outcome{Kind: worker.OutcomeSuccess, Result: result}
}
