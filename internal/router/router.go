// Package router maps task types to the queue and execution policy they
// run under. It is grounded on the teacher framework's habit of failing
// fast at construction time rather than dispatching on an open-ended
// string comparison at runtime: NewRouter panics if the static policy
// table does not cover every task.Type enumerant, so a newly added task
// type without a matching policy row is caught at process startup, not
// the first time a client submits one.
package router

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/taskforge/dispatch/internal/task"
)

// Policy is the per-task-type routing and execution configuration from
// spec.md §4.3's table.
type Policy struct {
	Queue             string
	HardTimeout       time.Duration
	SoftTimeout       time.Duration
	MaxRetries        int
	RetryInitialDelay time.Duration
	PriorityDefault   task.Priority
}

// defaultTaskType is the routing fallback policy; clients never submit it
// directly but the table must define it so an internal caller lacking a
// more specific type still gets sane timeouts.
const defaultTaskType task.Type = "default"

var staticTable = map[task.Type]Policy{
	task.TypeGenerateVideo: {
		Queue: "gpu_heavy", HardTimeout: 600 * time.Second, SoftTimeout: 540 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityHigh,
	},
	task.TypeGenerateImage: {
		Queue: "gpu_medium", HardTimeout: 300 * time.Second, SoftTimeout: 270 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityNormal,
	},
	task.TypeProcessAudio: {
		Queue: "cpu_intensive", HardTimeout: 600 * time.Second, SoftTimeout: 540 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityNormal,
	},
	task.TypeEvaluateDepartment: {
		Queue: "cpu_intensive", HardTimeout: 300 * time.Second, SoftTimeout: 270 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityHigh,
	},
	task.TypeAutomatedGatherCreate: {
		Queue: "cpu_intensive", HardTimeout: 600 * time.Second, SoftTimeout: 540 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityHigh,
	},
	defaultTaskType: {
		Queue: "default", HardTimeout: 120 * time.Second, SoftTimeout: 110 * time.Second,
		MaxRetries: 3, RetryInitialDelay: 60 * time.Second, PriorityDefault: task.PriorityNormal,
	},
}

const maxRetryDelay = 600 * time.Second

// Router resolves a task.Type to its Policy.
type Router struct {
	table           map[task.Type]Policy
	staleMultiplier float64
}

// NewRouter validates that every task.Type in task.KnownTypes (plus the
// "default" fallback) has a policy entry, panicking otherwise. This
// validation runs once at process startup in cmd/apiserver and
// cmd/worker, never on the request path. staleMultiplier configures
// StaleTimeout; pass 0 to use the spec default of 2.0 (STALENESS_MULTIPLIER
// in internal/config).
func NewRouter(staleMultiplier float64) *Router {
	for _, t := range task.KnownTypes {
		if _, ok := staticTable[t]; !ok {
			panic(fmt.Sprintf("router: task type %q has no routing policy", t))
		}
	}
	if _, ok := staticTable[defaultTaskType]; !ok {
		panic("router: default fallback policy is missing")
	}
	if staleMultiplier <= 0 {
		staleMultiplier = 2.0
	}
	return &Router{table: staticTable, staleMultiplier: staleMultiplier}
}

// NewWithPolicies builds a Router from an explicit table, skipping the
// coverage panic NewRouter enforces. Used by other packages' tests that
// need short timeouts rather than spec.md §4.3's production durations.
func NewWithPolicies(table map[task.Type]Policy, staleMultiplier float64) *Router {
	if _, ok := table[defaultTaskType]; !ok {
		table[defaultTaskType] = staticTable[defaultTaskType]
	}
	if staleMultiplier <= 0 {
		staleMultiplier = 2.0
	}
	return &Router{table: table, staleMultiplier: staleMultiplier}
}

// Resolve returns t's policy, falling back to the "default" policy for any
// task.Type not in the table (this should never happen for a type that
// passed task.Type.IsValid, but callers must not panic on bad input that
// reaches this deep).
func (r *Router) Resolve(t task.Type) Policy {
	if p, ok := r.table[t]; ok {
		return p
	}
	return r.table[defaultTaskType]
}

// Queues returns every distinct queue name in the table, used by
// cmd/worker to build the default WORKER_QUEUES value.
func (r *Router) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.table {
		if !seen[p.Queue] {
			seen[p.Queue] = true
			out = append(out, p.Queue)
		}
	}
	return out
}

// StaleTimeout reports the staleness deadline internal/store's Reaper
// uses: the task type's hard timeout scaled by the router's configured
// STALENESS_MULTIPLIER, per spec.md §4.1's crash recovery rule.
func (r *Router) StaleTimeout(t task.Type) time.Duration {
	return time.Duration(float64(r.Resolve(t).HardTimeout) * r.staleMultiplier)
}

// RetryDelay returns the backoff before retry attempt n (1-indexed) for
// policy p: initial × 2^(n-1), capped at 600s, with ±10% jitter.
func RetryDelay(p Policy, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.RetryInitialDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}

	factor := 0.9 + rand.Float64()*0.2 // ±10%
	jittered := time.Duration(float64(delay) * factor)
	if jittered > maxRetryDelay {
		jittered = maxRetryDelay
	}
	return jittered
}
