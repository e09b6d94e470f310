// Package task defines the domain types shared by every component of the
// dispatch service: the task record, its state machine, the closed set of
// task types and priorities, and the error taxonomy workers and the API use
// to classify outcomes.
//
// These types are intentionally free of any storage, queueing, or HTTP
// concerns — Store, Broker, and the API translate to and from this package,
// never the other way around.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of task types a client may submit. Routing policy
// (internal/router) requires every member of this enum to have an entry in
// its policy table; adding a member here without a matching policy entry is
// a startup-time failure, not a runtime one.
type Type string

const (
	TypeGenerateVideo         Type = "generate_video"
	TypeGenerateImage         Type = "generate_image"
	TypeProcessAudio          Type = "process_audio"
	TypeEvaluateDepartment    Type = "evaluate_department"
	TypeAutomatedGatherCreate Type = "automated_gather_creation"
)

// KnownTypes lists every task type the service accepts on submission.
// "default" is a routing fallback only — clients never submit it directly.
var KnownTypes = []Type{
	TypeGenerateVideo,
	TypeGenerateImage,
	TypeProcessAudio,
	TypeEvaluateDepartment,
	TypeAutomatedGatherCreate,
}

// IsValid reports whether t is one of the task types clients may submit.
func (t Type) IsValid() bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Priority affects ordering within a single queue, never across queues.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// IsValid reports whether p is one of the three accepted priority levels.
func (p Priority) IsValid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// State is a task record's current position in the lifecycle state machine
// owned exclusively by the Lifecycle Manager (internal/lifecycle).
type State string

const (
	StateQueued    State = "Queued"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrorKind is the closed set of failure classifications from spec §7.
type ErrorKind string

const (
	ErrorKindValidation          ErrorKind = "Validation"
	ErrorKindUnauthenticated     ErrorKind = "Unauthenticated"
	ErrorKindNotFound            ErrorKind = "NotFound"
	ErrorKindConflict            ErrorKind = "Conflict"
	ErrorKindServiceUnavailable  ErrorKind = "ServiceUnavailable"
	ErrorKindEnqueueFailed       ErrorKind = "EnqueueFailed"
	ErrorKindExecutorTransient   ErrorKind = "ExecutorTransient"
	ErrorKindExecutorPermanent   ErrorKind = "ExecutorPermanent"
	ErrorKindTimeout             ErrorKind = "Timeout"
	ErrorKindAbandoned           ErrorKind = "Abandoned"
	ErrorKindCancelled           ErrorKind = "Cancelled"
)

// retriableKinds mirrors the "Retriable?" column of spec §7's error table.
// ExecutorTransient's retriability is actually decided per-instance by the
// executor (see ExecError.Retriable); this table covers the kinds the core
// itself produces and always classifies the same way.
var retriableKinds = map[ErrorKind]bool{
	ErrorKindValidation:         false,
	ErrorKindUnauthenticated:    false,
	ErrorKindNotFound:           false,
	ErrorKindConflict:           false,
	ErrorKindServiceUnavailable: false,
	ErrorKindEnqueueFailed:      false,
	ErrorKindExecutorPermanent:  false,
	ErrorKindTimeout:            true,
	ErrorKindAbandoned:          true,
	ErrorKindCancelled:          false,
}

// ExecError is the terminal failure envelope stored on a record and
// forwarded verbatim (minus internal fields) in the failure webhook.
type ExecError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewExecError builds an ExecError with the caller-supplied retriable bit
// for every kind; it does not consult StaticRetriable.
func NewExecError(kind ErrorKind, message string, retriable bool) *ExecError {
	return &ExecError{Kind: kind, Message: message, Retriable: retriable}
}

// StaticRetriable reports the default retriability of a core-produced error
// kind. It is not used for ExecutorTransient/ExecutorPermanent, which are
// always classified explicitly by the executor.
func StaticRetriable(kind ErrorKind) bool {
	return retriableKinds[kind]
}

// Record is the authoritative task representation held in the Store.
// Every field maps directly to spec §3's data model.
type Record struct {
	ID          string                 `json:"id"`
	ProjectID   string                 `json:"projectId"`
	TaskType    Type                   `json:"taskType"`
	Input       map[string]interface{} `json:"input"`
	Priority    Priority               `json:"priority"`
	CallbackURL string                 `json:"callbackUrl,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	State   State           `json:"state"`
	Attempt int             `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ExecError      `json:"error,omitempty"`

	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	TTLExpiresAt    time.Time  `json:"ttlExpiresAt"`

	// WorkerID identifies the worker currently (or most recently) holding
	// this record in Running, set by the Lifecycle Manager's BeginRunning.
	// The reaper does not read it. Because it is tagged json:"-", it is not
	// part of the public API response and RedisStore's JSON encoding does
	// not keep it.
	WorkerID string `json:"-"`

	// Version is the optimistic-concurrency counter used by
	// Store.UpdateAtomically's CAS. Callers never set it directly.
	Version int64 `json:"-"`
}

// NewID generates a fresh v4 UUID task id.
func NewID() string {
	return uuid.NewString()
}

// New constructs a freshly Queued record with sensible zero values. The
// caller (Submission API) still must set Priority/CallbackURL/Metadata.
func New(id, projectID string, taskType Type, input map[string]interface{}) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:           id,
		ProjectID:    projectID,
		TaskType:     taskType,
		Input:        input,
		Priority:     PriorityNormal,
		State:        StateQueued,
		Attempt:      0,
		CreatedAt:    now,
		TTLExpiresAt: now.Add(24 * time.Hour),
	}
}

// Clone returns a deep-enough copy of r suitable for passing to a
// Store.UpdateAtomically mutator, which must not mutate its input in place.
func (r *Record) Clone() *Record {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.LastHeartbeatAt != nil {
		t := *r.LastHeartbeatAt
		c.LastHeartbeatAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Input != nil {
		c.Input = cloneMap(r.Input)
	}
	if r.Metadata != nil {
		c.Metadata = cloneMap(r.Metadata)
	}
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
