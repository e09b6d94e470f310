// Package store persists task records and exposes the counters and
// terminal-event feed the rest of the dispatch service depends on. It is
// grounded on the teacher framework's RedisRegistry/MemoryStore pair: the
// same namespaced-Redis-with-in-memory-fallback shape, generalized from
// service registration entries to task records with optimistic-concurrency
// updates.
package store

import (
	"context"
	"time"

	"github.com/taskforge/dispatch/internal/task"
)

// Counters is the set of process-lifetime counters spec.md §4.8 requires
// the Metrics component to read back.
type Counters struct {
	Submitted       int64
	CurrentlyRunning int64
	Completed       int64
	Failed          int64
	Retried         int64
	Cancelled       int64
}

// CounterName identifies one field of Counters for IncrementCounter.
// CurrentlyRunning is the one gauge-shaped counter in the set — its delta
// can be negative (decremented on every exit from Running) where every
// other counter only ever increases.
type CounterName string

const (
	CounterSubmitted        CounterName = "submitted"
	CounterCurrentlyRunning CounterName = "currentlyRunning"
	CounterCompleted        CounterName = "completed"
	CounterFailed           CounterName = "failed"
	CounterRetried          CounterName = "retried"
	CounterCancelled        CounterName = "cancelled"
)

// Mutator transforms a task record in place as part of an
// UpdateAtomically call. It must not retain r past its return, and must be
// safe to invoke more than once (a CAS retry replays it against a fresher
// read).
type Mutator func(r *task.Record) error

// TerminalEvent is published exactly once per task reaching a terminal
// state, consumed by the webhook deliverer.
type TerminalEvent struct {
	TaskID      string
	ProjectID   string
	State       task.State
	CallbackURL string
	OccurredAt  time.Time
}

// Store is the persistence abstraction every other component depends on.
// Implementations must make UpdateAtomically linearizable per task id:
// concurrent callers racing to mutate the same record must see one winner
// and the rest must retry against the post-update value.
type Store interface {
	// Create inserts a brand-new record. Returns task.ErrAlreadyExists if
	// the id is already present.
	Create(ctx context.Context, r *task.Record) error

	// Get fetches a record by id. Returns task.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*task.Record, error)

	// ListByProject returns every record for projectID, newest first.
	ListByProject(ctx context.Context, projectID string) ([]*task.Record, error)

	// KnownProjects returns the project ids to scan, used by the reaper to
	// enumerate what to scan without requiring a full key-space scan.
	// RedisStore returns every project id that has ever had a task created;
	// MemoryStore returns only projects with at least one unevicted record.
	KnownProjects(ctx context.Context) ([]string, error)

	// UpdateAtomically reads the current record, applies mutate, and
	// writes it back only if no other writer has touched it since the
	// read (optimistic concurrency via the record's Version field).
	// Returns the updated record on success.
	UpdateAtomically(ctx context.Context, id string, mutate Mutator) (*task.Record, error)

	// IncrementCounter atomically adds delta to the named process
	// counter.
	IncrementCounter(ctx context.Context, name CounterName, delta int64) error

	// ReadCounters returns a snapshot of every counter.
	ReadCounters(ctx context.Context) (Counters, error)

	// AddRevocation marks taskID as cancelled-in-flight so a worker
	// currently running it observes the cancellation via IsRevoked.
	AddRevocation(ctx context.Context, taskID string) error

	// IsRevoked reports whether taskID has a pending revocation.
	IsRevoked(ctx context.Context, taskID string) (bool, error)

	// ClearRevocation removes taskID's revocation entry once it has been
	// observed and acted on.
	ClearRevocation(ctx context.Context, taskID string) error

	// PublishTerminal enqueues a terminal event for delivery.
	PublishTerminal(ctx context.Context, ev TerminalEvent) error

	// SubscribeTerminal blocks until a terminal event is available or ctx
	// is cancelled, returning (nil, ctx.Err()) in the latter case.
	SubscribeTerminal(ctx context.Context) (*TerminalEvent, error)

	// Close releases any underlying connections.
	Close() error
}
