// Package broker implements the priority work queues tasks are dispatched
// through. It is grounded on the teacher framework's RedisRegistry
// namespacing/connection-pool conventions, generalized from a single
// service-registry key space to per-queue ZSET-backed priority queues with
// lease-based at-least-once delivery.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskforge/dispatch/internal/task"
)

// Entry is one unit of work sitting on a queue.
type Entry struct {
	TaskID      string    `json:"taskId"`
	Priority    task.Priority `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	VisibleAt   time.Time `json:"visibleAt"`
}

// Reservation is a leased Entry a worker has pulled off a queue. The
// worker must Ack or Nack it before the lease expires, or the lease
// sweeper will make it visible to another worker again.
type Reservation struct {
	Entry       Entry
	Queue       string
	LeaseToken  string
	LeaseExpiry time.Time
}

// Broker is the queueing abstraction spec.md §4.2 describes: at-least-once
// delivery, lease expiry as the redelivery mechanism, fairness across the
// queue names a single Reserve call spans, and priority-within-queue FIFO.
type Broker interface {
	// Enqueue places taskID onto queue at priority, visible for Reserve
	// immediately unless delay > 0 (used by the retry backoff schedule).
	Enqueue(ctx context.Context, queue string, taskID string, priority task.Priority, delay time.Duration) error

	// Reserve blocks until an entry becomes available on one of queues or
	// ctx is cancelled, leasing it to workerID for leaseDuration. Queues
	// are polled round-robin so no single busy queue starves the others.
	Reserve(ctx context.Context, queues []string, workerID string, leaseDuration time.Duration) (*Reservation, error)

	// RenewLease extends a held reservation's lease, called periodically
	// by the worker pool while a task runs past the original lease.
	RenewLease(ctx context.Context, res *Reservation, extension time.Duration) error

	// Ack removes a reservation for good, called once a task reaches a
	// terminal state or is safely handed back via Enqueue for retry.
	Ack(ctx context.Context, res *Reservation) error

	// Nack releases a reservation back onto its queue immediately,
	// without waiting for lease expiry; used when a worker recognizes
	// up-front it cannot process an entry (e.g. an unroutable task type
	// slipped through).
	Nack(ctx context.Context, res *Reservation) error

	// Close releases any underlying connections.
	Close() error
}

func encodeEntry(e Entry) ([]byte, error) { return json.Marshal(e) }

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(data, &e)
	return e, err
}
