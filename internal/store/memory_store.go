package store

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/dispatch/internal/task"
)

// MemoryStore is an in-process Store, generalized from the teacher's
// key/TTL MemoryStore to hold versioned task records instead of opaque
// string blobs. Used by every package's unit tests that don't need real
// Redis semantics; the cmd binaries always build a RedisStore from
// STORE_URL.
//
// RedisStore gets terminal-record eviction for free from Redis's own key
// TTL (see terminalTTL in redis_store.go); MemoryStore has no such native
// expiry, so it tracks each terminal record's deadline itself and evicts
// lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*task.Record
	expiresAt map[string]time.Time
	counters  Counters
	revoked   map[string]bool
	events    *list.List
	waiters   []chan struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*task.Record),
		expiresAt: make(map[string]time.Time),
		revoked:   make(map[string]bool),
		events:    list.New(),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[r.ID]; exists {
		return task.ErrAlreadyExists
	}
	clone := r.Clone()
	clone.Version = 1
	m.records[r.ID] = clone
	return nil
}

// evictIfExpired deletes id's record (and its deadline) if its terminal TTL
// has passed. Caller must hold m.mu. Reports whether the record was (or
// already had been) evicted.
func (m *MemoryStore) evictIfExpired(id string) bool {
	deadline, tracked := m.expiresAt[id]
	if !tracked {
		return false
	}
	if time.Now().UTC().Before(deadline) {
		return false
	}
	delete(m.records, id)
	delete(m.expiresAt, id)
	return true
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*task.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIfExpired(id)
	r, ok := m.records[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListByProject(ctx context.Context, projectID string) ([]*task.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.expiresAt {
		m.evictIfExpired(id)
	}
	out := make([]*task.Record, 0)
	for _, r := range m.records {
		if r.ProjectID == projectID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) KnownProjects(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.expiresAt {
		m.evictIfExpired(id)
	}
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, r := range m.records {
		if !seen[r.ProjectID] {
			seen[r.ProjectID] = true
			out = append(out, r.ProjectID)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAtomically(ctx context.Context, id string, mutate Mutator) (*task.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictIfExpired(id)
	current, ok := m.records[id]
	if !ok {
		return nil, task.ErrNotFound
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.Version = current.Version + 1
	m.records[id] = working

	if working.State.IsTerminal() {
		m.expiresAt[id] = time.Now().UTC().Add(terminalTTL)
	} else {
		delete(m.expiresAt, id)
	}
	return working.Clone(), nil
}

func (m *MemoryStore) IncrementCounter(ctx context.Context, name CounterName, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch name {
	case CounterSubmitted:
		m.counters.Submitted += delta
	case CounterCurrentlyRunning:
		m.counters.CurrentlyRunning += delta
	case CounterCompleted:
		m.counters.Completed += delta
	case CounterFailed:
		m.counters.Failed += delta
	case CounterRetried:
		m.counters.Retried += delta
	case CounterCancelled:
		m.counters.Cancelled += delta
	}
	return nil
}

func (m *MemoryStore) ReadCounters(ctx context.Context) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters, nil
}

func (m *MemoryStore) AddRevocation(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[taskID] = true
	return nil
}

func (m *MemoryStore) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[taskID], nil
}

func (m *MemoryStore) ClearRevocation(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revoked, taskID)
	return nil
}

func (m *MemoryStore) PublishTerminal(ctx context.Context, ev TerminalEvent) error {
	m.mu.Lock()
	m.events.PushBack(ev)
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (m *MemoryStore) SubscribeTerminal(ctx context.Context) (*TerminalEvent, error) {
	for {
		m.mu.Lock()
		if front := m.events.Front(); front != nil {
			m.events.Remove(front)
			ev := front.Value.(TerminalEvent)
			m.mu.Unlock()
			return &ev, nil
		}
		wake := make(chan struct{})
		m.waiters = append(m.waiters, wake)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (m *MemoryStore) Close() error { return nil }
