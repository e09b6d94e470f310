package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/task"
)

const maxCASAttempts = 5

// terminalTTL is how long a terminal record is retained after completion,
// matching spec.md's 24h retention window.
const terminalTTL = 24 * time.Hour

// RedisStore is the production Store, grounded on the teacher's
// RedisClient/RedisRegistry connection-pool tuning and TxPipeline usage,
// generalized from service-registration entries to versioned task records
// updated via WATCH/MULTI/EXEC optimistic transactions.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    logging.Logger
}

// envelope is the JSON shape actually stored under task:{id}; task.Record's
// own Version field is tagged json:"-" since API responses must never leak
// it, so the store layer carries it alongside the record instead.
type envelope struct {
	Record  *task.Record `json:"record"`
	Version int64        `json:"version"`
}

// NewRedisStore connects to redisURL and returns a ready RedisStore.
// namespace prefixes every key this store touches, so one Redis instance
// can host the store and the broker (or multiple environments) without
// key collisions.
func NewRedisStore(redisURL, namespace string, logger logging.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	logger.Info("store connected to redis", logging.Fields{"namespace": namespace})
	return &RedisStore{client: client, namespace: namespace, logger: logger}, nil
}

func (s *RedisStore) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", s.namespace, id)
}

func (s *RedisStore) projectKey(projectID string) string {
	return fmt.Sprintf("%s:project:%s:tasks", s.namespace, projectID)
}

func (s *RedisStore) countersKey() string {
	return fmt.Sprintf("%s:counters", s.namespace)
}

func (s *RedisStore) revokedKey() string {
	return fmt.Sprintf("%s:revoked", s.namespace)
}

func (s *RedisStore) eventsKey() string {
	return fmt.Sprintf("%s:events:terminal", s.namespace)
}

func (s *RedisStore) knownProjectsKey() string {
	return fmt.Sprintf("%s:projects", s.namespace)
}

func (s *RedisStore) Create(ctx context.Context, r *task.Record) error {
	env := envelope{Record: r.Clone(), Version: 1}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	setCmd := pipe.SetNX(ctx, s.taskKey(r.ID), data, 0)
	pipe.SAdd(ctx, s.projectKey(r.ProjectID), r.ID)
	pipe.SAdd(ctx, s.knownProjectsKey(), r.ProjectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: create task %s: %w", r.ID, err)
	}
	if !setCmd.Val() {
		return task.ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) KnownProjects(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.knownProjectsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: known projects: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*task.Record, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("store: decode task %s: %w", id, err)
	}
	return env.Record, nil
}

func (s *RedisStore) ListByProject(ctx context.Context, projectID string) ([]*task.Record, error) {
	ids, err := s.client.SMembers(ctx, s.projectKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list project %s: %w", projectID, err)
	}
	out := make([]*task.Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *RedisStore) UpdateAtomically(ctx context.Context, id string, mutate Mutator) (*task.Record, error) {
	key := s.taskKey(id)
	var result *task.Record

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return task.ErrNotFound
			}
			if err != nil {
				return err
			}

			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("decode task %s: %w", id, err)
			}

			working := env.Record.Clone()
			if err := mutate(working); err != nil {
				return err
			}

			newEnv := envelope{Record: working, Version: env.Version + 1}
			newData, err := json.Marshal(newEnv)
			if err != nil {
				return fmt.Errorf("encode task %s: %w", id, err)
			}

			ttl := time.Duration(0)
			if working.State.IsTerminal() {
				ttl = terminalTTL
			}

			_, execErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, newData, ttl)
				return nil
			})
			if execErr != nil {
				return execErr
			}

			result = working.Clone()
			return nil
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedError) {
			continue // another writer won the race, retry against the fresh value
		}
		return nil, err
	}

	return nil, task.ErrConflict
}

func (s *RedisStore) IncrementCounter(ctx context.Context, name CounterName, delta int64) error {
	if err := s.client.HIncrBy(ctx, s.countersKey(), string(name), delta).Err(); err != nil {
		return fmt.Errorf("store: increment counter %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) ReadCounters(ctx context.Context) (Counters, error) {
	vals, err := s.client.HGetAll(ctx, s.countersKey()).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("store: read counters: %w", err)
	}
	var c Counters
	c.Submitted = parseCounterField(vals[string(CounterSubmitted)])
	c.CurrentlyRunning = parseCounterField(vals[string(CounterCurrentlyRunning)])
	c.Completed = parseCounterField(vals[string(CounterCompleted)])
	c.Failed = parseCounterField(vals[string(CounterFailed)])
	c.Retried = parseCounterField(vals[string(CounterRetried)])
	c.Cancelled = parseCounterField(vals[string(CounterCancelled)])
	return c, nil
}

func parseCounterField(v string) int64 {
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n
}

func (s *RedisStore) AddRevocation(ctx context.Context, taskID string) error {
	return s.client.SAdd(ctx, s.revokedKey(), taskID).Err()
}

func (s *RedisStore) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return s.client.SIsMember(ctx, s.revokedKey(), taskID).Result()
}

func (s *RedisStore) ClearRevocation(ctx context.Context, taskID string) error {
	return s.client.SRem(ctx, s.revokedKey(), taskID).Err()
}

func (s *RedisStore) PublishTerminal(ctx context.Context, ev TerminalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal terminal event: %w", err)
	}
	return s.client.LPush(ctx, s.eventsKey(), data).Err()
}

func (s *RedisStore) SubscribeTerminal(ctx context.Context) (*TerminalEvent, error) {
	res, err := s.client.BRPop(ctx, 0, s.eventsKey()).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("store: subscribe terminal: %w", err)
	}
	// res is [key, value]; BRPop guarantees exactly these two elements.
	var ev TerminalEvent
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return nil, fmt.Errorf("store: decode terminal event: %w", err)
	}
	return &ev, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
