package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/taskforge/dispatch/internal/logging"
	"github.com/taskforge/dispatch/internal/task"
)

// scoreScale packs (priority, enqueuedAt) into one float64 ZSET score so
// ZPOPMIN yields the highest-priority, oldest-first entry in O(log N).
// Lower Priority values sort first (PriorityHigh=1), and within a priority
// band the nanosecond timestamp breaks ties by arrival order.
const scoreScale = 1e15

// RedisBroker is the production Broker, grounded on the teacher's
// namespaced-key convention in core.RedisClient. Each queue is three Redis
// structures: a pending ZSET, a leased ZSET scored by lease expiry (a
// hand-rolled consumer-group PEL, since the target Redis need not support
// Streams), and a string per in-flight entry holding its JSON payload.
type RedisBroker struct {
	client    *redis.Client
	namespace string
	logger    logging.Logger
}

// NewRedisBroker connects to redisURL and returns a ready RedisBroker.
func NewRedisBroker(redisURL, namespace string, logger logging.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("broker: invalid redis url: %w", err)
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 5
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: connect to redis: %w", err)
	}

	logger.Info("broker connected to redis", logging.Fields{"namespace": namespace})
	return &RedisBroker{client: client, namespace: namespace, logger: logger}, nil
}

func (b *RedisBroker) pendingKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:pending", b.namespace, queue)
}

func (b *RedisBroker) leasedKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:leased", b.namespace, queue)
}

func (b *RedisBroker) dataKey(leaseToken string) string {
	return fmt.Sprintf("%s:lease:%s", b.namespace, leaseToken)
}

func packScore(priority task.Priority, enqueuedAt time.Time) float64 {
	return float64(priority)*scoreScale + float64(enqueuedAt.UnixNano()%int64(scoreScale))
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, taskID string, priority task.Priority, delay time.Duration) error {
	now := time.Now().UTC()
	entry := Entry{TaskID: taskID, Priority: priority, EnqueuedAt: now, VisibleAt: now.Add(delay)}
	data, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("broker: encode entry: %w", err)
	}

	token := newLeaseToken()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.dataKey(token), data, 0)
	if delay > 0 {
		// Visibility delay is modeled the same way as an outstanding
		// lease: the entry sits in the leased ZSET, invisible to Reserve,
		// until its score (visibleAt) elapses, at which point the sweep
		// loop moves it into pending.
		pipe.ZAdd(ctx, b.leasedKey(queue), &redis.Z{Score: float64(entry.VisibleAt.UnixNano()), Member: token})
	} else {
		pipe.ZAdd(ctx, b.pendingKey(queue), &redis.Z{Score: packScore(priority, now), Member: token})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: enqueue %s onto %s: %w", taskID, queue, err)
	}
	return nil
}

func (b *RedisBroker) Reserve(ctx context.Context, queues []string, workerID string, leaseDuration time.Duration) (*Reservation, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("broker: Reserve requires at least one queue")
	}
	cursorKey := fmt.Sprintf("%s:reserve:cursor", b.namespace)

	for {
		if res, err := b.tryReserve(ctx, queues, cursorKey, leaseDuration); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}

		b.sweepExpiredLeases(ctx, queues)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *RedisBroker) tryReserve(ctx context.Context, queues []string, cursorKey string, leaseDuration time.Duration) (*Reservation, error) {
	cursor, err := b.client.Get(ctx, cursorKey).Uint64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker: read reserve cursor: %w", err)
	}

	n := uint64(len(queues))
	for i := uint64(0); i < n; i++ {
		offset := (cursor + i) % n
		queue := queues[offset]

		results, err := b.client.ZPopMin(ctx, b.pendingKey(queue), 1).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: reserve from %s: %w", queue, err)
		}
		if len(results) == 0 {
			continue
		}

		token := results[0].Member.(string)
		data, err := b.client.Get(ctx, b.dataKey(token)).Bytes()
		if err != nil {
			// Entry payload vanished (e.g. TTL raced); drop and keep looking.
			continue
		}
		entry, err := decodeEntry(data)
		if err != nil {
			return nil, fmt.Errorf("broker: decode entry %s: %w", token, err)
		}

		expiry := time.Now().UTC().Add(leaseDuration)
		if err := b.client.ZAdd(ctx, b.leasedKey(queue), &redis.Z{Score: float64(expiry.UnixNano()), Member: token}).Err(); err != nil {
			return nil, fmt.Errorf("broker: record lease for %s: %w", token, err)
		}

		_ = b.client.Set(ctx, cursorKey, (offset+1)%n, 0).Err()

		return &Reservation{Entry: entry, Queue: queue, LeaseToken: token, LeaseExpiry: expiry}, nil
	}
	return nil, nil
}

// sweepExpiredLeases moves entries whose lease (or enqueue visibility
// delay) has elapsed back onto their queue's pending ZSET, the Redis
// equivalent of MemoryBroker's background sweep loop. Run inline from
// Reserve's poll loop since a separate goroutine per queue set would
// require coordinating ownership across every broker instance.
func (b *RedisBroker) sweepExpiredLeases(ctx context.Context, queues []string) {
	now := float64(time.Now().UTC().UnixNano())
	for _, queue := range queues {
		expired, err := b.client.ZRangeByScore(ctx, b.leasedKey(queue), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", now),
		}).Result()
		if err != nil || len(expired) == 0 {
			continue
		}
		for _, token := range expired {
			data, err := b.client.Get(ctx, b.dataKey(token)).Bytes()
			if err != nil {
				b.client.ZRem(ctx, b.leasedKey(queue), token)
				continue
			}
			entry, err := decodeEntry(data)
			if err != nil {
				b.client.ZRem(ctx, b.leasedKey(queue), token)
				continue
			}

			pipe := b.client.TxPipeline()
			pipe.ZRem(ctx, b.leasedKey(queue), token)
			pipe.ZAdd(ctx, b.pendingKey(queue), &redis.Z{Score: packScore(entry.Priority, entry.EnqueuedAt), Member: token})
			_, _ = pipe.Exec(ctx)
		}
	}
}

func (b *RedisBroker) RenewLease(ctx context.Context, res *Reservation, extension time.Duration) error {
	newExpiry := time.Now().UTC().Add(extension)
	err := b.client.ZAdd(ctx, b.leasedKey(res.Queue), &redis.Z{Score: float64(newExpiry.UnixNano()), Member: res.LeaseToken}).Err()
	if err != nil {
		return fmt.Errorf("broker: renew lease %s: %w", res.LeaseToken, err)
	}
	res.LeaseExpiry = newExpiry
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, res *Reservation) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.leasedKey(res.Queue), res.LeaseToken)
	pipe.Del(ctx, b.dataKey(res.LeaseToken))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: ack %s: %w", res.LeaseToken, err)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, res *Reservation) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.leasedKey(res.Queue), res.LeaseToken)
	pipe.ZAdd(ctx, b.pendingKey(res.Queue), &redis.Z{Score: packScore(res.Entry.Priority, res.Entry.EnqueuedAt), Member: res.LeaseToken})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: nack %s: %w", res.LeaseToken, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
