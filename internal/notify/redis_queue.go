package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

const (
	keyPending    = "scout:notifications:pending"
	keyProcessing = "scout:notifications:processing"
	keyFailed     = "scout:notifications:failed"
	keyPrefix     = "scout:notification:"

	notificationTTL = 72 * time.Hour
)

// RedisQueue is a durable outbox shared by every scout process using the
// same Redis database.
type RedisQueue struct {
	client     *redis.Client
	poll       time.Duration
	retryDelay time.Duration
}

// NewRedisQueue connects to Redis and returns a durable outbox. Pending
// notifications are a sorted set scored by the time they become due.
func NewRedisQueue(cfg config.RedisConfig, retryDelay time.Duration) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisQueue(client, retryDelay), nil
}

func newRedisQueue(client *redis.Client, retryDelay time.Duration) *RedisQueue {
	return &RedisQueue{client: client, poll: 500 * time.Millisecond, retryDelay: retryDelay}
}

func (q *RedisQueue) Push(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return q.schedule(ctx, n, time.Now())
}

func (q *RedisQueue) schedule(ctx context.Context, n *types.Notification, due time.Time) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, keyPrefix+n.ID, data, notificationTTL)
	pipe.HDel(ctx, keyProcessing, n.ID)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: float64(due.UnixMilli()), Member: n.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Pop blocks until a due notification is available or ctx is done.
func (q *RedisQueue) Pop(ctx context.Context) (*types.Notification, error) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		n, err := q.popDue(ctx)
		if err != nil || n != nil {
			return n, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) popDue(ctx context.Context) (*types.Notification, error) {
	ids, err := q.client.ZRangeByScore(ctx, keyPending, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprint(time.Now().UnixMilli()),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	// Another dispatcher may have claimed it between the range and the remove.
	removed, err := q.client.ZRem(ctx, keyPending, id).Result()
	if err != nil || removed == 0 {
		return nil, err
	}

	data, err := q.client.Get(ctx, keyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	var n types.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}

	if err := q.client.HSet(ctx, keyProcessing, id, time.Now().Unix()).Err(); err != nil {
		q.client.ZAdd(ctx, keyPending, redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
		return nil, fmt.Errorf("failed to mark notification processing: %w", err)
	}
	return &n, nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.HDel(ctx, keyProcessing, id)
	pipe.Del(ctx, keyPrefix+id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, n *types.Notification, reason string) error {
	n.Attempts++
	return q.schedule(ctx, n, time.Now().Add(backoff(q.retryDelay, n.Attempts)))
}

func (q *RedisQueue) Fail(ctx context.Context, n *types.Notification, reason string) error {
	data, err := json.Marshal(failedRecord{Notification: n, Reason: reason, FailedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, keyPrefix+n.ID, data, notificationTTL)
	pipe.HDel(ctx, keyProcessing, n.ID)
	pipe.ZAdd(ctx, keyFailed, redis.Z{Score: float64(time.Now().Unix()), Member: n.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Pending reports how many notifications wait for delivery.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPending).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

type failedRecord struct {
	*types.Notification
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
