// Package notify carries vulnerability notifications from the scanner to the
// recipients. The scanner only enqueues; a Dispatcher drains the queue and
// delivers through a Sender with bounded retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

var ErrQueueClosed = errors.New("notification queue closed")

// NewQueue builds the queue selected by notify.queue.
func NewQueue(cfg config.NotifyConfig, redisCfg config.RedisConfig, log *logger.Logger) (core.NotificationQueue, error) {
	switch cfg.Queue {
	case "", "memory":
		return NewMemoryQueue(1024, cfg.RetryDelay, log), nil
	case "redis":
		return NewRedisQueue(redisCfg, cfg.RetryDelay)
	default:
		return nil, fmt.Errorf("unknown notification queue %q", cfg.Queue)
	}
}

// backoff doubles the base delay per attempt, capped at five minutes.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// MemoryQueue is a process-local queue. Notifications do not survive a
// restart.
type MemoryQueue struct {
	ch         chan *types.Notification
	retryDelay time.Duration
	logger     *logger.Logger

	mu     sync.Mutex
	closed bool
	failed []*types.Notification
	// delayed counts retries waiting on their backoff timer.
	delayed atomic.Int64
}

func NewMemoryQueue(capacity int, retryDelay time.Duration, log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		ch:         make(chan *types.Notification, capacity),
		retryDelay: retryDelay,
		logger:     log.WithComponent("notify"),
	}
}

func (q *MemoryQueue) Push(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return q.enqueue(ctx, n)
}

func (q *MemoryQueue) enqueue(ctx context.Context, n *types.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("notification queue full (%d pending)", cap(q.ch))
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (*types.Notification, error) {
	select {
	case n, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error { return nil }

func (q *MemoryQueue) Retry(ctx context.Context, n *types.Notification, reason string) error {
	n.Attempts++
	delay := backoff(q.retryDelay, n.Attempts)
	if delay == 0 {
		return q.enqueue(ctx, n)
	}

	q.delayed.Add(1)
	time.AfterFunc(delay, func() {
		// Decrement only after the channel holds n, so Len never reads zero
		// in between.
		defer q.delayed.Add(-1)
		if err := q.enqueue(context.Background(), n); err != nil {
			q.logger.Errorw("Dropped notification retry",
				"notification_id", n.ID,
				"issue_id", n.IssueID,
				"attempt", n.Attempts,
				"error", err,
			)
			q.mu.Lock()
			q.failed = append(q.failed, n)
			q.mu.Unlock()
		}
	})
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, n *types.Notification, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, n)
	return nil
}

// Failed returns the notifications that exhausted their retries.
func (q *MemoryQueue) Failed() []*types.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Notification, len(q.failed))
	copy(out, q.failed)
	return out
}

// Len counts queued notifications plus retries still waiting out their
// backoff.
func (q *MemoryQueue) Len() int { return len(q.ch) + int(q.delayed.Load()) }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		if pending := q.delayed.Load(); pending > 0 {
			q.logger.Warnw("Closing notification queue with retries pending", "pending", pending)
		}
		q.closed = true
		close(q.ch)
	}
	return nil
}
