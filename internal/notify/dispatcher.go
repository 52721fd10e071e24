package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/scout/internal/core"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

// Dispatcher drains the queue with a fixed number of workers.
type Dispatcher struct {
	queue      core.NotificationQueue
	sender     Sender
	logger     *logger.Logger
	workers    int
	maxRetries int

	sent     atomic.Int64
	failed   atomic.Int64
	inflight atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(queue core.NotificationQueue, sender Sender, workers, maxRetries int, log *logger.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:      queue,
		sender:     sender,
		logger:     log.WithComponent("notify"),
		workers:    workers,
		maxRetries: maxRetries,
	}
}

// Start runs the workers in the background until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return fmt.Errorf("dispatcher already started")
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		if err := d.Run(ctx); err != nil {
			d.logger.Errorw("Dispatcher stopped with error", "error", err)
		}
	}()
	return nil
}

// Stop cancels the workers and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return fmt.Errorf("dispatcher not started")
	}
	d.cancel()
	<-d.done
	d.cancel = nil

	d.logger.Infow("Dispatcher stopped", "sent", d.sent.Load(), "failed", d.failed.Load())
	return nil
}

// Run blocks until ctx is done or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Infow("Starting notification dispatcher", "workers", d.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.work(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context) error {
	for {
		n, err := d.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrQueueClosed) {
				return err
			}
			d.logger.Warnw("Failed to pop notification", "error", err)
			continue
		}
		if n == nil {
			continue
		}
		d.inflight.Add(1)
		d.deliver(ctx, n)
		d.inflight.Add(-1)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *types.Notification) {
	log := d.logger.WithFields("notification_id", n.ID, "issue_id", n.IssueID, "attempt", n.Attempts+1)

	err := d.sender.Send(ctx, n)
	if err == nil {
		d.sent.Add(1)
		if err := d.queue.Complete(ctx, n.ID); err != nil {
			log.Warnw("Failed to complete notification", "error", err)
		}
		return
	}

	if n.Attempts < d.maxRetries {
		log.Warnw("Notification delivery failed, retrying", "error", err)
		if err := d.queue.Retry(ctx, n, err.Error()); err != nil {
			log.Errorw("Failed to requeue notification", "error", err)
		}
		return
	}

	d.failed.Add(1)
	log.Errorw("Notification delivery failed permanently", "error", err)
	if err := d.queue.Fail(ctx, n, err.Error()); err != nil {
		log.Errorw("Failed to record failed notification", "error", err)
	}
}

// Drain waits until a process-local queue is empty and no delivery is in
// flight. Queues that persist their contents return immediately.
func (d *Dispatcher) Drain(ctx context.Context) error {
	q, ok := d.queue.(interface{ Len() int })
	if !ok {
		return nil
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	// Two quiet ticks in a row, so a notification between Pop and deliver
	// is not missed.
	quiet := 0
	for {
		if q.Len() == 0 && d.inflight.Load() == 0 {
			quiet++
			if quiet == 2 {
				return nil
			}
		} else {
			quiet = 0
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain notifications: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stats returns delivered and permanently failed counts.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.sent.Load(), d.failed.Load()
}
