package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notifier delivers one message. Implementations may block on I/O; the
// engine never calls them directly, only through a NotificationQueue.
type Notifier interface {
	Notify(ctx context.Context, to, subject, bodyHTML string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to, subject, bodyHTML string) error

func (f NotifierFunc) Notify(ctx context.Context, to, subject, bodyHTML string) error {
	return f(ctx, to, subject, bodyHTML)
}

// Notification is a message waiting for delivery.
type Notification struct {
	To       string
	Subject  string
	BodyHTML string

	// RequestID ties the message to the arbitration decision, for logs.
	RequestID string
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("library: notification queue closed")

// NotificationQueue delivers notifications on a fixed pool of workers, in the
// background, after the caller's transaction has committed. A delivery
// failure is logged and dropped; it is never reported back to the caller.
type NotificationQueue struct {
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration

	jobs   chan Notification
	group  *errgroup.Group
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// QueueOption configures a NotificationQueue.
type QueueOption func(*NotificationQueue)

// WithQueueLogger sets the logger used for delivery failures.
func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *NotificationQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithDeliveryTimeout bounds each Notify call.
func WithDeliveryTimeout(d time.Duration) QueueOption {
	return func(q *NotificationQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// NewNotificationQueue starts workers goroutines draining a buffer of size capacity.
func NewNotificationQueue(n Notifier, workers, capacity int, opts ...QueueOption) *NotificationQueue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &NotificationQueue{
		notifier: n,
		logger:   zap.NewNop(),
		timeout:  30 * time.Second,
		jobs:     make(chan Notification, capacity),
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		q.group.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	return q
}

func (q *NotificationQueue) work(ctx context.Context) {
	for job := range q.jobs {
		q.deliver(ctx, job)
	}
}

func (q *NotificationQueue) deliver(ctx context.Context, job Notification) {
	dctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := q.notifier.Notify(dctx, job.To, job.Subject, job.BodyHTML); err != nil {
		q.logger.Error("notification delivery failed",
			zap.String("request_id", job.RequestID),
			zap.String("to", job.To),
			zap.String("subject", job.Subject),
			zap.Error(fmt.Errorf("%w: %w", ErrNotificationFailed, err)))
		return
	}
	q.logger.Debug("notification delivered",
		zap.String("request_id", job.RequestID),
		zap.String("to", job.To))
}

// Enqueue hands n to the workers. It blocks while the buffer is full, so
// messages are never dropped silently; it gives up only when ctx is done or
// the queue is closed.
func (q *NotificationQueue) Enqueue(ctx context.Context, n Notification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting notifications, waits for queued ones to be delivered
// and stops the workers.
func (q *NotificationQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	err := q.group.Wait()
	q.cancel()
	return err
}

// LogNotifier writes notifications to a logger instead of sending them.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, to, subject, bodyHTML string) error {
	n.Logger.Info("notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(bodyHTML)))
	return nil
}
