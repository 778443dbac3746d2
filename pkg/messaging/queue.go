package messaging

import (
	"context"
	"time"
)

// TaskQueue is the queue surface the pipeline produces to and consumes from.
// Delivery is at-least-once; consumers must tolerate duplicate tasks.
type TaskQueue interface {
	// Enqueue makes the task visible immediately.
	Enqueue(ctx context.Context, queue string, task interface{}) error

	// EnqueueDelayed makes the task visible after the given delay. Used for
	// throttle deferral and retry backoff.
	EnqueueDelayed(ctx context.Context, queue string, task interface{}, delay time.Duration) error

	// Dequeue blocks until a task is available or the context is canceled.
	Dequeue(ctx context.Context, queue string) ([]byte, error)

	Close() error
}
