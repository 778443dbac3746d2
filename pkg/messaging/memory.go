package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryQueue is an in-process TaskQueue used in tests and local runs.
// Delayed tasks become visible once their deadline passes, checked on each
// Dequeue poll.
type MemoryQueue struct {
	mu      sync.Mutex
	ready   map[string][][]byte
	delayed map[string][]delayedTask
}

type delayedTask struct {
	payload []byte
	readyAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		ready:   make(map[string][][]byte),
		delayed: make(map[string][]delayedTask),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue string, task interface{}) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ready[queue] = append(q.ready[queue], payload)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, queue string, task interface{}, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, queue, task)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.delayed[queue] = append(q.delayed[queue], delayedTask{payload: payload, readyAt: time.Now().Add(delay)})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	for {
		q.mu.Lock()
		q.promote(queue)
		if tasks := q.ready[queue]; len(tasks) > 0 {
			task := tasks[0]
			q.ready[queue] = tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Len reports the number of immediately visible tasks.
func (q *MemoryQueue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote(queue)
	return len(q.ready[queue])
}

// DelayedLen reports the number of tasks still waiting on their delay.
func (q *MemoryQueue) DelayedLen(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed[queue])
}

func (q *MemoryQueue) promote(queue string) {
	now := time.Now()
	var remaining []delayedTask
	for _, t := range q.delayed[queue] {
		if !t.readyAt.After(now) {
			q.ready[queue] = append(q.ready[queue], t.payload)
		} else {
			remaining = append(remaining, t)
		}
	}
	q.delayed[queue] = remaining
}

func (q *MemoryQueue) Close() error { return nil }

var _ TaskQueue = (*MemoryQueue)(nil)
