package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/broadcast-api/pkg/messaging"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
)

// promoteDue atomically moves tasks whose score has passed from the delayed
// ZSET onto the ready list.
const promoteDue = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, task in ipairs(due) do
  redis.call('ZREM', KEYS[1], task)
  redis.call('LPUSH', KEYS[2], task)
end
return #due
`

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
	// Queues this process promotes delayed tasks for.
	Queues []string
}

// TaskQueue is a Redis list per queue plus a companion ZSET of delayed tasks
// keyed by their visibility time. A background loop promotes due tasks for
// the configured queues.
type TaskQueue struct {
	client       *redis.Client
	logger       *zerolog.Logger
	metrics      *metrics.Metrics
	queues       []string
	promoteEvery time.Duration
	cancel       context.CancelFunc
}

func NewTaskQueue(config Config, logger *zerolog.Logger, m *metrics.Metrics) (*TaskQueue, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.RetryBackoff
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		client:       client,
		logger:       logger,
		metrics:      m,
		queues:       config.Queues,
		promoteEvery: time.Second,
		cancel:       cancel,
	}
	go q.promoteLoop(ctx)

	return q, nil
}

func delayedKey(queue string) string {
	return queue + ":delayed"
}

func (q *TaskQueue) Enqueue(ctx context.Context, queue string, task interface{}) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, queue, payload).Err(); err != nil {
		q.metrics.QueueOperations.WithLabelValues("enqueue", "error").Inc()
		return err
	}
	q.metrics.QueueOperations.WithLabelValues("enqueue", "success").Inc()
	return nil
}

func (q *TaskQueue) EnqueueDelayed(ctx context.Context, queue string, task interface{}, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, queue, task)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey(queue), redis.Z{Score: readyAt, Member: payload}).Err(); err != nil {
		q.metrics.QueueOperations.WithLabelValues("enqueue_delayed", "error").Inc()
		return err
	}
	q.metrics.QueueOperations.WithLabelValues("enqueue_delayed", "success").Inc()
	return nil
}

func (q *TaskQueue) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	for {
		res, err := q.client.BRPop(ctx, 2*time.Second, queue).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			q.metrics.QueueOperations.WithLabelValues("dequeue", "error").Inc()
			return nil, err
		}
		q.metrics.QueueOperations.WithLabelValues("dequeue", "success").Inc()
		// BRPOP returns [key, value].
		return []byte(res[1]), nil
	}
}

// promoteLoop moves due tasks from each delayed ZSET onto its ready list.
// The queue names are known up front, so each tick touches exactly those keys
// rather than scanning the keyspace.
func (q *TaskQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.promoteEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, queue := range q.queues {
				if err := q.client.Eval(ctx, promoteDue, []string{delayedKey(queue), queue}, now, 100).Err(); err != nil {
					q.metrics.QueueOperations.WithLabelValues("promote", "error").Inc()
					q.logger.Error().Err(err).Str("queue", queue).Msg("failed to promote delayed tasks")
				}
			}
		}
	}
}

func (q *TaskQueue) Close() error {
	q.cancel()
	return q.client.Close()
}

var _ messaging.TaskQueue = (*TaskQueue)(nil)
