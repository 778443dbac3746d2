package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
	"github.com/jwalitptl/broadcast-api/pkg/channel"
	"github.com/jwalitptl/broadcast-api/pkg/circuitbreaker"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
	"github.com/jwalitptl/broadcast-api/pkg/throttle"
)

const maxErrorLength = 256

// DeliveryWorker consumes per-recipient delivery tasks and drives each
// through the send state machine. Many workers run in parallel across
// processes; one task mutates exactly one recipient row, so the only shared
// mutable resource is the throttle window.
type DeliveryWorker struct {
	recipients    repository.RecipientRepository
	notifications repository.NotificationRepository
	throttle      *throttle.Manager
	channel       channel.Client
	queue         messaging.TaskQueue
	breaker       *circuitbreaker.CircuitBreaker
	limiter       *rate.Limiter
	validate      *validator.Validate
	cfg           config.DeliveryConfig
	logger        *logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewDeliveryWorker(
	recipients repository.RecipientRepository,
	notifications repository.NotificationRepository,
	throttleMgr *throttle.Manager,
	channelClient channel.Client,
	queue messaging.TaskQueue,
	cfg config.DeliveryConfig,
	logger *logger.Logger,
	m *metrics.Metrics,
) *DeliveryWorker {
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "messaging-channel",
		MaxFailures: 20,
		Timeout:     30 * time.Second,
		IsFailure: func(err error) bool {
			if err == nil {
				return false
			}
			if _, ok := channel.IsRateLimited(err); ok {
				return false
			}
			return !channel.IsPermanent(err)
		},
	})

	return &DeliveryWorker{
		recipients:    recipients,
		notifications: notifications,
		throttle:      throttleMgr,
		channel:       channelClient,
		queue:         queue,
		breaker:       breaker,
		limiter:       rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendBurst),
		validate:      validator.New(),
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// Start runs the configured number of consumer goroutines until the context
// is canceled.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.logger.Info("delivery worker started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("delivery worker stopped")
}

func (w *DeliveryWorker) consume(ctx context.Context, consumerID int) {
	for {
		raw, err := w.queue.Dequeue(ctx, model.QueueDelivery)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(err, "failed to dequeue delivery task", "consumer", consumerID)
			continue
		}

		var task model.DeliveryTask
		if err := json.Unmarshal(raw, &task); err != nil {
			w.deadLetter(ctx, raw, err)
			continue
		}
		if err := w.validate.Struct(task); err != nil {
			w.deadLetter(ctx, raw, err)
			continue
		}

		if err := w.Process(ctx, task); err != nil {
			// Transient failure below the retry cap: emulate queue-native
			// redelivery with a delayed re-enqueue of the same task.
			w.metrics.DeliveryRetries.Inc()
			if enqErr := w.queue.EnqueueDelayed(ctx, model.QueueDelivery, task, w.cfg.RetryBackoff); enqErr != nil {
				w.logger.Error(enqErr, "failed to re-enqueue delivery task",
					"recipient_row_id", task.RecipientRowID)
			}
		}
	}
}

// deadLetter parks an undeserializable task for inspection. Malformed tasks
// are defects, never retried.
func (w *DeliveryWorker) deadLetter(ctx context.Context, raw []byte, cause error) {
	w.metrics.MalformedTasks.Inc()
	w.logger.Error(cause, "malformed delivery task dead-lettered")
	if err := w.queue.Enqueue(ctx, model.QueueDeadLetter, json.RawMessage(raw)); err != nil {
		w.logger.Error(err, "failed to dead-letter task")
	}
}

// Process runs the delivery state machine for one task. A nil return means
// the task is settled (delivered, deferred or terminally resolved); an error
// means the task should be redelivered.
func (w *DeliveryWorker) Process(ctx context.Context, task model.DeliveryTask) error {
	timer := prometheus.NewTimer(w.metrics.DeliveryDuration)
	defer timer.ObserveDuration()

	row, err := w.recipients.Get(ctx, task.RecipientRowID)
	if err != nil {
		return err
	}
	if row == nil {
		// Already handled or purged; duplicate queue delivery is a no-op.
		return nil
	}
	if row.Status.IsTerminal() {
		return nil
	}

	notification, err := w.notifications.Get(ctx, task.NotificationID)
	if err != nil {
		return err
	}
	if notification.Status == model.NotificationStatusCanceled {
		reason := "canceled before delivery"
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusCanceled,
			model.DeliveryUpdate{ErrorMessage: &reason})
	}

	throttled, remaining, err := w.throttle.IsThrottled(ctx)
	if err != nil {
		return err
	}
	if throttled {
		// Defer the same task past the shared window; no row mutation.
		w.metrics.DeliveriesDeferred.Inc()
		return w.queue.EnqueueDelayed(ctx, model.QueueDelivery, task, remaining)
	}

	if row.ConversationHandle == nil {
		w.metrics.DeliveriesNotFound.Inc()
		reason := "target not installed"
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusNotFound,
			model.DeliveryUpdate{ErrorMessage: &reason})
	}

	payload, err := w.throttle.GetPayload(ctx, task.NotificationID)
	if err != nil {
		return err
	}
	if payload == nil {
		w.metrics.DeliveriesFailed.Inc()
		reason := "payload missing"
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusFailed,
			model.DeliveryUpdate{ErrorMessage: &reason})
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	var result *channel.SendResult
	sendErr := w.breaker.Execute(func() error {
		var err error
		result, err = w.channel.Send(ctx, *row.ConversationHandle, payload)
		return err
	})

	switch {
	case sendErr == nil:
		w.metrics.DeliveriesSucceeded.Inc()
		sentAt := w.now().UTC()
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusSucceeded,
			model.DeliveryUpdate{StatusCode: &result.StatusCode, SentAt: &sentAt})

	default:
		return w.handleSendError(ctx, task, row, sendErr)
	}
}

func (w *DeliveryWorker) handleSendError(ctx context.Context, task model.DeliveryTask, row *model.Recipient, sendErr error) error {
	// An open breaker means the channel is down, not that this recipient is
	// failing: defer the task without touching the row or its retry count.
	if errors.Is(sendErr, circuitbreaker.ErrOpen) {
		w.metrics.DeliveriesDeferred.Inc()
		return w.queue.EnqueueDelayed(ctx, model.QueueDelivery, task, w.cfg.DefaultRetryAfter)
	}

	if retryAfter, ok := channel.IsRateLimited(sendErr); ok {
		if retryAfter <= 0 {
			retryAfter = w.cfg.DefaultRetryAfter
		}
		w.metrics.ThrottleHits.Inc()

		// Record the shared window first so other workers back off too, then
		// defer this task by the channel-provided delay.
		if err := w.throttle.RecordThrottle(ctx, retryAfter); err != nil {
			w.logger.Error(err, "failed to record throttle window")
		}
		if _, err := w.recipients.IncrementRetry(ctx, row.RowID); err != nil {
			return err
		}
		if err := w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusRetrying,
			model.DeliveryUpdate{}); err != nil {
			return err
		}
		return w.queue.EnqueueDelayed(ctx, model.QueueDelivery, task, retryAfter)
	}

	if channel.IsPermanent(sendErr) {
		w.metrics.DeliveriesNotFound.Inc()
		reason := truncate(sendErr.Error(), maxErrorLength)
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusNotFound,
			model.DeliveryUpdate{ErrorMessage: &reason})
	}

	retries, err := w.recipients.IncrementRetry(ctx, row.RowID)
	if err != nil {
		return err
	}
	if retries >= w.cfg.MaxRetries {
		w.metrics.DeliveriesFailed.Inc()
		reason := truncate(sendErr.Error(), maxErrorLength)
		return w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusFailed,
			model.DeliveryUpdate{ErrorMessage: &reason})
	}

	if err := w.recipients.UpdateDeliveryStatus(ctx, row.RowID, model.DeliveryStatusRetrying,
		model.DeliveryUpdate{}); err != nil {
		return err
	}
	// Propagate so the consumer loop redelivers the task.
	return sendErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
