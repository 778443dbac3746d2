// Package scheduler promotes due scheduled notifications into the pipeline.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
)

type Scheduler struct {
	notifications repository.NotificationRepository
	queue         messaging.TaskQueue
	cfg           config.SchedulerConfig
	logger        *logger.Logger
	cron          *cron.Cron
}

func New(notifications repository.NotificationRepository, queue messaging.TaskQueue, cfg config.SchedulerConfig, logger *logger.Logger) *Scheduler {
	return &Scheduler{
		notifications: notifications,
		queue:         queue,
		cfg:           cfg,
		logger:        logger,
		cron:          cron.New(),
	}
}

// Start registers the promotion job and runs the cron loop until the context
// is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Spec, func() {
		if err := s.PromoteDue(ctx); err != nil {
			s.logger.Error(err, "failed to promote scheduled notifications")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// PromoteDue moves due Scheduled notifications to Queued and emits a prepare
// task for each. The status-guarded promotion makes concurrent scheduler
// instances race-safe: only the winner enqueues.
func (s *Scheduler) PromoteDue(ctx context.Context) error {
	due, err := s.notifications.ListDueScheduled(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, n := range due {
		promoted, err := s.notifications.MarkQueued(ctx, n.ID)
		if err != nil {
			s.logger.Error(err, "failed to queue notification", "notification_id", n.ID.String())
			continue
		}
		if !promoted {
			continue
		}

		task := model.PrepareTask{NotificationID: n.ID}
		if err := s.queue.Enqueue(ctx, model.QueuePrepare, task); err != nil {
			s.logger.Error(err, "failed to enqueue prepare task", "notification_id", n.ID.String())
			continue
		}
		s.logger.Info("notification queued for delivery", "notification_id", n.ID.String())
	}

	return nil
}
