package scheduler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/scheduler"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
)

type fakeNotificationRepo struct {
	mu       sync.Mutex
	due      []*model.Notification
	promoted map[uuid.UUID]bool
}

func (r *fakeNotificationRepo) ListDueScheduled(context.Context, time.Time, int) ([]*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.Notification(nil), r.due...), nil
}

func (r *fakeNotificationRepo) MarkQueued(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.promoted[id] {
		// Another scheduler instance won the race.
		return false, nil
	}
	r.promoted[id] = true
	return true, nil
}

func (r *fakeNotificationRepo) Get(context.Context, uuid.UUID) (*model.Notification, error) {
	return nil, nil
}
func (r *fakeNotificationRepo) GetAudiences(context.Context, uuid.UUID) ([]model.AudienceEntry, error) {
	return nil, nil
}
func (r *fakeNotificationRepo) UpdateStatus(context.Context, uuid.UUID, model.NotificationStatus) error {
	return nil
}
func (r *fakeNotificationRepo) SetPayloadRef(context.Context, uuid.UUID, string) error { return nil }
func (r *fakeNotificationRepo) SetTotalRecipients(context.Context, uuid.UUID, int) error {
	return nil
}
func (r *fakeNotificationRepo) UpdateCounters(context.Context, uuid.UUID, model.RecipientCounts) error {
	return nil
}
func (r *fakeNotificationRepo) MarkSent(context.Context, uuid.UUID, model.RecipientCounts) error {
	return nil
}

func TestPromoteDue(t *testing.T) {
	first := uuid.New()
	second := uuid.New()
	repo := &fakeNotificationRepo{
		due: []*model.Notification{
			{ID: first, Status: model.NotificationStatusScheduled},
			{ID: second, Status: model.NotificationStatusScheduled},
		},
		promoted: map[uuid.UUID]bool{second: true},
	}
	queue := messaging.NewMemoryQueue()

	s := scheduler.New(repo, queue, config.SchedulerConfig{Spec: "@every 1m", BatchSize: 50},
		&logger.Logger{ZL: zerolog.Nop()})

	require.NoError(t, s.PromoteDue(context.Background()))

	// Only the won promotion enqueues; the lost race is skipped silently.
	assert.Equal(t, 1, queue.Len(model.QueuePrepare))

	raw, err := queue.Dequeue(context.Background(), model.QueuePrepare)
	require.NoError(t, err)
	var task model.PrepareTask
	require.NoError(t, json.Unmarshal(raw, &task))
	assert.Equal(t, first, task.NotificationID)
}

func TestPromoteDueIdempotent(t *testing.T) {
	id := uuid.New()
	repo := &fakeNotificationRepo{
		due:      []*model.Notification{{ID: id, Status: model.NotificationStatusScheduled}},
		promoted: map[uuid.UUID]bool{},
	}
	queue := messaging.NewMemoryQueue()

	s := scheduler.New(repo, queue, config.SchedulerConfig{Spec: "@every 1m", BatchSize: 50},
		&logger.Logger{ZL: zerolog.Nop()})

	require.NoError(t, s.PromoteDue(context.Background()))
	require.NoError(t, s.PromoteDue(context.Background()))

	assert.Equal(t, 1, queue.Len(model.QueuePrepare), "a second pass must not enqueue again")
}
