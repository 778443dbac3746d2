// Package throttle manages the single globally shared send window imposed by
// the messaging channel, plus a process-local read-through cache for rendered
// payloads.
package throttle

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
)

// Manager exposes the throttle window and the payload cache to delivery
// workers. Safe for concurrent use.
type Manager struct {
	throttleRepo repository.ThrottleRepository
	payloadRepo  repository.PayloadRepository
	cache        *gocache.Cache
	now          func() time.Time
}

func NewManager(throttleRepo repository.ThrottleRepository, payloadRepo repository.PayloadRepository) *Manager {
	return &Manager{
		throttleRepo: throttleRepo,
		payloadRepo:  payloadRepo,
		// Payloads are immutable per notification; one entry each, never
		// evicted within the process lifetime.
		cache: gocache.New(gocache.NoExpiration, 0),
		now:   time.Now,
	}
}

// IsThrottled reports whether the shared window currently forbids sending and
// how long it has left.
func (m *Manager) IsThrottled(ctx context.Context) (bool, time.Duration, error) {
	state, err := m.throttleRepo.Get(ctx, model.ThrottleKeyGlobal)
	if err != nil {
		return false, 0, err
	}

	now := m.now()
	if !state.Active(now) {
		return false, 0, nil
	}
	return true, state.RetryAfter.Sub(now), nil
}

// RecordThrottle extends the shared window by the channel-provided duration.
// Writers race with compare-and-swap; a lost race means another worker
// already recorded the same condition, so it is discarded silently.
func (m *Manager) RecordThrottle(ctx context.Context, retryAfter time.Duration) error {
	state, err := m.throttleRepo.Get(ctx, model.ThrottleKeyGlobal)
	if err != nil {
		return err
	}

	until := m.now().Add(retryAfter)
	if state.RetryAfter.After(until) {
		// An even longer window is already in effect.
		return nil
	}

	_, err = m.throttleRepo.CompareAndSwap(ctx, model.ThrottleKeyGlobal, state.Version, until)
	return err
}

// GetPayload returns the notification's rendered payload through the local
// cache, fetching from the store on a miss. Last-writer-wins on concurrent
// misses is fine: the value is immutable per notification. Returns nil when
// the store has no payload.
func (m *Manager) GetPayload(ctx context.Context, notificationID uuid.UUID) ([]byte, error) {
	key := notificationID.String()
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]byte), nil
	}

	payload, err := m.payloadRepo.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	m.cache.Set(key, payload, gocache.NoExpiration)
	return payload, nil
}
