package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
)

type throttleRepository struct {
	BaseRepository
}

func NewThrottleRepository(base BaseRepository) repository.ThrottleRepository {
	return &throttleRepository{base}
}

// Get returns the throttle row, lazily creating it on first access.
func (r *throttleRepository) Get(ctx context.Context, key string) (*model.ThrottleState, error) {
	query := `
		SELECT key, retry_after, version, updated_at
		FROM throttle_state
		WHERE key = $1
	`

	var state model.ThrottleState
	err := r.db.GetContext(ctx, &state, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return r.create(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle state: %w", err)
	}

	return &state, nil
}

func (r *throttleRepository) create(ctx context.Context, key string) (*model.ThrottleState, error) {
	query := `
		INSERT INTO throttle_state (key, retry_after, version, updated_at)
		VALUES ($1, to_timestamp(0), 0, NOW())
		ON CONFLICT (key) DO NOTHING
		RETURNING key, retry_after, version, updated_at
	`

	var state model.ThrottleState
	err := r.db.GetContext(ctx, &state, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		// Another worker created it between the read and the insert.
		return r.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle state: %w", err)
	}

	return &state, nil
}

// CompareAndSwap writes the new window only if nobody else has since the read.
// A lost race returns false and is safe to discard: the condition the caller
// observed is already recorded.
func (r *throttleRepository) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, retryAfter time.Time) (bool, error) {
	query := `
		UPDATE throttle_state
		SET retry_after = $1, version = version + 1, updated_at = NOW()
		WHERE key = $2 AND version = $3
	`

	result, err := r.db.ExecContext(ctx, query, retryAfter, key, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update throttle state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
