package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/repository"
)

type payloadRepository struct {
	BaseRepository
}

func NewPayloadRepository(base BaseRepository) repository.PayloadRepository {
	return &payloadRepository{base}
}

// Put stores the rendered payload blob and returns its reference. The payload
// is immutable per notification, so a re-run overwrites with identical bytes.
func (r *payloadRepository) Put(ctx context.Context, notificationID uuid.UUID, payload []byte) (string, error) {
	ref := uuid.New().String()
	query := `
		INSERT INTO notification_payloads (notification_id, ref, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (notification_id) DO UPDATE SET payload = EXCLUDED.payload
		RETURNING ref
	`

	if err := r.db.GetContext(ctx, &ref, query, notificationID, ref, payload); err != nil {
		return "", fmt.Errorf("failed to store payload: %w", err)
	}

	return ref, nil
}

func (r *payloadRepository) Get(ctx context.Context, notificationID uuid.UUID) ([]byte, error) {
	query := `
		SELECT payload
		FROM notification_payloads
		WHERE notification_id = $1
	`

	var payload []byte
	err := r.db.GetContext(ctx, &payload, query, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}

	return payload, nil
}
