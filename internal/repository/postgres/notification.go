package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
	apperrors "github.com/jwalitptl/broadcast-api/pkg/errors"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := `
		SELECT id, tenant_id, title, all_users, status, payload_ref,
			   scheduled_at, sent_at, created_at, updated_at,
			   total_recipients, succeeded, failed, not_found, canceled, unknown
		FROM notifications
		WHERE id = $1
	`

	var n model.Notification
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("notification", err)
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return &n, nil
}

func (r *notificationRepository) GetAudiences(ctx context.Context, id uuid.UUID) ([]model.AudienceEntry, error) {
	query := `
		SELECT type, target_id
		FROM notification_audiences
		WHERE notification_id = $1
		ORDER BY target_id
	`

	var audiences []model.AudienceEntry
	if err := r.db.SelectContext(ctx, &audiences, query, id); err != nil {
		return nil, fmt.Errorf("failed to get audiences: %w", err)
	}

	return audiences, nil
}

func (r *notificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus) error {
	query := `
		UPDATE notifications
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("notification not found")
	}

	return nil
}

func (r *notificationRepository) SetPayloadRef(ctx context.Context, id uuid.UUID, ref string) error {
	query := `
		UPDATE notifications
		SET payload_ref = $1, updated_at = NOW()
		WHERE id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, ref, id); err != nil {
		return fmt.Errorf("failed to set payload ref: %w", err)
	}
	return nil
}

func (r *notificationRepository) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	query := `
		UPDATE notifications
		SET total_recipients = $1, updated_at = NOW()
		WHERE id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, total, id); err != nil {
		return fmt.Errorf("failed to set total recipients: %w", err)
	}
	return nil
}

func (r *notificationRepository) UpdateCounters(ctx context.Context, id uuid.UUID, counts model.RecipientCounts) error {
	query := `
		UPDATE notifications
		SET succeeded = $1, failed = $2, not_found = $3, canceled = $4,
			unknown = $5, updated_at = NOW()
		WHERE id = $6
	`

	if _, err := r.db.ExecContext(ctx, query,
		counts.Succeeded, counts.Failed, counts.NotFound, counts.Canceled, counts.Unknown, id); err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

func (r *notificationRepository) MarkSent(ctx context.Context, id uuid.UUID, counts model.RecipientCounts) error {
	query := `
		UPDATE notifications
		SET status = $1, succeeded = $2, failed = $3, not_found = $4,
			canceled = $5, unknown = $6, sent_at = NOW(), updated_at = NOW()
		WHERE id = $7 AND status NOT IN ($8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		model.NotificationStatusSent,
		counts.Succeeded, counts.Failed, counts.NotFound, counts.Canceled, counts.Unknown,
		id, model.NotificationStatusCanceled, model.NotificationStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	query := `
		SELECT id, tenant_id, title, all_users, status, payload_ref,
			   scheduled_at, sent_at, created_at, updated_at,
			   total_recipients, succeeded, failed, not_found, canceled, unknown
		FROM notifications
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`

	var notifications []*model.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, model.NotificationStatusScheduled, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due scheduled notifications: %w", err)
	}

	return notifications, nil
}

// MarkQueued promotes a Scheduled notification to Queued. The status guard
// makes concurrent scheduler runs race-safe: only one promotion wins.
func (r *notificationRepository) MarkQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.ExecContext(ctx, query, model.NotificationStatusQueued, id, model.NotificationStatusScheduled)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification queued: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
