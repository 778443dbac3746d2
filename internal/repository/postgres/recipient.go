package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
)

const recipientColumns = `
	row_id, notification_id, recipient_id, kind, conversation_handle,
	status, retry_count, status_code, error_message, sent_at,
	created_at, updated_at
`

type recipientRepository struct {
	BaseRepository
}

func NewRecipientRepository(base BaseRepository) repository.RecipientRepository {
	return &recipientRepository{base}
}

// BulkUpsert inserts recipient rows, skipping duplicates via the
// (notification_id, recipient_id) unique constraint. RowsAffected therefore
// counts only the rows actually inserted, so overlapping audiences report the
// union size rather than the sum.
func (r *recipientRepository) BulkUpsert(ctx context.Context, notificationID uuid.UUID, users []model.ResolvedUser) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}

	var inserted int64
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		values := make([]string, 0, len(users))
		args := make([]interface{}, 0, len(users)*3+1)
		args = append(args, notificationID)
		for i, u := range users {
			kind := u.Kind
			if kind == "" {
				kind = model.RecipientKindUser
			}
			values = append(values, fmt.Sprintf("($1, $%d, $%d, $%d, NOW(), NOW())", i*3+2, i*3+3, i*3+4))
			args = append(args, u.ID, kind, model.DeliveryStatusQueued)
		}

		query := fmt.Sprintf(`
			INSERT INTO notification_recipients (
				notification_id, recipient_id, kind, status, created_at, updated_at
			) VALUES %s
			ON CONFLICT (notification_id, recipient_id) DO NOTHING
		`, strings.Join(values, ", "))

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to upsert recipients: %w", err)
		}

		inserted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(inserted), nil
}

func (r *recipientRepository) Get(ctx context.Context, rowID int64) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM notification_recipients WHERE row_id = $1`

	var recipient model.Recipient
	if err := r.db.GetContext(ctx, &recipient, query, rowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}

	return &recipient, nil
}

func (r *recipientRepository) NextPage(ctx context.Context, notificationID uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM notification_recipients
		WHERE notification_id = $1 AND row_id > $2 AND kind = $3
		ORDER BY row_id ASC
		LIMIT $4
	`

	var recipients []*model.Recipient
	if err := r.db.SelectContext(ctx, &recipients, query, notificationID, afterRowID, model.RecipientKindUser, limit); err != nil {
		return nil, fmt.Errorf("failed to load recipient page: %w", err)
	}

	return recipients, nil
}

func (r *recipientRepository) PagePendingSend(ctx context.Context, notificationID uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM notification_recipients
		WHERE notification_id = $1 AND row_id > $2
		  AND status = $3 AND conversation_handle IS NOT NULL
		ORDER BY row_id ASC
		LIMIT $4
	`

	var recipients []*model.Recipient
	if err := r.db.SelectContext(ctx, &recipients, query, notificationID, afterRowID, model.DeliveryStatusQueued, limit); err != nil {
		return nil, fmt.Errorf("failed to load pending send page: %w", err)
	}

	return recipients, nil
}

func (r *recipientRepository) SetConversationHandle(ctx context.Context, rowID int64, handle string) error {
	query := `
		UPDATE notification_recipients
		SET conversation_handle = $1, updated_at = NOW()
		WHERE row_id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, handle, rowID); err != nil {
		return fmt.Errorf("failed to set conversation handle: %w", err)
	}
	return nil
}

func (r *recipientRepository) SetConversationHandleByRecipient(ctx context.Context, notificationID uuid.UUID, recipientID, handle string) error {
	query := `
		UPDATE notification_recipients
		SET conversation_handle = $1, updated_at = NOW()
		WHERE notification_id = $2 AND recipient_id = $3
	`

	if _, err := r.db.ExecContext(ctx, query, handle, notificationID, recipientID); err != nil {
		return fmt.Errorf("failed to set conversation handle by recipient: %w", err)
	}
	return nil
}

func (r *recipientRepository) CountPendingHandles(ctx context.Context, notificationID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notification_recipients
		WHERE notification_id = $1 AND kind = $2 AND conversation_handle IS NULL
		  AND status = $3
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, notificationID, model.RecipientKindUser, model.DeliveryStatusQueued); err != nil {
		return 0, fmt.Errorf("failed to count pending handles: %w", err)
	}

	return count, nil
}

func (r *recipientRepository) PagePendingHandles(ctx context.Context, notificationID uuid.UUID, limit int) ([]*model.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM notification_recipients
		WHERE notification_id = $1 AND kind = $2 AND conversation_handle IS NULL
		  AND status = $3
		ORDER BY row_id ASC
		LIMIT $4
	`

	var recipients []*model.Recipient
	if err := r.db.SelectContext(ctx, &recipients, query, notificationID, model.RecipientKindUser, model.DeliveryStatusQueued, limit); err != nil {
		return nil, fmt.Errorf("failed to load pending handle page: %w", err)
	}

	return recipients, nil
}

func (r *recipientRepository) MarkUnreachable(ctx context.Context, notificationID uuid.UUID, reason string) (int, error) {
	query := `
		UPDATE notification_recipients
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE notification_id = $3 AND kind = $4
		  AND conversation_handle IS NULL AND status = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		model.DeliveryStatusNotFound, reason, notificationID, model.RecipientKindUser, model.DeliveryStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("failed to mark unreachable recipients: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

func (r *recipientRepository) UpdateDeliveryStatus(ctx context.Context, rowID int64, status model.DeliveryStatus, update model.DeliveryUpdate) error {
	query := `
		UPDATE notification_recipients
		SET status = $1,
			status_code = COALESCE($2, status_code),
			error_message = COALESCE($3, error_message),
			sent_at = COALESCE($4, sent_at),
			updated_at = NOW()
		WHERE row_id = $5
	`

	result, err := r.db.ExecContext(ctx, query, status, update.StatusCode, update.ErrorMessage, update.SentAt, rowID)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("recipient row not found")
	}

	return nil
}

func (r *recipientRepository) IncrementRetry(ctx context.Context, rowID int64) (int, error) {
	query := `
		UPDATE notification_recipients
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE row_id = $1
		RETURNING retry_count
	`

	var count int
	if err := r.db.GetContext(ctx, &count, query, rowID); err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	return count, nil
}

func (r *recipientRepository) CountsByStatus(ctx context.Context, notificationID uuid.UUID) (model.RecipientCounts, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $2) AS succeeded,
			COUNT(*) FILTER (WHERE status = $3) AS failed,
			COUNT(*) FILTER (WHERE status = $4) AS not_found,
			COUNT(*) FILTER (WHERE status = $5) AS canceled,
			COUNT(*) FILTER (WHERE status = $6) AS unknown,
			COUNT(*) FILTER (WHERE status IN ($7, $8)) AS pending
		FROM notification_recipients
		WHERE notification_id = $1
	`

	var counts model.RecipientCounts
	err := r.db.GetContext(ctx, &counts, query, notificationID,
		model.DeliveryStatusSucceeded, model.DeliveryStatusFailed,
		model.DeliveryStatusNotFound, model.DeliveryStatusCanceled, model.DeliveryStatusUnknown,
		model.DeliveryStatusQueued, model.DeliveryStatusRetrying)
	if err != nil {
		return model.RecipientCounts{}, fmt.Errorf("failed to count recipients by status: %w", err)
	}

	return counts, nil
}

func (r *recipientRepository) ForceCompleteNonTerminal(ctx context.Context, notificationID uuid.UUID) (int, error) {
	reason := "forced complete by safety net"
	query := `
		UPDATE notification_recipients
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE notification_id = $3 AND status IN ($4, $5)
	`

	result, err := r.db.ExecContext(ctx, query,
		model.DeliveryStatusUnknown, reason, notificationID,
		model.DeliveryStatusQueued, model.DeliveryStatusRetrying)
	if err != nil {
		return 0, fmt.Errorf("failed to force complete recipients: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}
