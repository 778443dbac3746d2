package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
)

// All repository interfaces in one file
type (
	// NotificationRepository handles notification lifecycle and counters.
	NotificationRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		GetAudiences(ctx context.Context, id uuid.UUID) ([]model.AudienceEntry, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.NotificationStatus) error
		SetPayloadRef(ctx context.Context, id uuid.UUID, ref string) error
		SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error
		UpdateCounters(ctx context.Context, id uuid.UUID, counts model.RecipientCounts) error
		MarkSent(ctx context.Context, id uuid.UUID, counts model.RecipientCounts) error
		ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
		MarkQueued(ctx context.Context, id uuid.UUID) (bool, error)
	}

	// RecipientRepository handles the per-recipient delivery records.
	RecipientRepository interface {
		// BulkUpsert inserts rows for the given users, skipping ones already
		// present for the notification, and returns the number actually
		// inserted so overlapping audiences sum to the union size.
		BulkUpsert(ctx context.Context, notificationID uuid.UUID, users []model.ResolvedUser) (int, error)
		Get(ctx context.Context, rowID int64) (*model.Recipient, error)
		// NextPage returns up to limit rows with row_id > afterRowID, ordered
		// by row_id (keyset pagination).
		NextPage(ctx context.Context, notificationID uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error)
		// PagePendingSend returns up to limit rows still QUEUED with a
		// resolved conversation handle. The scan is over unsent rows, not a
		// moving offset, so it is stable under concurrent status mutation.
		PagePendingSend(ctx context.Context, notificationID uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error)
		SetConversationHandle(ctx context.Context, rowID int64, handle string) error
		SetConversationHandleByRecipient(ctx context.Context, notificationID uuid.UUID, recipientID, handle string) error
		CountPendingHandles(ctx context.Context, notificationID uuid.UUID) (int, error)
		// PagePendingHandles returns user rows still lacking a conversation
		// handle, for the refresh activity.
		PagePendingHandles(ctx context.Context, notificationID uuid.UUID, limit int) ([]*model.Recipient, error)
		MarkUnreachable(ctx context.Context, notificationID uuid.UUID, reason string) (int, error)
		UpdateDeliveryStatus(ctx context.Context, rowID int64, status model.DeliveryStatus, update model.DeliveryUpdate) error
		IncrementRetry(ctx context.Context, rowID int64) (int, error)
		CountsByStatus(ctx context.Context, notificationID uuid.UUID) (model.RecipientCounts, error)
		// ForceCompleteNonTerminal marks every non-terminal row UNKNOWN and
		// returns the number affected (aggregator safety net).
		ForceCompleteNonTerminal(ctx context.Context, notificationID uuid.UUID) (int, error)
	}

	// ThrottleRepository holds the single shared send-window row.
	ThrottleRepository interface {
		Get(ctx context.Context, key string) (*model.ThrottleState, error)
		// CompareAndSwap updates the row's retry_after only if the version
		// still matches; returns false on a lost race.
		CompareAndSwap(ctx context.Context, key string, expectedVersion int64, retryAfter time.Time) (bool, error)
	}

	// PayloadRepository is the table-backed payload store.
	PayloadRepository interface {
		Put(ctx context.Context, notificationID uuid.UUID, payload []byte) (ref string, err error)
		Get(ctx context.Context, notificationID uuid.UUID) ([]byte, error)
	}

	// WorkflowRepository persists workflow instances and memoized steps.
	WorkflowRepository interface {
		CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error
		GetInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error)
		ListRunning(ctx context.Context, kind string, limit int) ([]*model.WorkflowInstance, error)
		UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus, errorMessage *string) error
		// ContinueInstance atomically closes the current instance as
		// CONTINUED and creates its successor.
		ContinueInstance(ctx context.Context, currentID uuid.UUID, next *model.WorkflowInstance) error
		GetSteps(ctx context.Context, instanceID uuid.UUID) ([]*model.WorkflowStep, error)
		RecordStep(ctx context.Context, step *model.WorkflowStep) error
	}
)
