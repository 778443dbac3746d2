package model

import "github.com/google/uuid"

// Queue names. Prepare tasks drive the pipeline workflow, delivery tasks fan
// out one per recipient, dead-lettered tasks are parked for inspection.
const (
	QueuePrepare    = "notifications:prepare"
	QueueDelivery   = "notifications:delivery"
	QueueDeadLetter = "notifications:deadletter"
)

// PrepareTask kicks off the delivery pipeline for one notification.
type PrepareTask struct {
	NotificationID uuid.UUID `json:"notification_id" validate:"required"`
}

// DeliveryTask is one per-recipient send unit. ConversationHandle and
// PayloadRef are snapshots taken at dispatch time; the worker re-reads the row
// before acting on them.
type DeliveryTask struct {
	NotificationID     uuid.UUID `json:"notification_id" validate:"required"`
	RecipientRowID     int64     `json:"recipient_row_id" validate:"required,gt=0"`
	RecipientID        string    `json:"recipient_id" validate:"required"`
	ConversationHandle *string   `json:"conversation_handle,omitempty"`
	PayloadRef         *string   `json:"payload_ref,omitempty"`
}
