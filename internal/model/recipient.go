package model

import (
	"time"

	"github.com/google/uuid"
)

type RecipientKind string

const (
	RecipientKindUser RecipientKind = "USER"
	RecipientKindTeam RecipientKind = "TEAM"
)

type DeliveryStatus string

const (
	DeliveryStatusQueued    DeliveryStatus = "QUEUED"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
	DeliveryStatusSucceeded DeliveryStatus = "SUCCEEDED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusNotFound  DeliveryStatus = "RECIPIENT_NOT_FOUND"
	DeliveryStatusCanceled  DeliveryStatus = "CANCELED"
	DeliveryStatusUnknown   DeliveryStatus = "UNKNOWN"
)

func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusSucceeded, DeliveryStatusFailed, DeliveryStatusNotFound, DeliveryStatusCanceled, DeliveryStatusUnknown:
		return true
	}
	return false
}

// Recipient is the per-(notification, recipient) delivery record. RowID is a
// monotonic BIGSERIAL used for keyset pagination; at most one row exists per
// (NotificationID, RecipientID).
type Recipient struct {
	RowID              int64          `json:"row_id" db:"row_id"`
	NotificationID     uuid.UUID      `json:"notification_id" db:"notification_id"`
	RecipientID        string         `json:"recipient_id" db:"recipient_id"`
	Kind               RecipientKind  `json:"kind" db:"kind"`
	ConversationHandle *string        `json:"conversation_handle,omitempty" db:"conversation_handle"`
	Status             DeliveryStatus `json:"status" db:"status"`
	RetryCount         int            `json:"retry_count" db:"retry_count"`
	StatusCode         *int           `json:"status_code,omitempty" db:"status_code"`
	ErrorMessage       *string        `json:"error_message,omitempty" db:"error_message"`
	SentAt             *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" db:"updated_at"`
}

// DeliveryUpdate carries the optional fields written alongside a delivery
// status transition. Nil fields are left untouched.
type DeliveryUpdate struct {
	StatusCode   *int
	ErrorMessage *string
	SentAt       *time.Time
}

// ResolvedUser is one directory entry produced by audience resolution.
type ResolvedUser struct {
	ID   string
	Kind RecipientKind
}
