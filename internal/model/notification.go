package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusDraft             NotificationStatus = "DRAFT"
	NotificationStatusScheduled         NotificationStatus = "SCHEDULED"
	NotificationStatusQueued            NotificationStatus = "QUEUED"
	NotificationStatusSyncingRecipients NotificationStatus = "SYNCING_RECIPIENTS"
	NotificationStatusInstallingApp     NotificationStatus = "INSTALLING_APP"
	NotificationStatusSending           NotificationStatus = "SENDING"
	NotificationStatusSent              NotificationStatus = "SENT"
	NotificationStatusCanceled          NotificationStatus = "CANCELED"
	NotificationStatusFailed            NotificationStatus = "FAILED"
)

// IsTerminal reports whether no further status transition is allowed.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case NotificationStatusSent, NotificationStatusCanceled, NotificationStatusFailed:
		return true
	}
	return false
}

type AudienceType string

const (
	AudienceTypeTeam   AudienceType = "TEAM"
	AudienceTypeRoster AudienceType = "ROSTER"
	AudienceTypeGroup  AudienceType = "GROUP"
)

// AudienceEntry identifies one delivery target: a team, a team's roster or a
// directory group.
type AudienceEntry struct {
	Type AudienceType `json:"type" db:"type"`
	ID   string       `json:"id" db:"target_id"`
}

type Notification struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	TenantID    string             `json:"tenant_id" db:"tenant_id"`
	Title       string             `json:"title" db:"title"`
	AllUsers    bool               `json:"all_users" db:"all_users"`
	Status      NotificationStatus `json:"status" db:"status"`
	PayloadRef  *string            `json:"payload_ref,omitempty" db:"payload_ref"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	Succeeded       int `json:"succeeded" db:"succeeded"`
	Failed          int `json:"failed" db:"failed"`
	NotFound        int `json:"not_found" db:"not_found"`
	Canceled        int `json:"canceled" db:"canceled"`
	Unknown         int `json:"unknown" db:"unknown"`

	// Audiences is loaded separately; only meaningful when AllUsers is false.
	Audiences []AudienceEntry `json:"audiences,omitempty" db:"-"`
}

// RecipientCounts is the aggregate view over a notification's recipient rows.
type RecipientCounts struct {
	Total     int `db:"total"`
	Succeeded int `db:"succeeded"`
	Failed    int `db:"failed"`
	NotFound  int `db:"not_found"`
	Canceled  int `db:"canceled"`
	Unknown   int `db:"unknown"`
	Pending   int `db:"pending"`
}

// AllTerminal reports whether every recipient reached a terminal status.
func (c RecipientCounts) AllTerminal() bool {
	return c.Pending == 0
}
