// Package pipeline implements the broadcast delivery workflows: recipient
// resolution, target-app installation, throttled fan-out dispatch and status
// aggregation, sequenced by the pipeline controller.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/repository"
	"github.com/jwalitptl/broadcast-api/pkg/directory"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
)

// WorkflowKind is the registered kind of the notification pipeline workflow.
const WorkflowKind = "notification_pipeline"

// Stage names a controller phase a checkpoint restart resumes from.
type Stage string

const (
	StageStart   Stage = ""
	StageInstall Stage = "install"
)

// InstallerCursor is the App Installer checkpoint carried across workflow
// re-entries. It belongs to a single workflow lineage and bounds engine state
// at large audiences.
type InstallerCursor struct {
	LastSeenRowID    int64     `json:"last_seen_row_id"`
	CarriedInstalled int       `json:"carried_installed"`
	CarriedFailed    int       `json:"carried_failed"`
	Deadline         time.Time `json:"deadline"`
}

// Input drives one pipeline workflow instance. Stage and Cursor are zero on
// first entry and populated by checkpoint restarts.
type Input struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	Stage          Stage            `json:"stage,omitempty"`
	Cursor         *InstallerCursor `json:"cursor,omitempty"`
}

// Pipeline wires the workflow bodies to their collaborators.
type Pipeline struct {
	notifications repository.NotificationRepository
	recipients    repository.RecipientRepository
	payloads      repository.PayloadRepository
	directory     directory.Client
	queue         messaging.TaskQueue
	cfg           config.PipelineConfig
	logger        *logger.Logger
}

func New(
	notifications repository.NotificationRepository,
	recipients repository.RecipientRepository,
	payloads repository.PayloadRepository,
	directory directory.Client,
	queue messaging.TaskQueue,
	cfg config.PipelineConfig,
	logger *logger.Logger,
) *Pipeline {
	return &Pipeline{
		notifications: notifications,
		recipients:    recipients,
		payloads:      payloads,
		directory:     directory,
		queue:         queue,
		cfg:           cfg,
		logger:        logger,
	}
}
