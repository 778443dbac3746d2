package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusContinued WorkflowStatus = "CONTINUED"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
)

// WorkflowInstance is one run of a workflow function. A checkpoint restart
// closes the instance as CONTINUED and opens a fresh one in the same lineage
// with the carried-forward input, discarding the old step history.
type WorkflowInstance struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Kind         string          `db:"kind" json:"kind"`
	LineageID    uuid.UUID       `db:"lineage_id" json:"lineage_id"`
	Input        json.RawMessage `db:"input" json:"input"`
	Status       WorkflowStatus  `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkflowStep is the memoized result of one completed activity (or timer).
// Seq is the deterministic position of the step within its instance; on
// re-entry a recorded step is returned instead of re-running the side effect.
type WorkflowStep struct {
	InstanceID  uuid.UUID       `db:"instance_id" json:"instance_id"`
	Seq         int             `db:"seq" json:"seq"`
	Name        string          `db:"name" json:"name"`
	Result      json.RawMessage `db:"result" json:"result"`
	CompletedAt time.Time       `db:"completed_at" json:"completed_at"`
}
