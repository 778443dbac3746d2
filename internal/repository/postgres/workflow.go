package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/repository"
)

type workflowRepository struct {
	BaseRepository
}

func NewWorkflowRepository(base BaseRepository) repository.WorkflowRepository {
	return &workflowRepository{base}
}

func (r *workflowRepository) CreateInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances (
			id, kind, lineage_id, input, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`

	if _, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.Kind, inst.LineageID, inst.Input, inst.Status); err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

func (r *workflowRepository) GetInstance(ctx context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	query := `
		SELECT id, kind, lineage_id, input, status, error_message, created_at, updated_at
		FROM workflow_instances
		WHERE id = $1
	`

	var inst model.WorkflowInstance
	if err := r.db.GetContext(ctx, &inst, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow instance %s not found", id)
		}
		return nil, fmt.Errorf("failed to get workflow instance: %w", err)
	}

	return &inst, nil
}

func (r *workflowRepository) ListRunning(ctx context.Context, kind string, limit int) ([]*model.WorkflowInstance, error) {
	query := `
		SELECT id, kind, lineage_id, input, status, error_message, created_at, updated_at
		FROM workflow_instances
		WHERE kind = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	var instances []*model.WorkflowInstance
	if err := r.db.SelectContext(ctx, &instances, query, kind, model.WorkflowStatusRunning, limit); err != nil {
		return nil, fmt.Errorf("failed to list running workflow instances: %w", err)
	}

	return instances, nil
}

func (r *workflowRepository) UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status model.WorkflowStatus, errorMessage *string) error {
	query := `
		UPDATE workflow_instances
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workflow instance not found")
	}

	return nil
}

// ContinueInstance closes the current instance and inserts its successor in
// one transaction. A crash can therefore never leave the lineage without a
// RUNNING instance.
func (r *workflowRepository) ContinueInstance(ctx context.Context, currentID uuid.UUID, next *model.WorkflowInstance) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE workflow_instances
			SET status = $1, updated_at = NOW()
			WHERE id = $2
		`, model.WorkflowStatusContinued, currentID)
		if err != nil {
			return fmt.Errorf("failed to close continued workflow instance: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("workflow instance not found")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_instances (
				id, kind, lineage_id, input, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		`, next.ID, next.Kind, next.LineageID, next.Input, next.Status); err != nil {
			return fmt.Errorf("failed to create successor workflow instance: %w", err)
		}
		return nil
	})
}

func (r *workflowRepository) GetSteps(ctx context.Context, instanceID uuid.UUID) ([]*model.WorkflowStep, error) {
	query := `
		SELECT instance_id, seq, name, result, completed_at
		FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY seq ASC
	`

	var steps []*model.WorkflowStep
	if err := r.db.SelectContext(ctx, &steps, query, instanceID); err != nil {
		return nil, fmt.Errorf("failed to get workflow steps: %w", err)
	}

	return steps, nil
}

// RecordStep memoizes a completed activity result. The conflict guard keeps a
// crashed-and-resumed run from overwriting a result a parallel branch already
// committed for the same seq.
func (r *workflowRepository) RecordStep(ctx context.Context, step *model.WorkflowStep) error {
	query := `
		INSERT INTO workflow_steps (instance_id, seq, name, result, completed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (instance_id, seq) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, step.InstanceID, step.Seq, step.Name, step.Result); err != nil {
		return fmt.Errorf("failed to record workflow step: %w", err)
	}
	return nil
}
