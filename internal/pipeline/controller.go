package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
)

// Run is the pipeline controller workflow body: store payload → resolve
// recipients → persist count → install app → dispatch → aggregate. Each step
// is a discrete retriable activity; the aggregator writes the terminal
// notification status. A checkpoint restart re-enters at the install stage
// with the carried cursor and skips the completed stages.
func (p *Pipeline) Run(ctx context.Context, wf *workflow.Context, rawInput json.RawMessage) error {
	var input Input
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return fmt.Errorf("failed to unmarshal pipeline input: %w", err)
	}

	id := input.NotificationID

	if input.Stage == StageStart {
		if err := wf.Execute(ctx, "store-payload", nil, func(ctx context.Context) (interface{}, error) {
			return nil, p.storePayload(ctx, id)
		}); err != nil {
			return err
		}

		total, err := p.resolveRecipients(ctx, wf, id)
		if err != nil {
			return err
		}

		if err := wf.Execute(ctx, "persist-recipient-count", nil, func(ctx context.Context) (interface{}, error) {
			return nil, p.notifications.SetTotalRecipients(ctx, id, total)
		}); err != nil {
			return err
		}
	}

	if err := p.installApp(ctx, wf, input); err != nil {
		return err
	}

	if err := p.dispatch(ctx, wf, id); err != nil {
		return err
	}

	return p.aggregate(ctx, wf, id)
}

// payloadEnvelope is the opaque blob handed to the messaging channel. The
// pipeline never interprets it; rendering belongs to the authoring subsystem.
type payloadEnvelope struct {
	NotificationID uuid.UUID `json:"notification_id"`
	TenantID       string    `json:"tenant_id"`
	Title          string    `json:"title"`
}

// storePayload snapshots the notification into the payload store as the
// delivery blob, records the reference and moves the notification into
// recipient sync.
func (p *Pipeline) storePayload(ctx context.Context, id uuid.UUID) error {
	n, err := p.notifications.Get(ctx, id)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(payloadEnvelope{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Title:          n.Title,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ref, err := p.payloads.Put(ctx, id, blob)
	if err != nil {
		return err
	}
	if err := p.notifications.SetPayloadRef(ctx, id, ref); err != nil {
		return err
	}

	return p.notifications.UpdateStatus(ctx, id, model.NotificationStatusSyncingRecipients)
}
