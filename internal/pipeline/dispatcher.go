package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
)

type dispatchPage struct {
	Enqueued  int   `json:"enqueued"`
	LastRowID int64 `json:"last_row_id"`
}

// dispatch enqueues one delivery task per recipient row still queued with a
// resolved conversation handle, page by page until a page comes back empty.
// The scan is keyset over unsent rows, so delivery workers racing ahead and
// flipping statuses cannot cause skips or duplicates at this stage.
func (p *Pipeline) dispatch(ctx context.Context, wf *workflow.Context, id uuid.UUID) error {
	if err := wf.Execute(ctx, "mark-sending", nil, func(ctx context.Context) (interface{}, error) {
		return nil, p.notifications.UpdateStatus(ctx, id, model.NotificationStatusSending)
	}); err != nil {
		return err
	}

	var afterRowID int64
	for {
		var page dispatchPage
		err := wf.Execute(ctx, "dispatch-page", &page, func(ctx context.Context) (interface{}, error) {
			return p.dispatchPage(ctx, id, afterRowID)
		})
		if err != nil {
			return err
		}
		if page.Enqueued == 0 {
			return nil
		}
		afterRowID = page.LastRowID
	}
}

func (p *Pipeline) dispatchPage(ctx context.Context, id uuid.UUID, afterRowID int64) (dispatchPage, error) {
	recipients, err := p.recipients.PagePendingSend(ctx, id, afterRowID, p.cfg.DispatchPageSize)
	if err != nil {
		return dispatchPage{}, err
	}
	if len(recipients) == 0 {
		return dispatchPage{}, nil
	}

	n, err := p.notifications.Get(ctx, id)
	if err != nil {
		return dispatchPage{}, err
	}

	page := dispatchPage{LastRowID: afterRowID}
	for _, r := range recipients {
		task := model.DeliveryTask{
			NotificationID:     id,
			RecipientRowID:     r.RowID,
			RecipientID:        r.RecipientID,
			ConversationHandle: r.ConversationHandle,
			PayloadRef:         n.PayloadRef,
		}
		if err := p.queue.Enqueue(ctx, model.QueueDelivery, task); err != nil {
			return dispatchPage{}, err
		}
		page.Enqueued++
		page.LastRowID = r.RowID
	}

	return page, nil
}
