package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
)

type aggregateResult struct {
	Counts model.RecipientCounts `json:"counts"`
	Done   bool                  `json:"done"`
}

// aggregate polls recipient counts until every row is terminal, then writes
// the terminal notification status. Polling runs at two speeds: responsive
// while sending is active, slower during long tails. If the safety-net window
// passes first, stragglers are forced to Unknown and the notification is
// completed anyway.
func (p *Pipeline) aggregate(ctx context.Context, wf *workflow.Context, id uuid.UUID) error {
	start, err := wf.Now(ctx)
	if err != nil {
		return err
	}

	for {
		now, err := wf.Now(ctx)
		if err != nil {
			return err
		}

		elapsed := now.Sub(start)
		if elapsed > p.cfg.AggregateSafetyNet {
			return wf.Execute(ctx, "force-complete", nil, func(ctx context.Context) (interface{}, error) {
				return nil, p.forceComplete(ctx, id)
			})
		}

		interval := p.cfg.AggregateFastInterval
		if elapsed >= p.cfg.AggregateFastWindow {
			interval = p.cfg.AggregateSlowInterval
		}
		if err := wf.Sleep(ctx, interval); err != nil {
			return err
		}

		var result aggregateResult
		err = wf.Execute(ctx, "aggregate-counts", &result, func(ctx context.Context) (interface{}, error) {
			return p.aggregateCounts(ctx, id)
		})
		if err != nil {
			return err
		}

		if result.Done {
			return wf.Execute(ctx, "finalize", nil, func(ctx context.Context) (interface{}, error) {
				return nil, p.notifications.MarkSent(ctx, id, result.Counts)
			})
		}
	}
}

func (p *Pipeline) aggregateCounts(ctx context.Context, id uuid.UUID) (aggregateResult, error) {
	counts, err := p.recipients.CountsByStatus(ctx, id)
	if err != nil {
		return aggregateResult{}, err
	}
	if err := p.notifications.UpdateCounters(ctx, id, counts); err != nil {
		return aggregateResult{}, err
	}
	return aggregateResult{Counts: counts, Done: counts.AllTerminal()}, nil
}

// forceComplete is the safety net: non-terminal recipients become Unknown and
// the notification goes terminal rather than polling indefinitely.
func (p *Pipeline) forceComplete(ctx context.Context, id uuid.UUID) error {
	forced, err := p.recipients.ForceCompleteNonTerminal(ctx, id)
	if err != nil {
		return err
	}
	if forced > 0 {
		p.logger.Warn("forced completion of straggler recipients",
			"notification_id", id.String(), "count", forced)
	}

	counts, err := p.recipients.CountsByStatus(ctx, id)
	if err != nil {
		return err
	}
	return p.notifications.MarkSent(ctx, id, counts)
}
