package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
)

// installPages is the result of one load-install-pages activity: up to
// pagesPerLoad pages of recipient ids, keyset-ordered by row id.
type installPages struct {
	Pages     [][]string `json:"pages"`
	LastRowID int64      `json:"last_row_id"`
	More      bool       `json:"more"`
}

type installResult struct {
	Installed int `json:"installed"`
	Failed    int `json:"failed"`
}

type refreshResult struct {
	Refreshed    int `json:"refreshed"`
	StillPending int `json:"still_pending"`
}

// installApp ensures every recipient can receive messages before dispatch:
// paginated user fan-out in waves with checkpoint restarts, a single team
// install activity, then adaptive polling until conversation handles
// propagate. Recipients still lacking a handle at the end are marked
// unreachable.
func (p *Pipeline) installApp(ctx context.Context, wf *workflow.Context, input Input) error {
	id := input.NotificationID

	cursor := input.Cursor
	if cursor == nil {
		if err := wf.Execute(ctx, "mark-installing", nil, func(ctx context.Context) (interface{}, error) {
			return nil, p.notifications.UpdateStatus(ctx, id, model.NotificationStatusInstallingApp)
		}); err != nil {
			return err
		}

		now, err := wf.Now(ctx)
		if err != nil {
			return err
		}
		// The polling budget is fixed on first entry and carried in the
		// cursor so checkpoint restarts cannot extend it.
		budget := time.Duration(p.cfg.HandlePollAttempts) * p.cfg.HandlePollInterval * 2
		cursor = &InstallerCursor{Deadline: now.Add(budget)}
	}

	if err := p.installUsers(ctx, wf, id, cursor); err != nil {
		return err
	}

	if err := wf.Execute(ctx, "install-teams", nil, func(ctx context.Context) (interface{}, error) {
		return nil, p.installTeams(ctx, id)
	}); err != nil {
		return err
	}

	if err := p.pollConversationHandles(ctx, wf, id, cursor.Deadline); err != nil {
		return err
	}

	var unreachable int
	if err := wf.Execute(ctx, "mark-unreachable", &unreachable, func(ctx context.Context) (interface{}, error) {
		return p.recipients.MarkUnreachable(ctx, id, "target not installed")
	}); err != nil {
		return err
	}
	if unreachable > 0 {
		p.logger.Warn("recipients unreachable after install",
			"notification_id", id.String(), "count", unreachable)
	}

	return nil
}

// installUsers walks user recipients in keyset pages, installing each page in
// a parallel activity. After installWaveRestart waves with more pages
// remaining, the workflow checkpoints: it restarts with the advanced cursor
// and accumulated counts, discarding prior history.
func (p *Pipeline) installUsers(ctx context.Context, wf *workflow.Context, id uuid.UUID, cursor *InstallerCursor) error {
	waves := 0
	for {
		var pages installPages
		err := wf.Execute(ctx, "load-install-pages", &pages, func(ctx context.Context) (interface{}, error) {
			return p.loadInstallPages(ctx, id, cursor.LastSeenRowID)
		})
		if err != nil {
			return err
		}

		if len(pages.Pages) == 0 {
			return nil
		}

		results := make([]installResult, len(pages.Pages))
		activities := make([]workflow.Activity, len(pages.Pages))
		for i, page := range pages.Pages {
			i, page := i, page
			activities[i] = workflow.Activity{
				Name: fmt.Sprintf("install-user-page-%d", i),
				Out:  &results[i],
				Fn: func(ctx context.Context) (interface{}, error) {
					return p.installUserPage(ctx, page)
				},
			}
		}
		if err := wf.Parallel(ctx, activities); err != nil {
			return err
		}

		for _, r := range results {
			cursor.CarriedInstalled += r.Installed
			cursor.CarriedFailed += r.Failed
		}
		cursor.LastSeenRowID = pages.LastRowID
		waves++

		if !pages.More {
			return nil
		}
		if waves >= p.cfg.InstallWaveRestart {
			return workflow.ContinueAsNew(Input{
				NotificationID: id,
				Stage:          StageInstall,
				Cursor:         cursor,
			})
		}
	}
}

func (p *Pipeline) loadInstallPages(ctx context.Context, id uuid.UUID, afterRowID int64) (installPages, error) {
	result := installPages{LastRowID: afterRowID}
	for i := 0; i < p.cfg.InstallPagesPerLoad; i++ {
		recipients, err := p.recipients.NextPage(ctx, id, result.LastRowID, p.cfg.InstallPageSize)
		if err != nil {
			return installPages{}, err
		}
		if len(recipients) == 0 {
			return result, nil
		}

		page := make([]string, len(recipients))
		for j, r := range recipients {
			page[j] = r.RecipientID
		}
		result.Pages = append(result.Pages, page)
		result.LastRowID = recipients[len(recipients)-1].RowID

		if len(recipients) < p.cfg.InstallPageSize {
			return result, nil
		}
	}
	result.More = true
	return result, nil
}

// installUserPage installs the target app for one page of users. The
// directory treats "already installed" as success, so re-running a page after
// a crash is idempotent.
func (p *Pipeline) installUserPage(ctx context.Context, userIDs []string) (installResult, error) {
	var result installResult
	for _, userID := range userIDs {
		ok, err := p.directory.InstallForUser(ctx, userID, p.cfg.TargetAppID)
		if err != nil {
			p.logger.Warn("app install failed", "user_id", userID, "error", err.Error())
			result.Failed++
			continue
		}
		if ok {
			result.Installed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// installTeams installs the app for every team-scope audience entry and
// stamps the team recipient rows with their channel handle. Team audiences
// have small fixed cardinality, so no pagination is needed.
func (p *Pipeline) installTeams(ctx context.Context, id uuid.UUID) error {
	entries, err := p.notifications.GetAudiences(ctx, id)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Type != model.AudienceTypeTeam {
			continue
		}
		if _, err := p.directory.InstallForTeam(ctx, entry.ID, p.cfg.TargetAppID); err != nil {
			return fmt.Errorf("failed to install app for team %s: %w", entry.ID, err)
		}
		if err := p.recipients.SetConversationHandleByRecipient(ctx, id, entry.ID, entry.ID); err != nil {
			return err
		}
	}
	return nil
}

// pollConversationHandles waits for installation to propagate: sleep with a
// growing multiplier, refresh handles, and stop on completion, exhausted
// attempts, the deadline, or three consecutive attempts without progress.
func (p *Pipeline) pollConversationHandles(ctx context.Context, wf *workflow.Context, id uuid.UUID, deadline time.Time) error {
	lastPending := -1
	noProgress := 0

	for attempt := 1; attempt <= p.cfg.HandlePollAttempts; attempt++ {
		if err := wf.Sleep(ctx, pollDelay(p.cfg.HandlePollInterval, attempt)); err != nil {
			return err
		}

		now, err := wf.Now(ctx)
		if err != nil {
			return err
		}
		if now.After(deadline) {
			p.logger.Warn("handle polling deadline passed", "notification_id", id.String())
			return nil
		}

		var result refreshResult
		err = wf.Execute(ctx, "refresh-handles", &result, func(ctx context.Context) (interface{}, error) {
			return p.refreshHandles(ctx, id)
		})
		if err != nil {
			return err
		}

		if result.StillPending == 0 {
			return nil
		}

		if lastPending >= 0 && result.StillPending >= lastPending {
			noProgress++
			if noProgress >= 3 {
				p.logger.Warn("handle polling stalled", "notification_id", id.String(),
					"still_pending", result.StillPending)
				return nil
			}
		} else {
			noProgress = 0
		}
		lastPending = result.StillPending
	}

	return nil
}

// pollDelay keeps the first attempts responsive and backs off afterwards to
// reduce directory load.
func pollDelay(interval time.Duration, attempt int) time.Duration {
	switch {
	case attempt <= 2:
		return interval
	case attempt <= 5:
		return time.Duration(float64(interval) * 1.5)
	default:
		return interval * 2
	}
}

func (p *Pipeline) refreshHandles(ctx context.Context, id uuid.UUID) (refreshResult, error) {
	var result refreshResult
	for {
		pending, err := p.recipients.PagePendingHandles(ctx, id, p.cfg.InstallPageSize)
		if err != nil {
			return refreshResult{}, err
		}
		if len(pending) == 0 {
			break
		}

		refreshed := 0
		for _, r := range pending {
			handle, err := p.directory.GetConversationHandle(ctx, r.RecipientID, p.cfg.TargetAppID)
			if err != nil {
				p.logger.Warn("handle lookup failed", "recipient_id", r.RecipientID, "error", err.Error())
				continue
			}
			if handle == nil {
				continue
			}
			if err := p.recipients.SetConversationHandle(ctx, r.RowID, *handle); err != nil {
				return refreshResult{}, err
			}
			refreshed++
		}
		result.Refreshed += refreshed

		// Nothing on this page resolved; stop instead of rescanning the
		// same pending rows forever.
		if refreshed == 0 {
			break
		}
	}

	stillPending, err := p.recipients.CountPendingHandles(ctx, id)
	if err != nil {
		return refreshResult{}, err
	}
	result.StillPending = stillPending
	return result, nil
}
