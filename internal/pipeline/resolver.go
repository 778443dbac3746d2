package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
)

type audienceSelector struct {
	AllUsers bool                  `json:"all_users"`
	Entries  []model.AudienceEntry `json:"entries"`
}

// resolveRecipients fans out over the notification's audience definitions and
// writes recipient rows, returning the total written. Counts report only rows
// actually inserted, so a recipient appearing in overlapping audiences is
// counted once (the upsert dedup invariant).
func (p *Pipeline) resolveRecipients(ctx context.Context, wf *workflow.Context, id uuid.UUID) (int, error) {
	var selector audienceSelector
	err := wf.Execute(ctx, "load-audience", &selector, func(ctx context.Context) (interface{}, error) {
		n, err := p.notifications.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.AllUsers {
			return audienceSelector{AllUsers: true}, nil
		}
		entries, err := p.notifications.GetAudiences(ctx, id)
		if err != nil {
			return nil, err
		}
		return audienceSelector{Entries: entries}, nil
	})
	if err != nil {
		return 0, err
	}

	if selector.AllUsers {
		var total int
		err := wf.Execute(ctx, "sync-all-users", &total, func(ctx context.Context) (interface{}, error) {
			return p.syncAllUsers(ctx, id)
		})
		return total, err
	}

	counts := make([]int, len(selector.Entries))
	activities := make([]workflow.Activity, len(selector.Entries))
	for i, entry := range selector.Entries {
		i, entry := i, entry
		activities[i] = workflow.Activity{
			Name: fmt.Sprintf("resolve-%s-%s", entry.Type, entry.ID),
			Out:  &counts[i],
			Fn: func(ctx context.Context) (interface{}, error) {
				return p.resolveEntry(ctx, id, entry)
			},
		}
	}

	if err := wf.Parallel(ctx, activities); err != nil {
		return 0, err
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// syncAllUsers performs the incremental full-tenant sync, paging the
// directory with its delta cursor and upserting each page.
func (p *Pipeline) syncAllUsers(ctx context.Context, id uuid.UUID) (int, error) {
	total := 0
	cursor := ""
	for {
		users, next, err := p.directory.ResolveAllUsers(ctx, cursor)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve tenant users: %w", err)
		}

		inserted, err := p.recipients.BulkUpsert(ctx, id, users)
		if err != nil {
			return 0, err
		}
		total += inserted

		if next == "" {
			return total, nil
		}
		cursor = next
	}
}

// resolveEntry resolves one audience entry. Team entries additionally write a
// team-kind recipient row so the broadcast lands in the team scope itself;
// its conversation handle is filled during team install.
func (p *Pipeline) resolveEntry(ctx context.Context, id uuid.UUID, entry model.AudienceEntry) (int, error) {
	var (
		users []model.ResolvedUser
		err   error
	)

	switch entry.Type {
	case model.AudienceTypeTeam:
		users, err = p.directory.ResolveTeamMembers(ctx, entry.ID)
		if err == nil {
			users = append(users, model.ResolvedUser{ID: entry.ID, Kind: model.RecipientKindTeam})
		}
	case model.AudienceTypeRoster:
		users, err = p.directory.ResolveTeamMembers(ctx, entry.ID)
	case model.AudienceTypeGroup:
		users, err = p.directory.ResolveGroupMembers(ctx, entry.ID)
	default:
		return 0, fmt.Errorf("unsupported audience type: %s", entry.Type)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve audience %s/%s: %w", entry.Type, entry.ID, err)
	}

	return p.recipients.BulkUpsert(ctx, id, users)
}
