// Package directory defines the consumed directory-service capability. The
// concrete transport (Graph/API client) lives outside this repository; the
// pipeline only depends on these operations.
package directory

import (
	"context"

	"github.com/jwalitptl/broadcast-api/internal/model"
)

// Client is the directory-service surface the pipeline consumes.
type Client interface {
	// ResolveAllUsers returns one page of the tenant's users along with the
	// cursor for the next page. An empty cursor on input starts a fresh
	// (delta) sync; an empty cursor on output means the sync is complete.
	ResolveAllUsers(ctx context.Context, cursor string) (users []model.ResolvedUser, nextCursor string, err error)

	// ResolveTeamMembers resolves the roster of one team.
	ResolveTeamMembers(ctx context.Context, teamID string) ([]model.ResolvedUser, error)

	// ResolveGroupMembers resolves the membership of one directory group.
	ResolveGroupMembers(ctx context.Context, groupID string) ([]model.ResolvedUser, error)

	// InstallForUser installs the target app for a user. Returns true when
	// the app is installed or was already installed; "already installed"
	// (409-equivalent) is success.
	InstallForUser(ctx context.Context, userID, appID string) (bool, error)

	// InstallForTeam installs the target app into a team's scope.
	InstallForTeam(ctx context.Context, teamGroupID, appID string) (bool, error)

	// GetConversationHandle returns the user's conversation handle once
	// installation has propagated, or nil while it is still pending.
	GetConversationHandle(ctx context.Context, userID, appID string) (*string, error)
}
