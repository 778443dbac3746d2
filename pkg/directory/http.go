package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jwalitptl/broadcast-api/internal/model"
)

// HTTPClient is a thin adapter over the deployment's directory-service
// endpoint. The service itself (Graph proxy or equivalent) is an external
// collaborator; this client only shapes requests and responses.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type userPage struct {
	Users      []model.ResolvedUser `json:"users"`
	NextCursor string               `json:"next_cursor"`
}

func (c *HTTPClient) ResolveAllUsers(ctx context.Context, cursor string) ([]model.ResolvedUser, string, error) {
	endpoint := c.baseURL + "/users/delta"
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	var page userPage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return nil, "", err
	}
	return page.Users, page.NextCursor, nil
}

func (c *HTTPClient) ResolveTeamMembers(ctx context.Context, teamID string) ([]model.ResolvedUser, error) {
	var page userPage
	err := c.get(ctx, fmt.Sprintf("%s/teams/%s/members", c.baseURL, url.PathEscape(teamID)), &page)
	if err != nil {
		return nil, err
	}
	return page.Users, nil
}

func (c *HTTPClient) ResolveGroupMembers(ctx context.Context, groupID string) ([]model.ResolvedUser, error) {
	var page userPage
	err := c.get(ctx, fmt.Sprintf("%s/groups/%s/members", c.baseURL, url.PathEscape(groupID)), &page)
	if err != nil {
		return nil, err
	}
	return page.Users, nil
}

func (c *HTTPClient) InstallForUser(ctx context.Context, userID, appID string) (bool, error) {
	return c.install(ctx, fmt.Sprintf("%s/users/%s/apps", c.baseURL, url.PathEscape(userID)), appID)
}

func (c *HTTPClient) InstallForTeam(ctx context.Context, teamGroupID, appID string) (bool, error) {
	return c.install(ctx, fmt.Sprintf("%s/teams/%s/apps", c.baseURL, url.PathEscape(teamGroupID)), appID)
}

func (c *HTTPClient) install(ctx context.Context, endpoint, appID string) (bool, error) {
	body, _ := json.Marshal(map[string]string{"app_id": appID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusConflict:
		// Already installed counts as success.
		return true, nil
	default:
		return false, fmt.Errorf("install failed with status %d", resp.StatusCode)
	}
}

func (c *HTTPClient) GetConversationHandle(ctx context.Context, userID, appID string) (*string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/apps/%s/conversation", c.baseURL, url.PathEscape(userID), url.PathEscape(appID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Installation has not propagated yet.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("conversation lookup failed with status %d", resp.StatusCode)
	}

	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Handle == "" {
		return nil, nil
	}
	return &out.Handle, nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory request failed with status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Client = (*HTTPClient)(nil)
