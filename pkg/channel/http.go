package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient is a thin adapter over the messaging-channel endpoint. The
// channel service itself is an external collaborator; this client only
// translates responses into the worker's error taxonomy.
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

func (c *HTTPClient) CreateConversation(ctx context.Context, tenantID, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"tenant_id": tenantID,
		"user_id":   userID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/conversations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return "", err
	}

	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (c *HTTPClient) Send(ctx context.Context, handle string, payload []byte) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	return &SendResult{StatusCode: resp.StatusCode}, nil
}

// classifyStatus maps channel HTTP responses onto the worker's error
// taxonomy: 429 carries Retry-After, 403/404 are permanent, everything
// else non-2xx is transient.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("send failed with status %d: %w", resp.StatusCode, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("send failed with status %d: %w", resp.StatusCode, ErrForbidden)
	default:
		return fmt.Errorf("send failed with status %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

var _ Client = (*HTTPClient)(nil)
