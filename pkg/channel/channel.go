// Package channel defines the consumed messaging-channel capability and the
// error taxonomy the delivery worker classifies send results with.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for permanent recipient failures. Anything else returned
// from Send is treated as transient.
var (
	ErrNotFound  = errors.New("channel: conversation not found")
	ErrForbidden = errors.New("channel: delivery forbidden")
)

// RateLimitedError reports a 429-equivalent response and carries the
// channel-provided backoff duration.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("channel: rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited extracts the rate-limit backoff from an error chain.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsPermanent reports whether the error is a permanent recipient error that
// must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden)
}

// SendResult carries the channel response for a successful delivery.
type SendResult struct {
	StatusCode int
}

// Client is the messaging-channel surface the pipeline consumes. The raw
// transport is an external collaborator.
type Client interface {
	// CreateConversation opens a direct conversation with one recipient.
	CreateConversation(ctx context.Context, tenantID, userID string) (handle string, err error)

	// Send delivers the payload to one conversation. Errors are classified
	// with IsRateLimited / IsPermanent; anything else is transient.
	Send(ctx context.Context, handle string, payload []byte) (*SendResult, error)
}
