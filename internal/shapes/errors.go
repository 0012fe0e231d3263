package shapes

import (
	"errors"
	"fmt"
)

// ServerError is a 5xx from the external service. Retryable.
type ServerError struct {
	StatusCode int
	Page       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("shapes server error: status %d on %s", e.StatusCode, e.Page)
}

// RateLimitError is a 429 from the external service. Retryable.
type RateLimitError struct {
	Page string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("shapes rate limited on %s", e.Page)
}

// AuthError means the session credential was rejected. Not retryable; the
// user must re-authenticate.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("shapes auth failed: %s", e.Reason)
}

// NotFoundError means the requested slug does not exist upstream. Not
// retryable.
type NotFoundError struct {
	Slug string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("shapes personality %q not found", e.Slug)
}

// MappingError means a fetched page could not be mapped to local fields.
// Not retryable; a retry would parse the same page.
type MappingError struct {
	Page   string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("shapes mapping failed on %s: %s", e.Page, e.Reason)
}

// IsRetryable classifies a fetch error: server errors and rate limits are
// worth another queue attempt, everything else is terminal.
func IsRetryable(err error) bool {
	var serverErr *ServerError
	var rateErr *RateLimitError
	return errors.As(err, &serverErr) || errors.As(err, &rateErr)
}
