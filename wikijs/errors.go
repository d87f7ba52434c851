package wikijs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Wiki.js error codes that matter for retry classification. The full list
// lives in the server's graph/error-handler; everything not named here is
// treated as permanent.
const (
	// ErrCodeUnexpected is the server's catch-all for internal errors.
	// These are worth retrying, unlike validation or uniqueness failures.
	ErrCodeUnexpected = 1

	// ErrCodePageDuplicateCreate is returned when a page already exists at
	// the requested (path, locale).
	ErrCodePageDuplicateCreate = 6002

	// ErrCodePageNotFound is returned for operations on a missing page id.
	ErrCodePageNotFound = 6003
)

// ResponseStatus is the result envelope Wiki.js attaches to every mutation.
// Succeeded is the authoritative application-level outcome; a 200 transport
// response with Succeeded=false is still a failure.
type ResponseStatus struct {
	Succeeded bool   `json:"succeeded"`
	ErrorCode int    `json:"errorCode"`
	Slug      string `json:"slug"`
	Message   string `json:"message"`
}

func (rs ResponseStatus) check() error {
	if rs.Succeeded {
		return nil
	}
	return &APIError{ErrorCode: rs.ErrorCode, Slug: rs.Slug, Message: rs.Message}
}

// APIError is an application-level failure reported through the response
// envelope, as opposed to a transport failure.
type APIError struct {
	ErrorCode int
	Slug      string
	Message   string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wikijs: %s (code %d, slug %s)", e.Message, e.ErrorCode, e.Slug)
	}
	return fmt.Sprintf("wikijs: error %d slug %s", e.ErrorCode, e.Slug)
}

// RateLimitError is returned when the server answers 429. RetryAfter carries
// the advertised retry hint, zero if the server did not send one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("wikijs: rate limited, retry after %s", e.RetryAfter)
	}
	return "wikijs: rate limited"
}

// IsTransient reports whether err is worth retrying. Transport errors and
// rate limits are transient; envelope failures are permanent except the
// server's internal-error catch-all.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrCodeUnexpected
	}
	return true
}
