package rest

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrClientClosed = errors.New("rest client closed")
	ErrQueueFull    = errors.New("request queue full")
)

// APIError is a non-2xx response from the API, excluding rate limits.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsRetryable reports whether the request may be retried. Client errors
// other than throttling are permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// RateLimitError surfaces a throttled request whose retry bound was
// exhausted.
type RateLimitError struct {
	BucketKey  string
	RetryAfter time.Duration
	Global     bool
	Attempts   int
}

func (e *RateLimitError) Error() string {
	scope := "bucket"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited on %s (%s scope) after %d attempts, retry after %s",
		e.BucketKey, scope, e.Attempts, e.RetryAfter)
}
