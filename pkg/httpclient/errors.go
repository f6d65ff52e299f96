package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RetryableError reports that retries were exhausted. RetryAfter carries
// the delay the next attempt would have used, for callers that queue.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) IsRetryable() bool {
	return true
}

// StatusError is the non-2xx result of a single attempt.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// StatusCodeOf extracts the HTTP status from a client error chain, or 0.
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// IsAuthStatus reports whether the status code is an authentication or
// authorization failure; these are never retried.
func IsAuthStatus(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// IsRateLimitStatus reports whether the status code signals rate limiting
// or overload.
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable
}
