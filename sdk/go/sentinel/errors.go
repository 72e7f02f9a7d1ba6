// Package sentinel provides a Go client for the Sentinel observability API.
package sentinel

import (
	"errors"
	"fmt"
)

// Error represents an error from the Sentinel API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sentinel: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsInvalidInput returns true if the server rejected the request body (400).
func IsInvalidInput(err error) bool { return statusIs(err, 400) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsUnavailable returns true if the error is a 503. The ingest buffer is full
// or storage is down; the call can be retried.
func IsUnavailable(err error) bool { return statusIs(err, 503) }
