// Package remote provides the reference HTTP implementation of the sync
// engine's remote collaborators: the record upload/download/stat service,
// a connectivity prober, a websocket change-notification feed, and a
// shared bandwidth limiter.
package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("remote: bad request")
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrForbidden     = errors.New("remote: forbidden")
	ErrNotFound      = errors.New("remote: not found")
	ErrConflict      = errors.New("remote: conflict")
	ErrUnprocessable = errors.New("remote: unprocessable")
	ErrThrottled     = errors.New("remote: throttled")
	ErrServerError   = errors.New("remote: server error")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and
// the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRejectionStatus reports whether a status code is a per-record business
// rejection rather than a transport failure. Rejections are terminal for
// the record; the server has validated and refused the payload.
func isRejectionStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusConflict,
		http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}
