// Package cloud provides the remote stores for owned-library snapshots: an
// HTTP client with retry and rate limiting, a NATS JetStream key-value
// store, an in-memory store, and an HTTP handler that serves any of them.
package cloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for status classification.
// Use errors.Is(err, cloud.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("cloud: bad request")
	ErrUnauthorized = errors.New("cloud: unauthorized")
	ErrForbidden    = errors.New("cloud: forbidden")
	ErrNotFound     = errors.New("cloud: not found")
	ErrConflict     = errors.New("cloud: conflict")
	ErrThrottled    = errors.New("cloud: throttled")
	ErrServerError  = errors.New("cloud: server error")
	ErrUnavailable  = errors.New("cloud: service unavailable")
	ErrInvalidUID   = errors.New("cloud: invalid user id")
)

// APIError wraps a sentinel error with HTTP status code, request ID,
// and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cloud: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("cloud: HTTP %d: %s", e.StatusCode, e.Message)
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
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// statusFor maps a store error back to an HTTP status for the handler.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidUID):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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
