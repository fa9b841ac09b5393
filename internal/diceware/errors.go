package diceware

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, diceware.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("diceware: bad request")
	ErrUnauthorized = errors.New("diceware: unauthorized")
	ErrForbidden    = errors.New("diceware: forbidden")
	ErrNotFound     = errors.New("diceware: not found")
	ErrConflict     = errors.New("diceware: conflict")
	ErrThrottled    = errors.New("diceware: throttled")
	ErrServerError  = errors.New("diceware: server error")
)

// APIError carries the HTTP status and response body of a failed call,
// wrapping a sentinel for errors.Is.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("diceware: %s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}

	return fmt.Sprintf("diceware: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether err means the bearer credential was
// rejected, in which case the caller should refresh the session.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes with no dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether a response with the given status may be
// retried for method. A POST that reached the server may have created a
// record, so it is only retried when the status says it was not processed.
func isRetryable(method string, code int) bool {
	if !isIdempotent(method) {
		return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
	}

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

// isIdempotent reports whether repeating a request with method has the same
// effect as sending it once.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}
