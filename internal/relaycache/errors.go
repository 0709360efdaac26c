package relaycache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.trai.ch/zerr"
)

var (
	// ErrCacheUnavailable is returned when the key/value backend cannot be reached.
	ErrCacheUnavailable = zerr.New("cache unavailable")
	// ErrCacheMiss is returned when a key is absent or expired.
	ErrCacheMiss = zerr.New("cache miss")

	ErrSourceRateLimited        = zerr.New("source rate limited")
	ErrSourceUnavailable        = zerr.New("source unavailable")
	ErrSourceValidationRejected = zerr.New("source rejected payload")

	ErrNotFound                = zerr.New("not found")
	ErrInvalidInput            = zerr.New("invalid input")
	ErrNotImplemented          = zerr.New("not implemented")
	ErrConflictAlreadyResolved = zerr.New("conflict already resolved")
	ErrQueueClosed             = zerr.New("sync queue closed")
)

func invalidInput(msg, key string, value any) error {
	return zerr.With(zerr.Wrap(ErrInvalidInput, msg), key, value)
}

// SourceError is the typed failure returned by source-of-record clients.
type SourceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SourceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("source request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("source request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// Is maps the HTTP status onto the package sentinels so callers can use errors.Is.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrSourceRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrSourceUnavailable:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
	case ErrSourceValidationRejected:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusConflict
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	default:
		return false
	}
}

// IsRetryable reports whether a failed remote call may succeed if repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSourceValidationRejected) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// HTTPStatus maps an error onto the status an HTTP surface should report.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSourceRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrSourceValidationRejected):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflictAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
