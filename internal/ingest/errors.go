package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCategory classifies pipeline errors for retry decisions
type ErrorCategory int

const (
	// CategoryUnexpected - logic error, never silently swallowed
	CategoryUnexpected ErrorCategory = iota

	// CategoryValidation - bad configuration (missing/malformed encryption
	// key, missing export URL); fatal, not retryable
	CategoryValidation

	// CategoryAuthExpired - upstream credential invalid or expired; the run
	// aborts cleanly with no partial writes and requires human re-login
	CategoryAuthExpired

	// CategoryTransient - timeout, network failure or upstream server error;
	// safe for the external trigger to retry with backoff
	CategoryTransient

	// CategoryInfrastructure - local storage unavailable; retryable
	CategoryInfrastructure
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryAuthExpired:
		return "auth_expired"
	case CategoryTransient:
		return "transient"
	case CategoryInfrastructure:
		return "infrastructure"
	default:
		return "unexpected"
	}
}

// PipelineError wraps errors with classification for the run record and for
// the trigger's retry logic
type PipelineError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int   // HTTP status code if applicable
	Cause      error // Original error
}

func (e *PipelineError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] HTTP %d: %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the external trigger may safely retry the run
func (e *PipelineError) IsRetryable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryInfrastructure
}

// NewError builds a classified pipeline error wrapping cause
func NewError(category ErrorCategory, cause error, format string, args ...any) *PipelineError {
	return &PipelineError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

// Classify wraps an arbitrary error into a PipelineError. Already-classified
// errors pass through unchanged; context deadline/cancellation and network
// errors become transient; everything else keeps the given fallback category.
func Classify(err error, fallback ErrorCategory) *PipelineError {
	if err == nil {
		return nil
	}

	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &PipelineError{Category: CategoryTransient, Message: "operation timed out", Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &PipelineError{Category: CategoryTransient, Message: "network error", Cause: err}
	}

	return &PipelineError{Category: fallback, Message: err.Error(), Cause: err}
}

// ClassifyHTTPStatus classifies an upstream HTTP response status
func ClassifyHTTPStatus(statusCode int) *PipelineError {
	err := &PipelineError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("upstream returned %s", http.StatusText(statusCode)),
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err.Category = CategoryAuthExpired

	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500 && statusCode < 600:
		err.Category = CategoryTransient

	default:
		err.Category = CategoryUnexpected
	}

	return err
}
