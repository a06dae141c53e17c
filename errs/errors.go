// Package errs holds the error taxonomy shared by the co-host pipeline and the
// retry classification used around external collaborators (AI, TTS, billing).
package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInputValidation marks a malformed or empty comment. Such comments are dropped silently.
	ErrInputValidation = errors.New("invalid input")
	// ErrConfiguration marks a configuration problem that prevents a session from starting.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalService marks a failing AI, TTS, chat or billing collaborator.
	ErrExternalService = errors.New("external service failure")
	// ErrResourceExhausted marks a dropped comment because a bounded queue was full.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// External wraps a collaborator failure with the name of the service that produced it.
type External struct {
	Service string
	Err     error
}

func (e *External) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *External) Unwrap() []error {
	return []error{ErrExternalService, e.Err}
}

// Wrap returns err as an *External for service, or nil when err is nil.
func Wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	return &External{Service: service, Err: err}
}

// Configuration returns an error wrapping ErrConfiguration with a formatted reason.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (timeouts, 5xx, rate limits).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates a permanent failure (bad credentials, invalid request, quota gone).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	retryablePatterns = []string{
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"429", "too many requests", "rate limit", "resource_exhausted", "overloaded",
		"connection reset", "connection refused", "timeout", "temporary failure",
		"no route to host", "network unreachable", "eof", "broken pipe",
	}
	fatalPatterns = []string{
		"401", "403", "unauthorized", "permission denied", "api key not valid", "invalid api key",
		"400", "invalid argument", "invalid_argument",
		"404", "not found",
		"insufficient credits", "insufficient balance", "quota exceeded for the day",
	}
)

// Classify labels an error from an external call. Context cancellation is fatal
// (the caller gave up); deadline expiry is retryable. Unmatched errors are unknown,
// and callers treat unknown as retryable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	// Server-side failures are checked first so "503 service unavailable" never
	// falls into a fatal "not found"-style match.
	for _, p := range retryablePatterns[:8] {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	for _, p := range retryablePatterns[8:] {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	return ErrorClassUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) != ErrorClassFatal
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool {
	return Classify(err) == ErrorClassFatal
}
