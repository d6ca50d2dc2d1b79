package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the error taxonomy of spec §7 — a classification, not a set
// of distinct Go types the caller needs to type-switch on everywhere.
type ErrorKind string

const (
	KindTransient           ErrorKind = "transient"
	KindPermanent           ErrorKind = "permanent"
	KindRateLimited         ErrorKind = "rate_limited"
	KindAuthError           ErrorKind = "auth_error"
	KindBreakerOpen         ErrorKind = "breaker_open"
	KindInsufficientContext ErrorKind = "insufficient_context"
	KindValidation          ErrorKind = "validation"
)

// Classifiable is satisfied by every error this module raises at a public
// boundary, letting callers branch on Kind() without type assertions.
type Classifiable interface {
	error
	Kind() ErrorKind
}

// RoutingError wraps an underlying cause with a classification.
type RoutingError struct {
	kind    ErrorKind
	message string
	cause   error

	// RetryAfter carries the Retry-After hint for KindRateLimited.
	RetryAfter time.Duration
}

func (e *RoutingError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *RoutingError) Unwrap() error { return e.cause }

func (e *RoutingError) Kind() ErrorKind { return e.kind }

// NewTransientError wraps cause as a TransientError (timeouts, 5xx, resets).
func NewTransientError(message string, cause error) *RoutingError {
	return &RoutingError{kind: KindTransient, message: message, cause: cause}
}

// NewPermanentError wraps cause as a PermanentError (4xx other than 429).
func NewPermanentError(message string, cause error) *RoutingError {
	return &RoutingError{kind: KindPermanent, message: message, cause: cause}
}

// NewRateLimitedError wraps cause as RateLimited with a Retry-After hint.
func NewRateLimitedError(message string, retryAfter time.Duration) *RoutingError {
	return &RoutingError{kind: KindRateLimited, message: message, RetryAfter: retryAfter}
}

// NewAuthError wraps cause as an AuthError (401/403).
func NewAuthError(message string, cause error) *RoutingError {
	return &RoutingError{kind: KindAuthError, message: message, cause: cause}
}

// NewBreakerOpenError reports a short-circuited call with no network I/O.
func NewBreakerOpenError(nodeSlug string) *RoutingError {
	return &RoutingError{kind: KindBreakerOpen, message: fmt.Sprintf("circuit breaker open for node %q", nodeSlug)}
}

// NewValidationError wraps cause as a ValidationError (malformed input).
func NewValidationError(message string, cause error) *RoutingError {
	return &RoutingError{kind: KindValidation, message: message, cause: cause}
}

// ErrInsufficientContext marks a RAG retrieval that found zero sources above
// threshold. Recovered locally by the caller (engine called without context).
var ErrInsufficientContext = &RoutingError{kind: KindInsufficientContext, message: "no relevant sources found"}

// ErrStoreUnavailable marks a persistence-layer outage. The circuit breaker
// fails open when it sees this error rather than propagating an outage.
var ErrStoreUnavailable = errors.New("store unavailable")

// Classify extracts the ErrorKind from err if it (or something it wraps)
// implements Classifiable; otherwise treats unknown errors as transient,
// matching the conservative default a network client should take.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindTransient
}
