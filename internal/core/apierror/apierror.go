// Package apierror defines the structured error returned at the transport
// boundary. The Kind is assigned where the raw failure is first observed so
// callers never have to inspect message text.
package apierror

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a machine-readable failure class.
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindAuthFailure        Kind = "auth_failure"
	KindNotFound           Kind = "not_found"
	KindServerError        Kind = "server_error"
	KindTimeout            Kind = "timeout"
	KindValidationFailure  Kind = "validation_failure"
	KindDatabaseConnection Kind = "database_connection"
	KindUnknown            Kind = "unknown"
)

// Kinds lists every kind, used to pre-register metrics labels.
var Kinds = []Kind{
	KindRateLimited,
	KindAuthFailure,
	KindNotFound,
	KindServerError,
	KindTimeout,
	KindValidationFailure,
	KindDatabaseConnection,
	KindUnknown,
}

// Error is a failure with an explicit Kind.
type Error struct {
	Kind       Kind
	StatusCode int
	Endpoint   string
	Message    string
	// RetryAfter is the provider-suggested wait for rate limited responses.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "api error"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Kind, e.Endpoint, e.StatusCode, msg)
	}
	if e.Endpoint != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Endpoint, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// FromStatus maps an HTTP status code to a kind.
func FromStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuthFailure
	case status == 404:
		return KindNotFound
	case status == 400 || status == 422:
		return KindValidationFailure
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindServerError
	default:
		return KindUnknown
	}
}
