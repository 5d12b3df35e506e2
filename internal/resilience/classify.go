// Package resilience wraps operations with error classification, exponential
// backoff, per-operation circuit breaking and a durable failed-job queue.
//
// Decision logic (Classify, SeverityOf, Policies.ShouldRetry, Policies.NextDelay)
// is kept free of I/O so it can be tested without a network or datastore.
package resilience

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
)

// Kind is the classified failure kind.
type Kind = apierror.Kind

// KindCircuitOpen marks a call rejected by an open breaker. It is never
// returned by Classify.
const KindCircuitOpen Kind = "circuit_open"

// Severity grades a failure for logging and escalation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classify derives the failure kind from err. Structured information is used
// first; message matching is only a fallback for untyped errors.
func Classify(err error) Kind {
	if err == nil {
		return apierror.KindUnknown
	}

	if kind, ok := apierror.KindOf(err); ok {
		return kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.KindTimeout
	}

	if kind, ok := classifyDatabase(err); ok {
		return kind
	}

	return classifyMessage(err.Error())
}

func classifyDatabase(err error) (Kind, bool) {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apierror.KindDatabaseConnection, true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return apierror.KindDatabaseConnection, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return apierror.KindDatabaseConnection, true
		case pgerrcode.IsDataException(pgErr.Code),
			pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return apierror.KindValidationFailure, true
		default:
			return apierror.KindUnknown, true
		}
	}

	return "", false
}

// classifyMessage is the fallback for errors that carry no structure.
func classifyMessage(s string) Kind {
	lower := strings.ToLower(s)

	switch {
	case containsAny(lower, "429", "too many requests", "rate limit", "limit reach", "quota exceeded"):
		return apierror.KindRateLimited
	case containsAny(lower, "401", "403", "unauthorized", "forbidden", "invalid api key", "invalid apikey"):
		return apierror.KindAuthFailure
	case containsAny(lower, "404", "not found"):
		return apierror.KindNotFound
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return apierror.KindTimeout
	case containsAny(lower, "connection refused", "connection reset", "broken pipe",
		"too many clients", "database is closed", "conn closed"):
		return apierror.KindDatabaseConnection
	case containsAny(lower, "500", "502", "503", "internal server error", "bad gateway",
		"service unavailable", "no such host", "eof"):
		return apierror.KindServerError
	case containsAny(lower, "validation", "invalid", "unmarshal", "cannot parse", "malformed"):
		return apierror.KindValidationFailure
	default:
		return apierror.KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// SeverityOf grades a failure of the given kind on attempt (1-based).
func SeverityOf(kind Kind, attempt int) Severity {
	switch kind {
	case apierror.KindAuthFailure:
		return SeverityCritical
	case apierror.KindValidationFailure:
		return SeverityHigh
	case apierror.KindRateLimited, apierror.KindNotFound:
		return SeverityLow
	}
	if attempt > 3 {
		return SeverityHigh
	}
	return SeverityMedium
}
