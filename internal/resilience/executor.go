package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
)

// FailedJobStore persists operations that exhausted their retries.
// RecordFailure must be an atomic upsert keyed by (JobType, Payload.Key()).
type FailedJobStore interface {
	RecordFailure(ctx context.Context, report domain.FailureReport) (*domain.FailedJob, error)
}

// GiveUpError is returned when an operation will not be retried inline.
// The failure has been recorded in the failed-job queue when Persisted is true.
type GiveUpError struct {
	Operation string
	Kind      Kind
	Severity  Severity
	Attempts  int
	Persisted bool
	Err       error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%s gave up after %d attempt(s) [%s/%s]: %v",
		e.Operation, e.Attempts, e.Kind, e.Severity, e.Err)
}

func (e *GiveUpError) Unwrap() error {
	return e.Err
}

// Executor runs operations with retry, backoff and circuit breaking.
type Executor struct {
	breakers *BreakerRegistry
	policies Policies
	store    FailedJobStore
	log      *slog.Logger

	// Sleep may be replaced before first use (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. store may be nil, in which case failures
// are logged but not persisted.
func NewExecutor(
	breakers *BreakerRegistry,
	policies Policies,
	store FailedJobStore,
	log *slog.Logger,
) *Executor {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		breakers: breakers,
		policies: policies,
		store:    store,
		log:      log.With("component", "resilience"),
	}
}

// Breakers returns the executor's breaker registry.
func (e *Executor) Breakers() *BreakerRegistry {
	return e.breakers
}

// Do runs fn under the named operation. A NotFound failure is treated as an
// empty result and returns nil. When retries are exhausted the failure is
// persisted and a *GiveUpError is returned; Do never panics on failure.
func (e *Executor) Do(
	ctx context.Context,
	op string,
	payload domain.Payload,
	fn func(ctx context.Context) error,
) error {
	return e.execute(ctx, op, payload, 0, fn)
}

// Run is the typed form of Executor.Do.
func Run[T any](
	ctx context.Context,
	e *Executor,
	op string,
	payload domain.Payload,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var result T
	err := e.execute(ctx, op, payload, 0, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// execute implements Do. maxAttempts > 0 overrides the policy attempt budget.
func (e *Executor) execute(
	ctx context.Context,
	op string,
	payload domain.Payload,
	maxAttempts int,
	fn func(ctx context.Context) error,
) error {
	breaker := e.breakers.Get(op)

	var lastKind Kind
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := breaker.Allow(); err != nil {
			metrics.BreakerRejections.WithLabelValues(op).Inc()
			if lastErr != nil {
				// The breaker opened between retries; keep the failure that caused it.
				return e.giveUp(ctx, op, payload, lastKind, SeverityOf(lastKind, attempt-1),
					attempt-1, errors.Join(lastErr, err))
			}
			return e.giveUp(ctx, op, payload, KindCircuitOpen, SeverityMedium, 0, err)
		}

		err := fn(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			breaker.Release()
			return fmt.Errorf("%s: %w", op, err)
		}

		kind := Classify(err)
		switch kind {
		case apierror.KindNotFound:
			// Sparse datasets: nothing to fetch is not a failure.
			breaker.RecordSuccess()
			e.log.Debug("Operation found no data", "operation", op, "payload", payload)
			return nil
		case apierror.KindValidationFailure:
			// The service answered; the data is the problem.
			breaker.RecordSuccess()
		case apierror.KindAuthFailure:
			breaker.Trip()
		default:
			breaker.RecordFailure()
		}

		lastKind, lastErr = kind, err
		severity := SeverityOf(kind, attempt)
		limit := e.policies.For(kind).MaxAttempts
		if maxAttempts > 0 && maxAttempts < limit {
			limit = maxAttempts
		}
		if severity == SeverityCritical || attempt >= limit {
			return e.giveUp(ctx, op, payload, kind, severity, attempt, err)
		}

		delay := e.policies.NextDelay(kind, attempt)
		metrics.RetriesTotal.WithLabelValues(op, string(kind)).Inc()
		e.log.Warn("Operation failed, retrying",
			"operation", op,
			"kind", kind,
			"severity", severity,
			"attempt", attempt,
			"max_attempts", limit,
			"delay", delay,
			"error", err,
		)

		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: backoff interrupted: %w", op, err)
		}
	}
}

func (e *Executor) giveUp(
	ctx context.Context,
	op string,
	payload domain.Payload,
	kind Kind,
	severity Severity,
	attempts int,
	cause error,
) error {
	gu := &GiveUpError{
		Operation: op,
		Kind:      kind,
		Severity:  severity,
		Attempts:  attempts,
		Err:       cause,
	}

	if e.store != nil {
		// Record even if the caller is shutting down; the upsert is short.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		job, err := e.store.RecordFailure(storeCtx, domain.FailureReport{
			JobType:   op,
			Payload:   payload,
			ErrorKind: string(kind),
			Error:     cause.Error(),
			At:        time.Now(),
		})
		cancel()
		if err != nil {
			e.log.Error("Failed to persist failed job", "operation", op, "payload", payload, "error", err)
		} else {
			gu.Persisted = true
			metrics.FailedJobsRecorded.WithLabelValues(op, string(kind)).Inc()
			e.log.Debug("Persisted failed job",
				"operation", op,
				"job_id", job.ID,
				"error_count", job.ErrorCount,
				"next_retry_at", job.NextRetryAt,
			)
		}
	}

	level := slog.LevelWarn
	if severity >= SeverityHigh {
		level = slog.LevelError
	}
	e.log.Log(ctx, level, "Operation gave up",
		"operation", op,
		"payload", payload,
		"kind", kind,
		"severity", severity,
		"attempts", attempts,
		"persisted", gu.Persisted,
		"error", cause,
	)
	return gu
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsGiveUp reports whether err is a *GiveUpError and returns it.
func IsGiveUp(err error) (*GiveUpError, bool) {
	var gu *GiveUpError
	if errors.As(err, &gu) {
		return gu, true
	}
	return nil, false
}
