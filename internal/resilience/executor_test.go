package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/memory"
)

type testEnv struct {
	clock  *manualClock
	store  *memory.FailedJobRepo
	exec   *Executor
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, overrides Policies) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: newManualClock(),
		store: memory.NewFailedJobRepo(memory.NewMemoryStorage(), domain.DefaultRetrySchedule),
	}
	breakers := NewBreakerRegistry(BreakerConfig{Threshold: 5, Timeout: time.Minute}, env.clock.Now)
	env.exec = NewExecutor(breakers, DefaultPolicies().Merge(overrides), env.store, nil)
	env.exec.Sleep = func(ctx context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return ctx.Err()
	}
	return env
}

func serverError() error {
	return apierror.New(apierror.KindServerError, "upstream 500")
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)
	calls := 0

	got, err := Run(context.Background(), env.exec, "fetch:quote", domain.Payload{"entity": "AAPL"},
		func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", serverError()
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.sleeps)

	n, _ := env.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestExecutor_ExhaustionPersistsOnce(t *testing.T) {
	// Two attempts per call keeps both calls below the breaker threshold.
	env := newTestEnv(t, Policies{apierror.KindServerError: {MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 1}})
	ctx := context.Background()
	payload := domain.Payload{"entity": "AAPL", "kind": "quote"}
	calls := 0

	fail := func(ctx context.Context) error {
		calls++
		return serverError()
	}

	err := env.exec.Do(ctx, "fetch:quote", payload, fail)
	gu, ok := IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindServerError, gu.Kind)
	assert.Equal(t, 2, gu.Attempts)
	assert.True(t, gu.Persisted)
	assert.Equal(t, 2, calls)

	err = env.exec.Do(ctx, "fetch:quote", payload, fail)
	require.Error(t, err)

	jobs, err := env.store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].ErrorCount)
	assert.Equal(t, "fetch:quote", jobs[0].JobType)
	assert.Equal(t, string(apierror.KindServerError), jobs[0].ErrorKind)
}

func TestExecutor_AuthFailureTripsBreaker(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	calls := 0

	err := env.exec.Do(ctx, "fetch:quote", domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		calls++
		return apierror.New(apierror.KindAuthFailure, "Invalid API KEY")
	})
	gu, ok := IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, gu.Severity)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateOpen, env.exec.Breakers().Get("fetch:quote").State())
	assert.Empty(t, env.sleeps)

	// Next call fails fast without invoking fn.
	err = env.exec.Do(ctx, "fetch:quote", domain.Payload{"entity": "MSFT"}, func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
}

func TestExecutor_NotFoundIsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	got, err := Run(context.Background(), env.exec, "fetch:income", domain.Payload{"entity": "XYZ"},
		func(ctx context.Context) ([]int, error) {
			return []int{1}, apierror.New(apierror.KindNotFound, "no data")
		})
	require.NoError(t, err)
	assert.Nil(t, got)

	n, _ := env.store.Count(context.Background())
	assert.Zero(t, n)
}

func TestExecutor_ValidationNotRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	calls := 0

	err := env.exec.Do(context.Background(), "fetch:quote", domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		calls++
		return apierror.New(apierror.KindValidationFailure, "missing date")
	})
	gu, ok := IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, SeverityHigh, gu.Severity)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, env.exec.Breakers().Get("fetch:quote").State())
}

func TestExecutor_CancelledDuringBackoff(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	env.exec.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := env.exec.Do(ctx, "fetch:quote", domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		return serverError()
	})
	assert.ErrorIs(t, err, context.Canceled)
	_, isGiveUp := IsGiveUp(err)
	assert.False(t, isGiveUp)
}

// Five consecutive server errors open fetchQuote's breaker; the sixth call
// fails fast; after the timeout one trial goes through and closes it.
func TestExecutor_BreakerOpensMidRetryKeepsFailureKind(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	op := "fetch:quote"
	breaker := env.exec.Breakers().Get(op)
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}
	calls := 0

	err := env.exec.Do(ctx, op, domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		calls++
		return serverError()
	})
	gu, ok := IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindServerError, gu.Kind)
	assert.Equal(t, 2, gu.Attempts)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, breaker.State())

	jobs, err := env.store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, string(apierror.KindServerError), jobs[0].ErrorKind)
}

func TestExecutor_BreakerScenario(t *testing.T) {
	env := newTestEnv(t, Policies{apierror.KindServerError: {MaxAttempts: 1}})
	ctx := context.Background()
	op := "fetchQuote"
	invoked := 0

	for i := 0; i < 5; i++ {
		err := env.exec.Do(ctx, op, domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
			invoked++
			return serverError()
		})
		require.Error(t, err)
	}
	require.Equal(t, 5, invoked)
	require.Equal(t, StateOpen, env.exec.Breakers().Get(op).State())

	err := env.exec.Do(ctx, op, domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		invoked++
		return nil
	})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	gu, ok := IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, KindCircuitOpen, gu.Kind)
	assert.Equal(t, 5, invoked)

	env.clock.Advance(time.Minute)

	require.NoError(t, env.exec.Do(ctx, op, domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		invoked++
		return nil
	}))
	assert.Equal(t, 6, invoked)
	assert.Equal(t, StateClosed, env.exec.Breakers().Get(op).State())

	require.NoError(t, env.exec.Do(ctx, op, domain.Payload{"entity": "AAPL"}, func(ctx context.Context) error {
		invoked++
		return nil
	}))
	assert.Equal(t, 7, invoked)
}
