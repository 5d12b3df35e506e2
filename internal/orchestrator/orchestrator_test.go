package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
)

var testKind = domain.DataKind{Name: "quote", Endpoint: "/quote/{entity}"}

type stubRunner struct {
	mu       sync.Mutex
	seen     []domain.Task
	fail     map[string]bool
	calls    atomic.Int64
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	onTask   func(task domain.Task)
}

func (r *stubRunner) Ingest(ctx context.Context, task domain.Task) (int, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	r.calls.Add(1)

	if r.onTask != nil {
		r.onTask(task)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.seen = append(r.seen, task)
	r.mu.Unlock()

	if r.fail[task.Entity] {
		return 0, apierror.New(apierror.KindServerError, "upstream 500 for %s", task.Entity)
	}
	return 1, nil
}

func (r *stubRunner) TotalCalls() int64 {
	return r.calls.Load()
}

func entities(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%02d", i)
	}
	return out
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func TestRun_PartialFailureCompletes(t *testing.T) {
	runner := &stubRunner{fail: map[string]bool{"SYM03": true, "SYM11": true, "SYM19": true}}
	o := New(runner, runner, nil)
	o.Sleep = noSleep

	summary := o.Run(context.Background(), entities(20), []domain.DataKind{testKind}, Config{Mode: "full", BatchSize: 10})

	assert.Equal(t, 17, summary.Successful)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 20, summary.SymbolsProcessed)
	assert.EqualValues(t, 20, summary.TotalRequests)
	assert.Equal(t, []string{"quote"}, summary.CategoriesUpdated)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, "full", summary.Mode)
	assert.NotEmpty(t, summary.RunID)

	p := o.Progress()
	assert.Equal(t, 20, p.CompletedTasks)
	require.Len(t, p.RecentErrors, 3)
	assert.Equal(t, string(apierror.KindServerError), p.RecentErrors[0].Kind)
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(10))
}

func TestRun_ErrorRingKeepsLastFive(t *testing.T) {
	fail := map[string]bool{}
	for _, e := range entities(8) {
		fail[e] = true
	}
	runner := &stubRunner{fail: fail}
	o := New(runner, runner, nil)
	o.Sleep = noSleep

	summary := o.Run(context.Background(), entities(8), []domain.DataKind{testKind}, Config{BatchSize: 1})
	assert.Equal(t, 8, summary.Failed)
	assert.Empty(t, summary.CategoriesUpdated)

	p := o.Progress()
	require.Len(t, p.RecentErrors, domain.MaxRecentErrors)
	assert.Equal(t, "SYM03/quote", p.RecentErrors[0].Task)
	assert.Equal(t, "SYM07/quote", p.RecentErrors[4].Task)
}

func TestRun_TasksPerKindAndBatchDelay(t *testing.T) {
	runner := &stubRunner{}
	o := New(runner, runner, nil)
	var delays []time.Duration
	o.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	o.Clock = func() time.Time { return now }

	kinds := []domain.DataKind{testKind, {Name: "income", Endpoint: "/income/{entity}"}}
	summary := o.Run(context.Background(), entities(5), kinds, Config{
		BatchSize:  2,
		BatchDelay: 250 * time.Millisecond,
		Lookback:   7 * 24 * time.Hour,
	})

	assert.Equal(t, 10, summary.Successful)
	assert.Equal(t, []string{"income", "quote"}, summary.CategoriesUpdated)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, delays)

	require.NotEmpty(t, runner.seen)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), runner.seen[0].From)
	assert.Equal(t, now, runner.seen[0].To)
}

func TestRun_CancelAtBatchBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &stubRunner{}
	var once sync.Once
	runner.onTask = func(task domain.Task) {
		// Cancel while the first batch is in flight.
		once.Do(cancel)
	}
	o := New(runner, runner, nil)
	o.Sleep = noSleep

	summary := o.Run(ctx, entities(30), []domain.DataKind{testKind}, Config{BatchSize: 10})

	assert.True(t, summary.Cancelled)
	assert.Equal(t, 10, summary.Successful, "in-flight batch finishes")
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 10, summary.SymbolsProcessed)
}

func TestRun_ProgressCallback(t *testing.T) {
	runner := &stubRunner{}
	o := New(runner, runner, nil)
	o.Sleep = noSleep

	var mu sync.Mutex
	var updates []domain.BatchProgress
	o.OnProgress = func(p domain.BatchProgress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}

	o.Run(context.Background(), entities(4), []domain.DataKind{testKind}, Config{BatchSize: 2})

	require.Len(t, updates, 4)
	last := updates[len(updates)-1]
	assert.Equal(t, 4, last.TotalTasks)
	assert.Equal(t, 4, last.CompletedTasks)
	assert.InDelta(t, 100, last.Percent(), 0.001)
	assert.False(t, o.Running())
}

func TestRun_CallsUsedCountsOnlyThisRun(t *testing.T) {
	runner := &stubRunner{}
	o := New(runner, runner, nil)
	o.Sleep = noSleep

	var mu sync.Mutex
	var lastSeen int64
	o.OnProgress = func(p domain.BatchProgress) {
		mu.Lock()
		lastSeen = p.APICallsUsed
		mu.Unlock()
	}

	first := o.Run(context.Background(), entities(10), []domain.DataKind{testKind}, Config{BatchSize: 5})
	assert.Equal(t, int64(10), first.TotalRequests)
	assert.Equal(t, int64(10), o.Progress().APICallsUsed)

	second := o.Run(context.Background(), entities(3), []domain.DataKind{testKind}, Config{BatchSize: 5})
	assert.Equal(t, int64(3), second.TotalRequests)
	assert.Equal(t, second.TotalRequests, o.Progress().APICallsUsed)
	assert.Equal(t, int64(3), lastSeen)

	// Calls made by other users of the counter after the run do not move it.
	runner.calls.Add(7)
	assert.Equal(t, int64(3), o.Progress().APICallsUsed)
}

func TestRun_NoEntities(t *testing.T) {
	o := New(&stubRunner{}, nil, nil)
	summary := o.Run(context.Background(), nil, []domain.DataKind{testKind}, Config{})
	assert.Zero(t, summary.Successful)
	assert.Zero(t, summary.Failed)
	assert.False(t, summary.Cancelled)
}

func TestProgressETA(t *testing.T) {
	start := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	p := domain.BatchProgress{TotalTasks: 100, CompletedTasks: 25, StartTime: start}
	assert.Equal(t, 30*time.Minute, p.ETA(start.Add(10*time.Minute)))

	p.CompletedTasks = 0
	assert.Zero(t, p.ETA(start.Add(time.Minute)))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Nil(t, chunk(nil, 2))
}
