package ingest

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/memory"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

var (
	quoteKind  = domain.DataKind{Name: "historical-price", Endpoint: "/historical-price-full/{entity}"}
	incomeKind = domain.DataKind{Name: "income-statement", Endpoint: "/income-statement/{entity}", Period: "annual"}
)

type call struct {
	endpoint string
	params   url.Values
}

type fakeAPI struct {
	mu        sync.Mutex
	calls     []call
	responses map[string][]byte
	errs      map[string]error
}

func (f *fakeAPI) MakeRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{endpoint, params})
	if err := f.errs[endpoint]; err != nil {
		return nil, err
	}
	return f.responses[endpoint], nil
}

type failingSink struct{ err error }

func (s failingSink) UpsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	return 0, s.err
}

type fixture struct {
	api     *fakeAPI
	records *memory.RecordRepo
	failed  *memory.FailedJobRepo
	exec    *resilience.Executor
}

func newFixture() *fixture {
	store := memory.NewMemoryStorage()
	f := &fixture{
		api:     &fakeAPI{responses: map[string][]byte{}, errs: map[string]error{}},
		records: memory.NewRecordRepo(store),
		failed:  memory.NewFailedJobRepo(store, domain.DefaultRetrySchedule),
	}
	f.exec = resilience.NewExecutor(
		resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig(), nil),
		resilience.DefaultPolicies(),
		f.failed,
		nil,
	)
	f.exec.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f
}

func TestIngest_FetchParseUpsert(t *testing.T) {
	f := newFixture()
	f.api.responses["/historical-price-full/AAPL"] = []byte(`{"symbol":"AAPL","historical":[
		{"date":"2025-03-07","close":239.07},
		{"date":"2025-03-06","close":235.33}
	]}`)
	ing := New(f.api, f.records, f.exec, []domain.DataKind{quoteKind}, nil)

	task := domain.Task{
		Entity: "AAPL",
		Kind:   quoteKind,
		From:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
	}
	n, err := ing.Ingest(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, f.api.calls, 1)
	assert.Equal(t, "2025-03-01", f.api.calls[0].params.Get("from"))
	assert.Equal(t, "2025-03-07", f.api.calls[0].params.Get("to"))

	// Replaying the same window leaves one row per natural key.
	_, err = ing.Ingest(context.Background(), task)
	require.NoError(t, err)
	count, _ := f.records.Count(context.Background(), quoteKind.Name)
	assert.Equal(t, 2, count)

	rec, ok := f.records.Get("AAPL", quoteKind.Name, time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), "")
	require.True(t, ok)
	assert.JSONEq(t, `{"date":"2025-03-07","close":239.07}`, string(rec.Payload))
}

func TestIngest_NotFoundIsEmpty(t *testing.T) {
	f := newFixture()
	f.api.errs["/income-statement/ZZZZ"] = &apierror.Error{Kind: apierror.KindNotFound, StatusCode: 404}
	ing := New(f.api, f.records, f.exec, []domain.DataKind{incomeKind}, nil)

	n, err := ing.Ingest(context.Background(), domain.Task{Entity: "ZZZZ", Kind: incomeKind})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "annual", f.api.calls[0].params.Get("period"))

	jobs, _ := f.failed.Count(context.Background())
	assert.Zero(t, jobs)
}

func TestIngest_MissingDateIsValidationFailure(t *testing.T) {
	f := newFixture()
	f.api.responses["/income-statement/AAPL"] = []byte(`[{"revenue":1}]`)
	ing := New(f.api, f.records, f.exec, []domain.DataKind{incomeKind}, nil)

	_, err := ing.Ingest(context.Background(), domain.Task{Entity: "AAPL", Kind: incomeKind})
	gu, ok := resilience.IsGiveUp(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindValidationFailure, gu.Kind)
	assert.Len(t, f.api.calls, 1)

	jobs, err := f.failed.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "fetch:income-statement", jobs[0].JobType)
	assert.Equal(t, "AAPL", jobs[0].Payload["entity"])
}

func TestIngest_SinkFailureRecordedUnderUpsertOperation(t *testing.T) {
	f := newFixture()
	f.api.responses["/income-statement/AAPL"] = []byte(`[{"date":"2024-09-28","revenue":1}]`)
	sinkErr := apierror.Wrap(apierror.KindDatabaseConnection, errors.New("connection refused"))
	ing := New(f.api, failingSink{err: sinkErr}, f.exec, []domain.DataKind{incomeKind}, nil)

	_, err := ing.Ingest(context.Background(), domain.Task{Entity: "AAPL", Kind: incomeKind})
	require.Error(t, err)

	jobs, err := f.failed.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, UpsertOperation(incomeKind.Name), jobs[0].JobType)
	assert.Equal(t, string(apierror.KindDatabaseConnection), jobs[0].ErrorKind)
}

func TestIngest_ReplayHandler(t *testing.T) {
	f := newFixture()
	f.api.responses["/income-statement/MSFT"] = []byte(`[{"date":"2024-06-30","period":"FY"}]`)
	ing := New(f.api, f.records, f.exec, []domain.DataKind{incomeKind}, nil)

	ctx := context.Background()
	_, err := f.failed.RecordFailure(ctx, domain.FailureReport{
		JobType: "fetch:income-statement",
		Payload: domain.Payload{"entity": "MSFT", "kind": "income-statement"},
		At:      time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	p := resilience.NewFailedJobProcessor(f.failed, f.exec, 10, nil)
	ing.Register(p)

	res, err := p.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)

	rec, ok := f.records.Get("MSFT", "income-statement", time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), "FY")
	require.True(t, ok)
	assert.Equal(t, "FY", rec.Period)
}

func TestTaskFromPayload(t *testing.T) {
	ing := New(nil, nil, nil, []domain.DataKind{quoteKind}, nil)

	task, err := ing.TaskFromPayload(domain.Payload{"entity": "AAPL", "kind": quoteKind.Name, "from": "2025-01-02"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", task.Entity)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), task.From)

	_, err = ing.TaskFromPayload(domain.Payload{"entity": "AAPL", "kind": "unknown"})
	k, _ := apierror.KindOf(err)
	assert.Equal(t, apierror.KindValidationFailure, k)
}
