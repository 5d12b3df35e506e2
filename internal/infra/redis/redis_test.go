package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, _ := newTestServer(t)
	return client
}

func newTestServer(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClientFromRedis(rdb, "test:"), mr
}

func TestFailedJobRepo_UpsertIncrementsCount(t *testing.T) {
	ctx := context.Background()
	repo := NewFailedJobRepo(newTestClient(t), domain.DefaultRetrySchedule)
	at := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

	report := domain.FailureReport{
		JobType:   "fetch:quote",
		Payload:   domain.Payload{"entity": "AAPL", "kind": "quote"},
		ErrorKind: "server_error",
		Error:     "upstream 500",
		At:        at,
	}

	first, err := repo.RecordFailure(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ErrorCount)
	assert.Equal(t, at.Add(15*time.Minute), first.NextRetryAt)
	assert.Equal(t, "AAPL", first.Payload["entity"])

	report.ErrorKind = "timeout"
	second, err := repo.RecordFailure(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ErrorCount)
	assert.Equal(t, "timeout", second.ErrorKind)
	assert.Equal(t, at.Add(30*time.Minute), second.NextRetryAt)
	assert.Equal(t, at, second.CreatedAt)
}

func TestFailedJobRepo_ConcurrentFailuresShareOneRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewFailedJobRepo(newTestClient(t), domain.DefaultRetrySchedule)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RecordFailure(ctx, domain.FailureReport{
				JobType: "fetch:quote",
				Payload: domain.Payload{"entity": "MSFT"},
				Error:   "boom",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 8, jobs[0].ErrorCount)
}

func TestFailedJobRepo_DueAndResolve(t *testing.T) {
	ctx := context.Background()
	repo := NewFailedJobRepo(newTestClient(t), domain.RetrySchedule{Base: time.Minute, Max: time.Hour})
	at := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

	record := func(entity string, times int) {
		for i := 0; i < times; i++ {
			_, err := repo.RecordFailure(ctx, domain.FailureReport{
				JobType: "fetch:quote",
				Payload: domain.Payload{"entity": entity},
				At:      at,
			})
			require.NoError(t, err)
		}
	}
	record("A", 3)
	record("B", 1)
	record("C", 2)

	due, err := repo.Due(ctx, at.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = repo.Due(ctx, at.Add(2*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "B", due[0].Payload["entity"])
	assert.Equal(t, "C", due[1].Payload["entity"])

	require.NoError(t, repo.Resolve(ctx, due[0].ID))
	assert.ErrorIs(t, repo.Resolve(ctx, due[0].ID), storage.ErrFailedJobNotFound)

	// A new failure for a resolved payload starts a fresh record.
	job, err := repo.RecordFailure(ctx, domain.FailureReport{
		JobType: "fetch:quote",
		Payload: domain.Payload{"entity": "B"},
		At:      at,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, job.ErrorCount)
	assert.NotEqual(t, due[0].ID, job.ID)

	require.NoError(t, repo.ResolveMany(ctx, []string{job.ID, due[1].ID}))
	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedJobRepo_DueLoadsOnlySelectedJobs(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestServer(t)
	repo := NewFailedJobRepo(client, domain.RetrySchedule{Base: time.Minute, Max: time.Minute})
	at := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

	record := func(entity string, times int, when time.Time) {
		for i := 0; i < times; i++ {
			_, err := repo.RecordFailure(ctx, domain.FailureReport{
				JobType: "fetch:quote",
				Payload: domain.Payload{"entity": entity},
				At:      when,
			})
			require.NoError(t, err)
		}
	}
	// A backlog of jobs that failed three times.
	for i := 0; i < 50; i++ {
		record(fmt.Sprintf("OLD%02d", i), 3, at)
	}
	record("LATE", 1, at.Add(time.Hour))
	record("ONCE-B", 1, at.Add(2*time.Second))
	record("ONCE-A", 1, at.Add(time.Second))
	record("TWICE", 2, at)

	now := at.Add(10 * time.Minute)
	due, err := repo.Due(ctx, now, 4)
	require.NoError(t, err)
	require.Len(t, due, 4)
	assert.Equal(t, "ONCE-A", due[0].Payload["entity"])
	assert.Equal(t, "ONCE-B", due[1].Payload["entity"])
	assert.Equal(t, "TWICE", due[2].Payload["entity"])
	assert.Equal(t, 3, due[3].ErrorCount)

	all, err := repo.Due(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, all, 53)

	// Buckets follow the error count and disappear when emptied.
	require.NoError(t, repo.Resolve(ctx, due[2].ID))
	assert.False(t, mr.Exists("test:failed_jobs:due:2"))
	counts, err := mr.ZMembers("test:failed_jobs:counts")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "3"}, counts)

	for _, id := range []string{due[0].ID, due[1].ID} {
		require.NoError(t, repo.Resolve(ctx, id))
	}
	due, err = repo.Due(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, 3, due[0].ErrorCount)
	assert.Equal(t, 3, due[1].ErrorCount)
}

func TestUsageRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewUsageRepo(newTestClient(t))
	day := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.AddUsage(ctx, day, 40))
	require.NoError(t, repo.AddUsage(ctx, day, 2))
	require.NoError(t, repo.AddUsage(ctx, day.AddDate(0, 0, -3), 7))

	n, err := repo.GetUsage(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	n, err = repo.GetUsage(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, n)

	deleted, err := repo.DeleteUsageBefore(ctx, day)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
