package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/memory"
)

func TestPruner_Prune(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewUsageRepo(memory.NewMemoryStorage())
	today := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		require.NoError(t, repo.AddUsage(ctx, today.AddDate(0, 0, -i), 1))
	}

	p := NewPruner(7*24*time.Hour, repo, nil)
	p.Clock = func() time.Time { return today.Add(12 * time.Hour) }
	p.Prune(ctx)

	for i := 0; i < 10; i++ {
		n, err := repo.GetUsage(ctx, today.AddDate(0, 0, -i))
		require.NoError(t, err)
		if i <= 7 {
			assert.EqualValues(t, 1, n, "day -%d kept", i)
		} else {
			assert.Zero(t, n, "day -%d pruned", i)
		}
	}
}

func TestPruner_DisabledReturnsImmediately(t *testing.T) {
	p := NewPruner(0, memory.NewUsageRepo(memory.NewMemoryStorage()), nil)
	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return with retention disabled")
	}
}
