package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const usageTTL = 8 * 24 * time.Hour

// UsageRepo implements storage.UsageRepository using Redis counters.
type UsageRepo struct {
	rdb    *redis.Client
	client *Client
}

// NewUsageRepo creates a new Redis-backed usage repository.
func NewUsageRepo(client *Client) *UsageRepo {
	return &UsageRepo{rdb: client.rdb, client: client}
}

func (r *UsageRepo) dayKey(day time.Time) string {
	return r.client.key("api_usage", day.UTC().Format("2006-01-02"))
}

// AddUsage adds delta calls to the counter for day.
func (r *UsageRepo) AddUsage(ctx context.Context, day time.Time, delta int64) error {
	key := r.dayKey(day)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, key, delta)
		pipe.Expire(ctx, key, usageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// GetUsage returns the calls recorded for day.
func (r *UsageRepo) GetUsage(ctx context.Context, day time.Time) (int64, error) {
	n, err := r.rdb.Get(ctx, r.dayKey(day)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return n, nil
}

// DeleteUsageBefore removes counters older than day. Counters also expire on
// their own after a week.
func (r *UsageRepo) DeleteUsageBefore(ctx context.Context, day time.Time) (int64, error) {
	prefix := r.client.key("api_usage") + ":"
	cutoff := day.UTC().Format("2006-01-02")

	var stale []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// ISO dates compare lexically
		if strings.TrimPrefix(key, prefix) < cutoff {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan failed: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return n, nil
}
