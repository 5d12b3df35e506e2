package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
)

// recordFailureScript upserts a failed job atomically.
//
// KEYS[1] index hash (job_type|payload_key -> id), KEYS[2] due zset,
// KEYS[3] counts zset. ARGV: job_type, payload_key, payload, error_kind,
// error_message, at_ms, base_ms, max_ms, new_id, job key prefix, bucket prefix.
//
// Besides the due zset every job sits in the bucket zset for its error count,
// scored by next retry time. The counts zset lists non-empty buckets.
var recordFailureScript = redis.NewScript(`
local field = ARGV[1] .. "|" .. ARGV[2]
local id = redis.call("HGET", KEYS[1], field)
local jobKey
if not id then
	id = ARGV[9]
	jobKey = ARGV[10] .. id
	redis.call("HSET", KEYS[1], field, id)
	redis.call("HSET", jobKey, "id", id, "job_type", ARGV[1], "payload", ARGV[3],
		"payload_key", ARGV[2], "created_at", ARGV[6], "error_count", "0")
else
	jobKey = ARGV[10] .. id
end

local prev = tonumber(redis.call("HGET", jobKey, "error_count") or "0")
local count = redis.call("HINCRBY", jobKey, "error_count", 1)
local delay = tonumber(ARGV[7])
local max = tonumber(ARGV[8])
for i = 2, count do
	if delay >= max then break end
	delay = delay * 2
end
if delay > max then delay = max end
local nextAt = tonumber(ARGV[6]) + delay

redis.call("HSET", jobKey, "error_kind", ARGV[4], "error_message", ARGV[5],
	"last_error_at", ARGV[6], "next_retry_at", string.format("%d", nextAt))
redis.call("ZADD", KEYS[2], nextAt, id)

if prev > 0 then
	local oldBucket = ARGV[11] .. prev
	redis.call("ZREM", oldBucket, id)
	if redis.call("ZCARD", oldBucket) == 0 then
		redis.call("ZREM", KEYS[3], tostring(prev))
	end
end
redis.call("ZADD", ARGV[11] .. count, nextAt, id)
redis.call("ZADD", KEYS[3], count, tostring(count))
return redis.call("HGETALL", jobKey)
`)

// dueScript returns up to ARGV[2] due job IDs (0 = all), walking buckets in
// ascending error count and each bucket by next retry time.
//
// KEYS[1] counts zset. ARGV: now_ms, limit, bucket prefix.
var dueScript = redis.NewScript(`
local out = {}
local limit = tonumber(ARGV[2])
for _, c in ipairs(redis.call("ZRANGE", KEYS[1], 0, -1)) do
	local ids
	if limit > 0 then
		local remaining = limit - #out
		if remaining <= 0 then break end
		ids = redis.call("ZRANGEBYSCORE", ARGV[3] .. c, "-inf", ARGV[1], "LIMIT", 0, remaining)
	else
		ids = redis.call("ZRANGEBYSCORE", ARGV[3] .. c, "-inf", ARGV[1])
	end
	for _, id in ipairs(ids) do
		out[#out + 1] = id
	end
end
return out
`)

// resolveScript deletes a job and its index entries. Returns 0 when the job
// does not exist.
//
// KEYS[1] index hash, KEYS[2] due zset, KEYS[3] counts zset.
// ARGV: id, job key prefix, bucket prefix.
var resolveScript = redis.NewScript(`
local jobKey = ARGV[2] .. ARGV[1]
local f = redis.call("HMGET", jobKey, "job_type", "payload_key", "error_count")
if not f[1] then
	return 0
end
redis.call("HDEL", KEYS[1], f[1] .. "|" .. f[2])
redis.call("ZREM", KEYS[2], ARGV[1])
if f[3] then
	local bucket = ARGV[3] .. f[3]
	redis.call("ZREM", bucket, ARGV[1])
	if redis.call("ZCARD", bucket) == 0 then
		redis.call("ZREM", KEYS[3], f[3])
	end
end
redis.call("DEL", jobKey)
return 1
`)

// FailedJobRepo implements storage.FailedJobRepository using Redis.
// Jobs are hashes; a sorted set scored by next retry time indexes them.
type FailedJobRepo struct {
	rdb      *redis.Client
	client   *Client
	schedule domain.RetrySchedule
}

// NewFailedJobRepo creates a new Redis-backed failed job repository.
func NewFailedJobRepo(client *Client, schedule domain.RetrySchedule) *FailedJobRepo {
	return &FailedJobRepo{
		rdb:      client.rdb,
		client:   client,
		schedule: schedule,
	}
}

// Key helpers
func (r *FailedJobRepo) indexKey() string {
	return r.client.key("failed_jobs", "index")
}

func (r *FailedJobRepo) dueKey() string {
	return r.client.key("failed_jobs", "due")
}

func (r *FailedJobRepo) countsKey() string {
	return r.client.key("failed_jobs", "counts")
}

func (r *FailedJobRepo) bucketPrefix() string {
	return r.client.key("failed_jobs", "due") + ":"
}

func (r *FailedJobRepo) jobPrefix() string {
	return r.client.key("failed_job") + ":"
}

func (r *FailedJobRepo) jobKey(id string) string {
	return r.jobPrefix() + id
}

// RecordFailure upserts a failed job keyed by (job type, payload key).
func (r *FailedJobRepo) RecordFailure(
	ctx context.Context,
	report domain.FailureReport,
) (*domain.FailedJob, error) {
	payload, err := json.Marshal(report.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	at := report.At
	if at.IsZero() {
		at = time.Now()
	}

	res, err := recordFailureScript.Run(ctx, r.rdb,
		[]string{r.indexKey(), r.dueKey(), r.countsKey()},
		report.JobType,
		report.Payload.Key(),
		string(payload),
		report.ErrorKind,
		report.Error,
		at.UnixMilli(),
		r.schedule.Base.Milliseconds(),
		r.schedule.Max.Milliseconds(),
		uuid.NewString(),
		r.jobPrefix(),
		r.bucketPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to record failed job: %w", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return decodeJob(fields)
}

// Due returns up to limit jobs whose next retry time has passed, ordered by
// error count then next retry time. Only the selected jobs are loaded.
func (r *FailedJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error) {
	if limit < 0 {
		limit = 0
	}
	ids, err := dueScript.Run(ctx, r.rdb,
		[]string{r.countsKey()},
		now.UnixMilli(),
		limit,
		r.bucketPrefix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}
	return r.load(ctx, ids)
}

// Resolve removes a failed job (successfully retried).
func (r *FailedJobRepo) Resolve(ctx context.Context, id string) error {
	n, err := resolveScript.Run(ctx, r.rdb,
		[]string{r.indexKey(), r.dueKey(), r.countsKey()},
		id,
		r.jobPrefix(),
		r.bucketPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to delete failed job: %w", err)
	}
	if n == 0 {
		return storage.ErrFailedJobNotFound
	}
	return nil
}

// ResolveMany removes several failed jobs.
func (r *FailedJobRepo) ResolveMany(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.Resolve(ctx, id); err != nil && err != storage.ErrFailedJobNotFound {
			return err
		}
	}
	return nil
}

// GetAll retrieves all failed jobs.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	ids, err := r.rdb.ZRange(ctx, r.dueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	return r.load(ctx, ids)
}

// Count returns the count of failed jobs.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.dueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

func (r *FailedJobRepo) load(ctx context.Context, ids []string) ([]*domain.FailedJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load failed jobs: %w", err)
	}

	jobs := make([]*domain.FailedJob, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Hash gone but ID still indexed
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(f map[string]string) (*domain.FailedJob, error) {
	var payload domain.Payload
	if err := json.Unmarshal([]byte(f["payload"]), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of job %s: %w", f["id"], err)
	}
	count, err := strconv.Atoi(f["error_count"])
	if err != nil {
		return nil, fmt.Errorf("invalid error_count for job %s: %w", f["id"], err)
	}
	return &domain.FailedJob{
		ID:           f["id"],
		JobType:      f["job_type"],
		Payload:      payload,
		PayloadKey:   f["payload_key"],
		ErrorKind:    f["error_kind"],
		ErrorMessage: f["error_message"],
		ErrorCount:   count,
		LastErrorAt:  parseMillis(f["last_error_at"]),
		NextRetryAt:  parseMillis(f["next_retry_at"]),
		CreatedAt:    parseMillis(f["created_at"]),
	}, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
