package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Payload carries the arguments needed to replay a failed job.
type Payload map[string]string

// Key returns a stable identifier for the payload. Map keys are sorted by
// encoding/json, so equal payloads always hash to the same key.
func (p Payload) Key() string {
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FailedJob is a persisted operation that exhausted its inline retries.
// (JobType, PayloadKey) is unique.
type FailedJob struct {
	ID           string    `json:"id"`
	JobType      string    `json:"job_type"`
	Payload      Payload   `json:"payload"`
	PayloadKey   string    `json:"payload_key"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	ErrorCount   int       `json:"error_count"`
	LastErrorAt  time.Time `json:"last_error_at"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// FailureReport describes one failure to be recorded in the failed-job queue.
type FailureReport struct {
	JobType   string
	Payload   Payload
	ErrorKind string
	Error     string
	At        time.Time
}

// RetrySchedule computes when a failed job becomes due again.
// The delay doubles with every recorded failure and is capped at Max.
type RetrySchedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetrySchedule waits 15m after the first failure, capped at 24h.
var DefaultRetrySchedule = RetrySchedule{
	Base: 15 * time.Minute,
	Max:  24 * time.Hour,
}

// Next returns the next retry time for a job that has failed errorCount times.
func (s RetrySchedule) Next(at time.Time, errorCount int) time.Time {
	if errorCount < 1 {
		errorCount = 1
	}
	delay := s.Base
	for i := 1; i < errorCount && delay < s.Max; i++ {
		delay *= 2
	}
	if delay > s.Max {
		delay = s.Max
	}
	return at.Add(delay)
}
