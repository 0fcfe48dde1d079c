package model

import (
	"fmt"
	"time"
)

// JobStatus represents the queue state of a background job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one durable unit of queued work. DedupeKey collapses duplicate
// triggers: enqueuing an existing key is a no-op, not an error.
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Type        string     `json:"type"`
	Payload     []byte     `json:"payload,omitempty"`
	DedupeKey   string     `json:"dedupe_key"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	BackoffMS   int64      `json:"backoff_ms"`
	RunAt       time.Time  `json:"run_at"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobKey builds the persisted job identity for a stage acting on an RFQ.
// The date component keeps duplicate same-day triggers (a cron sweep racing
// a delayed timer) from queuing twice.
func JobKey(stage, rfqID string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", stage, rfqID, day.UTC().Format("2006-01-02"))
}
