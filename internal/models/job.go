package models

import (
	"time"
)

// Job statuses persisted in Postgres. Pending and due-retryable jobs are
// claimable; succeeded and failed are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRetryable = "retryable"
)

// Job types.
const (
	JobTypePricing = "pricing"
	JobTypeGrading = "grading"
)

// Job is one unit of pricing/grading work against one source for one intake.
type Job struct {
	ID          string         `json:"id"`
	IntakeID    string         `json:"intake_id"`
	SourceID    string         `json:"source_id"`
	JobType     string         `json:"job_type"`
	Status      string         `json:"status"`
	QueryParams map[string]any `json:"query_params"`
	LockedBy    *string        `json:"locked_by,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `json:"heartbeat_at,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can no longer transition.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// JobEvent is one row of a job's info/warning/error trail.
type JobEvent struct {
	JobID    string         `json:"job_id"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Recorded time.Time      `json:"recorded_at"`
}
