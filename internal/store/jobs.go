package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"pricing-pipeline/internal/models"
)

const jobColumns = `id, intake_id, source_id, job_type, status, query_params,
	locked_by, locked_at, heartbeat_at, scheduled_at, next_retry_at,
	attempts, last_error, started_at, completed_at, created_at, updated_at`

// EnqueueParams collects inputs for a batch enqueue: one job per source for
// a single intake.
type EnqueueParams struct {
	IntakeID    string
	SourceIDs   []string
	JobType     string
	QueryParams map[string]any
	BaseDelay   time.Duration
	Stagger     time.Duration
}

// EnqueueJobs inserts pending jobs for each source, staggering their
// scheduled times so a batch does not hit an external source all at once.
// Inserting a job whose (intake, source, job_type) already has a pending job
// is a no-op via the partial unique index. Returns the number of jobs
// actually created.
func (s *Store) EnqueueJobs(ctx context.Context, p EnqueueParams) (int, error) {
	if p.JobType == "" {
		p.JobType = models.JobTypePricing
	}
	payloadJSON, err := json.Marshal(p.QueryParams)
	if err != nil {
		return 0, fmt.Errorf("marshal query params: %w", err)
	}

	created := 0
	for i, sourceID := range p.SourceIDs {
		scheduledAt := time.Now().UTC().Add(p.BaseDelay + time.Duration(i)*p.Stagger)
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (id, intake_id, source_id, job_type, status, query_params, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (intake_id, source_id, job_type) WHERE status = 'pending' DO NOTHING
		`, uuid.New().String(), p.IntakeID, sourceID, p.JobType, models.StatusPending, payloadJSON, scheduledAt)
		if err != nil {
			return created, fmt.Errorf("enqueue job for source %s: %w", sourceID, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// ClaimNextJob atomically claims the single oldest claimable job for the
// worker: pending jobs first, then due retryable jobs, then running jobs
// whose heartbeat has expired. SKIP LOCKED keeps concurrent claimers from
// blocking on or double-claiming the same row. Claiming an expired running
// job counts as a lost lease: the attempt counter increments and the
// previous owner lands in the error trail.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, lockTimeout time.Duration, jobType string) (models.Job, bool, error) {
	var jobTypeFilter *string
	if jobType != "" {
		jobTypeFilter = &jobType
	}
	row := s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id, status AS prev_status, locked_by AS prev_locked_by
			FROM jobs
			WHERE (
					(status = 'pending' AND scheduled_at <= now())
					OR (status = 'retryable' AND next_retry_at <= now())
					OR (status = 'running' AND heartbeat_at < now() - make_interval(secs => $2))
				)
				AND ($3::text IS NULL OR job_type = $3)
			ORDER BY CASE status WHEN 'pending' THEN 0 WHEN 'retryable' THEN 1 ELSE 2 END,
				created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET status = 'running',
			locked_by = $1,
			locked_at = now(),
			heartbeat_at = now(),
			started_at = COALESCE(j.started_at, now()),
			attempts = j.attempts + CASE WHEN next.prev_status = 'running' THEN 1 ELSE 0 END,
			last_error = CASE WHEN next.prev_status = 'running'
				THEN 'lease expired; reclaimed from ' || COALESCE(next.prev_locked_by, 'unknown')
				ELSE j.last_error END,
			next_retry_at = NULL,
			updated_at = now()
		FROM next
		WHERE j.id = next.id
		RETURNING `+jobColumnsQualified("j"),
		workerID, lockTimeout.Seconds(), jobTypeFilter)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// Heartbeat refreshes the lease on a running job. A zero-row update means
// the job was reclaimed or completed out from under us, which is not an
// error; the caller just learns the lease is gone.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, jobID, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ReclaimStuckJobs resets running jobs whose heartbeat is older than the
// lock timeout, incrementing their attempt counter. A job whose (intake,
// source, job_type) gained a pending sibling while it was running cannot go
// back to pending without colliding with the pending-unique index, so it
// reclaims as an immediately-due retryable instead.
func (s *Store) ReclaimStuckJobs(ctx context.Context, lockTimeout time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		WITH stuck AS (
			SELECT j.id, j.locked_by,
				EXISTS (
					SELECT 1 FROM jobs p
					WHERE p.status = 'pending'
						AND p.intake_id = j.intake_id
						AND p.source_id = j.source_id
						AND p.job_type = j.job_type
						AND p.id <> j.id
				) AS has_pending_sibling
			FROM jobs j
			WHERE j.status = 'running'
				AND j.heartbeat_at < now() - make_interval(secs => $1)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = CASE WHEN stuck.has_pending_sibling THEN 'retryable' ELSE 'pending' END,
			next_retry_at = CASE WHEN stuck.has_pending_sibling THEN now() ELSE NULL END,
			attempts = j.attempts + 1,
			last_error = 'lease expired; reclaimed from ' || COALESCE(stuck.locked_by, 'unknown'),
			locked_by = NULL,
			locked_at = NULL,
			heartbeat_at = NULL,
			updated_at = now()
		FROM stuck
		WHERE j.id = stuck.id
		RETURNING j.id
	`, lockTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkSucceeded completes a job held by the worker. A zero-row update means
// the job was cancelled or reclaimed mid-execution; the caller learns the
// completion did not apply.
func (s *Store) MarkSucceeded(ctx context.Context, jobID, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'succeeded', completed_at = now(), last_error = NULL,
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, jobID, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRetryable schedules a retry after a transient failure, incrementing
// the attempt counter.
func (s *Store) MarkRetryable(ctx context.Context, jobID, workerID string, nextRetryAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'retryable', attempts = attempts + 1, next_retry_at = $3,
			last_error = $4, locked_by = NULL, locked_at = NULL,
			heartbeat_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, jobID, workerID, nextRetryAt, lastError)
	return err
}

// DeferJob returns a job to the claimable set without counting an attempt.
// Used for governance rejections (paused/disabled source), which are not the
// job's fault.
func (s *Store) DeferJob(ctx context.Context, jobID, workerID string, retryAt time.Time, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'retryable', next_retry_at = $3, last_error = $4,
			locked_by = NULL, locked_at = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, jobID, workerID, retryAt, reason)
	return err
}

// MarkFailed terminates a job after a permanent error or attempt exhaustion.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = attempts + 1, completed_at = now(),
			last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running' AND locked_by = $2
	`, jobID, workerID, lastError)
	return err
}

// CancelJob force-fails a pending or running job on behalf of an external
// actor. The status guard keeps it from overwriting a job that a worker has
// since completed or failed. Returns whether the cancellation applied.
func (s *Store) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', completed_at = now(), last_error = $2,
			locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')
	`, jobID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job not found: %w", err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimableDepth counts jobs ready to be claimed right now.
func (s *Store) ClaimableDepth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE (status = 'pending' AND scheduled_at <= now())
			OR (status = 'retryable' AND next_retry_at <= now())
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count claimable jobs: %w", err)
	}
	return n, nil
}

// LogJobEvent appends a row to the job's event trail. Best effort: callers
// treat failures as log-and-continue.
func (s *Store) LogJobEvent(ctx context.Context, jobID, level, message string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, level, message, metadata) VALUES ($1, $2, $3, $4)
	`, jobID, level, message, metaJSON)
	return err
}

// ListJobEvents returns the event trail for a job, oldest first.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, level, message, metadata, recorded_at
		FROM job_events WHERE job_id = $1 ORDER BY recorded_at LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var metaJSON []byte
		if err := rows.Scan(&ev.JobID, &ev.Level, &ev.Message, &metaJSON, &ev.Recorded); err != nil {
			return events, fmt.Errorf("scan job event: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return events, fmt.Errorf("unmarshal event metadata: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func jobColumnsQualified(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.intake_id, %[1]s.source_id, %[1]s.job_type, %[1]s.status,
		%[1]s.query_params, %[1]s.locked_by, %[1]s.locked_at, %[1]s.heartbeat_at,
		%[1]s.scheduled_at, %[1]s.next_retry_at, %[1]s.attempts, %[1]s.last_error,
		%[1]s.started_at, %[1]s.completed_at, %[1]s.created_at, %[1]s.updated_at`, alias)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var paramsJSON []byte
	var lockedBy, lastErr pgtype.Text
	var lockedAt, heartbeatAt, nextRetryAt, startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.IntakeID, &job.SourceID, &job.JobType, &job.Status,
		&paramsJSON, &lockedBy, &lockedAt, &heartbeatAt,
		&job.ScheduledAt, &nextRetryAt, &job.Attempts, &lastErr,
		&startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(paramsJSON, &job.QueryParams); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal query params: %w", err)
	}
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	job.LockedAt = timePtr(lockedAt)
	job.HeartbeatAt = timePtr(heartbeatAt)
	job.NextRetryAt = timePtr(nextRetryAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
