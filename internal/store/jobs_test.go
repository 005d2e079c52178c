package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"pricing-pipeline/internal/models"
)

// testStore connects to the database named by TEST_POSTGRES_DSN, runs
// migrations, and truncates between tests. Skipped when the env var is
// unset so the suite runs without infrastructure.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := st.pool.Exec(ctx,
		`TRUNCATE jobs, job_events, comps, valuations, sources, source_rules`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestEnqueueJobsIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	params := EnqueueParams{
		IntakeID:    "intake-1",
		SourceIDs:   []string{"src-a", "src-b"},
		QueryParams: map[string]any{"year": 1909},
	}
	created, err := st.EnqueueJobs(ctx, params)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}

	created, err = st.EnqueueJobs(ctx, params)
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if created != 0 {
		t.Fatalf("duplicate enqueue created %d jobs, want 0", created)
	}
}

func TestEnqueueAgainAfterCompletion(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	params := EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}
	if _, err := st.EnqueueJobs(ctx, params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if completed, err := st.MarkSucceeded(ctx, job.ID, "w1"); err != nil || !completed {
		t.Fatalf("succeed: completed=%v err=%v", completed, err)
	}

	// The pending-unique index only blocks while a pending job exists.
	created, err := st.EnqueueJobs(ctx, params)
	if err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
}

func TestConcurrentClaimUniqueness(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	const jobs = 20
	const workers = 4
	for i := 0; i < jobs; i++ {
		if _, err := st.EnqueueJobs(ctx, EnqueueParams{
			IntakeID:  fmt.Sprintf("intake-%d", i),
			SourceIDs: []string{"src-a"},
		}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, ok, err := st.ClaimNextJob(ctx, workerID, time.Minute, "")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), jobs)
	}
}

func TestClaimOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "first", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "second", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.IntakeID != "first" {
		t.Fatalf("claimed %q first, want oldest job", job.IntakeID)
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	held, err := st.Heartbeat(ctx, job.ID, "w1")
	if err != nil || !held {
		t.Fatalf("owner heartbeat: held=%v err=%v", held, err)
	}
	held, err = st.Heartbeat(ctx, job.ID, "w2")
	if err != nil {
		t.Fatalf("foreign heartbeat: %v", err)
	}
	if held {
		t.Fatal("heartbeat from a non-owner must not refresh the lease")
	}
}

func TestReclaimStuckJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	// Nothing is stuck against a generous timeout.
	ids, err := st.ReclaimStuckJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed %v with a live lease", ids)
	}

	// With a zero timeout the lease is expired.
	ids, err = st.ReclaimStuckJobs(ctx, 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("reclaimed %v, want [%s]", ids, job.ID)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.Attempts != job.Attempts+1 {
		t.Fatalf("attempts = %d, want %d", got.Attempts, job.Attempts+1)
	}

	// Reclaim is exactly-once: a second sweep finds nothing.
	ids, err = st.ReclaimStuckJobs(ctx, 0)
	if err != nil {
		t.Fatalf("second reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("second reclaim returned %v", ids)
	}
}

func TestRetryableNotClaimableUntilDue(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := st.MarkRetryable(ctx, job.ID, "w1", time.Now().Add(time.Hour), "transient upstream error"); err != nil {
		t.Fatalf("mark retryable: %v", err)
	}

	_, ok, err = st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("job claimed before its retry time")
	}
}

func TestDeferJobKeepsAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	retryAt := time.Now().Add(5 * time.Minute)
	if err := st.DeferJob(ctx, job.ID, "w1", retryAt, "source paused by circuit breaker"); err != nil {
		t.Fatalf("defer: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusRetryable {
		t.Fatalf("status = %q, want retryable", got.Status)
	}
	if got.Attempts != job.Attempts {
		t.Fatalf("attempts = %d, deferral must not count an attempt", got.Attempts)
	}
	if got.NextRetryAt == nil || got.NextRetryAt.Sub(retryAt).Abs() > time.Second {
		t.Fatalf("next_retry_at = %v, want pause expiry %v", got.NextRetryAt, retryAt)
	}
	if got.LastError == nil || *got.LastError != "source paused by circuit breaker" {
		t.Fatalf("last_error = %v", got.LastError)
	}

	// Not claimable until the pause expires.
	_, ok, err = st.ClaimNextJob(ctx, "w2", time.Minute, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatal("deferred job claimed before the pause expired")
	}
}

func TestMarkSucceededAfterCancel(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// Cancelled while the worker is still executing.
	if cancelled, err := st.CancelJob(ctx, job.ID, "operator cancel"); err != nil || !cancelled {
		t.Fatalf("cancel: cancelled=%v err=%v", cancelled, err)
	}

	completed, err := st.MarkSucceeded(ctx, job.ID, "w1")
	if err != nil {
		t.Fatalf("succeed after cancel: %v", err)
	}
	if completed {
		t.Fatal("completion applied over a cancelled job")
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %q, cancellation must win", got.Status)
	}
}

func TestCancelJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.EnqueueJobs(ctx, EnqueueParams{IntakeID: "intake-1", SourceIDs: []string{"src-a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := st.ClaimNextJob(ctx, "w1", time.Minute, "")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	cancelled, err := st.CancelJob(ctx, job.ID, "operator cancel")
	if err != nil || !cancelled {
		t.Fatalf("cancel: cancelled=%v err=%v", cancelled, err)
	}

	// Already terminal; a second cancel is a no-op.
	cancelled, err = st.CancelJob(ctx, job.ID, "again")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if cancelled {
		t.Fatal("cancel applied to a terminal job")
	}
}

func TestJobEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.LogJobEvent(ctx, "job-1", "info", "starting collection", map[string]any{"source": "eBay"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := st.LogJobEvent(ctx, "job-1", "warning", "retry scheduled", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}

	events, err := st.ListJobEvents(ctx, "job-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Message != "starting collection" {
		t.Fatalf("events out of order: %q first", events[0].Message)
	}
}
