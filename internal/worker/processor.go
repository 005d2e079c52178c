// Package worker drives the job execution loop: claim, govern, collect,
// ingest, revaluate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"pricing-pipeline/internal/collector"
	"pricing-pipeline/internal/config"
	"pricing-pipeline/internal/governance"
	"pricing-pipeline/internal/grading"
	"pricing-pipeline/internal/ingest"
	"pricing-pipeline/internal/models"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
	"pricing-pipeline/internal/valuation"
)

// Processor is one worker's view of the pipeline. Workers share no
// in-process state; all coordination happens through the store's atomic
// claim.
type Processor struct {
	cfg        config.Config
	store      *store.Store
	governor   *governance.Governor
	ingester   *ingest.Engine
	grader     *grading.Handler
	workerID   string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewProcessor(cfg config.Config, st *store.Store, gov *governance.Governor, ing *ingest.Engine, grader *grading.Handler, workerID string, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:        cfg,
		store:      st,
		governor:   gov,
		ingester:   ing,
		grader:     grader,
		workerID:   workerID,
		logger:     logger.With("worker_id", workerID),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run polls for claimable jobs until the context is cancelled. Store
// errors are logged and the loop retries on the next tick; a worker never
// crashes because the job store hiccuped.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started",
		"poll_interval", p.cfg.WorkerPollInterval.String(),
		"lock_timeout", p.cfg.LockTimeout.String())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := p.store.ClaimableDepth(ctx); err == nil {
			telemetry.ClaimableDepth.Set(float64(depth))
		}

		job, ok, err := p.store.ClaimNextJob(ctx, p.workerID, p.cfg.LockTimeout, "")
		if err != nil {
			p.logger.Error("claim failed", "error", err)
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			if !sleep(ctx, p.cfg.WorkerPollInterval) {
				return ctx.Err()
			}
			continue
		}

		telemetry.JobsClaimed.Inc()
		p.process(ctx, job)
	}
}

// process executes one claimed job, emitting heartbeats while it runs and
// translating the outcome into exactly one job-state transition. Errors
// never propagate out of here.
func (p *Processor) process(ctx context.Context, job models.Job) {
	logger := p.logger.With("job_id", job.ID, "intake_id", job.IntakeID,
		"source_id", job.SourceID, "job_type", job.JobType)
	logger.Info("processing job", "attempts", job.Attempts)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, job.ID, logger)

	err := p.execute(ctx, job, logger)
	stopHeartbeat()

	skip, skipped := asSkip(err)
	switch {
	case err == nil:
		completed, err := p.store.MarkSucceeded(ctx, job.ID, p.workerID)
		if err != nil {
			logger.Error("failed to mark job succeeded", "error", err)
			return
		}
		if !completed {
			// Cancelled or reclaimed out from under us; the other
			// transition already owns the job's final state.
			logger.Warn("lease lost before completion")
			return
		}
		telemetry.JobsSucceeded.Inc()
		logger.Info("job succeeded")

	case skipped:
		if err := p.store.DeferJob(ctx, job.ID, p.workerID, skip.RetryAt, skip.Reason); err != nil {
			logger.Error("failed to defer job", "error", err)
			return
		}
		telemetry.GovernanceSkips.Inc()
		_ = p.store.LogJobEvent(ctx, job.ID, "warning", "deferred by source governance",
			map[string]any{"reason": skip.Reason, "retry_at": skip.RetryAt.UTC().Format(time.RFC3339)})
		logger.Warn("job deferred", "reason", skip.Reason, "retry_at", skip.RetryAt)

	case collector.IsPermanent(err):
		p.fail(ctx, job, err, logger)

	default:
		// Transient by classification, or unclassified; retry with backoff.
		attempts := job.Attempts + 1
		if attempts >= p.cfg.MaxAttempts {
			p.fail(ctx, job, fmt.Errorf("attempts exhausted: %w", err), logger)
			return
		}
		delay := backoffDelay(p.cfg.RetryBase, p.cfg.RetryMax, attempts)
		retryAt := time.Now().Add(delay)
		if err2 := p.store.MarkRetryable(ctx, job.ID, p.workerID, retryAt, err.Error()); err2 != nil {
			logger.Error("failed to mark job retryable", "error", err2)
			return
		}
		telemetry.JobsRetried.Inc()
		_ = p.store.LogJobEvent(ctx, job.ID, "warning", "retry scheduled",
			map[string]any{"error": err.Error(), "retry_at": retryAt.UTC().Format(time.RFC3339), "attempts": attempts})
		logger.Warn("job retry scheduled", "error", err, "retry_at", retryAt, "attempts", attempts)
	}
}

func (p *Processor) fail(ctx context.Context, job models.Job, cause error, logger *slog.Logger) {
	if err := p.store.MarkFailed(ctx, job.ID, p.workerID, cause.Error()); err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	telemetry.JobsFailed.Inc()
	_ = p.store.LogJobEvent(ctx, job.ID, "error", "job failed", map[string]any{"error": cause.Error()})
	logger.Error("job failed", "error", cause)
}

// execute runs the job body. The breaker is re-verified here, immediately
// before execution, regardless of what the claim saw.
func (p *Processor) execute(ctx context.Context, job models.Job, logger *slog.Logger) error {
	src, err := p.governor.Admit(ctx, job.SourceID)
	if err != nil {
		return err
	}

	switch job.JobType {
	case models.JobTypeGrading:
		return p.executeGrading(ctx, job, logger)
	default:
		return p.executePricing(ctx, job, src, logger)
	}
}

func (p *Processor) executePricing(ctx context.Context, job models.Job, src models.Source, logger *slog.Logger) error {
	coll, err := collector.ForSource(src, p.httpClient)
	if err != nil {
		return err
	}

	excludeKeywords, err := p.store.ListExcludeKeywords(ctx, job.SourceID)
	if err != nil {
		return collector.Transient(fmt.Errorf("load source rules: %w", err))
	}

	_ = p.store.LogJobEvent(ctx, job.ID, "info", "starting collection", map[string]any{"source": src.Name})

	observations, err := coll.Collect(ctx, job.QueryParams, excludeKeywords)
	p.governor.RecordResult(ctx, job.SourceID, err == nil)
	if err != nil {
		return err
	}

	_ = p.store.LogJobEvent(ctx, job.ID, "info",
		fmt.Sprintf("collected %d observations", len(observations)), nil)

	if len(observations) == 0 {
		logger.Warn("no observations collected")
		return nil
	}

	written, err := p.ingester.Ingest(ctx, job, observations)
	if err != nil {
		return collector.Transient(fmt.Errorf("ingest observations: %w", err))
	}
	_ = p.store.LogJobEvent(ctx, job.ID, "info",
		fmt.Sprintf("ingested observations, %d new or improved", written), nil)

	if err := p.revaluate(ctx, job); err != nil {
		return collector.Transient(fmt.Errorf("recompute valuation: %w", err))
	}
	return nil
}

func (p *Processor) executeGrading(ctx context.Context, job models.Job, logger *slog.Logger) error {
	result, err := p.grader.Grade(ctx, job)
	p.governor.RecordResult(ctx, job.SourceID, err == nil)
	if err != nil {
		return err
	}
	_ = p.store.LogJobEvent(ctx, job.ID, "info", "grade estimated", map[string]any{
		"grade":      result.Grade,
		"confidence": result.Confidence,
	})
	logger.Info("grade estimated", "grade", result.Grade, "confidence", result.Confidence)
	return nil
}

// revaluate recomputes the intake's valuation from its full current comp
// set, across all sources and jobs.
func (p *Processor) revaluate(ctx context.Context, job models.Job) error {
	comps, err := p.store.ListActiveComps(ctx, job.IntakeID)
	if err != nil {
		return fmt.Errorf("list comps: %w", err)
	}

	sourceIDs := make([]string, 0, 4)
	seen := map[string]bool{}
	for _, c := range comps {
		if !seen[c.SourceID] {
			seen[c.SourceID] = true
			sourceIDs = append(sourceIDs, c.SourceID)
		}
	}
	sources, err := p.store.ListSourcesByIDs(ctx, sourceIDs)
	if err != nil {
		return fmt.Errorf("list comp sources: %w", err)
	}

	v := valuation.NewEngine(sources).Compute(job.IntakeID, comps)
	if err := p.store.UpsertValuation(ctx, v); err != nil {
		return err
	}
	telemetry.ValuationsComputed.Inc()
	_ = p.store.LogJobEvent(ctx, job.ID, "info", "valuation computed", map[string]any{
		"confidence_score": v.ConfidenceScore,
		"comp_count":       v.CompCount,
	})
	return nil
}

// heartbeatLoop refreshes the job lease until the job context ends. A lost
// lease is logged and the loop exits; the reclaim path owns the job now.
func (p *Processor) heartbeatLoop(ctx context.Context, jobID string, logger *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := p.store.Heartbeat(ctx, jobID, p.workerID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("heartbeat failed", "error", err)
				}
				continue
			}
			if !held {
				logger.Warn("lease lost, stopping heartbeat")
				return
			}
		}
	}
}

// backoffDelay computes base * 2^(attempt-1), capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) || exp < 0 {
		return max
	}
	return time.Duration(exp)
}

// asSkip extracts a governance skip from anywhere in the error chain, so a
// wrapped deferral still defers instead of failing the job.
func asSkip(err error) (*governance.SkipError, bool) {
	var skip *governance.SkipError
	if errors.As(err, &skip) {
		return skip, true
	}
	return nil, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
