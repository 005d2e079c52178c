// Package governance gates job execution against external sources: a
// distributed per-source rate limit and a circuit breaker that pauses
// sources after repeated consecutive failures.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricing-pipeline/internal/models"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
)

// SkipError tells the worker a job must be deferred rather than executed:
// the source is disabled, paused, or unknown. Deferrals do not count as job
// attempts and do not feed the breaker streak.
type SkipError struct {
	Reason  string
	RetryAt time.Time
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("source skipped: %s (retry at %s)", e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

// Governor combines the breaker state persisted on source rows with the
// Redis rate limiter.
type Governor struct {
	store       *store.Store
	limiter     *RateLimiter
	threshold   int
	cooldown    time.Duration
	defaultRate int
	logger      *slog.Logger
}

func New(st *store.Store, limiter *RateLimiter, threshold int, cooldown time.Duration, defaultRate int, logger *slog.Logger) *Governor {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Governor{
		store:       st,
		limiter:     limiter,
		threshold:   threshold,
		cooldown:    cooldown,
		defaultRate: defaultRate,
		logger:      logger,
	}
}

// Admit re-reads the source record and decides whether a job against it may
// execute right now. The breaker is checked here, immediately before
// execution, not only at claim time. On admission it blocks until a rate
// token is available and returns the fresh source record.
func (g *Governor) Admit(ctx context.Context, sourceID string) (models.Source, error) {
	src, found, err := g.store.GetSource(ctx, sourceID)
	if err != nil {
		return models.Source{}, fmt.Errorf("load source: %w", err)
	}
	now := time.Now()
	if !found {
		return models.Source{}, &SkipError{Reason: "source not found", RetryAt: now.Add(g.cooldown)}
	}
	if !src.Enabled {
		return models.Source{}, &SkipError{Reason: "source disabled", RetryAt: now.Add(g.cooldown)}
	}
	if src.PausedUntil != nil && src.PausedUntil.After(now) {
		return models.Source{}, &SkipError{Reason: "source paused by circuit breaker", RetryAt: *src.PausedUntil}
	}
	if src.FailureStreak >= g.threshold {
		// Streak over threshold without a pause stamp; treat as paused.
		return models.Source{}, &SkipError{Reason: "source failure streak over threshold", RetryAt: now.Add(g.cooldown)}
	}

	rate := src.RateLimitPerMinute
	if rate <= 0 {
		rate = g.defaultRate
	}
	if err := g.limiter.Wait(ctx, sourceID, rate); err != nil {
		return models.Source{}, fmt.Errorf("wait for rate token: %w", err)
	}
	return src, nil
}

// RecordResult updates the breaker state after a job execution. Successes
// reset the streak; failures increment it atomically and may open the
// breaker. Governance deferrals must not be reported here.
func (g *Governor) RecordResult(ctx context.Context, sourceID string, success bool) {
	if success {
		if err := g.store.RecordSourceSuccess(ctx, sourceID); err != nil {
			g.logger.Error("failed to record source success", "source_id", sourceID, "error", err)
		}
		return
	}
	streak, pausedUntil, err := g.store.RecordSourceFailure(ctx, sourceID, g.threshold, g.cooldown)
	if err != nil {
		g.logger.Error("failed to record source failure", "source_id", sourceID, "error", err)
		return
	}
	if pausedUntil != nil && streak >= g.threshold {
		telemetry.BreakerOpens.Inc()
		g.logger.Warn("circuit breaker opened",
			"source_id", sourceID,
			"failure_streak", streak,
			"paused_until", pausedUntil.UTC().Format(time.RFC3339))
	}
}
