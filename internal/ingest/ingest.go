// Package ingest merges collected observations into the persisted,
// duplicate-free comp set.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"pricing-pipeline/internal/blob"
	"pricing-pipeline/internal/models"
	"pricing-pipeline/internal/store"
	"pricing-pipeline/internal/telemetry"
)

// Engine persists observations through the better-evidence comp upsert,
// optionally archiving the raw payload batch to object storage.
type Engine struct {
	store   *store.Store
	archive *blob.Client
	logger  *slog.Logger
}

func NewEngine(st *store.Store, archive *blob.Client, logger *slog.Logger) *Engine {
	return &Engine{store: st, archive: archive, logger: logger}
}

// Ingest upserts each observation keyed by its derived dedupe key. Repeated
// ingestion of the same observations is a no-op, which makes retries and
// re-runs safe. Returns how many rows were inserted or improved.
func (e *Engine) Ingest(ctx context.Context, job models.Job, observations []models.Observation) (int, error) {
	written := 0
	for _, obs := range observations {
		key := DedupeKey(obs.ExternalID, obs.ListingURL, obs.ListingTitle,
			obs.PriceCents, obs.ObservedAt, obs.PriceKind)

		comp := models.Comp{
			IntakeID:      job.IntakeID,
			SourceID:      job.SourceID,
			JobID:         &job.ID,
			DedupeKey:     key,
			PriceCents:    obs.PriceCents,
			PriceKind:     obs.PriceKind,
			ListingURL:    obs.ListingURL,
			ListingTitle:  obs.ListingTitle,
			ListingDate:   obs.ListingDate,
			ObservedAt:    obs.ObservedAt,
			MatchStrength: obs.MatchStrength,
			RawPayload:    obs.RawPayload,
		}
		if obs.ExternalID != "" {
			comp.ExternalID = &obs.ExternalID
		}
		if obs.CertifiedGrade != "" {
			comp.CertifiedGrade = &obs.CertifiedGrade
		}

		_, wrote, err := e.store.UpsertComp(ctx, comp)
		if err != nil {
			return written, fmt.Errorf("upsert comp %s: %w", key, err)
		}
		if wrote {
			written++
			telemetry.CompsUpserted.Inc()
		}
	}

	if e.archive != nil && len(observations) > 0 {
		e.archivePayloads(ctx, job, observations)
	}
	return written, nil
}

// archivePayloads stores the raw collected batch under the job id. Best
// effort: an archive failure never fails the job.
func (e *Engine) archivePayloads(ctx context.Context, job models.Job, observations []models.Observation) {
	batch := make([]json.RawMessage, 0, len(observations))
	for _, obs := range observations {
		if len(obs.RawPayload) > 0 {
			batch = append(batch, json.RawMessage(obs.RawPayload))
		}
	}
	if len(batch) == 0 {
		return
	}
	body, err := json.Marshal(batch)
	if err != nil {
		e.logger.Warn("failed to marshal payload archive", "job_id", job.ID, "error", err)
		return
	}
	key := "payloads/" + job.ID + ".json"
	if err := e.archive.Put(ctx, key, body, "application/json"); err != nil {
		e.logger.Warn("failed to archive raw payloads", "job_id", job.ID, "key", key, "error", err)
	}
}
