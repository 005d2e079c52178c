package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"pricing-pipeline/internal/models"
)

// UpsertComp inserts a comp or, on (intake, source, dedupe_key) conflict,
// updates the stored row only when the incoming one is better evidence:
// strictly higher match strength, or it supplies an external id or raw
// payload the stored row lacks. Otherwise the existing row is untouched,
// which is what makes re-collection idempotent. Returns the affected row id
// and whether anything was written.
func (s *Store) UpsertComp(ctx context.Context, c models.Comp) (string, bool, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO comps (id, intake_id, source_id, job_id, dedupe_key, price_cents,
			price_kind, listing_url, listing_title, listing_date, observed_at,
			match_strength, external_id, certified_grade, raw_payload, filtered_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (intake_id, source_id, dedupe_key) DO UPDATE
		SET price_cents = EXCLUDED.price_cents,
			price_kind = EXCLUDED.price_kind,
			listing_url = EXCLUDED.listing_url,
			listing_title = EXCLUDED.listing_title,
			listing_date = COALESCE(EXCLUDED.listing_date, comps.listing_date),
			observed_at = EXCLUDED.observed_at,
			match_strength = GREATEST(comps.match_strength, EXCLUDED.match_strength),
			external_id = COALESCE(EXCLUDED.external_id, comps.external_id),
			certified_grade = COALESCE(EXCLUDED.certified_grade, comps.certified_grade),
			raw_payload = COALESCE(EXCLUDED.raw_payload, comps.raw_payload),
			job_id = EXCLUDED.job_id,
			updated_at = now()
		WHERE EXCLUDED.match_strength > comps.match_strength
			OR (EXCLUDED.external_id IS NOT NULL AND comps.external_id IS NULL)
			OR (EXCLUDED.raw_payload IS NOT NULL AND comps.raw_payload IS NULL)
		RETURNING id
	`, c.ID, c.IntakeID, c.SourceID, c.JobID, c.DedupeKey, c.PriceCents,
		c.PriceKind, c.ListingURL, c.ListingTitle, c.ListingDate, c.ObservedAt,
		c.MatchStrength, c.ExternalID, c.CertifiedGrade, nilIfEmpty(c.RawPayload), c.FilteredOut)

	var id string
	err := row.Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict, and the incoming row was not better evidence.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("upsert comp: %w", err)
	}
	return id, true, nil
}

// ListActiveComps returns the comp set for an intake, excluding rows marked
// filtered out.
func (s *Store) ListActiveComps(ctx context.Context, intakeID string) ([]models.Comp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, intake_id, source_id, job_id, dedupe_key, price_cents, price_kind,
			listing_url, listing_title, listing_date, observed_at, match_strength,
			external_id, certified_grade, raw_payload, filtered_out, created_at, updated_at
		FROM comps
		WHERE intake_id = $1 AND NOT filtered_out
		ORDER BY observed_at
	`, intakeID)
	if err != nil {
		return nil, fmt.Errorf("list comps: %w", err)
	}
	defer rows.Close()

	var comps []models.Comp
	for rows.Next() {
		var c models.Comp
		var jobID, externalID, grade pgtype.Text
		var listingDate pgtype.Timestamptz
		if err := rows.Scan(&c.ID, &c.IntakeID, &c.SourceID, &jobID, &c.DedupeKey,
			&c.PriceCents, &c.PriceKind, &c.ListingURL, &c.ListingTitle, &listingDate,
			&c.ObservedAt, &c.MatchStrength, &externalID, &grade, &c.RawPayload,
			&c.FilteredOut, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return comps, fmt.Errorf("scan comp: %w", err)
		}
		c.JobID = textPtr(jobID)
		c.ExternalID = textPtr(externalID)
		c.CertifiedGrade = textPtr(grade)
		c.ListingDate = timePtr(listingDate)
		comps = append(comps, c)
	}
	return comps, rows.Err()
}

// SetCompFiltered marks a comp in or out of the active set. Comps are never
// hard-deleted.
func (s *Store) SetCompFiltered(ctx context.Context, compID string, filtered bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE comps SET filtered_out = $2, updated_at = now() WHERE id = $1
	`, compID, filtered)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
