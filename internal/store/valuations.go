package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pricing-pipeline/internal/models"
)

// UpsertValuation writes the computed record for an intake, overwriting any
// previous row in full. Valuations are always derived fresh from the current
// comp set, so there is no better-evidence comparison here.
func (s *Store) UpsertValuation(ctx context.Context, v models.Valuation) error {
	metaJSON, err := json.Marshal(orEmpty(v.Metadata))
	if err != nil {
		return fmt.Errorf("marshal valuation metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO valuations (intake_id, price_cents_p10, price_cents_p20,
			price_cents_p40, price_cents_median, price_cents_p60, price_cents_p80,
			price_cents_p90, price_cents_mean, confidence_score, explanation,
			comp_count, comp_sources_count, sold_count, ask_count, metadata, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (intake_id) DO UPDATE
		SET price_cents_p10 = EXCLUDED.price_cents_p10,
			price_cents_p20 = EXCLUDED.price_cents_p20,
			price_cents_p40 = EXCLUDED.price_cents_p40,
			price_cents_median = EXCLUDED.price_cents_median,
			price_cents_p60 = EXCLUDED.price_cents_p60,
			price_cents_p80 = EXCLUDED.price_cents_p80,
			price_cents_p90 = EXCLUDED.price_cents_p90,
			price_cents_mean = EXCLUDED.price_cents_mean,
			confidence_score = EXCLUDED.confidence_score,
			explanation = EXCLUDED.explanation,
			comp_count = EXCLUDED.comp_count,
			comp_sources_count = EXCLUDED.comp_sources_count,
			sold_count = EXCLUDED.sold_count,
			ask_count = EXCLUDED.ask_count,
			metadata = EXCLUDED.metadata,
			computed_at = now()
	`, v.IntakeID, v.PriceCentsP10, v.PriceCentsP20, v.PriceCentsP40,
		v.PriceCentsMedian, v.PriceCentsP60, v.PriceCentsP80, v.PriceCentsP90,
		v.PriceCentsMean, v.ConfidenceScore, v.Explanation, v.CompCount,
		v.CompSourcesCount, v.SoldCount, v.AskCount, metaJSON)
	if err != nil {
		return fmt.Errorf("upsert valuation: %w", err)
	}
	return nil
}

// GetValuation fetches the valuation for an intake.
func (s *Store) GetValuation(ctx context.Context, intakeID string) (models.Valuation, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT intake_id, price_cents_p10, price_cents_p20, price_cents_p40,
			price_cents_median, price_cents_p60, price_cents_p80, price_cents_p90,
			price_cents_mean, confidence_score, explanation, comp_count,
			comp_sources_count, sold_count, ask_count, metadata, computed_at
		FROM valuations WHERE intake_id = $1
	`, intakeID)

	var v models.Valuation
	var metaJSON []byte
	err := row.Scan(&v.IntakeID, &v.PriceCentsP10, &v.PriceCentsP20, &v.PriceCentsP40,
		&v.PriceCentsMedian, &v.PriceCentsP60, &v.PriceCentsP80, &v.PriceCentsP90,
		&v.PriceCentsMean, &v.ConfidenceScore, &v.Explanation, &v.CompCount,
		&v.CompSourcesCount, &v.SoldCount, &v.AskCount, &metaJSON, &v.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Valuation{}, false, nil
	}
	if err != nil {
		return models.Valuation{}, false, fmt.Errorf("get valuation: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &v.Metadata); err != nil {
		return models.Valuation{}, false, fmt.Errorf("unmarshal valuation metadata: %w", err)
	}
	return v, true, nil
}
