package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"pricing-pipeline/internal/models"
)

const sourceColumns = `id, name, adapter_type, config, enabled, reputation_weight,
	rate_limit_per_minute, failure_streak, paused_until, last_success_at,
	last_failure_at, updated_at`

// GetSource fetches one governance record.
func (s *Store) GetSource(ctx context.Context, id string) (models.Source, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Source{}, false, nil
	}
	if err != nil {
		return models.Source{}, false, fmt.Errorf("get source: %w", err)
	}
	return src, true, nil
}

// ListSources returns all governance records.
func (s *Store) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return sources, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ListSourcesByIDs fetches the governance records for a set of sources, used
// by the valuation engine for reputation weighting.
func (s *Store) ListSourcesByIDs(ctx context.Context, ids []string) ([]models.Source, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list sources by ids: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return sources, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// RecordSourceSuccess resets the failure streak after a successful
// collection.
func (s *Store) RecordSourceSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET failure_streak = 0, last_success_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// RecordSourceFailure increments the failure streak and, when the streak
// reaches the breaker threshold, opens the breaker by stamping paused_until.
// The read-modify-write happens inside one statement so concurrent workers
// cannot bypass the breaker. Returns the new streak and pause, if any.
func (s *Store) RecordSourceFailure(ctx context.Context, id string, threshold int, cooldown time.Duration) (int, *time.Time, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sources
		SET failure_streak = failure_streak + 1,
			last_failure_at = now(),
			paused_until = CASE WHEN failure_streak + 1 >= $2
				THEN now() + make_interval(secs => $3)
				ELSE paused_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING failure_streak, paused_until
	`, id, threshold, cooldown.Seconds())

	var streak int
	var pausedUntil pgtype.Timestamptz
	if err := row.Scan(&streak, &pausedUntil); err != nil {
		return 0, nil, fmt.Errorf("record source failure: %w", err)
	}
	return streak, timePtr(pausedUntil), nil
}

// ClearExpiredPauses drops paused_until stamps that have lapsed. Purely
// cosmetic: availability checks compare against now() anyway.
func (s *Store) ClearExpiredPauses(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources SET paused_until = NULL, updated_at = now()
		WHERE paused_until IS NOT NULL AND paused_until <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("clear expired pauses: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListExcludeKeywords returns the active exclude_keywords rule values for a
// source, in priority order.
func (s *Store) ListExcludeKeywords(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_value FROM source_rules
		WHERE source_id = $1 AND rule_type = 'exclude_keywords' AND active
		ORDER BY priority
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list exclude keywords: %w", err)
	}
	defer rows.Close()

	var keywords []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return keywords, fmt.Errorf("scan rule value: %w", err)
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

func scanSource(row pgx.Row) (models.Source, error) {
	var src models.Source
	var configJSON []byte
	var pausedUntil, lastSuccess, lastFailure pgtype.Timestamptz

	err := row.Scan(&src.ID, &src.Name, &src.AdapterType, &configJSON, &src.Enabled,
		&src.ReputationWeight, &src.RateLimitPerMinute, &src.FailureStreak,
		&pausedUntil, &lastSuccess, &lastFailure, &src.UpdatedAt)
	if err != nil {
		return models.Source{}, err
	}
	if err := json.Unmarshal(configJSON, &src.Config); err != nil {
		return models.Source{}, fmt.Errorf("unmarshal source config: %w", err)
	}
	src.PausedUntil = timePtr(pausedUntil)
	src.LastSuccessAt = timePtr(lastSuccess)
	src.LastFailureAt = timePtr(lastFailure)
	return src, nil
}
