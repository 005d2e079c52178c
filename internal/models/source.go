package models

import (
	"time"
)

// Source is the governance record for one external listing source.
type Source struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	AdapterType        string         `json:"adapter_type"`
	Config             map[string]any `json:"config,omitempty"`
	Enabled            bool           `json:"enabled"`
	ReputationWeight   float64        `json:"reputation_weight"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	FailureStreak      int            `json:"failure_streak"`
	PausedUntil        *time.Time     `json:"paused_until,omitempty"`
	LastSuccessAt      *time.Time     `json:"last_success_at,omitempty"`
	LastFailureAt      *time.Time     `json:"last_failure_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Available reports whether the source may be executed against at the given
// instant: enabled and not inside a breaker pause window.
func (s Source) Available(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.PausedUntil != nil && s.PausedUntil.After(now) {
		return false
	}
	return true
}
