package models

import (
	"time"
)

// Valuation is the computed record for an intake, exactly one row per
// intake, overwritten in full on every recompute.
type Valuation struct {
	IntakeID         string         `json:"intake_id"`
	PriceCentsP10    *int64         `json:"price_cents_p10"`
	PriceCentsP20    *int64         `json:"price_cents_p20"`
	PriceCentsP40    *int64         `json:"price_cents_p40"`
	PriceCentsMedian *int64         `json:"price_cents_median"`
	PriceCentsP60    *int64         `json:"price_cents_p60"`
	PriceCentsP80    *int64         `json:"price_cents_p80"`
	PriceCentsP90    *int64         `json:"price_cents_p90"`
	PriceCentsMean   *int64         `json:"price_cents_mean"`
	ConfidenceScore  int            `json:"confidence_score"`
	Explanation      string         `json:"explanation"`
	CompCount        int            `json:"comp_count"`
	CompSourcesCount int            `json:"comp_sources_count"`
	SoldCount        int            `json:"sold_count"`
	AskCount         int            `json:"ask_count"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ComputedAt       time.Time      `json:"computed_at"`
}
