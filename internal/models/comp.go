package models

import (
	"time"
)

// Price kinds for a comparable observation.
const (
	PriceKindSold = "sold"
	PriceKindAsk  = "ask"
	PriceKindBid  = "bid"
)

// Comp is one comparable price observation collected from an external
// source. Rows are unique per (intake, source, dedupe key) and are never
// hard-deleted, only marked filtered out.
type Comp struct {
	ID             string     `json:"id"`
	IntakeID       string     `json:"intake_id"`
	SourceID       string     `json:"source_id"`
	JobID          *string    `json:"job_id,omitempty"`
	DedupeKey      string     `json:"dedupe_key"`
	PriceCents     int64      `json:"price_cents"`
	PriceKind      string     `json:"price_kind"`
	ListingURL     string     `json:"listing_url"`
	ListingTitle   string     `json:"listing_title"`
	ListingDate    *time.Time `json:"listing_date,omitempty"`
	ObservedAt     time.Time  `json:"observed_at"`
	MatchStrength  float64    `json:"match_strength"`
	ExternalID     *string    `json:"external_id,omitempty"`
	CertifiedGrade *string    `json:"certified_grade,omitempty"`
	RawPayload     []byte     `json:"raw_payload,omitempty"`
	FilteredOut    bool       `json:"filtered_out"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Observation is the raw shape a collector produces before dedupe-key
// derivation and persistence.
type Observation struct {
	PriceCents     int64
	PriceKind      string
	ListingURL     string
	ListingTitle   string
	ListingDate    *time.Time
	ObservedAt     time.Time
	MatchStrength  float64
	ExternalID     string
	CertifiedGrade string
	RawPayload     []byte
}
