// Package collector defines the pluggable fetcher contract for external
// listing sources. New sources are new Collector implementations, not new
// branches in shared logic.
package collector

import (
	"context"
	"net/http"

	"pricing-pipeline/internal/models"
)

// Collector fetches comparable observations for an opaque query. The query
// payload is built by the attribution/UI layer; only the adapter interprets
// its shape. Errors must be categorized with Transient or Permanent so the
// worker can map them to retryable vs failed.
type Collector interface {
	Collect(ctx context.Context, query map[string]any, excludeKeywords []string) ([]models.Observation, error)
}

// ForSource resolves the adapter implementation for a source record.
func ForSource(src models.Source, httpClient *http.Client) (Collector, error) {
	switch src.AdapterType {
	case "ebay_api":
		return NewEbayCollector(src, httpClient)
	default:
		return nil, Permanent(&UnsupportedAdapterError{AdapterType: src.AdapterType})
	}
}

// UnsupportedAdapterError marks a source whose adapter type has no
// implementation. Always a permanent misconfiguration.
type UnsupportedAdapterError struct {
	AdapterType string
}

func (e *UnsupportedAdapterError) Error() string {
	return "unsupported adapter type: " + e.AdapterType
}
