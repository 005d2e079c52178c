package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DedupeKey derives the stable identifier that keeps one comp row per real
// listing. An external id is the most reliable handle; without one the key
// is a hash over normalized listing attributes bucketed to the day.
func DedupeKey(externalID, listingURL, listingTitle string, priceCents int64, observedAt time.Time, priceKind string) string {
	if externalID != "" {
		return "ext_" + externalID
	}

	dateBucket := "unknown"
	if !observedAt.IsZero() {
		dateBucket = observedAt.UTC().Format("2006-01-02")
	}

	input := fmt.Sprintf("%s|%s|%d|%s|%s",
		NormalizeURL(listingURL), NormalizeTitle(listingTitle), priceCents, dateBucket, priceKind)
	sum := sha256.Sum256([]byte(input))
	return "hash_" + hex.EncodeToString(sum[:])[:16]
}

// NormalizeURL strips query parameters and fragments so relists under the
// same path dedupe together.
func NormalizeURL(u string) string {
	if u == "" {
		return ""
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.ToLower(strings.TrimSpace(u))
}

// NormalizeTitle lowercases and collapses whitespace.
func NormalizeTitle(title string) string {
	if title == "" {
		return ""
	}
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
