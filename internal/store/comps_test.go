package store

import (
	"context"
	"testing"
	"time"

	"pricing-pipeline/internal/models"
)

func baseComp(dedupeKey string) models.Comp {
	return models.Comp{
		IntakeID:      "intake-1",
		SourceID:      "src-a",
		DedupeKey:     dedupeKey,
		PriceCents:    10000,
		PriceKind:     models.PriceKindSold,
		ListingURL:    "https://example.com/itm/1",
		ListingTitle:  "1909-S VDB Lincoln Cent",
		ObservedAt:    time.Now().UTC(),
		MatchStrength: 0.5,
	}
}

func TestUpsertCompBetterEvidence(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first := baseComp("ext_111")
	id, wrote, err := st.UpsertComp(ctx, first)
	if err != nil || !wrote {
		t.Fatalf("insert: wrote=%v err=%v", wrote, err)
	}

	// Same evidence again: untouched.
	_, wrote, err = st.UpsertComp(ctx, first)
	if err != nil {
		t.Fatalf("repeat upsert: %v", err)
	}
	if wrote {
		t.Fatal("identical re-collection should not write")
	}

	// Higher match strength wins.
	better := first
	better.MatchStrength = 0.9
	betterID, wrote, err := st.UpsertComp(ctx, better)
	if err != nil || !wrote {
		t.Fatalf("better upsert: wrote=%v err=%v", wrote, err)
	}
	if betterID != id {
		t.Fatalf("update changed row id: %s -> %s", id, betterID)
	}

	// Lower match strength does not regress the stored row.
	worse := first
	worse.MatchStrength = 0.1
	_, wrote, err = st.UpsertComp(ctx, worse)
	if err != nil {
		t.Fatalf("worse upsert: %v", err)
	}
	if wrote {
		t.Fatal("weaker evidence should not overwrite")
	}

	comps, err := st.ListActiveComps(ctx, "intake-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(comps) != 1 {
		t.Fatalf("got %d comps, want 1", len(comps))
	}
	if comps[0].MatchStrength != 0.9 {
		t.Fatalf("match strength = %v, want 0.9", comps[0].MatchStrength)
	}
}

func TestUpsertCompFillsGaps(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sparse := baseComp("hash_abcdef0123456789")
	if _, wrote, err := st.UpsertComp(ctx, sparse); err != nil || !wrote {
		t.Fatalf("insert: wrote=%v err=%v", wrote, err)
	}

	// Equal strength, but now with an external id: that fills a gap.
	extID := "v1|111|0"
	richer := sparse
	richer.ExternalID = &extID
	richer.RawPayload = []byte(`{"itemId":"v1|111|0"}`)
	_, wrote, err := st.UpsertComp(ctx, richer)
	if err != nil || !wrote {
		t.Fatalf("gap-filling upsert: wrote=%v err=%v", wrote, err)
	}

	comps, err := st.ListActiveComps(ctx, "intake-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(comps) != 1 || comps[0].ExternalID == nil || *comps[0].ExternalID != extID {
		t.Fatalf("external id not merged: %+v", comps)
	}
	if len(comps[0].RawPayload) == 0 {
		t.Fatal("raw payload not merged")
	}
}

func TestSetCompFiltered(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id, _, err := st.UpsertComp(ctx, baseComp("ext_222"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := st.SetCompFiltered(ctx, id, true)
	if err != nil || !updated {
		t.Fatalf("filter: updated=%v err=%v", updated, err)
	}

	comps, err := st.ListActiveComps(ctx, "intake-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(comps) != 0 {
		t.Fatalf("filtered comp still active: %+v", comps)
	}

	if updated, _ := st.SetCompFiltered(ctx, "missing-id", true); updated {
		t.Fatal("filtering a missing comp should report not found")
	}
}

func TestSourceBreaker(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.pool.Exec(ctx, `
		INSERT INTO sources (id, name, adapter_type) VALUES ('src-a', 'eBay', 'ebay_api')
	`); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	// Failures below the threshold leave the source available.
	for i := 0; i < 2; i++ {
		streak, paused, err := st.RecordSourceFailure(ctx, "src-a", 3, time.Minute)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if streak != i+1 || paused != nil {
			t.Fatalf("failure %d: streak=%d paused=%v", i, streak, paused)
		}
	}

	// The threshold failure opens the breaker.
	streak, paused, err := st.RecordSourceFailure(ctx, "src-a", 3, time.Minute)
	if err != nil {
		t.Fatalf("threshold failure: %v", err)
	}
	if streak != 3 || paused == nil {
		t.Fatalf("breaker did not open: streak=%d paused=%v", streak, paused)
	}

	src, found, err := st.GetSource(ctx, "src-a")
	if err != nil || !found {
		t.Fatalf("get source: found=%v err=%v", found, err)
	}
	if src.Available(time.Now()) {
		t.Fatal("paused source reported available")
	}

	// Success closes the streak.
	if err := st.RecordSourceSuccess(ctx, "src-a"); err != nil {
		t.Fatalf("success: %v", err)
	}
	src, _, _ = st.GetSource(ctx, "src-a")
	if src.FailureStreak != 0 {
		t.Fatalf("streak = %d after success, want 0", src.FailureStreak)
	}
}

func TestValuationRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	_, found, err := st.GetValuation(ctx, "intake-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("valuation found before any write")
	}

	median := int64(10000)
	v := models.Valuation{
		IntakeID:         "intake-1",
		PriceCentsMedian: &median,
		ConfidenceScore:  6,
		Explanation:      "Valuation based on 5 comparable listings",
		CompCount:        5,
	}
	if err := st.UpsertValuation(ctx, v); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := st.GetValuation(ctx, "intake-1")
	if err != nil || !found {
		t.Fatalf("get after write: found=%v err=%v", found, err)
	}
	if got.PriceCentsMedian == nil || *got.PriceCentsMedian != median {
		t.Fatalf("median = %v", got.PriceCentsMedian)
	}
	if got.ConfidenceScore != 6 {
		t.Fatalf("confidence = %d", got.ConfidenceScore)
	}

	// Recomputation fully replaces the record.
	v.ConfidenceScore = 8
	if err := st.UpsertValuation(ctx, v); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _, _ = st.GetValuation(ctx, "intake-1")
	if got.ConfidenceScore != 8 {
		t.Fatalf("confidence after recompute = %d, want 8", got.ConfidenceScore)
	}
}
