package valuation

import (
	"strings"
	"testing"

	"pricing-pipeline/internal/models"
)

func mkComps(sourceID, kind string, prices ...int64) []models.Comp {
	comps := make([]models.Comp, 0, len(prices))
	for _, p := range prices {
		comps = append(comps, models.Comp{
			SourceID:   sourceID,
			PriceCents: p,
			PriceKind:  kind,
		})
	}
	return comps
}

func TestFilterOutliersIQR(t *testing.T) {
	filtered := filterOutliersIQR([]int64{100, 100, 100, 100, 10000})
	if len(filtered) != 4 {
		t.Fatalf("expected 4 prices after filtering, got %d: %v", len(filtered), filtered)
	}
	for _, p := range filtered {
		if p != 100 {
			t.Fatalf("outlier survived filtering: %d", p)
		}
	}
}

func TestFilterOutliersIQRSmallSets(t *testing.T) {
	in := []int64{100, 10000}
	out := filterOutliersIQR(in)
	if len(out) != 2 {
		t.Fatalf("sets under 3 prices must pass through, got %v", out)
	}
}

func TestComputeBands(t *testing.T) {
	prices := []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}
	b := computeBands(prices)
	if !b.ok {
		t.Fatal("expected bands")
	}
	if b.median != 500 {
		t.Fatalf("median = %d, want 500", b.median)
	}
	if b.p10 != 100 {
		t.Fatalf("p10 = %d, want 100", b.p10)
	}
	if b.p90 != 900 {
		t.Fatalf("p90 = %d, want 900", b.p90)
	}
	if b.mean != 550 {
		t.Fatalf("mean = %d, want 550", b.mean)
	}
}

func TestComputeSingleComp(t *testing.T) {
	e := NewEngine(nil)
	v := e.Compute("intake-1", mkComps("src-1", models.PriceKindSold, 12345))
	if v.PriceCentsMedian == nil || *v.PriceCentsMedian != 12345 {
		t.Fatalf("median = %v, want 12345", v.PriceCentsMedian)
	}
	if *v.PriceCentsP10 != 12345 || *v.PriceCentsP90 != 12345 {
		t.Fatalf("single comp should collapse all bands to its price")
	}
	if v.CompCount != 1 {
		t.Fatalf("comp count = %d, want 1", v.CompCount)
	}
}

func TestComputeNoComps(t *testing.T) {
	e := NewEngine(nil)
	v := e.Compute("intake-1", nil)
	if v.ConfidenceScore != 1 {
		t.Fatalf("confidence = %d, want 1", v.ConfidenceScore)
	}
	if v.PriceCentsMedian != nil {
		t.Fatal("empty comp set must not produce price bands")
	}
	if !strings.Contains(v.Explanation, "No valid comparable listings") {
		t.Fatalf("unexpected explanation: %q", v.Explanation)
	}
}

func TestComputeIgnoresFilteredComps(t *testing.T) {
	e := NewEngine(nil)
	comps := mkComps("src-1", models.PriceKindSold, 1000, 1000, 1000)
	comps = append(comps, models.Comp{SourceID: "src-1", PriceCents: 99999, PriceKind: models.PriceKindSold, FilteredOut: true})
	v := e.Compute("intake-1", comps)
	if v.CompCount != 3 {
		t.Fatalf("comp count = %d, want 3", v.CompCount)
	}
	if *v.PriceCentsMedian != 1000 {
		t.Fatalf("median = %d, filtered comp leaked in", *v.PriceCentsMedian)
	}
}

func TestConfidenceTighterSpreadScoresHigher(t *testing.T) {
	e := NewEngine([]models.Source{{ID: "src-1", ReputationWeight: 1.0}})

	tight := mkComps("src-1", models.PriceKindSold,
		9000, 9200, 9400, 9600, 9800, 10000, 10200, 10400, 10600, 11000)
	wide := mkComps("src-1", models.PriceKindSold,
		5000, 6000, 7000, 8000, 9000, 10000, 11000, 12000, 13000, 15000)

	vt := e.Compute("intake-1", tight)
	vw := e.Compute("intake-1", wide)
	if vt.ConfidenceScore <= vw.ConfidenceScore {
		t.Fatalf("tight spread %d should outscore wide spread %d",
			vt.ConfidenceScore, vw.ConfidenceScore)
	}
}

func TestConfidenceSoldOutscoresAskOnly(t *testing.T) {
	e := NewEngine(nil)

	prices := make([]int64, 20)
	for i := range prices {
		prices[i] = 10000
	}
	sold := e.Compute("intake-1", mkComps("src-1", models.PriceKindSold, prices...))
	ask := e.Compute("intake-1", mkComps("src-1", models.PriceKindAsk, prices...))

	if sold.ConfidenceScore <= ask.ConfidenceScore {
		t.Fatalf("sold-backed score %d should exceed ask-only score %d",
			sold.ConfidenceScore, ask.ConfidenceScore)
	}
}

func TestExplanationMentionsScore(t *testing.T) {
	e := NewEngine(nil)
	v := e.Compute("intake-1", mkComps("src-1", models.PriceKindSold, 1000, 1100, 1200, 1300, 1400))
	if !strings.Contains(v.Explanation, "Confidence Score:") {
		t.Fatalf("explanation missing score: %q", v.Explanation)
	}
	if !strings.Contains(v.Explanation, "Median: $") {
		t.Fatalf("explanation missing median: %q", v.Explanation)
	}
}
