// Package valuation recomputes percentile price bands and a confidence
// score from an intake's current comp set.
package valuation

import (
	"fmt"
	"sort"
	"strings"

	"pricing-pipeline/internal/models"
)

// Engine computes valuations, weighting sources by reputation.
type Engine struct {
	sources map[string]models.Source
}

// NewEngine indexes the governance records of the sources that contributed
// comps.
func NewEngine(sources []models.Source) *Engine {
	idx := make(map[string]models.Source, len(sources))
	for _, s := range sources {
		idx[s.ID] = s
	}
	return &Engine{sources: idx}
}

type bands struct {
	p10, p20, p40, median, p60, p80, p90, mean int64
	ok                                         bool
}

// Compute derives the valuation for a comp set. Comps marked filtered out
// are excluded, then IQR outlier filtering is applied before the percentile
// bands. An empty set yields an explicit insufficient-data record rather
// than no record at all.
func (e *Engine) Compute(intakeID string, comps []models.Comp) models.Valuation {
	valid := comps[:0:0]
	for _, c := range comps {
		if !c.FilteredOut && c.PriceCents > 0 {
			valid = append(valid, c)
		}
	}

	if len(valid) == 0 {
		return models.Valuation{
			IntakeID:        intakeID,
			ConfidenceScore: 1,
			Explanation:     "No valid comparable listings found.",
		}
	}

	prices := make([]int64, 0, len(valid))
	for _, c := range valid {
		prices = append(prices, c.PriceCents)
	}
	filtered := filterOutliersIQR(prices)
	b := computeBands(filtered)

	soldCount, askCount := 0, 0
	sourceSet := map[string]bool{}
	for _, c := range valid {
		switch c.PriceKind {
		case models.PriceKindSold:
			soldCount++
		case models.PriceKindAsk:
			askCount++
		}
		sourceSet[c.SourceID] = true
	}

	compCount := len(filtered)
	score := e.confidenceScore(valid, b, compCount)
	explanation := explain(compCount, soldCount, askCount, len(sourceSet), score, b)

	return models.Valuation{
		IntakeID:         intakeID,
		PriceCentsP10:    &b.p10,
		PriceCentsP20:    &b.p20,
		PriceCentsP40:    &b.p40,
		PriceCentsMedian: &b.median,
		PriceCentsP60:    &b.p60,
		PriceCentsP80:    &b.p80,
		PriceCentsP90:    &b.p90,
		PriceCentsMean:   &b.mean,
		ConfidenceScore:  score,
		Explanation:      explanation,
		CompCount:        compCount,
		CompSourcesCount: len(sourceSet),
		SoldCount:        soldCount,
		AskCount:         askCount,
		Metadata: map[string]any{
			"original_comp_count": len(prices),
			"filtered_comp_count": compCount,
		},
	}
}

// filterOutliersIQR drops prices outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
// Sets of fewer than three points pass through untouched.
func filterOutliersIQR(prices []int64) []int64 {
	if len(prices) < 3 {
		return prices
	}
	sorted := append([]int64(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	q1 := float64(sorted[len(sorted)/4])
	q3 := float64(sorted[(3*len(sorted))/4])
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	filtered := make([]int64, 0, len(prices))
	for _, p := range prices {
		if float64(p) >= lower && float64(p) <= upper {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// computeBands uses nearest-rank percentiles at index p*(n-1); a single comp
// degenerates to that price for every band.
func computeBands(prices []int64) bands {
	if len(prices) == 0 {
		return bands{}
	}
	sorted := append([]int64(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)

	at := func(p float64) int64 {
		return sorted[int(p*float64(n-1))]
	}
	var sum int64
	for _, p := range sorted {
		sum += p
	}
	return bands{
		p10:    at(0.10),
		p20:    at(0.20),
		p40:    at(0.40),
		median: at(0.50),
		p60:    at(0.60),
		p80:    at(0.80),
		p90:    at(0.90),
		mean:   sum / int64(n),
		ok:     true,
	}
}

// confidenceScore builds the 1..10 score additively: comp count, source
// reputation, sold-vs-ask ratio, and spread tightness. Ask-heavy evidence
// caps the achievable score.
func (e *Engine) confidenceScore(comps []models.Comp, b bands, compCount int) int {
	score := 0

	switch {
	case compCount >= 20:
		score += 3
	case compCount >= 10:
		score += 2
	case compCount >= 5:
		score += 1
	}

	var repSum float64
	repCount := 0
	for _, c := range comps {
		if src, ok := e.sources[c.SourceID]; ok {
			repSum += src.ReputationWeight
			repCount++
		}
	}
	if repCount > 0 {
		score += int(repSum / float64(repCount) * 2)
	}

	soldCount, askCount := 0, 0
	for _, c := range comps {
		switch c.PriceKind {
		case models.PriceKindSold:
			soldCount++
		case models.PriceKindAsk:
			askCount++
		}
	}
	if total := soldCount + askCount; total > 0 {
		soldRatio := float64(soldCount) / float64(total)
		switch {
		case soldRatio >= 0.8:
			score += 2
		case soldRatio >= 0.5:
			score++
		default:
			if score > 7 {
				score = 7
			}
		}
	}

	if b.ok && b.median > 0 {
		spreadRatio := float64(b.p90-b.p10) / float64(b.median)
		switch {
		case spreadRatio < 0.2:
			score += 3
		case spreadRatio < 0.4:
			score += 2
		case spreadRatio < 0.6:
			score++
		}
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

// explain renders the human-readable summary of what drove the score.
func explain(compCount, soldCount, askCount, sourcesCount, score int, b bands) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Valuation based on %d comparable listings", compCount))
	if sourcesCount > 1 {
		parts = append(parts, fmt.Sprintf("from %d sources", sourcesCount))
	}
	if soldCount > 0 {
		parts = append(parts, fmt.Sprintf("(%d sold, %d asking)", soldCount, askCount))
	}
	if b.ok {
		parts = append(parts, fmt.Sprintf("\nMedian: $%.2f", float64(b.median)/100))
		parts = append(parts, fmt.Sprintf("Range (10th-90th percentile): $%.2f - $%.2f",
			float64(b.p10)/100, float64(b.p90)/100))
	}
	parts = append(parts, fmt.Sprintf("\nConfidence Score: %d/10", score))

	switch {
	case score >= 8:
		parts = append(parts, "(High confidence - strong comp data)")
	case score >= 5:
		parts = append(parts, "(Moderate confidence - reasonable comp data)")
	default:
		parts = append(parts, "(Low confidence - limited or mixed comp data)")
	}
	return strings.Join(parts, " ")
}
