package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricing-pipeline/internal/models"
)

const defaultEbayEndpoint = "https://api.ebay.com/buy/browse/v1/item_summary/search"

// EbayCollector fetches sold-listing comps from the eBay Browse API.
type EbayCollector struct {
	endpoint   string
	token      string
	priceKind  string
	httpClient *http.Client
}

// NewEbayCollector reads endpoint and credentials from the source config.
// A missing token is a permanent misconfiguration.
func NewEbayCollector(src models.Source, httpClient *http.Client) (*EbayCollector, error) {
	token, _ := src.Config["token"].(string)
	if token == "" {
		return nil, Permanent(fmt.Errorf("source %s: ebay token not configured", src.ID))
	}
	endpoint, _ := src.Config["endpoint"].(string)
	if endpoint == "" {
		endpoint = defaultEbayEndpoint
	}
	priceKind, _ := src.Config["price_kind"].(string)
	if priceKind == "" {
		priceKind = models.PriceKindSold
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &EbayCollector{
		endpoint:   endpoint,
		token:      token,
		priceKind:  priceKind,
		httpClient: httpClient,
	}, nil
}

type ebaySearchResponse struct {
	ItemSummaries []ebayItemSummary `json:"itemSummaries"`
}

type ebayItemSummary struct {
	ItemID      string `json:"itemId"`
	Title       string `json:"title"`
	ItemWebURL  string `json:"itemWebUrl"`
	ItemEndDate string `json:"itemEndDate"`
	Price       struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"price"`
}

// Collect searches eBay for listings matching the query attributes and
// converts them into observations.
func (c *EbayCollector) Collect(ctx context.Context, query map[string]any, excludeKeywords []string) ([]models.Observation, error) {
	keywords := buildQuery(query)
	if keywords == "" {
		return nil, Permanent(errors.New("query params produced an empty search"))
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, Permanent(fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	q.Set("q", keywords)
	q.Set("limit", "100")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("ebay request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("read ebay response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode,
			fmt.Errorf("ebay search returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var parsed ebaySearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, Transient(fmt.Errorf("decode ebay response: %w", err))
	}

	items := filterJunkListings(parsed.ItemSummaries, excludeKeywords)

	observations := make([]models.Observation, 0, len(items))
	now := time.Now().UTC()
	for _, item := range items {
		cents, ok := priceToCents(item.Price.Value)
		if !ok || cents <= 0 {
			continue
		}
		raw, _ := json.Marshal(item)
		obs := models.Observation{
			PriceCents:    cents,
			PriceKind:     c.priceKind,
			ListingURL:    item.ItemWebURL,
			ListingTitle:  item.Title,
			ObservedAt:    now,
			MatchStrength: matchStrength(item.Title, query),
			ExternalID:    item.ItemID,
			RawPayload:    raw,
		}
		if t, err := time.Parse(time.RFC3339, item.ItemEndDate); err == nil {
			obs.ListingDate = &t
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

var denominationTerms = map[string]string{
	"penny":       "1 cent",
	"nickel":      "5 cent",
	"dime":        "10 cent",
	"quarter":     "25 cent",
	"half_dollar": "half dollar",
	"dollar":      "dollar",
}

// buildQuery assembles the keyword search from the opaque query attributes:
// denomination, year, mintmark, series, plus a few title keywords.
func buildQuery(query map[string]any) string {
	var parts []string

	if denom, _ := query["denomination"].(string); denom != "" {
		if term, ok := denominationTerms[denom]; ok {
			parts = append(parts, term)
		}
	}
	if year := stringify(query["year"]); year != "" {
		parts = append(parts, year)
	}
	if mintmark, _ := query["mintmark"].(string); mintmark != "" {
		parts = append(parts, mintmark)
	}
	if series, _ := query["series"].(string); series != "" {
		parts = append(parts, series)
	}
	if title, _ := query["title"].(string); title != "" {
		stop := map[string]bool{"coin": true, "us": true, "united": true, "states": true, "american": true}
		count := 0
		for _, w := range strings.Fields(strings.ToLower(title)) {
			if len(w) > 2 && !stop[w] {
				parts = append(parts, w)
				count++
				if count == 3 {
					break
				}
			}
		}
	}
	if include, ok := query["keywords_include"].([]any); ok {
		count := 0
		for _, k := range include {
			if kw, ok := k.(string); ok && strings.TrimSpace(kw) != "" {
				parts = append(parts, strings.TrimSpace(kw))
				count++
				if count == 3 {
					break
				}
			}
		}
	}
	// Scope every search to US coins, including an otherwise-empty query.
	if !strings.Contains(strings.ToUpper(strings.Join(parts, " ")), "US") {
		parts = append([]string{"US coin"}, parts...)
	}
	return strings.Join(parts, " ")
}

// matchStrength scores token overlap between the listing title and the query
// attributes, 0.0 to 1.0.
func matchStrength(title string, query map[string]any) float64 {
	titleLower := strings.ToLower(title)
	matched, total := 0, 0

	check := func(token string) {
		if token == "" {
			return
		}
		total++
		if strings.Contains(titleLower, strings.ToLower(token)) {
			matched++
		}
	}

	check(stringify(query["year"]))
	if mintmark, _ := query["mintmark"].(string); mintmark != "" {
		check(mintmark)
	}
	if series, _ := query["series"].(string); series != "" {
		check(series)
	}
	if denom, _ := query["denomination"].(string); denom != "" {
		check(strings.ReplaceAll(denom, "_", " "))
	}

	if total == 0 {
		return 0.5
	}
	return float64(matched) / float64(total)
}

// filterJunkListings drops listings whose title contains an excluded
// keyword, per the source's active rules.
func filterJunkListings(items []ebayItemSummary, excludeKeywords []string) []ebayItemSummary {
	if len(excludeKeywords) == 0 {
		return items
	}
	normalized := make([]string, 0, len(excludeKeywords))
	for _, k := range excludeKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			normalized = append(normalized, k)
		}
	}
	if len(normalized) == 0 {
		return items
	}

	filtered := items[:0]
	for _, item := range items {
		titleLower := strings.ToLower(item.Title)
		junk := false
		for _, kw := range normalized {
			if strings.Contains(titleLower, kw) {
				junk = true
				break
			}
		}
		if !junk {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func priceToCents(value string) (int64, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return int64(f*100 + 0.5), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.Itoa(int(t))
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
