// Package market computes market-wide patterns across the entity store:
// per-model price anomalies, fleet-liquidation indicators, and trending
// model tokens. It is a read-only consumer of the reconciler's state.
package market

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"skitracker/internal/config"
	"skitracker/internal/fingerprint"
	"skitracker/internal/storage"
)

// Pattern types reported by the analyzer.
const (
	PatternUnderpriced      = "underpriced_opportunity"
	PatternOverpriced       = "overpriced_listing"
	PatternFleetLiquidation = "fleet_liquidation"
	PatternTrendingModel    = "trending_model"
)

// Pattern is one detected market signal.
type Pattern struct {
	Type        string   `json:"pattern_type"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
	EntityIDs   []string `json:"entity_ids"`
	Insight     string   `json:"insight,omitempty"`
}

// Report aggregates price statistics and detected patterns.
type Report struct {
	TotalEntities int       `json:"total_entities"`
	PricedCount   int       `json:"priced_count"`
	AveragePrice  float64   `json:"average_price"`
	MedianPrice   float64   `json:"median_price"`
	MinPrice      float64   `json:"min_price"`
	MaxPrice      float64   `json:"max_price"`
	Patterns      []Pattern `json:"patterns"`
}

// Analyzer detects market patterns over entity snapshots.
type Analyzer struct {
	cfg    config.MarketConfig
	logger zerolog.Logger
	clock  func() time.Time
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(cfg config.MarketConfig, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		logger: logger.With().Str("component", "market").Logger(),
		clock:  time.Now,
	}
}

// Analyze builds the full market report for the given entities.
func (a *Analyzer) Analyze(entities []storage.Entity) Report {
	report := Report{TotalEntities: len(entities)}

	prices := make([]float64, 0, len(entities))
	for _, entity := range entities {
		if entity.Price != nil {
			prices = append(prices, entity.Price.InexactFloat64())
		}
	}
	report.PricedCount = len(prices)

	if len(prices) > 0 {
		sort.Float64s(prices)
		report.MinPrice = prices[0]
		report.MaxPrice = prices[len(prices)-1]
		report.AveragePrice = mean(prices)
		report.MedianPrice = median(prices)
	}

	report.Patterns = append(report.Patterns, a.detectPriceAnomalies(entities)...)
	report.Patterns = append(report.Patterns, a.detectFleetLiquidation(entities)...)
	report.Patterns = append(report.Patterns, a.detectTrendingModels(entities)...)

	sort.SliceStable(report.Patterns, func(i, j int) bool {
		return report.Patterns[i].Confidence > report.Patterns[j].Confidence
	})

	a.logger.Debug().
		Int("entities", len(entities)).
		Int("patterns", len(report.Patterns)).
		Msg("market analysis complete")

	return report
}

// detectPriceAnomalies flags entities priced far outside their model
// group's distribution.
func (a *Analyzer) detectPriceAnomalies(entities []storage.Entity) []Pattern {
	var patterns []Pattern

	for groupKey, group := range groupByModel(entities) {
		priced := withPrices(group)
		if len(priced) < 3 {
			continue
		}

		prices := make([]float64, len(priced))
		for i, entity := range priced {
			prices[i] = entity.Price.InexactFloat64()
		}
		groupMean := mean(prices)
		groupStdDev := stdDev(prices, groupMean)
		if groupStdDev == 0 {
			continue
		}

		for _, entity := range priced {
			price := entity.Price.InexactFloat64()
			zScore := (price - groupMean) / groupStdDev
			if math.Abs(zScore) <= a.cfg.AnomalyZScore {
				continue
			}

			if zScore < 0 {
				discountPct := (groupMean - price) / groupMean * 100
				patterns = append(patterns, Pattern{
					Type:       PatternUnderpriced,
					Confidence: 0.85,
					Description: fmt.Sprintf("Underpriced %s: $%.0f vs group avg $%.0f (%.0f%% below)",
						groupKey, price, groupMean, discountPct),
					EntityIDs: []string{entity.ID},
					Insight:   fmt.Sprintf("Strong buy candidate, %.0f%% below comparable listings", discountPct),
				})
			} else {
				premiumPct := (price - groupMean) / groupMean * 100
				patterns = append(patterns, Pattern{
					Type:       PatternOverpriced,
					Confidence: 0.75,
					Description: fmt.Sprintf("Overpriced %s: $%.0f vs group avg $%.0f (%.0f%% above)",
						groupKey, price, groupMean, premiumPct),
					EntityIDs: []string{entity.ID},
					Insight:   fmt.Sprintf("Avoid, %.0f%% above comparable listings", premiumPct),
				})
			}
		}
	}

	return patterns
}

var fleetKeywords = []string{"fleet", "rental", "commercial", "business", "rebuilt", "refurbished", "hours"}

// detectFleetLiquidation looks for clusters of the same make and year with
// multiple corroborating indicators: fleet wording, tightly clustered
// prices, a shared location, or a shared seller.
func (a *Analyzer) detectFleetLiquidation(entities []storage.Entity) []Pattern {
	var patterns []Pattern

	for groupKey, group := range groupByMakeYear(entities) {
		if len(group) < a.cfg.MinClusterSize {
			continue
		}

		var indicators []string

		keywordHits := 0
		for _, entity := range group {
			text := strings.ToLower(entity.Title + " " + entity.Description)
			for _, keyword := range fleetKeywords {
				if strings.Contains(text, keyword) {
					keywordHits++
					break
				}
			}
		}
		if keywordHits >= 2 {
			indicators = append(indicators, fmt.Sprintf("%d listings mention fleet/rental wording", keywordHits))
		}

		priced := withPrices(group)
		if len(priced) >= 3 {
			prices := make([]float64, len(priced))
			for i, entity := range priced {
				prices[i] = entity.Price.InexactFloat64()
			}
			groupMean := mean(prices)
			if groupMean > 0 {
				cv := stdDev(prices, groupMean) / groupMean
				if cv < a.cfg.FleetPriceCV {
					indicators = append(indicators, fmt.Sprintf("near-uniform pricing (CV %.2f)", cv))
				}
			}
		}

		if location, count := modeCount(group, func(e storage.Entity) string {
			return fingerprint.Normalize(e.Location)
		}); count >= 3 {
			indicators = append(indicators, fmt.Sprintf("geographic clustering in %s", location))
		}

		if seller, count := modeCount(group, func(e storage.Entity) string {
			return fingerprint.Normalize(e.Seller)
		}); count >= 2 {
			indicators = append(indicators, fmt.Sprintf("multiple listings from %s", seller))
		}

		if len(indicators) < 2 {
			continue
		}

		ids := make([]string, len(group))
		for i, entity := range group {
			ids[i] = entity.ID
		}
		patterns = append(patterns, Pattern{
			Type:       PatternFleetLiquidation,
			Confidence: 0.8,
			Description: fmt.Sprintf("Potential fleet liquidation: %d similar %s units (%s)",
				len(group), groupKey, strings.Join(indicators, "; ")),
			EntityIDs: ids,
			Insight:   "Investigate bulk purchase opportunity or expect below-market pricing",
		})
	}

	return patterns
}

// detectTrendingModels reports model tokens that dominate recently seen
// listings.
func (a *Analyzer) detectTrendingModels(entities []storage.Entity) []Pattern {
	cutoff := a.clock().AddDate(0, 0, -a.cfg.RecentDays)

	var recent []storage.Entity
	for _, entity := range entities {
		if entity.FirstSeen.After(cutoff) {
			recent = append(recent, entity)
		}
	}
	if len(recent) < 10 {
		return nil
	}

	counts := make(map[string]int)
	byModel := make(map[string][]string)
	for _, entity := range recent {
		identity := fingerprint.ExtractItemIdentity(entity.Title)
		if identity.Model == "unknown" {
			continue
		}
		counts[identity.Model]++
		byModel[identity.Model] = append(byModel[identity.Model], entity.ID)
	}

	var top string
	var topShare float64
	for model, count := range counts {
		share := float64(count) / float64(len(recent))
		if share > a.cfg.TrendingShare && share > topShare {
			top = model
			topShare = share
		}
	}
	if top == "" {
		return nil
	}

	return []Pattern{{
		Type:       PatternTrendingModel,
		Confidence: 0.65,
		Description: fmt.Sprintf("Trending model: %s appears in %.0f%% of recent listings",
			strings.ToUpper(top), topShare*100),
		EntityIDs: byModel[top],
		Insight:   fmt.Sprintf("High market activity in %s models", strings.ToUpper(top)),
	}}
}

func groupByModel(entities []storage.Entity) map[string][]storage.Entity {
	groups := make(map[string][]storage.Entity)
	for _, entity := range entities {
		identity := fingerprint.ExtractItemIdentity(entity.Title)
		if identity.Make == "unknown" || identity.Year == "unknown" {
			continue
		}
		key := identity.Make + " " + identity.Year
		if identity.Model != "unknown" {
			key += " " + identity.Model
		}
		groups[key] = append(groups[key], entity)
	}
	return groups
}

func groupByMakeYear(entities []storage.Entity) map[string][]storage.Entity {
	groups := make(map[string][]storage.Entity)
	for _, entity := range entities {
		identity := fingerprint.ExtractItemIdentity(entity.Title)
		if identity.Make == "unknown" || identity.Year == "unknown" {
			continue
		}
		key := identity.Make + " " + identity.Year
		groups[key] = append(groups[key], entity)
	}
	return groups
}

func withPrices(entities []storage.Entity) []storage.Entity {
	out := make([]storage.Entity, 0, len(entities))
	for _, entity := range entities {
		if entity.Price != nil {
			out = append(out, entity)
		}
	}
	return out
}

// modeCount returns the most frequent non-empty key and its count.
func modeCount(entities []storage.Entity, keyFn func(storage.Entity) string) (string, int) {
	counts := make(map[string]int)
	for _, entity := range entities {
		if key := keyFn(entity); key != "" {
			counts[key]++
		}
	}
	var best string
	var bestCount int
	for key, count := range counts {
		if count > bestCount {
			best = key
			bestCount = count
		}
	}
	return best, bestCount
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
