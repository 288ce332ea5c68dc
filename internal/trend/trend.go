// Package trend derives per-entity price trend analytics from the ordered,
// append-only price-history ledger. Nothing here is persisted; summaries
// are recomputed on demand from the ledger.
package trend

import (
	"github.com/shopspring/decimal"

	"skitracker/internal/config"
	"skitracker/internal/storage"
)

// Trend directions.
const (
	DirectionDropping         = "dropping"
	DirectionRising           = "rising"
	DirectionStable           = "stable"
	DirectionInsufficientData = "insufficient_data"
)

// Summary is the derived trend view for one entity.
type Summary struct {
	EntityID               string           `json:"entity_id"`
	CurrentPrice           *decimal.Decimal `json:"current_price"`
	OriginalPrice          *decimal.Decimal `json:"original_price"`
	LowestPrice            *decimal.Decimal `json:"lowest_price"`
	HighestPrice           *decimal.Decimal `json:"highest_price"`
	PriceChangeCount       int              `json:"price_change_count"`
	DaysTracked            int              `json:"days_tracked"`
	Direction              string           `json:"trend_direction"`
	Confidence             float64          `json:"trend_confidence"`
	BuyingOpportunityScore float64          `json:"buying_opportunity_score"`
}

// Summarize computes the trend summary for an entity from its ledger. The
// ledger is the sole source of truth: the current price is the new_price of
// the most recent entry, falling back to the entity's own price field only
// when the ledger is empty.
func Summarize(entity storage.Entity, entries []storage.PriceChange, cfg config.TrendConfig) Summary {
	summary := Summary{
		EntityID:         entity.ID,
		PriceChangeCount: len(entries),
		Direction:        DirectionInsufficientData,
	}

	prices := ledgerPrices(entries)

	if len(prices) == 0 {
		summary.CurrentPrice = entity.Price
		summary.OriginalPrice = entity.Price
		summary.LowestPrice = entity.Price
		summary.HighestPrice = entity.Price
	} else {
		summary.CurrentPrice = &prices[len(prices)-1]
		summary.OriginalPrice = &prices[0]
		lowest, highest := prices[0], prices[0]
		for _, p := range prices[1:] {
			if p.LessThan(lowest) {
				lowest = p
			}
			if p.GreaterThan(highest) {
				highest = p
			}
		}
		summary.LowestPrice = &lowest
		summary.HighestPrice = &highest
	}

	if len(entries) >= 2 {
		summary.DaysTracked = int(entries[len(entries)-1].Timestamp.Sub(entries[0].Timestamp).Hours() / 24)
	}

	summary.Direction, summary.Confidence = classify(prices, cfg)
	summary.BuyingOpportunityScore = opportunityScore(summary, cfg)
	return summary
}

// ledgerPrices extracts the non-nil new_price series in ledger order.
func ledgerPrices(entries []storage.PriceChange) []decimal.Decimal {
	prices := make([]decimal.Decimal, 0, len(entries))
	for _, entry := range entries {
		if entry.NewPrice != nil {
			prices = append(prices, *entry.NewPrice)
		}
	}
	return prices
}

// classify looks at the last few ledger prices and compares the slope per
// entry against the configured absolute-currency threshold.
func classify(prices []decimal.Decimal, cfg config.TrendConfig) (string, float64) {
	if len(prices) < 2 {
		return DirectionInsufficientData, 0.0
	}

	window := prices
	if len(window) > cfg.WindowEntries {
		window = window[len(window)-cfg.WindowEntries:]
	}

	slope := window[len(window)-1].Sub(window[0]).InexactFloat64() / float64(len(window))
	switch {
	case slope < -cfg.SlopeThreshold:
		return DirectionDropping, 0.8
	case slope > cfg.SlopeThreshold:
		return DirectionRising, 0.8
	default:
		return DirectionStable, 0.6
	}
}

// opportunityScore rewards prices near the historical low and dropping
// trends, clamped to [0, 1].
func opportunityScore(s Summary, cfg config.TrendConfig) float64 {
	score := 0.5

	if s.HighestPrice != nil && s.LowestPrice != nil && s.CurrentPrice != nil &&
		s.HighestPrice.GreaterThan(*s.LowestPrice) {
		priceRange := s.HighestPrice.Sub(*s.LowestPrice)
		position := s.HighestPrice.Sub(*s.CurrentPrice).Div(priceRange).InexactFloat64()
		score += position * cfg.PositionWeight
	}

	switch s.Direction {
	case DirectionDropping:
		score += cfg.DropBonus
	case DirectionRising:
		score -= cfg.RisePenalty
	}

	if s.OriginalPrice != nil && s.CurrentPrice != nil && s.OriginalPrice.IsPositive() {
		totalDrop := s.OriginalPrice.Sub(*s.CurrentPrice).Div(*s.OriginalPrice).InexactFloat64()
		if totalDrop > 0 {
			if totalDrop > cfg.TotalDropCap {
				totalDrop = cfg.TotalDropCap
			}
			score += totalDrop
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
