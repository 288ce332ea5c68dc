package market

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"skitracker/internal/config"
	"skitracker/internal/storage"
)

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		MinClusterSize: 4,
		FleetPriceCV:   0.15,
		AnomalyZScore:  2.0,
		TrendingShare:  0.15,
		RecentDays:     90,
	}
}

func newTestAnalyzer(now time.Time) *Analyzer {
	a := NewAnalyzer(testMarketConfig(), zerolog.Nop())
	a.clock = func() time.Time { return now }
	return a
}

func priced(id, title string, price int64) storage.Entity {
	d := decimal.NewFromInt(price)
	return storage.Entity{ID: id, Title: title, Price: &d}
}

func TestAnalyzeEmpty(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	report := newTestAnalyzer(now).Analyze(nil)

	if report.TotalEntities != 0 || report.PricedCount != 0 {
		t.Fatalf("empty input should produce zero counts, got %+v", report)
	}
	if len(report.Patterns) != 0 {
		t.Fatalf("empty input should produce no patterns, got %d", len(report.Patterns))
	}
}

func TestAnalyzePriceStatistics(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	entities := []storage.Entity{
		priced("a", "listing a", 3000),
		priced("b", "listing b", 1000),
		priced("c", "listing c", 2000),
		{ID: "d", Title: "listing d"},
	}

	report := newTestAnalyzer(now).Analyze(entities)

	if report.TotalEntities != 4 || report.PricedCount != 3 {
		t.Fatalf("counts wrong: %+v", report)
	}
	if report.MinPrice != 1000 || report.MaxPrice != 3000 {
		t.Fatalf("min/max wrong: %+v", report)
	}
	if report.AveragePrice != 2000 || report.MedianPrice != 2000 {
		t.Fatalf("avg/median wrong: %+v", report)
	}
}

func TestDetectUnderpricedAnomaly(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	entities := make([]storage.Entity, 0, 6)
	for i := 0; i < 5; i++ {
		e := priced(fmt.Sprintf("m%d", i), "2020 Yamaha VX", 10000)
		e.Seller = fmt.Sprintf("seller %d", i)
		e.Location = fmt.Sprintf("city %d", i)
		entities = append(entities, e)
	}
	bargain := priced("bargain", "2020 Yamaha VX", 2000)
	bargain.Seller = "seller x"
	bargain.Location = "city x"
	entities = append(entities, bargain)

	report := newTestAnalyzer(now).Analyze(entities)

	var found *Pattern
	for i := range report.Patterns {
		if report.Patterns[i].Type == PatternUnderpriced {
			found = &report.Patterns[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected an underpriced pattern, got %+v", report.Patterns)
	}
	if len(found.EntityIDs) != 1 || found.EntityIDs[0] != "bargain" {
		t.Fatalf("anomaly should single out the bargain entity, got %v", found.EntityIDs)
	}
	if found.Confidence != 0.85 {
		t.Fatalf("underpriced confidence should be 0.85, got %f", found.Confidence)
	}

	for _, p := range report.Patterns {
		if p.Type == PatternFleetLiquidation {
			t.Fatal("scattered sellers and locations must not look like a fleet")
		}
	}
}

func TestDetectFleetLiquidation(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	entities := make([]storage.Entity, 0, 4)
	prices := []int64{6500, 6500, 6400, 6600}
	for i, p := range prices {
		e := priced(fmt.Sprintf("f%d", i), "2018 Sea-Doo Spark", p)
		e.Seller = "Coastal Rentals"
		e.Location = "Miami, FL"
		if i < 2 {
			e.Description = "Former rental unit, serviced regularly."
		}
		entities = append(entities, e)
	}

	report := newTestAnalyzer(now).Analyze(entities)

	var found *Pattern
	for i := range report.Patterns {
		if report.Patterns[i].Type == PatternFleetLiquidation {
			found = &report.Patterns[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected a fleet liquidation pattern, got %+v", report.Patterns)
	}
	if len(found.EntityIDs) != 4 {
		t.Fatalf("fleet pattern should cover the whole cluster, got %v", found.EntityIDs)
	}
	if found.Confidence != 0.8 {
		t.Fatalf("fleet confidence should be 0.8, got %f", found.Confidence)
	}
}

func TestDetectFleetLiquidationNeedsCluster(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Three units is below the minimum cluster size.
	entities := []storage.Entity{
		priced("f0", "2018 Sea-Doo Spark", 6500),
		priced("f1", "2018 Sea-Doo Spark", 6500),
		priced("f2", "2018 Sea-Doo Spark", 6400),
	}
	for i := range entities {
		entities[i].Seller = "Coastal Rentals"
		entities[i].Location = "Miami, FL"
		entities[i].Description = "Former rental unit."
	}

	report := newTestAnalyzer(now).Analyze(entities)
	for _, p := range report.Patterns {
		if p.Type == PatternFleetLiquidation {
			t.Fatal("clusters below min_cluster_size must not report liquidation")
		}
	}
}

func TestDetectTrendingModel(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := now.AddDate(0, 0, -10)

	var entities []storage.Entity
	for i := 0; i < 5; i++ {
		entities = append(entities, storage.Entity{
			ID:        fmt.Sprintf("g%d", i),
			Title:     "2021 Sea-Doo GTX",
			FirstSeen: recent,
		})
	}
	for i := 0; i < 7; i++ {
		entities = append(entities, storage.Entity{
			ID:        fmt.Sprintf("o%d", i),
			Title:     fmt.Sprintf("Personal watercraft for sale %d", i),
			FirstSeen: recent,
		})
	}

	report := newTestAnalyzer(now).Analyze(entities)

	var found *Pattern
	for i := range report.Patterns {
		if report.Patterns[i].Type == PatternTrendingModel {
			found = &report.Patterns[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected a trending model pattern, got %+v", report.Patterns)
	}
	if len(found.EntityIDs) != 5 {
		t.Fatalf("trending pattern should list the matching entities, got %v", found.EntityIDs)
	}
}

func TestDetectTrendingModelNeedsVolume(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := now.AddDate(0, 0, -10)

	var entities []storage.Entity
	for i := 0; i < 9; i++ {
		entities = append(entities, storage.Entity{
			ID:        fmt.Sprintf("g%d", i),
			Title:     "2021 Sea-Doo GTX",
			FirstSeen: recent,
		})
	}

	report := newTestAnalyzer(now).Analyze(entities)
	for _, p := range report.Patterns {
		if p.Type == PatternTrendingModel {
			t.Fatal("fewer than ten recent listings must not report a trend")
		}
	}
}
