package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"skitracker/internal/config"
	"skitracker/internal/storage"
)

// memStore is an in-memory Store for exercising the reconciler without a
// file system or database.
type memStore struct {
	entities map[string]storage.Entity
	history  map[string][]storage.PriceChange
	commits  int
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string]storage.Entity),
		history:  make(map[string][]storage.PriceChange),
	}
}

func (m *memStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	snapshot := storage.NewSnapshot()
	for id, entity := range m.entities {
		snapshot.Entities[id] = entity
	}
	for id, entries := range m.history {
		snapshot.History[id] = append([]storage.PriceChange(nil), entries...)
	}
	return snapshot, nil
}

func (m *memStore) Commit(ctx context.Context, entity storage.Entity, change *storage.PriceChange) error {
	if m.failNext {
		return errors.New("commit refused")
	}
	m.commits++
	m.entities[entity.ID] = entity
	if change != nil {
		m.history[entity.ID] = append(m.history[entity.ID], *change)
	}
	return nil
}

func (m *memStore) Close() {}

func testMatching() config.MatchingConfig {
	return config.MatchingConfig{
		WeightExact:           1.0,
		WeightContent:         0.9,
		WeightSellerItem:      0.85,
		WeightImages:          0.8,
		WeightItem:            0.7,
		BlendFingerprint:      0.7,
		BlendTitle:            0.2,
		BlendRecency:          0.1,
		DescriptionSimilarity: 0.9,
		ReviewLow:             0.4,
		ReviewHigh:            0.6,
		RecentDays:            7,
		ActiveDays:            30,
		DormantDays:           90,
	}
}

func testTrend() config.TrendConfig {
	return config.TrendConfig{
		SlopeThreshold: 50,
		WindowEntries:  3,
		PositionWeight: 0.3,
		DropBonus:      0.2,
		RisePenalty:    0.1,
		TotalDropCap:   0.2,
	}
}

func newTestReconciler(t *testing.T, store storage.Store, now time.Time) *Reconciler {
	t.Helper()
	r, err := New(context.Background(), store, testMatching(), testTrend(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.clock = func() time.Time { return now }
	return r
}

func listingObs(observedAt time.Time) storage.Observation {
	price := decimal.NewFromInt(12500)
	return storage.Observation{
		Title:       "2022 Yamaha VX Cruiser HO",
		Description: "Low hours, garage kept, includes trailer.",
		Price:       &price,
		Location:    "Tampa, FL",
		Seller:      "Mike's Watercraft",
		Images:      []string{"https://img.example/a.jpg", "https://img.example/b.jpg"},
		URL:         "https://marketplace.example/item/123",
		ObservedAt:  observedAt,
	}
}

func TestReconcileAddNewThenExactDuplicate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.Action != ActionAddNew {
		t.Fatalf("expected add_new, got %s", first.Action)
	}
	if first.IsDuplicate {
		t.Fatal("first observation should not be a duplicate")
	}
	if first.EntityID == "" {
		t.Fatal("add_new must report the created entity ID")
	}

	second, err := r.Reconcile(context.Background(), listingObs(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Action != ActionSkipDuplicate {
		t.Fatalf("expected skip_duplicate, got %s", second.Action)
	}
	if !second.IsDuplicate {
		t.Fatal("re-observation should be reported as duplicate")
	}
	if second.MatchType != "exact" {
		t.Fatalf("expected exact match, got %s", second.MatchType)
	}
	if second.EntityID != first.EntityID {
		t.Fatal("duplicate should resolve to the original entity")
	}
	if second.Confidence < 0.95 {
		t.Fatalf("exact re-observation should score near 1.0, got %f", second.Confidence)
	}

	entity, ok := r.Entity(first.EntityID)
	if !ok {
		t.Fatal("entity missing after reconciliation")
	}
	if entity.TimesSeen != 2 {
		t.Fatalf("times_seen should be 2, got %d", entity.TimesSeen)
	}
	if len(r.History(first.EntityID)) != 0 {
		t.Fatal("ledger must stay empty when no price changed")
	}
}

func TestReconcilePriceDropAppendsLedgerEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	repriced := listingObs(now.Add(48 * time.Hour))
	lower := decimal.NewFromInt(10500)
	repriced.Price = &lower

	second, err := r.Reconcile(context.Background(), repriced)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Action != ActionUpdatePriceHistory {
		t.Fatalf("expected update_price_history, got %s", second.Action)
	}
	if second.MatchType != "content" {
		t.Fatalf("price-only change should match via content fingerprint, got %s", second.MatchType)
	}
	if second.PriceChange == nil {
		t.Fatal("result should carry the ledger entry")
	}

	history := r.History(first.EntityID)
	if len(history) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(history))
	}
	entry := history[0]
	if !entry.OldPrice.Equal(decimal.NewFromInt(12500)) {
		t.Fatalf("old price should be 12500, got %s", entry.OldPrice)
	}
	if !entry.NewPrice.Equal(decimal.NewFromInt(10500)) {
		t.Fatalf("new price should be 10500, got %s", entry.NewPrice)
	}
	if !entry.ChangeAmount.Equal(decimal.NewFromInt(-2000)) {
		t.Fatalf("change amount should be -2000, got %s", entry.ChangeAmount)
	}
	if entry.Direction != storage.DirectionDecrease {
		t.Fatalf("direction should be decrease, got %s", entry.Direction)
	}

	entity, _ := r.Entity(first.EntityID)
	if !entity.Price.Equal(lower) {
		t.Fatalf("entity price should be updated to 10500, got %s", entity.Price)
	}
}

func TestReconcileDescriptionChangeLeavesLedgerAlone(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	reworded := listingObs(now.Add(time.Hour))
	reworded.Description = "PRICE FIRM. Selling because we moved inland, no time to ride anymore."

	second, err := r.Reconcile(context.Background(), reworded)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Action != ActionUpdateListingDetails {
		t.Fatalf("expected update_listing_details, got %s", second.Action)
	}
	if second.PriceChange != nil {
		t.Fatal("description change must not produce a ledger entry")
	}
	if len(r.History(first.EntityID)) != 0 {
		t.Fatal("ledger must stay empty when price is unchanged")
	}

	entity, _ := r.Entity(first.EntityID)
	if entity.Description != reworded.Description {
		t.Fatal("entity description should be overwritten")
	}
}

func TestReconcileNewlyAvailableDescription(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	price := decimal.NewFromInt(8000)
	bare := storage.Observation{
		Title:      "2021 Sea-Doo GTI",
		Price:      &price,
		Seller:     "Dana",
		Location:   "Austin, TX",
		URL:        "https://marketplace.example/item/42",
		ObservedAt: now,
	}
	first, err := r.Reconcile(context.Background(), bare)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	// The seller fills in a description the listing never had before.
	enriched := bare
	enriched.Description = "One owner, serviced every season, runs great."
	enriched.ObservedAt = now.Add(time.Hour)

	second, err := r.Reconcile(context.Background(), enriched)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Action != ActionUpdateListingDetails {
		t.Fatalf("a description appearing where there was none should report update_listing_details, got %s", second.Action)
	}
	if second.PriceChange != nil {
		t.Fatal("unchanged price must not produce a ledger entry")
	}

	entity, _ := r.Entity(first.EntityID)
	if entity.Description != enriched.Description {
		t.Fatal("new description should be applied to the entity")
	}
	if len(r.History(first.EntityID)) != 0 {
		t.Fatal("ledger must stay empty")
	}
}

func TestReconcileImageSetChange(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	reshot := listingObs(now.Add(time.Hour))
	reshot.Images = []string{"https://img.example/a.jpg", "https://img.example/c.jpg"}

	second, err := r.Reconcile(context.Background(), reshot)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Action != ActionUpdateImages {
		t.Fatalf("expected update_images, got %s", second.Action)
	}

	entity, _ := r.Entity(first.EntityID)
	if len(entity.Images) != 2 || entity.Images[1] != "https://img.example/c.jpg" {
		t.Fatalf("image set should be overwritten, got %v", entity.Images)
	}
}

func TestReconcileItemMatchScoresBelowExact(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	if _, err := r.Reconcile(context.Background(), listingObs(now)); err != nil {
		t.Fatalf("seed Reconcile: %v", err)
	}

	exact, err := r.Reconcile(context.Background(), listingObs(now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("exact Reconcile: %v", err)
	}

	// Same (make, model, year) from another seller with different content.
	relisted := storage.Observation{
		Title:      "Yamaha VX 2022, low hours, must sell",
		Seller:     "Another Seller",
		Location:   "Tampa, FL",
		URL:        "https://marketplace.example/item/999",
		ObservedAt: now.Add(2 * time.Hour),
	}

	cross, err := r.Reconcile(context.Background(), relisted)
	if err != nil {
		t.Fatalf("cross-seller Reconcile: %v", err)
	}
	if !cross.IsDuplicate {
		t.Fatal("cross-seller relisting should still match on item identity")
	}
	if cross.MatchType != "item" {
		t.Fatalf("expected item match, got %s", cross.MatchType)
	}
	if cross.Confidence >= exact.Confidence {
		t.Fatalf("item match (%f) must score below exact match (%f)", cross.Confidence, exact.Confidence)
	}
}

func TestReconcileDormantWeakMatchHeldForReview(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	r := newTestReconciler(t, store, now)

	stale := storage.Observation{
		Title:      "2019 Kawasaki Jetski",
		Seller:     "Dave",
		URL:        "https://marketplace.example/item/50",
		ObservedAt: now.AddDate(0, 0, -120),
	}
	seeded, err := r.Reconcile(context.Background(), stale)
	if err != nil {
		t.Fatalf("seed Reconcile: %v", err)
	}

	// Same item identity, different seller, long dissimilar title, and a
	// last-seen four months back. The blended score lands inside the
	// review band.
	ambiguous := storage.Observation{
		Title:      "Jetski Kawasaki watercraft package deal 2019 includes double trailer cover and two life vests",
		Seller:     "Mike",
		URL:        "https://marketplace.example/item/777",
		ObservedAt: now,
	}

	result, err := r.Reconcile(context.Background(), ambiguous)
	if err != nil {
		t.Fatalf("ambiguous Reconcile: %v", err)
	}
	if result.Action != ActionManualReview {
		t.Fatalf("expected manual_review, got %s (confidence %f)", result.Action, result.Confidence)
	}
	if result.Confidence < 0.4 || result.Confidence >= 0.6 {
		t.Fatalf("review confidence should fall in [0.4, 0.6), got %f", result.Confidence)
	}
	if result.EntityID != seeded.EntityID {
		t.Fatal("review result should reference the candidate entity")
	}

	// Manual review must not mutate anything.
	entity, _ := r.Entity(seeded.EntityID)
	if entity.TimesSeen != 1 {
		t.Fatalf("times_seen should stay 1 after manual review, got %d", entity.TimesSeen)
	}
	if entity.Seller != "Dave" {
		t.Fatal("entity fields must not change on manual review")
	}
	if len(r.Entities()) != 1 {
		t.Fatal("manual review must not create a new entity")
	}
	if store.commits != 1 {
		t.Fatalf("manual review must not persist anything, got %d commits", store.commits)
	}
}

func TestReconcileInvalidObservation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	_, err := r.Reconcile(context.Background(), storage.Observation{Description: "no identity at all"})
	if !errors.Is(err, ErrInvalidObservation) {
		t.Fatalf("expected ErrInvalidObservation, got %v", err)
	}
	if len(r.Entities()) != 0 {
		t.Fatal("invalid observation must not create an entity")
	}
}

func TestReconcilePersistenceFailureLeavesStateUntouched(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	r := newTestReconciler(t, store, now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	store.failNext = true
	repriced := listingObs(now.Add(time.Hour))
	lower := decimal.NewFromInt(9000)
	repriced.Price = &lower

	if _, err := r.Reconcile(context.Background(), repriced); err == nil {
		t.Fatal("expected persistence error to propagate")
	}

	entity, _ := r.Entity(first.EntityID)
	if !entity.Price.Equal(decimal.NewFromInt(12500)) {
		t.Fatalf("entity price must be unchanged after failed commit, got %s", entity.Price)
	}
	if entity.TimesSeen != 1 {
		t.Fatalf("times_seen must be unchanged after failed commit, got %d", entity.TimesSeen)
	}
	if len(r.History(first.EntityID)) != 0 {
		t.Fatal("ledger must be unchanged after failed commit")
	}

	// The same observation succeeds once the store recovers.
	store.failNext = false
	retry, err := r.Reconcile(context.Background(), repriced)
	if err != nil {
		t.Fatalf("retry Reconcile: %v", err)
	}
	if retry.Action != ActionUpdatePriceHistory {
		t.Fatalf("retry should record the price change, got %s", retry.Action)
	}
}

func TestReconcileLedgerIsAppendOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(t, newMemStore(), now)

	first, err := r.Reconcile(context.Background(), listingObs(now))
	if err != nil {
		t.Fatalf("seed Reconcile: %v", err)
	}

	prices := []int64{12000, 11000, 11500, 9900}
	for i, p := range prices {
		obs := listingObs(now.Add(time.Duration(i+1) * 24 * time.Hour))
		d := decimal.NewFromInt(p)
		obs.Price = &d
		if _, err := r.Reconcile(context.Background(), obs); err != nil {
			t.Fatalf("Reconcile %d: %v", i, err)
		}
	}

	history := r.History(first.EntityID)
	if len(history) != len(prices) {
		t.Fatalf("expected %d ledger entries, got %d", len(prices), len(history))
	}
	for i, entry := range history {
		if !entry.NewPrice.Equal(decimal.NewFromInt(prices[i])) {
			t.Fatalf("entry %d new price should be %d, got %s", i, prices[i], entry.NewPrice)
		}
		if i > 0 {
			if entry.Timestamp.Before(history[i-1].Timestamp) {
				t.Fatalf("ledger timestamps must be monotonic, entry %d regressed", i)
			}
			if !entry.OldPrice.Equal(*history[i-1].NewPrice) {
				t.Fatalf("entry %d old price should chain from previous new price", i)
			}
		}
	}
}
