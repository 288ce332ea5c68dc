// Package reconcile classifies incoming listing observations against the
// entity store: new entity, update to a known entity, or a near-duplicate
// held for manual review. It owns the entity store and the append-only
// price-history ledger.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"skitracker/internal/config"
	"skitracker/internal/fingerprint"
	"skitracker/internal/storage"
	"skitracker/internal/trend"
)

// Actions a reconciliation can resolve to. Exactly one is reported per
// observation, in priority order price > content > images > skip.
const (
	ActionAddNew               = "add_new"
	ActionUpdatePriceHistory   = "update_price_history"
	ActionUpdateListingDetails = "update_listing_details"
	ActionUpdateImages         = "update_images"
	ActionSkipDuplicate        = "skip_duplicate"
	ActionManualReview         = "manual_review"
)

// ErrInvalidObservation marks an observation with neither title nor URL.
// Nothing is mutated.
var ErrInvalidObservation = errors.New("reconcile: observation has neither title nor url")

// Result reports the outcome of one reconciliation.
type Result struct {
	IsDuplicate bool
	MatchType   fingerprint.Kind
	Confidence  float64
	Action      string
	EntityID    string
	PriceChange *storage.PriceChange
}

// Reconciler maintains the in-memory entity store and ledger, persisting
// every mutation through the injected Store before committing it locally.
// Single-writer by design; see the storage package for the concurrency
// caveats of the file backend.
type Reconciler struct {
	store    storage.Store
	matching config.MatchingConfig
	trending config.TrendConfig
	logger   zerolog.Logger

	entities map[string]storage.Entity
	history  map[string][]storage.PriceChange

	clock func() time.Time
}

// New loads the persisted snapshot and returns a ready reconciler.
func New(ctx context.Context, store storage.Store, matching config.MatchingConfig, trending config.TrendConfig, logger zerolog.Logger) (*Reconciler, error) {
	snapshot, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return &Reconciler{
		store:    store,
		matching: matching,
		trending: trending,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		entities: snapshot.Entities,
		history:  snapshot.History,
		clock:    time.Now,
	}, nil
}

// Reconcile classifies one observation and applies the resulting state
// change. On a persistence failure the in-memory state is left unmodified
// and the whole call can be retried.
func (r *Reconciler) Reconcile(ctx context.Context, obs storage.Observation) (Result, error) {
	if !obs.Valid() {
		return Result{}, ErrInvalidObservation
	}

	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = r.clock().UTC()
	}

	fps := fingerprint.Compute(obs)
	candidates := r.findCandidates(obs, fps)

	if len(candidates) == 0 {
		return r.addNew(ctx, obs, fps, observedAt)
	}

	best := bestCandidate(candidates)
	if best.confidence < r.matching.ReviewLow {
		// Even the closest candidate is noise; treat as unmatched.
		return r.addNew(ctx, obs, fps, observedAt)
	}

	if best.confidence < r.matching.ReviewHigh {
		r.logger.Debug().
			Str("entity_id", best.entity.ID).
			Str("match_type", string(best.kind)).
			Float64("confidence", best.confidence).
			Msg("ambiguous match held for manual review")
		return Result{
			IsDuplicate: true,
			MatchType:   best.kind,
			Confidence:  best.confidence,
			Action:      ActionManualReview,
			EntityID:    best.entity.ID,
		}, nil
	}

	return r.applyUpdate(ctx, obs, best, observedAt)
}

func (r *Reconciler) addNew(ctx context.Context, obs storage.Observation, fps fingerprint.Set, observedAt time.Time) (Result, error) {
	entity := storage.Entity{
		ID:           newEntityID(obs, observedAt),
		URL:          obs.URL,
		Title:        obs.Title,
		Price:        copyDecimalPtr(obs.Price),
		Description:  obs.Description,
		Images:       append([]string(nil), obs.Images...),
		Seller:       obs.Seller,
		Location:     obs.Location,
		Fingerprints: fps.Strings(),
		FirstSeen:    observedAt,
		LastSeen:     observedAt,
		TimesSeen:    1,
	}

	if err := r.store.Commit(ctx, entity, nil); err != nil {
		return Result{}, fmt.Errorf("persist new entity: %w", err)
	}
	r.entities[entity.ID] = entity

	r.logger.Info().
		Str("entity_id", entity.ID).
		Str("title", entity.Title).
		Msg("new entity tracked")

	return Result{Action: ActionAddNew, EntityID: entity.ID}, nil
}

func (r *Reconciler) applyUpdate(ctx context.Context, obs storage.Observation, best candidate, observedAt time.Time) (Result, error) {
	current := best.entity
	changes := detectChanges(obs, current, r.matching.DescriptionSimilarity)

	updated := mergeObservation(current, obs)
	updated.LastSeen = observedAt
	updated.TimesSeen = current.TimesSeen + 1

	var ledgerEntry *storage.PriceChange
	if changes.priceChanged {
		ledgerEntry = newPriceChange(current.ID, current.Price, obs.Price, observedAt)
	}

	if err := r.store.Commit(ctx, updated, ledgerEntry); err != nil {
		return Result{}, fmt.Errorf("persist entity update: %w", err)
	}
	r.entities[updated.ID] = updated
	if ledgerEntry != nil {
		r.history[updated.ID] = append(r.history[updated.ID], *ledgerEntry)
	}

	action := ActionSkipDuplicate
	switch {
	case changes.priceChanged:
		action = ActionUpdatePriceHistory
	case changes.contentChanged:
		action = ActionUpdateListingDetails
	case changes.imagesChanged:
		action = ActionUpdateImages
	}

	if changes.imagesChanged {
		r.logger.Debug().
			Str("entity_id", updated.ID).
			Strs("images_added", changes.imagesAdded).
			Strs("images_removed", changes.imagesRemoved).
			Msg("image set changed")
	}

	r.logger.Info().
		Str("entity_id", updated.ID).
		Str("action", action).
		Str("match_type", string(best.kind)).
		Float64("confidence", best.confidence).
		Msg("observation reconciled")

	return Result{
		IsDuplicate: true,
		MatchType:   best.kind,
		Confidence:  best.confidence,
		Action:      action,
		EntityID:    updated.ID,
		PriceChange: ledgerEntry,
	}, nil
}

// Entity returns the current record for one entity.
func (r *Reconciler) Entity(id string) (storage.Entity, bool) {
	entity, ok := r.entities[id]
	return entity, ok
}

// Entities returns a copy of every tracked entity.
func (r *Reconciler) Entities() []storage.Entity {
	out := make([]storage.Entity, 0, len(r.entities))
	for _, entity := range r.entities {
		out = append(out, entity)
	}
	return out
}

// History returns the ordered price-change ledger for one entity.
func (r *Reconciler) History(id string) []storage.PriceChange {
	entries := r.history[id]
	out := make([]storage.PriceChange, len(entries))
	copy(out, entries)
	return out
}

// TrendSummary derives the trend analytics for one entity from its ledger.
func (r *Reconciler) TrendSummary(id string) (trend.Summary, error) {
	entity, ok := r.entities[id]
	if !ok {
		return trend.Summary{}, fmt.Errorf("unknown entity %q", id)
	}
	return trend.Summarize(entity, r.history[id], r.trending), nil
}

func newPriceChange(entityID string, oldPrice, newPrice *decimal.Decimal, observedAt time.Time) *storage.PriceChange {
	change := &storage.PriceChange{
		EntityID:  entityID,
		Timestamp: observedAt,
		OldPrice:  copyDecimalPtr(oldPrice),
		NewPrice:  copyDecimalPtr(newPrice),
	}
	if change.OldPrice != nil && change.NewPrice != nil {
		amount := change.NewPrice.Sub(*change.OldPrice)
		change.ChangeAmount = &amount
	}
	change.Direction = storage.DirectionDecrease
	if change.ChangeAmount != nil && change.ChangeAmount.IsPositive() {
		change.Direction = storage.DirectionIncrease
	}
	return change
}

// newEntityID derives a stable identifier from the observation's identity
// fields and creation time.
func newEntityID(obs storage.Observation, observedAt time.Time) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d", obs.URL, obs.Title, observedAt.UnixNano()))
	return hex.EncodeToString(h[:])[:16]
}
