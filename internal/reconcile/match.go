package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"skitracker/internal/fingerprint"
	"skitracker/internal/storage"
)

// candidate is one entity matched via one fingerprint kind. An entity that
// matches on several kinds appears once per kind; the confidence score
// decides which pairing wins.
type candidate struct {
	entity     storage.Entity
	kind       fingerprint.Kind
	confidence float64
}

func (r *Reconciler) findCandidates(obs storage.Observation, fps fingerprint.Set) []candidate {
	var candidates []candidate
	for _, entity := range r.entities {
		for _, kind := range fingerprint.Kinds {
			digest, ok := fps[kind]
			if !ok {
				continue
			}
			if entity.Fingerprints[string(kind)] != digest {
				continue
			}
			candidates = append(candidates, candidate{
				entity:     entity,
				kind:       kind,
				confidence: r.score(kind, obs, entity),
			})
		}
	}
	return candidates
}

// score blends the fingerprint kind's base weight with title similarity and
// how recently the candidate was last seen, clamped to 1.0.
func (r *Reconciler) score(kind fingerprint.Kind, obs storage.Observation, entity storage.Entity) float64 {
	titleSimilarity := fingerprint.Similarity(
		fingerprint.Normalize(obs.Title),
		fingerprint.Normalize(entity.Title),
	)
	recency := r.recencyFactor(entity.LastSeen)

	confidence := r.baseWeight(kind)*r.matching.BlendFingerprint +
		titleSimilarity*r.matching.BlendTitle +
		recency*r.matching.BlendRecency

	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func (r *Reconciler) baseWeight(kind fingerprint.Kind) float64 {
	switch kind {
	case fingerprint.KindExact:
		return r.matching.WeightExact
	case fingerprint.KindContent:
		return r.matching.WeightContent
	case fingerprint.KindSellerItem:
		return r.matching.WeightSellerItem
	case fingerprint.KindImages:
		return r.matching.WeightImages
	case fingerprint.KindItem:
		return r.matching.WeightItem
	}
	return 0.5
}

// recencyFactor favours recently seen listings: a listing active last week
// is far more likely to be the same still-live listing than one dormant
// for months.
func (r *Reconciler) recencyFactor(lastSeen time.Time) float64 {
	if lastSeen.IsZero() {
		return 0.5
	}
	age := r.clock().Sub(lastSeen)
	switch {
	case age <= time.Duration(r.matching.RecentDays)*24*time.Hour:
		return 1.0
	case age <= time.Duration(r.matching.ActiveDays)*24*time.Hour:
		return 0.8
	case age <= time.Duration(r.matching.DormantDays)*24*time.Hour:
		return 0.6
	default:
		return 0.3
	}
}

// bestCandidate picks the highest-confidence candidate, ties broken by the
// most recently seen entity.
func bestCandidate(candidates []candidate) candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.confidence > best.confidence {
			best = c
			continue
		}
		if c.confidence == best.confidence && c.entity.LastSeen.After(best.entity.LastSeen) {
			best = c
		}
	}
	return best
}

// fieldChanges holds the field-level deltas between an observation and its
// matched entity.
type fieldChanges struct {
	priceChanged   bool
	contentChanged bool
	imagesChanged  bool
	imagesAdded    []string
	imagesRemoved  []string
}

// detectChanges compares the observation against the matched entity's
// stored fields. A field present on one side only is "newly available";
// it is applied as an update but does not count as a change here, with
// one exception: a description arriving for an entity that had none is a
// listing-details change.
func detectChanges(obs storage.Observation, entity storage.Entity, descriptionThreshold float64) fieldChanges {
	var changes fieldChanges

	if obs.Price != nil && entity.Price != nil && !obs.Price.Equal(*entity.Price) {
		changes.priceChanged = true
	}

	if obs.Description != "" && entity.Description != "" {
		similarity := fingerprint.Similarity(
			fingerprint.Normalize(obs.Description),
			fingerprint.Normalize(entity.Description),
		)
		if similarity < descriptionThreshold {
			changes.contentChanged = true
		}
	} else if obs.Description != "" && entity.Description == "" {
		// A description appearing where there was none counts as a
		// listing-details change; other newly available fields do not.
		changes.contentChanged = true
	}

	if len(obs.Images) > 0 && len(entity.Images) > 0 {
		added, removed := diffImageSets(obs.Images, entity.Images)
		if len(added) > 0 || len(removed) > 0 {
			changes.imagesChanged = true
			changes.imagesAdded = added
			changes.imagesRemoved = removed
		}
	}

	return changes
}

func diffImageSets(observed, stored []string) (added, removed []string) {
	observedSet := toSet(observed)
	storedSet := toSet(stored)
	for url := range observedSet {
		if !storedSet[url] {
			added = append(added, url)
		}
	}
	for url := range storedSet {
		if !observedSet[url] {
			removed = append(removed, url)
		}
	}
	return added, removed
}

func toSet(urls []string) map[string]bool {
	set := make(map[string]bool, len(urls))
	for _, url := range urls {
		if url != "" {
			set[url] = true
		}
	}
	return set
}

// mergeObservation overwrites every field the observation actually carries,
// regardless of which single action is reported, and recomputes the stored
// fingerprint set from the merged fields.
func mergeObservation(entity storage.Entity, obs storage.Observation) storage.Entity {
	if obs.URL != "" {
		entity.URL = obs.URL
	}
	if obs.Title != "" {
		entity.Title = obs.Title
	}
	if obs.Price != nil {
		entity.Price = copyDecimalPtr(obs.Price)
	}
	if obs.Description != "" {
		entity.Description = obs.Description
	}
	if len(obs.Images) > 0 {
		entity.Images = append([]string(nil), obs.Images...)
	}
	if obs.Seller != "" {
		entity.Seller = obs.Seller
	}
	if obs.Location != "" {
		entity.Location = obs.Location
	}

	entity.Fingerprints = fingerprint.Compute(storage.Observation{
		Title:       entity.Title,
		Description: entity.Description,
		Price:       entity.Price,
		Location:    entity.Location,
		Seller:      entity.Seller,
		Images:      entity.Images,
		URL:         entity.URL,
	}).Strings()

	return entity
}

func copyDecimalPtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	copied := *d
	return &copied
}
