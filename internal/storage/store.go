package storage

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the backing store could not be read or written.
// Reconciliation calls that hit it fail atomically and can be retried.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Snapshot is the fully-loaded persisted state: the entity store plus the
// per-entity price-history ledger.
type Snapshot struct {
	Entities map[string]Entity
	History  map[string][]PriceChange
}

// NewSnapshot returns an empty snapshot with initialised maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Entities: make(map[string]Entity),
		History:  make(map[string][]PriceChange),
	}
}

// Store abstracts persistence for the entity store and ledger. Load is
// called once at startup; Commit persists one reconciliation outcome: the
// updated entity and, for price changes, the new ledger entry. A Commit
// either applies both or neither.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, entity Entity, change *PriceChange) error
	Close()
}
