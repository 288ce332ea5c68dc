package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	entitiesFile = "entities.json"
	historyFile  = "price_history.json"
)

// FileStore persists the entity store and ledger as two JSON files,
// loaded wholesale at open and rewritten wholesale on every commit.
// Single-writer only: concurrent processes sharing the same data dir
// will lose updates.
type FileStore struct {
	dir      string
	entities map[string]Entity
	history  map[string][]PriceChange
}

// NewFileStore opens (or initialises) a JSON file store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrUnavailable, err)
	}
	return &FileStore{dir: dir}, nil
}

// Load reads both files into memory. Missing files yield empty state.
func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	entities := make(map[string]Entity)
	if err := readJSONFile(filepath.Join(s.dir, entitiesFile), &entities); err != nil {
		return nil, fmt.Errorf("%w: load entities: %v", ErrUnavailable, err)
	}

	history := make(map[string][]PriceChange)
	if err := readJSONFile(filepath.Join(s.dir, historyFile), &history); err != nil {
		return nil, fmt.Errorf("%w: load price history: %v", ErrUnavailable, err)
	}

	s.entities = entities
	s.history = history
	return &Snapshot{Entities: cloneEntities(entities), History: cloneHistory(history)}, nil
}

// Commit applies one reconciliation outcome and rewrites both files.
// The in-memory view only advances once both writes succeed.
func (s *FileStore) Commit(ctx context.Context, entity Entity, change *PriceChange) error {
	if s.entities == nil {
		if _, err := s.Load(ctx); err != nil {
			return err
		}
	}

	entities := cloneEntities(s.entities)
	entities[entity.ID] = entity

	history := cloneHistory(s.history)
	if change != nil {
		history[change.EntityID] = append(history[change.EntityID], *change)
	}

	if err := writeJSONFile(filepath.Join(s.dir, entitiesFile), entities); err != nil {
		return fmt.Errorf("%w: write entities: %v", ErrUnavailable, err)
	}
	if err := writeJSONFile(filepath.Join(s.dir, historyFile), history); err != nil {
		return fmt.Errorf("%w: write price history: %v", ErrUnavailable, err)
	}

	s.entities = entities
	s.history = history
	return nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() {}

func readJSONFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// writeJSONFile writes via a temp file and rename so readers never see a
// torn file.
func writeJSONFile(path string, src any) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func cloneEntities(src map[string]Entity) map[string]Entity {
	dst := make(map[string]Entity, len(src))
	for id, e := range src {
		dst[id] = e
	}
	return dst
}

func cloneHistory(src map[string][]PriceChange) map[string][]PriceChange {
	dst := make(map[string][]PriceChange, len(src))
	for id, entries := range src {
		copied := make([]PriceChange, len(entries))
		copy(copied, entries)
		dst[id] = copied
	}
	return dst
}

var _ Store = (*FileStore)(nil)
