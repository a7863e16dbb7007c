// Package statestore writes the durable is_running flag for each
// configuration identity. The real persistent config-state store is an
// external collaborator; this package defines the contract and
// ships an in-memory reference implementation used by tests and the
// cmd/kftrayd smoke driver.
package statestore

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/jessegoodier/kftray-go/internal/model"
)

// Store is the contract the orchestrator reconciles against. Update is an
// upsert; failures are logged by the caller and never propagated further
// (the in-memory registry is the source of truth in-process).
type Store interface {
	Update(ctx context.Context, configID int64, isRunning bool) error
	List(ctx context.Context) ([]model.ConfigState, error)
}

// MemStore is a Store backed by a guarded map, keeping at most one row per
// config_id as the data model requires.
type MemStore struct {
	mu   sync.RWMutex
	rows map[int64]bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[int64]bool)}
}

// Update upserts the is_running flag for configID.
func (s *MemStore) Update(_ context.Context, configID int64, isRunning bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[configID] = isRunning
	return nil
}

// List returns every known row, order unspecified.
func (s *MemStore) List(_ context.Context) ([]model.ConfigState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConfigState, 0, len(s.rows))
	for id, running := range s.rows {
		out = append(out, model.ConfigState{ConfigID: id, IsRunning: running})
	}
	return out, nil
}

// Reconcile writes (configID, isRunning) and logs, but never returns, any
// write failure: persistence is advisory, the registry remains the
// in-process source of truth.
func Reconcile(ctx context.Context, store Store, configID int64, isRunning bool) {
	if err := store.Update(ctx, configID, isRunning); err != nil {
		dlog.Errorf(ctx, "failed to update config state for %d: %v", configID, err)
	}
}

// IsRunning reports the last reconciled state for configID, defaulting to
// false if no row exists. Convenience for tests.
func (s *MemStore) IsRunning(configID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[configID]
}
