// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"sync"
)

// Store persists snapshots keyed by scope. Implementations must be safe
// for concurrent use.
type Store interface {
	// Load returns the stored snapshot for the scope, or nil when none
	// exists. An error indicates a real storage failure, not absence.
	Load(ctx context.Context, scopeID string) (*Snapshot, error)

	// Save writes the snapshot for its scope, replacing any prior state.
	Save(ctx context.Context, snap *Snapshot) error
}

// MemStore is an in-process Store, used in tests and as the fallback when
// no database path is configured.
type MemStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string]*Snapshot)}
}

func (m *MemStore) Load(_ context.Context, scopeID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if snap, ok := m.snaps[scopeID]; ok {
		return snap.Clone(), nil
	}
	return nil, nil
}

func (m *MemStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ScopeID] = snap.Clone()
	return nil
}
