// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/chatkern/internal/memory"
)

// Schema for the snapshot store.
const schema = `
CREATE TABLE IF NOT EXISTS memory_snapshots (
    scope_id   TEXT PRIMARY KEY,
    payload    BLOB NOT NULL,
    sealed     INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// SnapshotStore is a SQLite-backed memory.Store. When a Sealer is set,
// payloads are encrypted before they hit disk.
type SnapshotStore struct {
	db     *sql.DB
	sealer *Sealer
}

var _ memory.Store = (*SnapshotStore)(nil)

// Open creates or opens the snapshot database at path. A nil sealer stores
// payloads as plain JSON.
func Open(path string, sealer *Sealer) (*SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SnapshotStore{db: db, sealer: sealer}, nil
}

// Close releases the database handle.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Load returns the stored snapshot for a scope, or nil when none exists.
// A payload that fails to decode is treated as absent rather than fatal;
// memory must never block a chat turn.
func (s *SnapshotStore) Load(ctx context.Context, scopeID string) (*memory.Snapshot, error) {
	var payload []byte
	var sealed bool

	err := s.db.QueryRowContext(ctx,
		"SELECT payload, sealed FROM memory_snapshots WHERE scope_id = ?",
		scopeID).Scan(&payload, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if sealed {
		if s.sealer == nil {
			return nil, nil
		}
		payload, err = s.sealer.Open(payload)
		if err != nil {
			return nil, nil
		}
	}

	var snap memory.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

// Save upserts the snapshot for its scope.
func (s *SnapshotStore) Save(ctx context.Context, snap *memory.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	sealed := false
	if s.sealer != nil {
		payload, err = s.sealer.Seal(payload)
		if err != nil {
			return fmt.Errorf("failed to seal snapshot: %w", err)
		}
		sealed = true
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_snapshots (scope_id, payload, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET
			payload = excluded.payload,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at`,
		snap.ScopeID, payload, sealed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot for a scope.
func (s *SnapshotStore) Delete(ctx context.Context, scopeID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM memory_snapshots WHERE scope_id = ?", scopeID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Scopes lists all scopes with stored memory, most recently updated first.
func (s *SnapshotStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT scope_id FROM memory_snapshots ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}
