// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists memory snapshots in a local SQLite database.
//
// Snapshots are stored as JSON blobs keyed by scope, optionally sealed
// with AES-256-GCM using a PBKDF2-derived key so memory at rest is
// unreadable without the passphrase.
package storage
