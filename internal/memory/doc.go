// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory maintains a compact per-scope snapshot of conversational
// state: recurring topics, named entities, key/value facts, and a rolling
// summary of recent turns.
//
// Snapshots are derived deterministically from message text, merged
// append-only into the stored snapshot for the scope, and rendered into a
// single system-message block that survives context compression.
package memory
