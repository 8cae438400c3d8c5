// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator is the façade the host talks to. It assembles the
// outgoing message list from persona, memory, and history, compresses it to
// the token budget, drives the transport client, and feeds completed
// exchanges back into the memory engine.
package orchestrator
