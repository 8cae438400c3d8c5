// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the engine
// for representing chat conversations and messages.
//
// # Key Types
//
//   - Conversation: Container for a chat session with ordered messages
//   - Message: Single message with role, content, and timestamp
//   - Role: Message role enumeration (user, assistant, system)
//
// Messages are immutable once sent; the one exception is a streaming
// assistant message, which is appended to delta by delta and finalized
// when the stream completes.
package model
