// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package token provides the token budget heuristic used for context
// compression decisions.
//
// The estimator is intentionally crude: roughly 4 characters per token,
// rounding up. It is a budget heuristic, not a tokenizer, and it must stay
// deterministic so compression decisions are reproducible in tests.
package token

import (
	"strings"

	"github.com/jeranaias/chatkern/internal/model"
)

// RoleOverhead is the fixed per-message cost added on top of the content
// estimate, covering the role marker and separators on the wire.
const RoleOverhead = 2

// charsPerToken is the approximation ratio.
const charsPerToken = 4

// Estimate returns the approximate token count for a piece of text.
// Returns 0 for empty text, at least 1 otherwise. CRLF sequences are
// normalized to LF first so the estimate is platform-independent.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// MessageCost returns the estimated cost of a single message including
// the fixed role overhead.
func MessageCost(msg *model.Message) int {
	return Estimate(msg.GetDisplayContent()) + RoleOverhead
}

// TotalCost returns the estimated cost of a message list.
func TotalCost(messages []*model.Message) int {
	total := 0
	for _, msg := range messages {
		total += MessageCost(msg)
	}
	return total
}

// =============================================================================
// TOKEN BUDGET
// =============================================================================

// Budget describes the context window available for a request.
// ReservedTokens is capacity set aside for the model's reply.
type Budget struct {
	MaxTokens      int `toml:"max_tokens" json:"max_tokens"`
	ReservedTokens int `toml:"reserved_tokens" json:"reserved_tokens"`
}

// DefaultBudget returns the default token budget.
func DefaultBudget() Budget {
	return Budget{
		MaxTokens:      8192,
		ReservedTokens: 1024,
	}
}

// Usable returns the budget available for conversation history after
// reserving space for the reply. May be zero or negative for degenerate
// configurations; callers must handle that case.
func (b Budget) Usable() int {
	return b.MaxTokens - b.ReservedTokens
}
