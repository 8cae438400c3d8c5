// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compress deterministically shrinks a conversation history into a
// bounded token budget without breaking message semantics.
//
// The compressor is a pure function over caller-owned data: no I/O, no
// randomness, no LLM calls. Identical inputs always produce identical
// outputs, which keeps the budget properties unit-testable byte-for-byte.
package compress

import (
	"strings"

	"github.com/jeranaias/chatkern/internal/model"
	"github.com/jeranaias/chatkern/internal/token"
)

const (
	// tailTrimThreshold is the non-system message count at or below which
	// the compressor drops oldest messages instead of summarizing.
	tailTrimThreshold = 10

	// keepStartCount and keepEndCount bound the verbatim window around the
	// synthetic summary in middle-compression.
	keepStartCount = 3
	keepEndCount   = 5

	// summaryMaxChars caps the synthetic summary content.
	summaryMaxChars = 1200

	// shrinkIterations bounds the alternate-shrink loop.
	shrinkIterations = 10

	// degenerateTail is returned when the budget leaves no room for history
	// at all: the most recent messages, unconditionally.
	degenerateTail = 6

	// summaryHeader prefixes the synthetic summary message.
	summaryHeader = "Zusammenfassung bisheriger Nachrichten:\n"
)

// Compress returns a message list whose estimated cost fits the usable
// budget whenever achievable. The result is never empty for non-empty
// input, and a leading system message is preserved verbatim unless the
// final safety net reduces the list to a single message.
func Compress(messages []*model.Message, budget token.Budget) []*model.Message {
	if len(messages) == 0 {
		return messages
	}

	usable := budget.Usable()
	if usable <= 0 {
		// Degenerate budget: return a visible, bounded tail rather than
		// silently returning nothing.
		return lastN(messages, degenerateTail)
	}

	// Common case: everything fits, return the input unchanged.
	if token.TotalCost(messages) <= usable {
		return messages
	}

	leadingSystem, rest := splitLeadingSystem(messages)

	var result []*model.Message
	if len(rest) <= tailTrimThreshold {
		result = tailTrim(leadingSystem, rest, usable)
	} else {
		result = middleCompress(leadingSystem, rest, usable)
	}

	// Final safety net: drop oldest after any leading system message.
	result = dropOldestUntilFit(result, usable)

	if len(result) == 0 {
		// Unreachable for non-empty input, but the contract is absolute.
		return lastN(messages, 1)
	}
	return result
}

// =============================================================================
// STRATEGIES
// =============================================================================

// tailTrim drops the oldest non-system messages until the budget is met or
// only one remains.
func tailTrim(leadingSystem *model.Message, rest []*model.Message, usable int) []*model.Message {
	for len(rest) > 1 && cost(leadingSystem, rest) > usable {
		rest = rest[1:]
	}
	return assemble(leadingSystem, rest)
}

// middleCompress keeps the earliest and latest messages verbatim and
// collapses everything strictly between them into one synthetic system
// message. If the assembly still exceeds the budget, the verbatim windows
// shrink alternately before the caller's safety net takes over.
func middleCompress(leadingSystem *model.Message, rest []*model.Message, usable int) []*model.Message {
	keepStart := rest[:keepStartCount]
	keepEnd := rest[len(rest)-keepEndCount:]
	middle := rest[keepStartCount : len(rest)-keepEndCount]

	summary := model.NewSystemMessage(renderSummary(middle))

	fits := func() bool {
		combined := make([]*model.Message, 0, len(keepStart)+1+len(keepEnd))
		combined = append(combined, keepStart...)
		combined = append(combined, summary)
		combined = append(combined, keepEnd...)
		return cost(leadingSystem, combined) <= usable
	}

	// Alternately shrink the newest of keepStart and the oldest of keepEnd.
	for i := 0; i < shrinkIterations && !fits(); i++ {
		if i%2 == 0 {
			if len(keepStart) > 0 {
				keepStart = keepStart[:len(keepStart)-1]
			}
		} else {
			if len(keepEnd) > 1 {
				keepEnd = keepEnd[1:]
			}
		}
	}

	combined := make([]*model.Message, 0, len(keepStart)+1+len(keepEnd))
	combined = append(combined, keepStart...)
	combined = append(combined, summary)
	combined = append(combined, keepEnd...)
	return assemble(leadingSystem, combined)
}

// renderSummary builds the synthetic summary content from the collapsed
// middle messages.
func renderSummary(middle []*model.Message) string {
	var sb strings.Builder
	sb.WriteString(summaryHeader)
	for i, msg := range middle {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(msg.Role.String())
		sb.WriteString(": ")
		sb.WriteString(collapseWhitespace(msg.GetDisplayContent()))
	}

	content := sb.String()
	if len([]rune(content)) > summaryMaxChars {
		runes := []rune(content)
		content = string(runes[:summaryMaxChars]) + "…"
	}
	return content
}

// =============================================================================
// HELPERS
// =============================================================================

// splitLeadingSystem separates a leading system message from the rest.
func splitLeadingSystem(messages []*model.Message) (*model.Message, []*model.Message) {
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		return messages[0], messages[1:]
	}
	return nil, messages
}

// assemble prepends the leading system message, if any.
func assemble(leadingSystem *model.Message, rest []*model.Message) []*model.Message {
	if leadingSystem == nil {
		out := make([]*model.Message, len(rest))
		copy(out, rest)
		return out
	}
	out := make([]*model.Message, 0, len(rest)+1)
	out = append(out, leadingSystem)
	out = append(out, rest...)
	return out
}

// cost estimates the total cost of an optional leading system message plus
// the given messages.
func cost(leadingSystem *model.Message, rest []*model.Message) int {
	total := token.TotalCost(rest)
	if leadingSystem != nil {
		total += token.MessageCost(leadingSystem)
	}
	return total
}

// dropOldestUntilFit drops the oldest message after any leading system
// message until within budget or only one message remains.
func dropOldestUntilFit(messages []*model.Message, usable int) []*model.Message {
	for len(messages) > 1 && token.TotalCost(messages) > usable {
		if messages[0].Role == model.RoleSystem && len(messages) > 1 {
			// Preserve the leading system message; drop the one after it.
			messages = append([]*model.Message{messages[0]}, messages[2:]...)
		} else {
			messages = messages[1:]
		}
	}
	return messages
}

// lastN returns the most recent n messages (all of them if fewer).
func lastN(messages []*model.Message, n int) []*model.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// collapseWhitespace folds runs of whitespace into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
