// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/chatkern/internal/model"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single char rounds up", "a", 1},
		{"exactly one token", "abcd", 1},
		{"five chars round up", "abcde", 2},
		{"eight chars", "abcdefgh", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tt.text))
		})
	}
}

func TestEstimateNormalizesCRLF(t *testing.T) {
	// "ab\r\ncd" (6 bytes) normalizes to "ab\ncd" (5 bytes) -> 2 tokens,
	// identical on every platform.
	assert.Equal(t, Estimate("ab\ncd"), Estimate("ab\r\ncd"))
}

func TestEstimateIsDeterministic(t *testing.T) {
	text := "Die Kompression muss byte-für-byte reproduzierbar sein."
	assert.Equal(t, Estimate(text), Estimate(text))
}

func TestMessageCostAddsRoleOverhead(t *testing.T) {
	msg := model.NewUserMessage("abcd")
	assert.Equal(t, 1+RoleOverhead, MessageCost(msg))

	empty := model.NewUserMessage("")
	assert.Equal(t, RoleOverhead, MessageCost(empty))
}

func TestTotalCostSums(t *testing.T) {
	msgs := []*model.Message{
		model.NewSystemMessage("abcd"),
		model.NewUserMessage("abcdefgh"),
	}
	assert.Equal(t, MessageCost(msgs[0])+MessageCost(msgs[1]), TotalCost(msgs))
	assert.Equal(t, 0, TotalCost(nil))
}

func TestBudgetUsable(t *testing.T) {
	b := Budget{MaxTokens: 4096, ReservedTokens: 512}
	assert.Equal(t, 3584, b.Usable())

	degenerate := Budget{MaxTokens: 100, ReservedTokens: 128}
	assert.LessOrEqual(t, degenerate.Usable(), 0)
}
