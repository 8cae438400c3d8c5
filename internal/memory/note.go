// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/chatkern/internal/model"
)

// Completer runs a one-shot completion. Satisfied by the transport client.
type Completer interface {
	Complete(ctx context.Context, messages []*model.Message) (string, error)
}

const notePrompt = `You maintain a short bullet-point memory for an assistant.
Integrate the new note into the existing memory. Keep it as a flat bullet
list, merge duplicates, keep it under 20 bullets. Reply with ONLY the
updated memory text, no commentary.`

// AppendNote asks the model to integrate a user note into the existing
// bullet-style memory text and returns the updated text. On any failure the
// previous text is returned unchanged alongside the error, so a flaky
// model call can never lose memory.
func AppendNote(ctx context.Context, completer Completer, existing, note string) (string, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing, nil
	}

	current := existing
	if strings.TrimSpace(current) == "" {
		current = "(empty)"
	}

	messages := []*model.Message{
		model.NewMessage(model.RoleSystem, notePrompt),
		model.NewMessage(model.RoleUser,
			fmt.Sprintf("Existing memory:\n%s\n\nNew note:\n%s", current, note)),
	}

	updated, err := completer.Complete(ctx, messages)
	if err != nil {
		return existing, fmt.Errorf("note integration failed: %w", err)
	}

	updated = strings.TrimSpace(updated)
	if updated == "" {
		return existing, fmt.Errorf("note integration returned empty memory")
	}
	return updated, nil
}
