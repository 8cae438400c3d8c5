// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"strings"
	"time"
)

// Capacity limits for a snapshot. Newest entries win when a list is full.
const (
	MaxTopics      = 6
	MaxEntities    = 8
	MaxFacts       = 6
	MaxSummaryLen  = 600
	summaryTurns   = 8
	summaryPerTurn = 160
)

// Fact is a single key/value statement extracted from conversation text.
type Fact struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot is the durable memory state for one scope. All fields are
// bounded so the rendered block stays small relative to the context budget.
type Snapshot struct {
	ScopeID     string    `json:"scope_id"`
	Topics      []string  `json:"topics,omitempty"`
	Entities    []string  `json:"entities,omitempty"`
	Facts       []Fact    `json:"facts,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Turns       int       `json:"turns"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewSnapshot returns an empty snapshot for the scope.
func NewSnapshot(scopeID string) *Snapshot {
	return &Snapshot{ScopeID: scopeID}
}

// IsEmpty reports whether the snapshot carries no memory at all.
func (s *Snapshot) IsEmpty() bool {
	return len(s.Topics) == 0 && len(s.Entities) == 0 &&
		len(s.Facts) == 0 && s.Summary == "" && s.Notes == ""
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	dup := *s
	dup.Topics = append([]string(nil), s.Topics...)
	dup.Entities = append([]string(nil), s.Entities...)
	dup.Facts = append([]Fact(nil), s.Facts...)
	return &dup
}

// Merge folds a freshly derived snapshot into the stored one. Incoming
// entries take precedence: they are placed first, matched case-insensitively
// against existing entries, and the oldest entries fall off when a list
// exceeds its cap. Merging the same derivation twice changes nothing.
func (s *Snapshot) Merge(incoming *Snapshot) {
	if incoming == nil {
		return
	}

	s.Topics = mergeStrings(incoming.Topics, s.Topics, MaxTopics)
	s.Entities = mergeStrings(incoming.Entities, s.Entities, MaxEntities)
	s.Facts = mergeFacts(incoming.Facts, s.Facts, MaxFacts)

	if incoming.Summary != "" {
		s.Summary = incoming.Summary
	}
	if incoming.Notes != "" {
		s.Notes = incoming.Notes
	}
	s.Turns += incoming.Turns
	if incoming.LastUpdated.After(s.LastUpdated) {
		s.LastUpdated = incoming.LastUpdated
	}
}

// mergeStrings combines two lists newest-first with case-insensitive
// deduplication, keeping at most limit entries.
func mergeStrings(newest, oldest []string, limit int) []string {
	out := make([]string, 0, limit)
	seen := make(map[string]bool, limit)

	for _, list := range [][]string{newest, oldest} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
			if len(out) == limit {
				return out
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// mergeFacts deduplicates by lowercased key. A newer value for an existing
// key replaces the older one.
func mergeFacts(newest, oldest []Fact, limit int) []Fact {
	out := make([]Fact, 0, limit)
	seen := make(map[string]bool, limit)

	for _, list := range [][]Fact{newest, oldest} {
		for _, f := range list {
			key := strings.ToLower(strings.TrimSpace(f.Key))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Fact{Key: strings.TrimSpace(f.Key), Value: strings.TrimSpace(f.Value)})
			if len(out) == limit {
				return out
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FormatForSystem renders the snapshot as the memory block injected into
// the system prompt. Empty sections are omitted entirely; an empty snapshot
// renders as the empty string.
func (s *Snapshot) FormatForSystem() string {
	if s.IsEmpty() {
		return ""
	}

	var b strings.Builder
	if len(s.Topics) > 0 {
		b.WriteString("Topics: ")
		b.WriteString(strings.Join(s.Topics, ", "))
		b.WriteString("\n")
	}
	if len(s.Entities) > 0 {
		b.WriteString("Entities: ")
		b.WriteString(strings.Join(s.Entities, ", "))
		b.WriteString("\n")
	}
	if len(s.Facts) > 0 {
		pairs := make([]string, 0, len(s.Facts))
		for _, f := range s.Facts {
			pairs = append(pairs, f.Key+"="+f.Value)
		}
		b.WriteString("Facts: ")
		b.WriteString(strings.Join(pairs, "; "))
		b.WriteString("\n")
	}
	if s.Summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	if s.Notes != "" {
		b.WriteString("Notes:\n")
		b.WriteString(s.Notes)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
