// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/chatkern/internal/model"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine derives snapshots from conversation turns and maintains the stored
// snapshot per scope. Derivation is pure; only Update touches the store.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Load returns the stored snapshot for the scope. Storage failures and
// absence both yield an empty snapshot: memory is an enrichment, not a
// dependency, so a broken store must not block a chat turn.
func (e *Engine) Load(ctx context.Context, scopeID string) *Snapshot {
	snap, err := e.store.Load(ctx, scopeID)
	if err != nil || snap == nil {
		return NewSnapshot(scopeID)
	}
	return snap
}

// Update derives memory from the given turns, merges it into the stored
// snapshot, and saves the result. The merged snapshot is returned even when
// the save fails; the error reports the save outcome.
func (e *Engine) Update(ctx context.Context, scopeID string, turns []*model.Message) (*Snapshot, error) {
	current := e.Load(ctx, scopeID)

	derived := Derive(scopeID, turns)
	derived.LastUpdated = e.now()

	current.Merge(derived)
	return current, e.store.Save(ctx, current)
}

// SaveNotes replaces the free-form notes for a scope, leaving derived
// memory untouched.
func (e *Engine) SaveNotes(ctx context.Context, scopeID, notes string) error {
	snap := e.Load(ctx, scopeID)
	snap.Notes = notes
	snap.LastUpdated = e.now()
	return e.store.Save(ctx, snap)
}

// =============================================================================
// DERIVATION
// =============================================================================

var (
	wordRe     = regexp.MustCompile(`\p{L}{4,}`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	handleRe   = regexp.MustCompile(`[@#][A-Za-z0-9_]{2,}`)
	properRe   = regexp.MustCompile(`\p{Lu}\p{Ll}+(?: \p{Lu}\p{Ll}+){1,2}`)
	pathRe     = regexp.MustCompile(`[A-Za-z0-9_.~-]+(?:/[A-Za-z0-9_.~-]+)+`)
	factLineRe = regexp.MustCompile(`^(?:[-*]\s+)?([\p{L}\p{N} _-]{2,40}?)\s*[:=]\s+(.+)$`)
)

// Derive extracts a snapshot from the given turns without consulting any
// stored state. Equal input always yields an equal snapshot.
func Derive(scopeID string, turns []*model.Message) *Snapshot {
	snap := NewSnapshot(scopeID)
	if len(turns) == 0 {
		return snap
	}

	var texts []string
	for _, msg := range turns {
		if text := msg.GetDisplayContent(); text != "" {
			texts = append(texts, normalize(text))
		}
	}

	snap.Topics = extractTopics(texts)
	snap.Entities = extractEntities(texts)
	snap.Facts = extractFacts(texts)
	snap.Summary = summarizeTurns(turns)
	snap.Turns = len(turns)
	return snap
}

// normalize applies NFKC so visually identical text tokenizes identically
// regardless of source encoding quirks.
func normalize(text string) string {
	out, _, err := transform.String(norm.NFKC, text)
	if err != nil {
		return text
	}
	return out
}

// extractTopics ranks lowercased words by frequency and takes the top
// entries. Ties break by first occurrence so the ranking is stable; even a
// batch of once-only words yields topics.
func extractTopics(texts []string) []string {
	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0

	for _, text := range texts {
		for _, word := range wordRe.FindAllString(text, -1) {
			word = strings.ToLower(word)
			if stopWords[word] {
				continue
			}
			if counts[word] == 0 {
				firstSeen[word] = order
				order++
			}
			counts[word]++
		}
	}

	candidates := make([]string, 0, len(counts))
	for word := range counts {
		candidates = append(candidates, word)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if counts[candidates[i]] != counts[candidates[j]] {
			return counts[candidates[i]] > counts[candidates[j]]
		}
		return firstSeen[candidates[i]] < firstSeen[candidates[j]]
	})

	if len(candidates) > MaxTopics {
		candidates = candidates[:MaxTopics]
	}
	return candidates
}

// extractEntities collects emails, @/# handles, capitalized multi-word
// phrases, and slash-separated paths, in order of first appearance. Handle
// matches inside an already-captured email (the "@domain" of user@domain)
// are not separate entities.
func extractEntities(texts []string) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(v string) {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, v)
	}

	for _, text := range texts {
		emailSpans := emailRe.FindAllStringIndex(text, -1)
		for _, span := range emailSpans {
			add(text[span[0]:span[1]])
		}
		for _, span := range handleRe.FindAllStringIndex(text, -1) {
			if withinAny(span, emailSpans) {
				continue
			}
			add(text[span[0]:span[1]])
		}
		for _, m := range pathRe.FindAllString(text, -1) {
			add(m)
		}
		for _, m := range properRe.FindAllString(text, -1) {
			if stopWords[strings.ToLower(m)] {
				continue
			}
			add(m)
		}
	}

	if len(out) > MaxEntities {
		out = out[:MaxEntities]
	}
	return out
}

// withinAny reports whether span lies inside any of the given spans.
func withinAny(span []int, spans [][]int) bool {
	for _, s := range spans {
		if span[0] >= s[0] && span[1] <= s[1] {
			return true
		}
	}
	return false
}

// extractFacts scans for "key: value" and "key = value" lines, with an
// optional leading bullet.
func extractFacts(texts []string) []Fact {
	var out []Fact
	seen := make(map[string]bool)

	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			m := factLineRe.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			key := strings.TrimSpace(m[1])
			value := strings.TrimSpace(m[2])
			lower := strings.ToLower(key)
			if key == "" || value == "" || seen[lower] {
				continue
			}
			seen[lower] = true
			out = append(out, Fact{Key: key, Value: value})
			if len(out) == MaxFacts {
				return out
			}
		}
	}
	return out
}

// summarizeTurns renders the most recent turns as a compact single line:
// role-prefixed fragments joined by " | ", each fragment and the whole
// summary capped.
func summarizeTurns(turns []*model.Message) string {
	if len(turns) > summaryTurns {
		turns = turns[len(turns)-summaryTurns:]
	}

	parts := make([]string, 0, len(turns))
	for _, msg := range turns {
		text := strings.Join(strings.Fields(msg.GetDisplayContent()), " ")
		if text == "" {
			continue
		}
		parts = append(parts, msg.Role.Short()+": "+truncateRunes(text, summaryPerTurn))
	}

	return truncateRunes(strings.Join(parts, " | "), MaxSummaryLen)
}

// truncateRunes cuts on a rune boundary, never mid-codepoint.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// stopWords filters filler words from topic extraction. German and English,
// four letters and up (shorter words never reach the filter).
var stopWords = map[string]bool{
	// English
	"that": true, "this": true, "with": true, "have": true, "from": true,
	"they": true, "will": true, "would": true, "there": true, "their": true,
	"what": true, "about": true, "which": true, "when": true, "your": true,
	"just": true, "like": true, "them": true, "some": true, "than": true,
	"then": true, "were": true, "been": true, "more": true, "also": true,
	"into": true, "only": true, "over": true, "such": true, "very": true,
	"because": true, "could": true, "should": true, "after": true,
	"before": true, "while": true, "where": true, "does": true, "here": true,
	"want": true, "need": true, "please": true, "thanks": true,
	// German
	"aber": true, "auch": true, "dass": true, "eine": true, "einen": true,
	"einem": true, "einer": true, "sich": true, "sind": true, "habe": true,
	"haben": true, "nicht": true, "noch": true, "schon": true, "sein": true,
	"wird": true, "werden": true, "wurde": true, "kann": true,
	"können": true, "doch": true, "dann": true, "denn": true,
	"dieser": true, "diese": true, "dieses": true, "oder": true,
	"über": true, "unter": true, "wenn": true, "weil": true, "ihre": true,
	"ihren": true, "mein": true, "meine": true, "alle": true, "nach": true,
	"beim": true, "mich": true, "dich": true, "euch": true, "ganz": true,
	"mehr": true, "viel": true, "zwischen": true, "wieder": true,
}
