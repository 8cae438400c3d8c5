// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatkern/internal/model"
)

func turns(pairs ...string) []*model.Message {
	msgs := make([]*model.Message, 0, len(pairs))
	for i, text := range pairs {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.NewMessage(role, text))
	}
	return msgs
}

// =============================================================================
// DERIVATION
// =============================================================================

func TestDeriveTopics(t *testing.T) {
	msgs := turns(
		"I keep thinking about kubernetes deployment strategies",
		"Kubernetes deployment works best with rolling updates",
		"What about kubernetes ingress configuration?",
	)

	snap := Derive("scope-1", msgs)
	require.NotEmpty(t, snap.Topics)
	assert.Equal(t, "kubernetes", snap.Topics[0], "most frequent word ranks first")
	assert.Contains(t, snap.Topics, "deployment")
	assert.LessOrEqual(t, len(snap.Topics), MaxTopics)
}

func TestDeriveTopicsFromOnceOnlyWords(t *testing.T) {
	msgs := turns(
		"kubernetes ingress telemetry rollback",
		"grafana prometheus",
	)

	snap := Derive("s", msgs)
	assert.Equal(t,
		[]string{"kubernetes", "ingress", "telemetry", "rollback", "grafana", "prometheus"},
		snap.Topics,
		"a short first exchange still yields topics, ranked by first occurrence")
}

func TestDeriveTopicsFiltersStopWords(t *testing.T) {
	msgs := turns(
		"that that that dass dass nicht nicht",
		"that dass nicht should should because because",
	)
	snap := Derive("s", msgs)
	assert.Empty(t, snap.Topics, "stop words never become topics")
}

func TestDeriveIsDeterministic(t *testing.T) {
	msgs := turns(
		"Alice and Bob discussed the migration plan for migration tooling",
		"Contact alice@example.com or @bob_dev about src/main/engine.go",
	)

	a := Derive("s", msgs)
	b := Derive("s", msgs)
	assert.Equal(t, a, b)
}

func TestDeriveEntities(t *testing.T) {
	msgs := turns(
		"Mail alice@example.com or ping @bob_dev on the channel",
		"The config lives in etc/chatkern/config.toml, ask Maria Schmidt",
	)

	snap := Derive("s", msgs)
	assert.Contains(t, snap.Entities, "alice@example.com")
	assert.Contains(t, snap.Entities, "@bob_dev")
	assert.Contains(t, snap.Entities, "etc/chatkern/config.toml")
	assert.Contains(t, snap.Entities, "Maria Schmidt")
	assert.LessOrEqual(t, len(snap.Entities), MaxEntities)
}

func TestDeriveEntitiesIgnoresSentenceCaseNoise(t *testing.T) {
	msgs := turns(
		"Great. Then ask Maria Schmidt about it. Sure thing.",
		"Again? Fine. Now mail alice@example.com. Okay. So. Right. Well.",
	)

	snap := Derive("s", msgs)
	assert.Contains(t, snap.Entities, "Maria Schmidt")
	assert.Contains(t, snap.Entities, "alice@example.com")
	assert.NotContains(t, snap.Entities, "@example",
		"the domain half of an email is not a handle")
	for _, e := range snap.Entities {
		if e != "alice@example.com" {
			assert.Contains(t, e, " ",
				"single sentence-initial words must not fill the entity cap: %q", e)
		}
	}
}

func TestDeriveFacts(t *testing.T) {
	msgs := turns(
		"Here is the setup:\nregion: eu-central-1\n- replicas = 3\nignored line",
	)

	snap := Derive("s", msgs)
	require.Len(t, snap.Facts, 2)
	assert.Equal(t, Fact{Key: "region", Value: "eu-central-1"}, snap.Facts[0])
	assert.Equal(t, Fact{Key: "replicas", Value: "3"}, snap.Facts[1])
}

func TestDeriveSummaryShape(t *testing.T) {
	msgs := turns("How do I restart the worker?", "Use the restart subcommand.")

	snap := Derive("s", msgs)
	assert.Equal(t, "U: How do I restart the worker? | A: Use the restart subcommand.", snap.Summary)
}

func TestDeriveSummaryCaps(t *testing.T) {
	long := strings.Repeat("wort ", 100)
	var msgs []*model.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs, model.NewMessage(model.RoleUser, fmt.Sprintf("turn %d %s", i, long)))
	}

	snap := Derive("s", msgs)
	assert.LessOrEqual(t, len([]rune(snap.Summary)), MaxSummaryLen)
	assert.Contains(t, snap.Summary, "turn 4", "only the last eight turns are summarized")
	assert.NotContains(t, snap.Summary, "turn 3")
}

// =============================================================================
// MERGING
// =============================================================================

func TestMergeIsIdempotent(t *testing.T) {
	msgs := turns(
		"Postgres tuning and postgres indexes",
		"postgres vacuum settings: aggressive",
	)

	stored := NewSnapshot("s")
	stored.Merge(Derive("s", msgs))
	once := stored.Clone()

	stored.Merge(Derive("s", msgs))

	assert.Equal(t, once.Topics, stored.Topics)
	assert.Equal(t, once.Entities, stored.Entities)
	assert.Equal(t, once.Facts, stored.Facts)
	assert.Equal(t, once.Summary, stored.Summary)
}

func TestMergeNewestWinsCaseInsensitive(t *testing.T) {
	stored := &Snapshot{ScopeID: "s", Topics: []string{"Docker", "nginx"}}
	stored.Merge(&Snapshot{Topics: []string{"docker", "caching"}})

	assert.Equal(t, []string{"docker", "caching", "nginx"}, stored.Topics)
}

func TestMergeEvictsOldestAtCap(t *testing.T) {
	stored := &Snapshot{ScopeID: "s"}
	for i := 0; i < 10; i++ {
		stored.Merge(&Snapshot{Topics: []string{fmt.Sprintf("topic%d", i)}})
	}

	require.Len(t, stored.Topics, MaxTopics)
	assert.Equal(t, "topic9", stored.Topics[0])
	assert.NotContains(t, stored.Topics, "topic0")
}

func TestMergeFactNewestValueWins(t *testing.T) {
	stored := &Snapshot{ScopeID: "s", Facts: []Fact{{Key: "region", Value: "us-east-1"}}}
	stored.Merge(&Snapshot{Facts: []Fact{{Key: "Region", Value: "eu-central-1"}}})

	require.Len(t, stored.Facts, 1)
	assert.Equal(t, "eu-central-1", stored.Facts[0].Value)
}

// =============================================================================
// RENDERING
// =============================================================================

func TestFormatForSystem(t *testing.T) {
	snap := &Snapshot{
		ScopeID:  "s",
		Topics:   []string{"deploy", "rollback"},
		Entities: []string{"Maria Schmidt"},
		Facts:    []Fact{{Key: "region", Value: "eu-central-1"}, {Key: "replicas", Value: "3"}},
		Summary:  "U: hi | A: hello",
	}

	got := snap.FormatForSystem()
	want := "Topics: deploy, rollback\n" +
		"Entities: Maria Schmidt\n" +
		"Facts: region=eu-central-1; replicas=3\n" +
		"Summary: U: hi | A: hello"
	assert.Equal(t, want, got)
}

func TestFormatForSystemOmitsEmptySections(t *testing.T) {
	snap := &Snapshot{ScopeID: "s", Summary: "U: hi"}
	assert.Equal(t, "Summary: U: hi", snap.FormatForSystem())

	assert.Equal(t, "", NewSnapshot("s").FormatForSystem())
}

// =============================================================================
// ENGINE
// =============================================================================

func TestEngineUpdateReadModifyWrite(t *testing.T) {
	store := NewMemStore()
	engine := NewEngine(store)
	ctx := context.Background()

	_, err := engine.Update(ctx, "scope", turns("Postgres tuning and postgres indexes", "ok"))
	require.NoError(t, err)

	snap, err := engine.Update(ctx, "scope", turns("more postgres talk, and redis too", "sure"))
	require.NoError(t, err)
	assert.Contains(t, snap.Topics, "postgres")
	assert.Equal(t, 4, snap.Turns)

	loaded := engine.Load(ctx, "scope")
	assert.Equal(t, snap.Topics, loaded.Topics)
}

func TestEngineLoadNeverFails(t *testing.T) {
	engine := NewEngine(failingStore{})
	snap := engine.Load(context.Background(), "scope")
	require.NotNil(t, snap)
	assert.True(t, snap.IsEmpty())
}

func TestEngineUpdateReturnsSnapshotOnSaveFailure(t *testing.T) {
	engine := NewEngine(failingStore{})
	snap, err := engine.Update(context.Background(), "scope", turns("postgres postgres", "ok"))
	require.Error(t, err)
	require.NotNil(t, snap)
	assert.Contains(t, snap.Topics, "postgres")
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (*Snapshot, error) {
	return nil, fmt.Errorf("storage offline")
}

func (failingStore) Save(context.Context, *Snapshot) error {
	return fmt.Errorf("storage offline")
}

// =============================================================================
// NOTES
// =============================================================================

type fakeCompleter struct {
	reply string
	err   error
}

func (f fakeCompleter) Complete(context.Context, []*model.Message) (string, error) {
	return f.reply, f.err
}

func TestAppendNote(t *testing.T) {
	updated, err := AppendNote(context.Background(),
		fakeCompleter{reply: "- prefers dark mode\n- timezone is CET"},
		"- prefers dark mode", "timezone is CET")
	require.NoError(t, err)
	assert.Equal(t, "- prefers dark mode\n- timezone is CET", updated)
}

func TestAppendNotePreservesMemoryOnFailure(t *testing.T) {
	existing := "- prefers dark mode"

	updated, err := AppendNote(context.Background(),
		fakeCompleter{err: fmt.Errorf("model offline")}, existing, "new note")
	require.Error(t, err)
	assert.Equal(t, existing, updated)

	updated, err = AppendNote(context.Background(),
		fakeCompleter{reply: "   "}, existing, "new note")
	require.Error(t, err)
	assert.Equal(t, existing, updated)
}

func TestAppendNoteEmptyNoteIsNoop(t *testing.T) {
	updated, err := AppendNote(context.Background(),
		fakeCompleter{err: fmt.Errorf("must not be called")}, "existing", "   ")
	require.NoError(t, err)
	assert.Equal(t, "existing", updated)
}
