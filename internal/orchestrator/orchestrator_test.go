// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatkern/internal/memory"
	"github.com/jeranaias/chatkern/internal/model"
	"github.com/jeranaias/chatkern/internal/sse"
	"github.com/jeranaias/chatkern/internal/token"
	"github.com/jeranaias/chatkern/internal/transport"
)

// fakeStreamer scripts transport behavior for orchestrator tests.
type fakeStreamer struct {
	mu          sync.Mutex
	deltas      []string
	streamErr   error
	blockAfter  int // block until ctx cancel after this many deltas (0 = never)
	chatReplies []chatReply
	chatCalls   int
	lastSent    []*model.Message
}

type chatReply struct {
	content string
	err     error
}

func (f *fakeStreamer) ChatStream(ctx context.Context, messages []*model.Message, _ *transport.Options, cb transport.StreamCallback) (*transport.StreamResult, error) {
	f.mu.Lock()
	f.lastSent = messages
	f.mu.Unlock()

	if f.streamErr != nil {
		return nil, f.streamErr
	}

	var text string
	for i, delta := range f.deltas {
		if f.blockAfter > 0 && i == f.blockAfter {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		text += delta
		if cb != nil {
			cb(sse.Event{Kind: sse.EventDelta, Delta: delta})
		}
	}
	if f.blockAfter > 0 && len(f.deltas) == f.blockAfter {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &transport.StreamResult{Text: text, DeltaCount: len(f.deltas)}, nil
}

func (f *fakeStreamer) Chat(context.Context, []*model.Message, *transport.Options) (*transport.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := f.chatReplies[f.chatCalls]
	f.chatCalls++
	if reply.err != nil {
		return nil, reply.err
	}
	return &transport.Completion{Content: reply.content}, nil
}

func newTestOrchestrator(client Streamer, cfg Config) (*Orchestrator, *memory.MemStore) {
	store := memory.NewMemStore()
	cfg.MemoryEnabled = true
	return New(client, memory.NewEngine(store), cfg), store
}

// =============================================================================
// STREAMING
// =============================================================================

func TestSendHappyPath(t *testing.T) {
	client := &fakeStreamer{deltas: []string{"Hello", " there"}}
	orch, store := newTestOrchestrator(client, Config{})
	conv := model.NewConversation()

	var deltas []string
	var done []string
	err := orch.Send(context.Background(), conv, "Hi", Callbacks{
		OnDelta: func(text string, _ *sse.MessageMeta) { deltas = append(deltas, text) },
		OnDone:  func(full string) { done = append(done, full) },
		OnError: func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", " there"}, deltas)
	assert.Equal(t, []string{"Hello there"}, done)

	last := conv.LastMessage()
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, "Hello there", last.GetDisplayContent())
	assert.False(t, last.IsStreaming)

	snap, err := store.Load(context.Background(), conv.ID)
	require.NoError(t, err)
	require.NotNil(t, snap, "memory must update after a completed exchange")
	assert.Equal(t, 2, snap.Turns)
	assert.Contains(t, snap.Summary, "U: Hi")
	assert.Contains(t, snap.Summary, "A: Hello there")
}

func TestSendRateLimitNoMemoryUpdate(t *testing.T) {
	client := &fakeStreamer{streamErr: &transport.RateLimitError{RetryAfterSeconds: 30}}
	orch, store := newTestOrchestrator(client, Config{})
	conv := model.NewConversation()

	deltaCount := 0
	var gotErr error
	err := orch.Send(context.Background(), conv, "Hi", Callbacks{
		OnDelta: func(string, *sse.MessageMeta) { deltaCount++ },
		OnDone:  func(string) { t.Error("OnDone must not fire on failure") },
		OnError: func(err error) { gotErr = err },
	})
	require.Error(t, err)

	var rle *transport.RateLimitError
	require.ErrorAs(t, gotErr, &rle)
	assert.Equal(t, 30, rle.RetryAfterSeconds)
	assert.Equal(t, 0, deltaCount)

	snap, err := store.Load(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, snap, "no memory update on a failed exchange")
}

func TestSendMidStreamAbort(t *testing.T) {
	client := &fakeStreamer{deltas: []string{"one", "two", "never"}, blockAfter: 2}
	orch, store := newTestOrchestrator(client, Config{})
	conv := model.NewConversation()

	deltaCount := 0
	errs := make(chan error, 1)
	go func() {
		errs <- orch.Send(context.Background(), conv, "Hi", Callbacks{
			OnDelta: func(string, *sse.MessageMeta) {
				deltaCount++
				if deltaCount == 2 {
					orch.Cancel(conv.ID)
				}
			},
			OnDone: func(string) { t.Error("OnDone must not fire after abort") },
		})
	}()

	select {
	case err := <-errs:
		assert.True(t, transport.IsCancellation(err), "expected cancellation, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not unwind after cancellation")
	}

	assert.Equal(t, 2, deltaCount)
	assert.Equal(t, "onetwo", conv.LastMessage().GetDisplayContent(),
		"partial text is preserved")

	snap, err := store.Load(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// displacingStreamer blocks its first stream until cancellation and
// records how many streams ever ran at once.
type displacingStreamer struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	started   chan struct{}
}

func (d *displacingStreamer) ChatStream(ctx context.Context, _ []*model.Message, _ *transport.Options, cb transport.StreamCallback) (*transport.StreamResult, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	if call == 1 {
		close(d.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cb(sse.Event{Kind: sse.EventDelta, Delta: "ok"})
	return &transport.StreamResult{Text: "ok", DeltaCount: 1}, nil
}

func (d *displacingStreamer) Chat(context.Context, []*model.Message, *transport.Options) (*transport.Completion, error) {
	return nil, fmt.Errorf("not used")
}

func TestSendDisplacesActiveStream(t *testing.T) {
	client := &displacingStreamer{started: make(chan struct{})}
	orch, _ := newTestOrchestrator(client, Config{})
	conv := model.NewConversation()

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- orch.Send(context.Background(), conv, "first", Callbacks{})
	}()

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never started")
	}

	// The second turn must cancel the first and wait for it to unwind
	// before touching the conversation.
	require.NoError(t, orch.Send(context.Background(), conv, "second", Callbacks{}))

	select {
	case err := <-firstErr:
		assert.True(t, transport.IsCancellation(err), "displaced turn must unwind as cancellation, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("displaced send did not return")
	}

	assert.Equal(t, 1, client.maxActive, "turns on one conversation must never overlap")

	last := conv.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Equal(t, "ok", last.GetDisplayContent())
}

func TestSetBudgetShrinksNextTurn(t *testing.T) {
	client := &fakeStreamer{deltas: []string{"ok"}}
	orch, _ := newTestOrchestrator(client, Config{})
	conv := model.NewConversation()

	filler := strings.Repeat("alpha beta gamma ", 30)
	for i := 0; i < 12; i++ {
		conv.AddUserMessage(filler)
	}

	require.NoError(t, orch.Send(context.Background(), conv, "latest question", Callbacks{}))
	fullLen := len(client.lastSent)
	require.Greater(t, fullLen, 10, "default budget carries the whole history")

	orch.SetBudget(token.Budget{MaxTokens: 200, ReservedTokens: 80})
	require.NoError(t, orch.Send(context.Background(), conv, "another question", Callbacks{}))
	assert.Less(t, len(client.lastSent), fullLen)
	assert.LessOrEqual(t, len(client.lastSent), 8, "tight budget must compress the outgoing window")
}

func TestCancelIsIdempotent(t *testing.T) {
	orch, _ := newTestOrchestrator(&fakeStreamer{}, Config{})

	orch.Cancel("no-such-conversation")
	orch.Cancel("no-such-conversation")
}

func TestSendInjectsPersonaAndMemory(t *testing.T) {
	client := &fakeStreamer{deltas: []string{"ok"}}
	orch, store := newTestOrchestrator(client, Config{SystemPrompt: "Be terse."})
	conv := model.NewConversation()

	require.NoError(t, store.Save(context.Background(), &memory.Snapshot{
		ScopeID: conv.ID,
		Topics:  []string{"deploys"},
	}))

	require.NoError(t, orch.Send(context.Background(), conv, "Hi", Callbacks{}))

	sent := client.lastSent
	require.GreaterOrEqual(t, len(sent), 3)
	assert.Equal(t, model.RoleSystem, sent[0].Role)
	assert.Equal(t, "Be terse.", sent[0].GetDisplayContent())
	assert.Equal(t, model.RoleSystem, sent[1].Role)
	assert.Contains(t, sent[1].GetDisplayContent(), "Topics: deploys")
	assert.Equal(t, model.RoleUser, sent[len(sent)-1].Role)
}

// =============================================================================
// ONE-SHOT
// =============================================================================

func TestCompleteRetriesServerErrors(t *testing.T) {
	client := &fakeStreamer{chatReplies: []chatReply{
		{err: &transport.APIError{Status: 502, Message: "bad gateway"}},
		{content: "recovered"},
	}}
	orch, _ := newTestOrchestrator(client, Config{
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
	})

	reply, err := orch.Ask(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 2, client.chatCalls)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	client := &fakeStreamer{chatReplies: []chatReply{
		{err: &transport.BadRequestError{Message: "model not allowed"}},
		{content: "never reached"},
	}}
	orch, _ := newTestOrchestrator(client, Config{
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})

	_, err := orch.Ask(context.Background(), "ping")
	require.Error(t, err)
	assert.Equal(t, 1, client.chatCalls)
}

// =============================================================================
// MEMORY ENTRY POINTS
// =============================================================================

func TestNotePersistsThroughEngine(t *testing.T) {
	client := &fakeStreamer{chatReplies: []chatReply{
		{content: "- prefers dark mode\n- timezone is CET"},
	}}
	orch, _ := newTestOrchestrator(client, Config{})
	ctx := context.Background()

	require.NoError(t, orch.Note(ctx, "scope-1", "timezone is CET"))

	rendered := orch.Memory(ctx, "scope-1")
	assert.Contains(t, rendered, "timezone is CET")
}

func TestNoteKeepsMemoryOnModelFailure(t *testing.T) {
	failing := &fakeStreamer{chatReplies: []chatReply{
		{content: "- first note"},
		{err: fmt.Errorf("model offline")},
	}}
	orch, _ := newTestOrchestrator(failing, Config{})
	ctx := context.Background()

	require.NoError(t, orch.Note(ctx, "scope-1", "first note"))
	require.Error(t, orch.Note(ctx, "scope-1", "second note"))

	assert.Contains(t, orch.Memory(ctx, "scope-1"), "first note")
}

// =============================================================================
// USER MESSAGES
// =============================================================================

func TestUserMessages(t *testing.T) {
	assert.Equal(t, "Rate limited. Try again in 30 seconds.",
		UserMessage(&transport.RateLimitError{RetryAfterSeconds: 30}))
	assert.Equal(t, "Stopped.", UserMessage(context.Canceled))
	assert.Contains(t, UserMessage(&transport.BadRequestError{Message: "bad model"}), "bad model")
	assert.Contains(t, UserMessage(transport.ErrWatchdogTimeout), "quiet")
	assert.Equal(t, "The server is having trouble. Try again.",
		UserMessage(&transport.APIError{Status: 503, Message: "down"}))
	assert.Equal(t, "", UserMessage(nil))
}
