// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/chatkern/internal/compress"
	"github.com/jeranaias/chatkern/internal/memory"
	"github.com/jeranaias/chatkern/internal/model"
	"github.com/jeranaias/chatkern/internal/sse"
	"github.com/jeranaias/chatkern/internal/token"
	"github.com/jeranaias/chatkern/internal/transport"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Streamer is the transport surface the orchestrator needs. Satisfied by
// *transport.Client.
type Streamer interface {
	ChatStream(ctx context.Context, messages []*model.Message, opts *transport.Options, callback transport.StreamCallback) (*transport.StreamResult, error)
	Chat(ctx context.Context, messages []*model.Message, opts *transport.Options) (*transport.Completion, error)
}

// Callbacks is the contract with the rendering layer. Nil members are
// skipped. OnDelta is called in delivery order, before OnDone.
type Callbacks struct {
	OnStart func()
	OnDelta func(text string, meta *sse.MessageMeta)
	OnDone  func(fullText string)
	OnError func(err error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config carries the orchestrator policy, threaded explicitly through the
// constructor. No hidden globals.
type Config struct {
	// SystemPrompt is the persona prepended to every request.
	SystemPrompt string

	// Budget bounds the outgoing context. Zero value means the default.
	Budget token.Budget

	// MemoryEnabled toggles snapshot derivation and injection.
	MemoryEnabled bool

	// RetryAttempts is the number of retries for one-shot requests after
	// the initial attempt. Only server-side (5xx) failures are retried;
	// streaming requests are never retried automatically.
	RetryAttempts int

	// RetryBaseDelay is the first backoff delay, doubling per attempt.
	RetryBaseDelay time.Duration

	// Options carries sampling parameters for every request.
	Options *transport.Options
}

// Orchestrator marshals requests so that at most one stream per
// conversation is wired to callbacks at a time. Individual transport calls
// remain independent.
type Orchestrator struct {
	client Streamer
	engine *memory.Engine
	cfg    Config

	mu     sync.Mutex
	active map[string]*streamHandle
}

type streamHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator. A nil engine disables memory regardless of
// Config.MemoryEnabled.
func New(client Streamer, engine *memory.Engine, cfg Config) *Orchestrator {
	if cfg.Budget.MaxTokens == 0 {
		cfg.Budget = token.DefaultBudget()
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if engine == nil {
		cfg.MemoryEnabled = false
	}
	return &Orchestrator{
		client: client,
		engine: engine,
		cfg:    cfg,
		active: make(map[string]*streamHandle),
	}
}

// =============================================================================
// STREAMING SEND
// =============================================================================

// Send appends the user turn to the conversation, streams the assistant
// reply, and updates memory exactly once after a completed exchange.
//
// Text streamed before a failure is preserved on the assistant message.
// Cancellation surfaces as context.Canceled through OnError, and never
// triggers a memory update. Starting a new Send for the same conversation
// cancels a still-active previous stream.
func (o *Orchestrator) Send(ctx context.Context, conv *model.Conversation, userText string, cb Callbacks) error {
	streamCtx, cancel := context.WithCancel(ctx)
	handle := &streamHandle{cancel: cancel, done: make(chan struct{})}

	// Take over the conversation before touching it, so a displaced
	// stream's unwinding never overlaps this turn's history writes.
	o.begin(conv.ID, handle)
	defer o.end(conv.ID, handle)
	defer cancel()

	userMsg := conv.AddUserMessage(userText)
	assistant := conv.AddAssistantMessage()

	outgoing := o.assemble(ctx, conv, assistant)
	outgoing = compress.Compress(outgoing, o.budget())

	if cb.OnStart != nil {
		cb.OnStart()
	}

	result, err := o.client.ChatStream(streamCtx, outgoing, o.cfg.Options, func(ev sse.Event) {
		assistant.AppendDelta(ev.Delta)
		if cb.OnDelta != nil {
			cb.OnDelta(ev.Delta, ev.Meta)
		}
	})
	if err != nil {
		assistant.FinalizeStream()
		if assistant.IsEmpty() {
			// Nothing streamed: drop the placeholder instead of keeping
			// an empty assistant turn in history.
			conv.RemoveMessage(assistant.ID)
		}
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}

	assistant.FinalizeStream()
	if cb.OnDone != nil {
		cb.OnDone(result.Text)
	}

	if o.cfg.MemoryEnabled {
		// Best-effort: a failed save never fails the exchange.
		_, _ = o.engine.Update(ctx, conv.ID, []*model.Message{userMsg, assistant})
	}
	return nil
}

// SetBudget swaps the token budget for subsequent turns, e.g. after a
// config reload. Non-positive budgets are ignored.
func (o *Orchestrator) SetBudget(b token.Budget) {
	if b.MaxTokens <= 0 {
		return
	}
	o.mu.Lock()
	o.cfg.Budget = b
	o.mu.Unlock()
}

func (o *Orchestrator) budget() token.Budget {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Budget
}

// Cancel aborts the active stream for the conversation, if any. Cancelling
// an already-finished or already-cancelled stream is a no-op.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	handle := o.active[conversationID]
	o.mu.Unlock()

	if handle != nil {
		handle.cancel()
	}
}

func (o *Orchestrator) begin(conversationID string, handle *streamHandle) {
	o.mu.Lock()
	prev := o.active[conversationID]
	o.active[conversationID] = handle
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
		// Wait for the displaced stream to finish unwinding before the
		// new turn proceeds; its error path mutates the conversation.
		<-prev.done
	}
}

func (o *Orchestrator) end(conversationID string, handle *streamHandle) {
	o.mu.Lock()
	if o.active[conversationID] == handle {
		delete(o.active, conversationID)
	}
	o.mu.Unlock()
	close(handle.done)
}

// assemble builds the outgoing message list: persona, memory block, then
// history up to (excluding) the streaming assistant placeholder.
func (o *Orchestrator) assemble(ctx context.Context, conv *model.Conversation, exclude *model.Message) []*model.Message {
	var out []*model.Message

	persona := conv.SystemPrompt
	if persona == "" {
		persona = o.cfg.SystemPrompt
	}
	if persona != "" {
		out = append(out, model.NewMessage(model.RoleSystem, persona))
	}

	if o.cfg.MemoryEnabled {
		if block := o.engine.Load(ctx, conv.ID).FormatForSystem(); block != "" {
			out = append(out, model.NewMessage(model.RoleSystem,
				"Known context from earlier conversations:\n"+block))
		}
	}

	for _, msg := range conv.Messages {
		if msg == exclude || msg.Role == model.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// =============================================================================
// ONE-SHOT
// =============================================================================

// Ask sends a single prompt without conversation state and returns the
// reply. Transient server errors are retried per the configured policy
// with exponential backoff.
func (o *Orchestrator) Ask(ctx context.Context, prompt string) (string, error) {
	return o.Complete(ctx, []*model.Message{model.NewUserMessage(prompt)})
}

// Complete runs a one-shot completion over an explicit message list. It
// satisfies memory.Completer.
func (o *Orchestrator) Complete(ctx context.Context, messages []*model.Message) (string, error) {
	var lastErr error
	delay := o.cfg.RetryBaseDelay

	for attempt := 0; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		completion, err := o.client.Chat(ctx, messages, o.cfg.Options)
		if err == nil {
			return completion.Content, nil
		}
		lastErr = err
		if !transport.IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

// =============================================================================
// MEMORY ENTRY POINTS
// =============================================================================

// Note forces a user note into memory for the scope. The note is folded
// into the stored bullet list via a one-shot completion; on failure the
// previous memory is kept unchanged and the error is returned.
func (o *Orchestrator) Note(ctx context.Context, scopeID, note string) error {
	if o.engine == nil {
		return nil
	}

	snap := o.engine.Load(ctx, scopeID)
	updated, err := memory.AppendNote(ctx, o, snap.Notes, note)
	if err != nil {
		return err
	}
	return o.engine.SaveNotes(ctx, scopeID, updated)
}

// Memory returns the rendered memory block for a scope, for host display.
func (o *Orchestrator) Memory(ctx context.Context, scopeID string) string {
	if o.engine == nil {
		return ""
	}
	return o.engine.Load(ctx, scopeID).FormatForSystem()
}
