// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse implements a streaming decoder for server-sent event chat
// completion streams.
//
// The parser is push-fed: callers hand it raw byte chunks in whatever
// boundaries the network delivers and receive structured events back. The
// produced event sequence is independent of chunk boundaries, which keeps
// the decoder testable against arbitrary byte splits.
//
// Frame tolerance, in decreasing strictness:
//
//   - "data: {...}" frames (the standard case)
//   - bare JSON lines without the "data:" prefix
//   - comment/keep-alive lines starting with ":" and blank lines (ignored)
//   - "data: [DONE]" terminal marker
//
// A JSON frame that fails to decode with a syntax error is an Incomplete
// frame (more bytes expected) and is swallowed; any other decode failure is
// Malformed and fatal. The distinction is a first-class return state, not a
// caught exception.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// doneMarker terminates a stream.
const doneMarker = "[DONE]"

// ErrMalformedFrame indicates a frame that can never decode, as opposed to
// one that is merely incomplete.
var ErrMalformedFrame = errors.New("malformed stream frame")

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind discriminates the stream event variants.
type EventKind int

const (
	// EventDelta carries an incremental fragment of assistant text.
	EventDelta EventKind = iota
	// EventTerminal marks the end of the stream.
	EventTerminal
	// EventError carries an error payload embedded in the stream body.
	EventError
)

// MessageMeta is optional message metadata attached to a delta event.
type MessageMeta struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role,omitempty"`
	Model   string `json:"model,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// Event is a single decoded stream event. Events are produced transiently
// while decoding and never stored.
type Event struct {
	Kind  EventKind
	Delta string
	Meta  *MessageMeta
	Err   string // server-supplied message for EventError
}

// =============================================================================
// FRAME SCHEMA
// =============================================================================

// framePayload is the explicit, partially-optional response schema decoded
// once at the parser boundary. Absent fields default to their zero values.
type framePayload struct {
	Error   json.RawMessage `json:"error"`
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Created int64           `json:"created"`
	Choices []frameChoice   `json:"choices"`
}

type frameChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// frameState classifies the outcome of decoding one frame.
type frameState int

const (
	frameOK frameState = iota
	frameIncomplete
	frameMalformed
)

// =============================================================================
// PARSER
// =============================================================================

// Parser is a single-threaded streaming decoder over a byte stream.
type Parser struct {
	buf     []byte
	done    bool
	started bool
}

// NewParser creates a parser in its accumulating state.
func NewParser() *Parser {
	return &Parser{}
}

// Started reports whether at least one delta event has been emitted.
func (p *Parser) Started() bool {
	return p.started
}

// Done reports whether the terminal marker has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Feed appends a raw chunk to the accumulating buffer and returns all events
// that became complete. After a terminal event further input is ignored.
// The only error condition is a genuinely malformed payload.
func (p *Parser) Feed(chunk []byte) ([]Event, error) {
	if p.done {
		return nil, nil
	}
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			return events, nil
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]

		ev, err := p.consumeLine(line)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
			if ev.Kind == EventTerminal {
				p.done = true
				p.buf = nil
				return events, nil
			}
		}
	}
}

// Finish signals end of input from the underlying reader. Any buffered
// trailing line is processed, and a terminal event is emitted if the stream
// ended without a [DONE] marker.
func (p *Parser) Finish() ([]Event, error) {
	if p.done {
		return nil, nil
	}

	var events []Event
	if len(p.buf) > 0 {
		ev, err := p.consumeLine(p.buf)
		p.buf = nil
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
			if ev.Kind == EventTerminal {
				p.done = true
				return events, nil
			}
		}
	}

	p.done = true
	events = append(events, Event{Kind: EventTerminal})
	return events, nil
}

// =============================================================================
// LINE HANDLING
// =============================================================================

// consumeLine decodes one extracted line into at most one event.
func (p *Parser) consumeLine(raw []byte) (*Event, error) {
	line := bytes.TrimRight(raw, "\r")

	// Blank lines and comment/keep-alive lines are ignored.
	if len(line) == 0 || line[0] == ':' {
		return nil, nil
	}

	payload := line
	if bytes.HasPrefix(line, []byte("data:")) {
		payload = bytes.TrimSpace(line[5:])
	}

	if string(payload) == doneMarker {
		return &Event{Kind: EventTerminal}, nil
	}

	if len(payload) == 0 || payload[0] != '{' {
		// Not a JSON payload; tolerated as noise between frames.
		return nil, nil
	}

	frame, state := decodeFrame(payload)
	switch state {
	case frameIncomplete:
		// Partial frame, more bytes expected. Deliberate local recovery.
		return nil, nil
	case frameMalformed:
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, previewPayload(payload))
	}

	if msg, ok := embeddedError(frame.Error); ok {
		return &Event{Kind: EventError, Err: msg}, nil
	}

	if len(frame.Choices) == 0 {
		return nil, nil
	}

	choice := frame.Choices[0]
	if choice.Delta.Content == "" && choice.Message == nil {
		return nil, nil
	}

	ev := &Event{Kind: EventDelta, Delta: choice.Delta.Content}
	if choice.Message != nil || frame.ID != "" || frame.Model != "" {
		meta := &MessageMeta{
			ID:      frame.ID,
			Model:   frame.Model,
			Created: frame.Created,
		}
		if choice.Message != nil {
			meta.Role = choice.Message.Role
		}
		ev.Meta = meta
	}
	p.started = true
	return ev, nil
}

// decodeFrame decodes a JSON payload, classifying failures as incomplete
// (syntax error: the frame may still be arriving) or malformed (the bytes
// can never form a valid frame).
func decodeFrame(payload []byte) (*framePayload, frameState) {
	var frame framePayload
	if err := json.Unmarshal(payload, &frame); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, frameIncomplete
		}
		return nil, frameMalformed
	}
	return &frame, frameOK
}

// embeddedError extracts a server-supplied error message from the raw error
// field, tolerating both object and bare-string shapes.
func embeddedError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s, true
	}

	return strings.TrimSpace(string(raw)), true
}

// previewPayload bounds payload size in error messages.
func previewPayload(payload []byte) string {
	const limit = 120
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "…"
}
