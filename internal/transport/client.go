// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport implements the authenticated client for the hosted
// chat-completion endpoint.
//
// Requests are HMAC-signed (body and timestamp bound together), responses
// are decoded either as a server-sent event stream or as a one-shot JSON
// body, and every failure is mapped once, at this boundary, into the typed
// error taxonomy in errors.go.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/chatkern/internal/model"
	"github.com/jeranaias/chatkern/internal/sse"
)

// Configuration constants.
const (
	// DefaultTimeout bounds one-shot requests end to end.
	DefaultTimeout = 60 * time.Second

	// DefaultWatchdogTimeout bounds each individual network read in the
	// streaming path, distinct from any server-side timeout. It guarantees
	// a call cannot hang indefinitely even if the server stops sending
	// bytes without closing the connection.
	DefaultWatchdogTimeout = 70 * time.Second

	// MaxResponseSize is the maximum allowed one-shot response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024

	// DefaultClientName identifies this client to the proxy.
	DefaultClientName = "chatkern"
)

// sharedStreamingClient has no overall timeout: streaming lifetime is
// controlled by the per-read watchdog and the caller's context.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the transport configuration, threaded explicitly through the
// constructor. There is no global fallback lookup.
type Config struct {
	// BaseURL is the chat-completion endpoint base, e.g. the proxy origin.
	BaseURL string

	// Model is the default model identifier.
	Model string

	// ProxySecret is the shared signing secret (proxy mode).
	ProxySecret string

	// APIKey switches the client to direct mode with bearer authentication
	// when non-empty. Proxy-mode signing headers are omitted.
	APIKey string

	// ClientName is sent as X-Proxy-Client.
	ClientName string

	// Development tolerates a missing signing secret.
	Development bool

	// Timeout bounds one-shot requests (default: 60s).
	Timeout time.Duration

	// WatchdogTimeout bounds each streaming read (default: 70s).
	WatchdogTimeout time.Duration

	// RequestsPerMinute enables a client-side limiter when > 0, so a
	// misbehaving host cannot hammer the proxy between 429 responses.
	RequestsPerMinute int
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the chat-completion endpoint.
// It is safe for concurrent use; concurrent calls are independent.
type Client struct {
	cfg          Config
	mu           sync.RWMutex // guards cfg.Model
	signer       *Signer
	oneShot      *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
}

// NewClient creates a transport client from explicit configuration.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Client{
		cfg:          cfg,
		signer:       NewSigner(cfg.ProxySecret, cfg.Development || cfg.APIKey != ""),
		oneShot:      &http.Client{Timeout: cfg.Timeout},
		streamClient: sharedStreamingClient,
		limiter:      limiter,
	}
}

// Signer exposes the request signer, mainly for contract tests.
func (c *Client) Signer() *Signer {
	return c.signer
}

// SetModel switches the model used for subsequent requests, e.g. after a
// config reload. An empty model is ignored. In-flight requests keep the
// model they were built with.
func (c *Client) SetModel(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	c.cfg.Model = name
	c.mu.Unlock()
}

func (c *Client) model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Model
}

// =============================================================================
// REQUEST SHAPE
// =============================================================================

// Options carries optional sampling parameters. Pointer fields are only
// serialized when explicitly set; the remote API treats absent and null
// differently, so omission semantics matter.
type Options struct {
	Temperature     *float64
	MaxTokens       *int
	TopP            *float64
	PresencePenalty *float64
}

// wireMessage is the message shape on the wire.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the canonical request body.
type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []wireMessage `json:"messages"`
	Stream          bool          `json:"stream"`
	Temperature     *float64      `json:"temperature,omitempty"`
	MaxTokens       *int          `json:"max_tokens,omitempty"`
	TopP            *float64      `json:"top_p,omitempty"`
	PresencePenalty *float64      `json:"presence_penalty,omitempty"`
}

// buildBody serializes the canonical request body.
func (c *Client) buildBody(messages []*model.Message, stream bool, opts *Options) ([]byte, error) {
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, wireMessage{
			Role:    msg.Role.String(),
			Content: msg.GetDisplayContent(),
		})
	}

	req := chatRequest{
		Model:    c.model(),
		Messages: wire,
		Stream:   stream,
	}
	if opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.MaxTokens
		req.TopP = opts.TopP
		req.PresencePenalty = opts.PresencePenalty
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, nil
}

// newRequest builds the signed HTTP request with authentication headers.
func (c *Client) newRequest(ctx context.Context, body []byte, streaming bool) (*http.Request, error) {
	signed, err := c.signer.Sign(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions",
		bytes.NewReader(signed.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else {
		if signed.SignatureHex != "" {
			req.Header.Set("X-Proxy-Secret", signed.SignatureHex)
		}
		req.Header.Set("X-Proxy-Timestamp", strconv.FormatInt(signed.TimestampSeconds, 10))
		req.Header.Set("X-Proxy-Client", c.cfg.ClientName)
	}

	return req, nil
}

// wait applies the client-side rate limiter, if configured.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamCallback is called synchronously, in delivery order, for each delta.
type StreamCallback func(ev sse.Event)

// StreamResult holds the accumulated outcome of a completed stream.
type StreamResult struct {
	Text       string
	Model      string
	DeltaCount int
	FirstDelta time.Duration // time to first delta
	Total      time.Duration
}

// ChatStream issues a streaming request and drives the SSE parser over the
// response body, invoking the callback for each delta event. On a clean
// terminal it returns the accumulated result.
//
// A cancellation propagates as context.Canceled, never as a StreamError,
// and reader cleanup runs on every exit path.
func (c *Client) ChatStream(ctx context.Context, messages []*model.Message, opts *Options, callback StreamCallback) (*StreamResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.buildBody(messages, true, opts)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, body, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return nil, mapStatusError(resp.StatusCode, errBody, resp.Header)
	}

	return c.processStream(ctx, resp.Body, callback)
}

// ChatStreamChan is the channel variant: events are delivered on the
// returned channel in order, and at most one error on the error channel.
// Both channels are closed when the stream ends.
func (c *Client) ChatStreamChan(ctx context.Context, messages []*model.Message, opts *Options) (<-chan sse.Event, <-chan error) {
	events := make(chan sse.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		_, err := c.ChatStream(ctx, messages, opts, func(ev sse.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// processStream decodes the response body, racing every read against the
// watchdog. The body is always closed on exit, which also unblocks the
// reader goroutine.
func (c *Client) processStream(ctx context.Context, body io.ReadCloser, callback StreamCallback) (*StreamResult, error) {
	defer body.Close()

	parser := sse.NewParser()
	var acc strings.Builder
	result := &StreamResult{}
	start := time.Now()

	type readResult struct {
		data []byte
		err  error
	}

	reads := make(chan readResult)
	done := make(chan struct{})
	defer close(done)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			var r readResult
			if n > 0 {
				r.data = make([]byte, n)
				copy(r.data, buf[:n])
			}
			r.err = err
			select {
			case reads <- r:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	watchdog := time.NewTimer(c.cfg.WatchdogTimeout)
	defer watchdog.Stop()

	emit := func(events []sse.Event) (finished bool, err error) {
		for _, ev := range events {
			switch ev.Kind {
			case sse.EventDelta:
				if result.DeltaCount == 0 {
					result.FirstDelta = time.Since(start)
				}
				result.DeltaCount++
				acc.WriteString(ev.Delta)
				if ev.Meta != nil && ev.Meta.Model != "" {
					result.Model = ev.Meta.Model
				}
				if callback != nil {
					callback(ev)
				}
			case sse.EventError:
				return true, &StreamError{Partial: acc.String(), Message: ev.Err}
			case sse.EventTerminal:
				return true, nil
			}
		}
		return false, nil
	}

	finish := func() (*StreamResult, error) {
		result.Text = acc.String()
		result.Total = time.Since(start)
		return result, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-watchdog.C:
			return nil, ErrWatchdogTimeout

		case r := <-reads:
			if len(r.data) > 0 {
				// Whichever of read and watchdog resolves first wins; the
				// loser's pending timer is cleared here.
				if !watchdog.Stop() {
					select {
					case <-watchdog.C:
					default:
					}
				}
				watchdog.Reset(c.cfg.WatchdogTimeout)

				events, perr := parser.Feed(r.data)
				finished, err := emit(events)
				if err != nil {
					return nil, err
				}
				if finished {
					return finish()
				}
				if perr != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, perr)
				}
			}

			if r.err != nil {
				if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) {
					// Stream ended without [DONE]: terminal anyway.
					events, perr := parser.Finish()
					finished, err := emit(events)
					if err != nil {
						return nil, err
					}
					if finished {
						return finish()
					}
					if perr != nil {
						return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, perr)
					}
					return finish()
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("stream read failed: %w", r.err)
			}
		}
	}
}

// =============================================================================
// ONE-SHOT CHAT
// =============================================================================

// ChatResponse represents a decoded one-shot response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the content of the first choice, or empty string.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// Completion is the one-shot result: the extracted content plus the raw
// decoded payload for callers needing extra fields.
type Completion struct {
	Content  string
	Response *ChatResponse
	Raw      json.RawMessage
}

// Chat issues a one-shot (non-streaming) completion request.
func (c *Client) Chat(ctx context.Context, messages []*model.Message, opts *Options) (*Completion, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.buildBody(messages, false, opts)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.oneShot.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, mapStatusError(resp.StatusCode, respBody, resp.Header)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &Completion{
		Content:  chatResp.GetContent(),
		Response: &chatResp,
		Raw:      json.RawMessage(respBody),
	}, nil
}

// readResponse reads a body with a size limit.
// SECURITY: Response size limit prevents memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("%w: response exceeded %d bytes", ErrMalformedResponse, MaxResponseSize)
	}
	return body, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorEnvelope is the structured error body shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// mapStatusError maps a non-2xx response into the typed taxonomy, once, at
// the boundary. Message fallback chain: JSON error field, plain text body,
// generic connectivity message.
func mapStatusError(status int, body []byte, headers http.Header) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	message := env.Error.Message
	if message == "" {
		message = env.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = "no response from proxy"
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, message)
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfterSeconds: retryAfterSeconds(env, headers)}
	case http.StatusBadRequest:
		return &BadRequestError{Message: message}
	default:
		return &APIError{Status: status, Message: message}
	}
}

// retryAfterSeconds extracts the wait from the JSON body or, failing that,
// the Retry-After header.
func retryAfterSeconds(env errorEnvelope, headers http.Header) int {
	if env.RetryAfter > 0 {
		return env.RetryAfter
	}
	if h := headers.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return secs
		}
		if t, err := http.ParseTime(h); err == nil {
			if secs := int(time.Until(t).Seconds()); secs > 0 {
				return secs
			}
		}
	}
	return 0
}
