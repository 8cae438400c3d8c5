// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

// Sentinel errors for easy checking with errors.Is.
var (
	// ErrMissingSecret indicates the signing secret is absent outside
	// development mode. Constructing a signed request fails fatally rather
	// than silently sending an unsigned request.
	ErrMissingSecret = errors.New("signing secret not configured")

	// ErrAuthFailed indicates the proxy rejected the signature (HTTP 401).
	ErrAuthFailed = errors.New("authentication invalid")

	// ErrForbidden indicates the origin check failed (HTTP 403).
	ErrForbidden = errors.New("forbidden origin")

	// ErrRateLimited indicates too many requests (HTTP 429).
	ErrRateLimited = errors.New("rate limited")

	// ErrWatchdogTimeout indicates the client-side watchdog fired because
	// the server stopped sending bytes without closing the connection.
	ErrWatchdogTimeout = errors.New("stream watchdog timed out")

	// ErrMalformedResponse indicates the response body was unreadable or
	// not decodable.
	ErrMalformedResponse = errors.New("malformed response")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// APIError represents a structured error response from the endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("proxy error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("proxy error (HTTP %d)", e.Status)
}

// Is maps common statuses onto their sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == 401
	case ErrForbidden:
		return e.Status == 403
	case ErrRateLimited:
		return e.Status == 429
	}
	return false
}

// IsServerError reports whether the status is in the 5xx range.
func (e *APIError) IsServerError() bool {
	return e.Status >= 500 && e.Status < 600
}

// BadRequestError carries the server message for a rejected request body,
// e.g. a disallowed model (HTTP 400).
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Message
}

// RateLimitError represents a rate limit response with retry information.
type RateLimitError struct {
	// RetryAfterSeconds is the server-requested wait, 0 if unspecified.
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StreamError represents an error payload embedded mid-stream, preserving
// any partial content received before the failure.
type StreamError struct {
	Partial string // content received before the error
	Message string // server-supplied message
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %s", len(e.Partial), e.Message)
	}
	return "stream error: " + e.Message
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRetryable reports whether an error may succeed on a later attempt:
// 5xx responses and transport-level failures, never 4xx or cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancellation(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsServerError()
	}
	var badReq *BadRequestError
	if errors.As(err, &badReq) {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrRateLimited) || errors.Is(err, ErrMissingSecret) {
		return false
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return false
	}
	// Transport-level failures (connection reset, watchdog) are retryable.
	return true
}

// IsCancellation reports whether the error is a cooperative cancellation,
// which is a distinct signal, not an application failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
