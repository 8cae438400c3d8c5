// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/jeranaias/chatkern/internal/transport"
)

// UserMessage maps a typed error into a short message fit for direct
// display. Streamed text preceding the failure is kept by Send; this only
// describes the failure itself.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var rateLimit *transport.RateLimitError
	if errors.As(err, &rateLimit) {
		if rateLimit.RetryAfterSeconds > 0 {
			return fmt.Sprintf("Rate limited. Try again in %d seconds.", rateLimit.RetryAfterSeconds)
		}
		return "Rate limited. Try again shortly."
	}

	var badRequest *transport.BadRequestError
	if errors.As(err, &badRequest) {
		return "Request rejected: " + badRequest.Message
	}

	var streamErr *transport.StreamError
	if errors.As(err, &streamErr) {
		return "The model reported an error mid-reply."
	}

	switch {
	case transport.IsCancellation(err):
		return "Stopped."
	case errors.Is(err, transport.ErrMissingSecret):
		return "No signing secret configured. Set CHAT_PROXY_SECRET."
	case errors.Is(err, transport.ErrAuthFailed):
		return "Authentication failed. Check the signing secret."
	case errors.Is(err, transport.ErrForbidden):
		return "Access denied by the proxy."
	case errors.Is(err, transport.ErrWatchdogTimeout):
		return "The connection went quiet for too long."
	case errors.Is(err, transport.ErrMalformedResponse):
		return "The server sent an unreadable response."
	default:
		var apiErr *transport.APIError
		if errors.As(err, &apiErr) && apiErr.IsServerError() {
			return "The server is having trouble. Try again."
		}
		return "Request failed: " + err.Error()
	}
}
