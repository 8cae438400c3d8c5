// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// =============================================================================
// REQUEST SIGNING
// =============================================================================

// SignedRequest binds a request body and a timestamp together with an HMAC
// signature, so replaying it requires both to match within the server's
// freshness window. Constructed fresh per call, never reused.
type SignedRequest struct {
	Body             []byte
	TimestampSeconds int64
	SignatureHex     string
}

// Signer produces signed request envelopes from a shared secret.
type Signer struct {
	secret  []byte
	devMode bool

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewSigner creates a signer. An empty secret is tolerated only in
// development mode; Sign fails with ErrMissingSecret otherwise.
func NewSigner(secret string, devMode bool) *Signer {
	return &Signer{
		secret:  []byte(secret),
		devMode: devMode,
		now:     time.Now,
	}
}

// Sign creates a signed envelope for the given body at the current time.
func (s *Signer) Sign(body []byte) (*SignedRequest, error) {
	if len(s.secret) == 0 {
		if !s.devMode {
			return nil, ErrMissingSecret
		}
		// Development mode: unsigned envelope, timestamp still attached.
		return &SignedRequest{
			Body:             body,
			TimestampSeconds: s.now().Unix(),
		}, nil
	}

	ts := s.now().Unix()
	return &SignedRequest{
		Body:             body,
		TimestampSeconds: ts,
		SignatureHex:     s.signAt(body, ts),
	}, nil
}

// signAt computes hex(HMAC-SHA256(secret, body || ":" || timestamp)).
func (s *Signer) signAt(body []byte, timestampSeconds int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(timestampSeconds, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against a body and timestamp. Exposed for the
// proxy-side contract tests; the client itself never verifies.
func (s *Signer) Verify(body []byte, timestampSeconds int64, signatureHex string) bool {
	if len(s.secret) == 0 {
		return false
	}
	expected := s.signAt(body, timestampSeconds)
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}
