// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a token does not identify a user.
// Implementations should wrap it with detail:
//
//	return nil, fmt.Errorf("session expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity of the caller after successful authentication.
//
// UserID is always populated and is the value chat ownership is checked
// against. Email and Kind are informational.
type AuthInfo struct {
	UserID string

	Email string

	// Kind distinguishes registered users from guest sessions
	// ("regular", "guest"). Empty means regular.
	Kind string
}

// AuthProvider validates a bearer token and returns the caller identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The identity provider itself lives outside this service; an
// AuthProvider only answers pass/fail plus the user id.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as "local-user". It is the default
// for single-user local deployments.
type NopAuthProvider struct{}

func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Kind: "regular"}, nil
}

// StaticTokenAuthProvider maps pre-shared tokens to user ids.
//
// # Description
//
// Intended for small deployments and integration tests where a real
// identity provider is not available. Tokens are compared in constant time.
//
// # Limitations
//
//   - Lookup is linear in the number of tokens.
type StaticTokenAuthProvider struct {
	tokens map[string]string
}

// NewStaticTokenAuthProvider builds a provider from a token → user id map.
// The map is copied.
func NewStaticTokenAuthProvider(tokens map[string]string) *StaticTokenAuthProvider {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &StaticTokenAuthProvider{tokens: copied}
}

func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	for known, user := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return &AuthInfo{UserID: user, Kind: "regular"}, nil
		}
	}
	return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
