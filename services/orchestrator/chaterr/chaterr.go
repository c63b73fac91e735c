// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chaterr is the user-facing error taxonomy of the chat endpoints.
//
// # Description
//
// Every failure that can reach a client is mapped onto a small, closed set
// of kinds. Each kind has a stable machine code, a fixed user-safe message
// and an HTTP status. The underlying cause is kept for logging and is never
// serialised.
//
//	if !chat.OwnedBy(user) {
//	    return chaterr.New(chaterr.KindForbidden, nil)
//	}
//	...
//	ce := classifier.Classify(err)
//	c.JSON(ce.HTTPStatus(), ce.Response())
package chaterr

import (
	"errors"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// Kind is one entry of the taxonomy.
type Kind string

const (
	KindBadRequest            Kind = "bad_request"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindNotFound              Kind = "not_found"
	KindMissingCredential     Kind = "missing_credential"
	KindRateLimited           Kind = "rate_limited"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindUnsupportedCapability Kind = "unsupported_capability"
)

type kindInfo struct {
	code    string
	status  int
	message string
}

var kinds = map[Kind]kindInfo{
	KindBadRequest: {
		code:    "bad_request:api",
		status:  http.StatusBadRequest,
		message: "The request couldn't be processed. Please check your input and try again.",
	},
	KindUnauthorized: {
		code:    "unauthorized:auth",
		status:  http.StatusUnauthorized,
		message: "You need to sign in before continuing.",
	},
	KindForbidden: {
		code:    "forbidden:chat",
		status:  http.StatusForbidden,
		message: "This chat belongs to another user. Please check the chat ID and try again.",
	},
	KindNotFound: {
		code:    "not_found:chat",
		status:  http.StatusNotFound,
		message: "The requested chat was not found. Please check the chat ID and try again.",
	},
	KindMissingCredential: {
		code:    "bad_request:api",
		status:  http.StatusBadRequest,
		message: "No API key is configured for the selected model. Add your API key in settings, or choose a different model.",
	},
	KindRateLimited: {
		code:    "rate_limit:chat",
		status:  http.StatusTooManyRequests,
		message: "You have sent too many messages. Please wait a moment and try again.",
	},
	KindProviderUnavailable: {
		code:    "offline:chat",
		status:  http.StatusServiceUnavailable,
		message: "We're having trouble sending your message. Please check your connection and try again.",
	},
	KindUnsupportedCapability: {
		code:    "bad_request:capability",
		status:  http.StatusBadRequest,
		message: "The selected model does not support this feature.",
	},
}

// Error is a classified failure.
type Error struct {
	Kind  Kind
	Cause error
}

// New wraps cause (which may be nil) as kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Error includes the cause and is meant for logs. Clients get Message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Code is the stable machine-readable code, e.g. "forbidden:chat".
func (e *Error) Code() string { return e.info().code }

// Message is the fixed user-visible text for the kind.
func (e *Error) Message() string { return e.info().message }

// HTTPStatus is the response status for the kind.
func (e *Error) HTTPStatus() int { return e.info().status }

// Response is the JSON body for non-streamed failures.
func (e *Error) Response() datatypes.ErrorResponse {
	return datatypes.ErrorResponse{Code: e.Code(), Message: e.Message()}
}

func (e *Error) info() kindInfo {
	if info, ok := kinds[e.Kind]; ok {
		return info
	}
	return kinds[KindProviderUnavailable]
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, chaterr.New(chaterr.KindForbidden, nil)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// Rule maps a sentinel error onto a kind. Packages that own sentinels
// register rules from the wiring layer so this package stays free of
// storage and model-backend imports.
type Rule struct {
	Target error
	Kind   Kind
}

// Classifier maps arbitrary errors onto the taxonomy.
type Classifier struct {
	rules []Rule
}

// NewClassifier returns a classifier that consults rules in order.
func NewClassifier(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Classify returns the *Error for err.
//
// # Description
//
// Resolution order:
//  1. err already wraps an *Error → that error.
//  2. the first rule whose Target matches via errors.Is.
//  3. anything else, including context cancellation → ProviderUnavailable.
//
// A nil err returns nil.
func (c *Classifier) Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	for _, r := range c.rules {
		if errors.Is(err, r.Target) {
			return New(r.Kind, err)
		}
	}
	return New(KindProviderUnavailable, err)
}

// IsKind reports whether err classifies as kind without any rules.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
