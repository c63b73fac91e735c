// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the agent gateway: it picks a model backend for a model id,
// attaches credentials, and exposes the model's output as a one-shot stream.
//
// # Description
//
// Callers build a ChatRequest and call Gateway.Chat. The returned
// StreamingResult is consumed once; every chunk is forwarded to the caller
// and buffered, and when the model finishes the buffered output is handed to
// the request's OnFinish callback exactly once.
//
// Backends implement Agent. Each one is tagged with Capabilities so the
// gateway can refuse a thinking request before spending a model call.
package llm

import (
	"context"
	"errors"

	"github.com/awnumar/memguard"
)

var (
	// ErrMissingCredential means neither the request nor the server carries
	// a key for the model's provider.
	ErrMissingCredential = errors.New("no API key available for the selected model")

	// ErrUnknownModel means no backend serves the requested model id.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnsupportedCapability means the model cannot honor a requested
	// mode (thinking). It is reported through FinishEvent.Condition.
	ErrUnsupportedCapability = errors.New("model does not support the requested capability")

	// ErrStreamConsumed is returned by a second Consume call.
	ErrStreamConsumed = errors.New("stream already consumed")
)

// Role of a turn sent to a model.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TurnMessage is one flattened conversation turn.
type TurnMessage struct {
	ID   string
	Role Role
	Text string
}

// ChunkType distinguishes answer text from reasoning.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkReasoning ChunkType = "reasoning"
)

// Chunk is one streamed delta.
type Chunk struct {
	Type ChunkType
	Text string
}

// Usage reports token counts when the provider returns them.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Capabilities tags an agent variant.
type Capabilities struct {
	SupportsThinking    bool
	SupportsSideChannel bool
	RequiresCredential  bool
}

// AgentRequest is what a backend sees: the provider model name, a system
// prompt, and non-empty turns.
type AgentRequest struct {
	Model    string
	System   string
	Messages []TurnMessage
	Thinking bool
}

// Agent is a model backend.
type Agent interface {
	Capabilities() Capabilities

	// SetCredential hands the agent the provider key for this request.
	SetCredential(key *memguard.Enclave)

	// ChatStream runs the model and calls emit for each delta in order.
	// An error from emit aborts the stream and is returned.
	ChatStream(ctx context.Context, req AgentRequest, emit func(Chunk) error) (*Usage, error)
}

// SideChannelReceiver is implemented by agents that can use a GitHub
// personal access token to reach repository tools.
type SideChannelReceiver interface {
	SetSideChannelCredential(token *memguard.Enclave)
}

// Credentials supplied with one request. Empty fields are absent.
type Credentials struct {
	APIKey      string
	SideChannel string
}

// ResponsePart is one finalized part of an assistant message.
type ResponsePart struct {
	Type ChunkType
	Text string
}

// ResponseMessage is a finalized assistant message.
type ResponseMessage struct {
	ID    string
	Role  Role
	Parts []ResponsePart
}

// FinishEvent is delivered to OnFinish once the stream completes.
type FinishEvent struct {
	Messages []ResponseMessage

	// Condition is ErrUnsupportedCapability when the model could not honor
	// thinking mode; nil otherwise.
	Condition error

	Usage *Usage
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	ChatID       string
	ModelID      string
	Messages     []TurnMessage
	Context      string
	ThinkingMode bool
	Credentials  Credentials

	// GenerateID names response messages. Defaults to uuid.NewString.
	GenerateID func() string

	// OnFinish receives the finalized output. Its error is returned from
	// Consume.
	OnFinish func(ctx context.Context, ev FinishEvent) error
}
