// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// StreamEventType names a server → client event.
type StreamEventType string

const (
	EventStatus         StreamEventType = "status"
	EventTextDelta      StreamEventType = "text-delta"
	EventReasoningDelta StreamEventType = "reasoning-delta"
	// EventFallback replaces everything streamed so far with Content.
	EventFallback StreamEventType = "fallback"
	EventError    StreamEventType = "error"
	EventFinish   StreamEventType = "finish"
)

// StreamEvent is one event on the chat stream (SSE or WebSocket).
//
// # Fields
//
//   - Id, CreatedAt, Hash, PrevHash: Set by the writer. Hash chains each
//     event to its predecessor so clients can detect dropped events.
//   - Type: Event kind.
//   - Content: Delta text, or replacement text for fallback.
//   - Message: Human-readable status.
//   - Error, Code: Sanitised error message and stable error code.
//   - ChatID, MessageID: Set on finish.
type StreamEvent struct {
	Id        string          `json:"id"`
	Type      StreamEventType `json:"type"`
	CreatedAt int64           `json:"created_at"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Content   string          `json:"content,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// NewStreamEvent returns an event of the given type with id and timestamp set.
func NewStreamEvent(t StreamEventType) StreamEvent {
	return StreamEvent{
		Id:        uuid.NewString(),
		Type:      t,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// WithContent sets Content.
func (e StreamEvent) WithContent(content string) StreamEvent {
	e.Content = content
	return e
}

// WithMessage sets Message.
func (e StreamEvent) WithMessage(msg string) StreamEvent {
	e.Message = msg
	return e
}

// ErrorResponse is the JSON body of non-streamed failures.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
