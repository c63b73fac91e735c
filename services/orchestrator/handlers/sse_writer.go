// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Event chain
// =============================================================================

// eventChain stamps outgoing events with id, timestamp and a hash linking
// each event to the previous one. Both transports share it so a client can
// verify ordering the same way over SSE and WebSocket.
//
// # Thread Safety
//
// Not safe for concurrent use; writers hold their own lock around stamp.
type eventChain struct {
	prevHash string
	now      func() time.Time
}

func newEventChain() *eventChain {
	return &eventChain{now: time.Now}
}

func (c *eventChain) stamp(event datatypes.StreamEvent) datatypes.StreamEvent {
	event.Id = uuid.NewString()
	event.CreatedAt = c.now().UnixMilli()
	event.PrevHash = c.prevHash
	event.Hash = hashEvent(event)
	c.prevHash = event.Hash
	return event
}

// hashEvent is the hex SHA-256 over every field except Hash.
func hashEvent(event datatypes.StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.Code,
		event.ChatID,
		event.MessageID,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// SSE
// =============================================================================

// SSEWriter writes chat stream events as Server-Sent Events.
//
// # Description
//
// Each event is written as
//
//	event: {type}
//	data: {json}
//
// and flushed immediately. Id, CreatedAt, Hash and PrevHash are set by the
// writer.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the heartbeat goroutine
// writes keepalives while the stream writes events.
type SSEWriter interface {
	// WriteEvent stamps and writes one event.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event.
	WriteStatus(message string) error

	// WriteError writes an error event. code and message must already be
	// sanitised; internal causes never go to the client.
	WriteError(code, message string) error

	// WriteKeepAlive writes an SSE comment. Comments are not events and do
	// not advance the hash chain.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	chain   *eventChain
	mu      sync.Mutex
}

// NewSSEWriter wraps w. Call SetSSEHeaders first.
//
// # Outputs
//
//   - SSEWriter: Ready to write.
//   - error: w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher, chain: newEventChain()}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = w.chain.stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventStatus, Message: message})
}

func (w *sseWriter) WriteError(code, message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventError, Code: code, Error: message})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the event-stream headers. Must run before the first
// body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
