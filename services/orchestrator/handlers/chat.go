// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the chat pipeline over HTTP: an SSE send
// endpoint, the same contract over WebSocket, delete and transcript reads.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

var tracer = otel.Tracer("aleutian.orchestrator.handlers")

const (
	// heartbeatInterval is how often keepalives go out on an open stream.
	// Below the 60s idle timeout of common load balancers.
	heartbeatInterval = 15 * time.Second

	// maxRequestBytes bounds a send request body.
	maxRequestBytes = 8 << 20

	headerModelAPIKey  = "x-model-api-key"
	headerGoogleAPIKey = "x-google-api-key"
	headerGitHubPAT    = "x-github-pat"
)

var errNoIdentity = errors.New("request reached handler without an authenticated user")

// ChatHandler serves the chat endpoints.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state lives on the stack.
type ChatHandler struct {
	pipeline  *chat.Pipeline
	metrics   *observability.ChatMetrics
	logger    *slog.Logger
	heartbeat time.Duration
	origins   []string
}

// HandlerOption customises a ChatHandler.
type HandlerOption func(*ChatHandler)

// WithHeartbeat overrides the keepalive interval.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *ChatHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithAllowedOrigins lists the extra origins allowed to open the WebSocket.
// Same-origin upgrades and clients that send no Origin are always allowed.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *ChatHandler) { h.origins = append(h.origins, origins...) }
}

// NewChatHandler serves pipeline. metrics may be nil.
func NewChatHandler(pipeline *chat.Pipeline, metrics *observability.ChatMetrics, logger *slog.Logger,
	opts ...HandlerOption) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &ChatHandler{
		pipeline:  pipeline,
		metrics:   metrics,
		logger:    logger,
		heartbeat: heartbeatInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// credentialsFrom reads the caller-supplied model credentials. The Google
// header is the legacy name for the primary key.
func credentialsFrom(h http.Header) llm.Credentials {
	key := strings.TrimSpace(h.Get(headerModelAPIKey))
	if key == "" {
		key = strings.TrimSpace(h.Get(headerGoogleAPIKey))
	}
	return llm.Credentials{
		APIKey:      key,
		SideChannel: strings.TrimSpace(h.Get(headerGitHubPAT)),
	}
}

func (h *ChatHandler) sendInput(c *gin.Context, req datatypes.SendChatRequest, userID string) chat.SendInput {
	return chat.SendInput{
		Request:       req,
		UserID:        userID,
		Credentials:   credentialsFrom(c.Request.Header),
		CorrelationID: middleware.GetCorrelationID(c),
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
	}
}

// reject writes a classified failure as the JSON error body.
func (h *ChatHandler) reject(c *gin.Context, endpoint observability.Endpoint, ce *chaterr.Error) {
	h.metrics.RecordError(endpoint, string(ce.Kind))
	h.metrics.RecordRequest(endpoint, false)
	c.AbortWithStatusJSON(ce.HTTPStatus(), ce.Response())
}

// =============================================================================
// POST /api/chat
// =============================================================================

// HandleSend runs one chat turn and streams it back as SSE.
//
// # Description
//
// Failures before the stream opens (bad body, authorization, missing
// credential, unknown model) are returned as a JSON error body with the
// taxonomy's status code. Once the stream is open, failures are reported
// as an error event and the stream ends.
//
// # Inputs
//
//   - Body: datatypes.SendChatRequest.
//   - x-model-api-key (or x-google-api-key): Caller's model key.
//   - x-github-pat: Optional side-channel credential.
func (h *ChatHandler) HandleSend(c *gin.Context) {
	const endpoint = observability.EndpointChatSSE
	ctx, span := tracer.Start(c.Request.Context(), "ChatHandler.HandleSend")
	defer span.End()

	info := middleware.GetAuthInfo(c)
	if info == nil {
		h.reject(c, endpoint, chaterr.New(chaterr.KindUnauthorized, errNoIdentity))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
	var req datatypes.SendChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.reject(c, endpoint, chaterr.New(chaterr.KindBadRequest, err))
		return
	}
	span.SetAttributes(attribute.String("chat.id", req.ID))

	turn, err := h.pipeline.Prepare(ctx, h.sendInput(c, req, info.UserID))
	if err != nil {
		h.reject(c, endpoint, h.pipeline.Classify(err))
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("streaming not supported by response writer", "error", err)
		h.metrics.RecordRequest(endpoint, false)
		return
	}
	h.runTurn(ctx, endpoint, turn, writer.WriteEvent, writer.WriteKeepAlive, func(ce *chaterr.Error) error {
		return writer.WriteError(ce.Code(), ce.Message())
	})
}

// runTurn streams turn through emit with a heartbeat alongside, and reports
// a failure through writeErr unless the client is already gone.
func (h *ChatHandler) runTurn(
	ctx context.Context,
	endpoint observability.Endpoint,
	turn *chat.Turn,
	emit func(datatypes.StreamEvent) error,
	keepAlive func() error,
	writeErr func(*chaterr.Error) error,
) {
	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, keepAlive, endpoint, done)
	}()

	err := turn.Stream(ctx, emit)
	close(done)
	wg.Wait()

	if err == nil {
		h.metrics.RecordRequest(endpoint, true)
		return
	}
	h.metrics.RecordRequest(endpoint, false)
	if ctx.Err() != nil {
		h.metrics.RecordClientDisconnect(endpoint)
		return
	}
	ce := h.pipeline.Classify(err)
	h.metrics.RecordError(endpoint, string(ce.Kind))
	if werr := writeErr(ce); werr != nil {
		h.logger.Debug("failed to write error event", "chat_id", turn.Chat().ID, "error", werr)
	}
}

// runHeartbeat sends keepalives until done is closed, ctx ends or a write
// fails.
func (h *ChatHandler) runHeartbeat(ctx context.Context, keepAlive func() error,
	endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keepAlive(); err != nil {
				h.logger.Debug("failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}

// =============================================================================
// DELETE /api/chat?id=
// =============================================================================

// HandleDelete deletes one of the caller's chats and returns it.
func (h *ChatHandler) HandleDelete(c *gin.Context) {
	const endpoint = observability.EndpointChatDelete
	info := middleware.GetAuthInfo(c)
	if info == nil {
		h.reject(c, endpoint, chaterr.New(chaterr.KindUnauthorized, errNoIdentity))
		return
	}

	deleted, err := h.pipeline.Delete(c.Request.Context(), chat.DeleteInput{
		ChatID:        c.Query("id"),
		UserID:        info.UserID,
		CorrelationID: middleware.GetCorrelationID(c),
		RequestPath:   c.Request.URL.Path,
		RequestMethod: c.Request.Method,
	})
	if err != nil {
		h.reject(c, endpoint, h.pipeline.Classify(err))
		return
	}
	h.metrics.RecordRequest(endpoint, true)
	c.JSON(http.StatusOK, deleted)
}

// =============================================================================
// GET /api/chat/:id/messages
// =============================================================================

// HandleMessages returns a chat's transcript, oldest first.
func (h *ChatHandler) HandleMessages(c *gin.Context) {
	const endpoint = observability.EndpointChatMessages
	info := middleware.GetAuthInfo(c)
	if info == nil {
		h.reject(c, endpoint, chaterr.New(chaterr.KindUnauthorized, errNoIdentity))
		return
	}

	msgs, err := h.pipeline.Messages(c.Request.Context(), c.Param("id"), info.UserID)
	if err != nil {
		h.reject(c, endpoint, h.pipeline.Classify(err))
		return
	}
	if msgs == nil {
		msgs = []datatypes.Message{}
	}
	h.metrics.RecordRequest(endpoint, true)
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
