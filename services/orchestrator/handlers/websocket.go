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
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

const (
	// wsRequestTimeout bounds the wait for the request frame.
	wsRequestTimeout = 30 * time.Second

	wsWriteTimeout = 10 * time.Second
)

// wsWriter writes stamped events as JSON text frames.
//
// # Thread Safety
//
// WriteEvent is serialised by mu. Pings go through WriteControl, which
// gorilla allows concurrently with other writes.
type wsWriter struct {
	conn  *websocket.Conn
	chain *eventChain
	mu    sync.Mutex
}

func (w *wsWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = w.chain.stamp(event)
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := w.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write ws event: %w", err)
	}
	return nil
}

func (w *wsWriter) WriteError(ce *chaterr.Error) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventError, Code: ce.Code(), Error: ce.Message()})
}

func (w *wsWriter) WritePing() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (w *wsWriter) close() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (h *ChatHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin allows clients without an Origin header, same-origin
// browsers and configured origins.
func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host == r.Host {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket runs one chat turn over a WebSocket.
//
// # Description
//
// The first client frame is a datatypes.SendChatRequest; credentials come
// from the upgrade request headers. Server frames are the same stream
// events the SSE endpoint sends, ending with finish or error, after which
// the server closes the connection. Closing the socket from the client side
// cancels the turn.
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	const endpoint = observability.EndpointChatWS
	info := middleware.GetAuthInfo(c)
	if info == nil {
		h.reject(c, endpoint, chaterr.New(chaterr.KindUnauthorized, errNoIdentity))
		return
	}

	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		h.metrics.RecordRequest(endpoint, false)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)
	w := &wsWriter{conn: conn, chain: newEventChain()}
	defer w.close()

	fail := func(ce *chaterr.Error) {
		h.metrics.RecordError(endpoint, string(ce.Kind))
		h.metrics.RecordRequest(endpoint, false)
		if err := w.WriteError(ce); err != nil {
			h.logger.Debug("failed to write error event", "error", err)
		}
	}

	var req datatypes.SendChatRequest
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		fail(chaterr.New(chaterr.KindBadRequest, fmt.Errorf("read request frame: %w", err)))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	ctx, span := tracer.Start(ctx, "ChatHandler.HandleWebSocket")
	defer span.End()

	turn, err := h.pipeline.Prepare(ctx, h.sendInput(c, req, info.UserID))
	if err != nil {
		fail(h.pipeline.Classify(err))
		return
	}

	// Later client frames are read and discarded so control frames are
	// handled. Only a read error, such as the socket closing, ends the turn.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.runTurn(ctx, endpoint, turn, w.WriteEvent, w.WritePing, w.WriteError)
}
