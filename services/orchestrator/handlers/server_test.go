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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chat"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testModel = "gemini-2.5-flash"

// fakeAgent replays chunks, optionally pausing first.
type fakeAgent struct {
	chunks []llm.Chunk
	err    error
	delay  time.Duration

	mu  sync.Mutex
	key string
}

func (a *fakeAgent) Capabilities() llm.Capabilities {
	return llm.Capabilities{RequiresCredential: true}
}

func (a *fakeAgent) SetCredential(key *memguard.Enclave) {
	if key == nil {
		return
	}
	buf, err := key.Open()
	if err != nil {
		return
	}
	defer buf.Destroy()
	a.mu.Lock()
	a.key = string(buf.Bytes())
	a.mu.Unlock()
}

func (a *fakeAgent) credential() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

func (a *fakeAgent) ChatStream(ctx context.Context, _ llm.AgentRequest, emit func(llm.Chunk) error) (*llm.Usage, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, c := range a.chunks {
		if err := emit(c); err != nil {
			return nil, err
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return &llm.Usage{InputTokens: 4, OutputTokens: 2}, nil
}

func helloAgent() *fakeAgent {
	return &fakeAgent{chunks: []llm.Chunk{{Type: llm.ChunkText, Text: "Hel"}, {Type: llm.ChunkText, Text: "lo"}}}
}

type testServer struct {
	router  *gin.Engine
	store   *store.SQLStore
	metrics *observability.ChatMetrics
}

// newTestServer wires the real pipeline over an in-memory store. Tokens
// "tok-alice" and "tok-bob" authenticate alice and bob.
func newTestServer(t *testing.T, agent llm.Agent, defaultKey string, opts ...HandlerOption) *testServer {
	t.Helper()
	st, err := store.Open(context.Background(), store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keys := map[llm.Family]string{}
	if defaultKey != "" {
		keys[llm.FamilyGemini] = defaultKey
	}
	gw := llm.NewGateway(llm.Config{DefaultKeys: keys}, nil,
		llm.WithAgentFactory(llm.FamilyGemini, func(llm.ModelSpec) (llm.Agent, error) { return agent, nil }))
	m := observability.NewChatMetrics(prometheus.NewRegistry())
	p, err := chat.NewPipeline(chat.Deps{Store: st, Gateway: gw, Metrics: m})
	require.NoError(t, err)

	h := NewChatHandler(p, m, nil, opts...)
	router := gin.New()
	router.Use(middleware.CorrelationID())
	api := router.Group("/api", middleware.AuthMiddleware(extensions.NewStaticTokenAuthProvider(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})))
	api.POST("/chat", h.HandleSend)
	api.GET("/chat/ws", h.HandleWebSocket)
	api.DELETE("/chat", h.HandleDelete)
	api.GET("/chat/:id/messages", h.HandleMessages)
	return &testServer{router: router, store: st, metrics: m}
}

func sendBody(chatID, messageID, text string) []byte {
	body, _ := json.Marshal(datatypes.SendChatRequest{
		ID: chatID,
		Message: datatypes.IncomingMessage{
			ID:    messageID,
			Role:  datatypes.RoleUser,
			Parts: []datatypes.Part{datatypes.TextPart(text)},
		},
		SelectedChatModel: testModel,
	})
	return body
}

func (s *testServer) do(method, path, token string, body []byte, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) send(chatID, messageID, text, token string, headers ...string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/api/chat", token, sendBody(chatID, messageID, text), headers...)
}

// parseSSE returns the events in body, in order. Comment lines are skipped.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []datatypes.StreamEvent) []datatypes.StreamEventType {
	out := make([]datatypes.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
