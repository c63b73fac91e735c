// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// lineProtocolServer accepts InfluxDB v2 writes and keeps their bodies.
type lineProtocolServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	query  string
	status int
}

func newLineProtocolServer(t *testing.T, status int) *lineProtocolServer {
	t.Helper()
	s := &lineProtocolServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.query = r.URL.RawQuery
		s.mu.Unlock()
		if s.status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *lineProtocolServer) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func TestNewInfluxSink_Validation(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{})
	assert.Error(t, err)

	_, err = NewInfluxSink(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)

	sink, err := NewInfluxSink(InfluxConfig{URL: "http://localhost:8086", Org: "aleutian", Bucket: "chat"})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, DefaultMeasurement, sink.measurement)
}

func TestInfluxSink_WritesPoint(t *testing.T) {
	srv := newLineProtocolServer(t, http.StatusNoContent)
	sink, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "t", Org: "aleutian", Bucket: "chat"})
	require.NoError(t, err)
	defer sink.Close()

	rec := extensions.PerformanceRecord{
		PerformanceContext: streamContext(),
		PerformanceOutcome: extensions.PerformanceOutcome{
			Success:  true,
			Metadata: map[string]any{"message_count": 2, "ignored": []string{"x"}},
		},
		StartedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
	}
	require.NoError(t, sink.WritePerformance(context.Background(), rec))

	bodies := srv.written()
	require.Len(t, bodies, 1)
	line := bodies[0]
	assert.Contains(t, line, "chat_model_invocations,")
	assert.Contains(t, line, "agent_type=CHAT_MODEL_AGENT")
	assert.Contains(t, line, "model=gemini-2.5-flash")
	assert.Contains(t, line, "success=true")
	assert.Contains(t, line, "thinking=false")
	assert.Contains(t, line, "resource_type=chat")
	assert.Contains(t, line, `correlation_id="cid-1"`)
	assert.Contains(t, line, "duration_ms=1500")
	assert.Contains(t, line, "message_count=2i")
	assert.NotContains(t, line, "ignored")
	assert.Contains(t, srv.query, "bucket=chat")
	assert.Contains(t, srv.query, "org=aleutian")
}

func TestInfluxSink_ReportsServerError(t *testing.T) {
	srv := newLineProtocolServer(t, http.StatusBadRequest)
	sink, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Org: "aleutian", Bucket: "chat"})
	require.NoError(t, err)
	defer sink.Close()

	err = sink.WritePerformance(context.Background(), extensions.PerformanceRecord{
		PerformanceContext: streamContext(),
		StartedAt:          time.Now(),
	})
	assert.ErrorContains(t, err, "write chat_model_invocations point")
}
