// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newTestMetrics registers against an isolated registry so tests can run
// in parallel with InitMetrics.
func newTestMetrics(t *testing.T) *ChatMetrics {
	t.Helper()
	return NewChatMetrics(prometheus.NewRegistry())
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

func TestInitMetrics(t *testing.T) {
	result := InitMetrics()
	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}
	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	result.RecordRequest(EndpointChatSSE, true)
	result.RecordError(EndpointChatWS, "forbidden")
	result.RecordTokens(100, 50, "gemini-2.5-flash")
	result.StreamStarted(EndpointChatSSE)
	result.StreamEnded(EndpointChatSSE)
}

func TestConstants(t *testing.T) {
	if metricsNamespace != "aleutian" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "aleutian")
	}
	if chatSubsystem != "chat" {
		t.Errorf("chatSubsystem = %q, want %q", chatSubsystem, "chat")
	}
}

// ============================================================================
// Helper Method Tests
// ============================================================================

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointChatSSE, true)
	m.RecordRequest(EndpointChatSSE, true)
	m.RecordRequest(EndpointChatSSE, false)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_sse", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_sse", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError(EndpointChatWS, "missing_credential")

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_ws", "missing_credential")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestRecordTokens(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTokens(120, 30, "claude-sonnet-4-5")

	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "claude-sonnet-4-5")); got != 120 {
		t.Errorf("input tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "claude-sonnet-4-5")); got != 30 {
		t.Errorf("output tokens = %v, want 30", got)
	}
}

func TestActiveStreams(t *testing.T) {
	m := newTestMetrics(t)
	m.StreamStarted(EndpointChatSSE)
	m.StreamStarted(EndpointChatSSE)
	m.StreamEnded(EndpointChatSSE)

	if got := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat_sse")); got != 1 {
		t.Errorf("active streams = %v, want 1", got)
	}
}

func TestPipelineCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordFallback("thinking_unsupported")
	m.RecordAttachment(AttachmentExtracted)
	m.RecordAttachment(AttachmentFailed)
	m.RecordCacheLookup(CacheHit)
	m.RecordCacheLookup(CacheMiss)
	m.RecordCacheLookup(CacheMiss)
	m.RecordActivityDropped()
	m.RecordKeepAlive(EndpointChatSSE)
	m.RecordClientDisconnect(EndpointChatSSE)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"fallback", m.FallbacksTotal.WithLabelValues("thinking_unsupported"), 1},
		{"extracted", m.AttachmentsTotal.WithLabelValues("extracted"), 1},
		{"failed", m.AttachmentsTotal.WithLabelValues("failed"), 1},
		{"hit", m.FileCacheLookupsTotal.WithLabelValues("hit"), 1},
		{"miss", m.FileCacheLookupsTotal.WithLabelValues("miss"), 2},
		{"dropped", m.ActivityDroppedTotal, 1},
		{"keepalive", m.KeepAlivesTotal.WithLabelValues("chat_sse"), 1},
		{"disconnect", m.ClientDisconnectsTotal.WithLabelValues("chat_sse"), 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestHistograms(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTimeToFirstChunk("gpt-4o", 0.4)
	m.RecordStreamDuration(3, true)
	m.RecordContextBuild(0.02)

	if n := testutil.CollectAndCount(m.TimeToFirstChunkSeconds); n != 1 {
		t.Errorf("time to first chunk series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.StreamDurationSeconds); n != 1 {
		t.Errorf("stream duration series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(m.ContextBuildSeconds); n != 1 {
		t.Errorf("context build series = %d, want 1", n)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *ChatMetrics
	m.RecordRequest(EndpointChatSSE, true)
	m.RecordError(EndpointChatSSE, "x")
	m.RecordTokens(1, 1, "m")
	m.StreamStarted(EndpointChatSSE)
	m.StreamEnded(EndpointChatSSE)
	m.RecordTimeToFirstChunk("m", 1)
	m.RecordStreamDuration(1, false)
	m.RecordFallback("r")
	m.RecordContextBuild(1)
	m.RecordAttachment(AttachmentInvalid)
	m.RecordCacheLookup(CacheError)
	m.RecordActivityDropped()
	m.RecordKeepAlive(EndpointChatSSE)
	m.RecordClientDisconnect(EndpointChatSSE)
}
