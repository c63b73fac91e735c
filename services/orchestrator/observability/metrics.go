// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for the chat pipeline.
// Metrics include:
//   - Request counters (by endpoint, status, error kind)
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first chunk, stream duration, context build)
//   - Active stream gauges
//   - Attachment, file cache and activity sink outcomes
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every helper is safe to call on a nil *ChatMetrics, which records nothing.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for the chat pipeline.
//
// # Fields
//
//   - RequestsTotal: Chat requests by endpoint and status
//   - TokensTotal: Tokens processed (input/output by model)
//   - TimeToFirstChunkSeconds: Latency from model call to first chunk
//   - StreamDurationSeconds: Total stream duration
//   - ActiveStreams: Currently open streams
//   - ErrorsTotal: Failures by endpoint and error kind
//   - FallbacksTotal: Degenerate responses replaced by a fallback message
//   - ContextBuildSeconds: Time spent assembling artifact and file context
//   - AttachmentsTotal: New attachments by outcome
//   - FileCacheLookupsTotal: File content cache lookups by result
//   - ActivityDroppedTotal: Activity records dropped by the async sink
//   - ActivityPurgedTotal: Activity records removed by retention
type ChatMetrics struct {
	// Labels: endpoint (chat_sse, chat_ws, chat_delete, chat_messages), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// Labels: model
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// Labels: status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// Labels: endpoint, kind (forbidden, missing_credential, ...)
	ErrorsTotal *prometheus.CounterVec

	// Labels: reason (thinking_unsupported, empty_response)
	FallbacksTotal *prometheus.CounterVec

	ContextBuildSeconds prometheus.Histogram

	// Labels: outcome (extracted, invalid, failed)
	AttachmentsTotal *prometheus.CounterVec

	// Labels: result (hit, miss, error)
	FileCacheLookupsTotal *prometheus.CounterVec

	ActivityDroppedTotal prometheus.Counter
	ActivityPurgedTotal  prometheus.Counter

	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance, set by InitMetrics.
var DefaultMetrics *ChatMetrics

// InitMetrics registers the metrics with the default Prometheus registry.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = NewChatMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewChatMetrics creates the metrics and registers them with reg. Tests pass
// a fresh prometheus.NewRegistry().
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	f := promauto.With(reg)
	return &ChatMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstChunkSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from model call to first streamed chunk in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"model"},
		),

		StreamDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open chat streams",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat failures by endpoint and error kind",
			},
			[]string{"endpoint", "kind"},
		),

		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "fallbacks_total",
				Help:      "Assistant responses replaced by a fallback message",
			},
			[]string{"reason"},
		),

		ContextBuildSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "context_build_seconds",
				Help:      "Time spent assembling artifact and file context",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		AttachmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "attachments_total",
				Help:      "Newly attached files by processing outcome",
			},
			[]string{"outcome"},
		),

		FileCacheLookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "file_cache_lookups_total",
				Help:      "File content cache lookups by result",
			},
			[]string{"result"},
		),

		ActivityDroppedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "activity_dropped_total",
				Help:      "Activity records dropped because the sink queue was full",
			},
		),

		ActivityPurgedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "activity_purged_total",
				Help:      "Activity records deleted for being older than the retention window",
			},
		),

		KeepAlivesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Endpoint labels the route a request arrived on.
type Endpoint string

const (
	EndpointChatSSE      Endpoint = "chat_sse"
	EndpointChatWS       Endpoint = "chat_ws"
	EndpointChatDelete   Endpoint = "chat_delete"
	EndpointChatMessages Endpoint = "chat_messages"
)

// AttachmentOutcome labels AttachmentsTotal.
type AttachmentOutcome string

const (
	AttachmentExtracted AttachmentOutcome = "extracted"
	AttachmentInvalid   AttachmentOutcome = "invalid"
	AttachmentFailed    AttachmentOutcome = "failed"
)

// CacheResult labels FileCacheLookupsTotal.
type CacheResult string

const (
	CacheHit   CacheResult = "hit"
	CacheMiss  CacheResult = "miss"
	CacheError CacheResult = "error"
)

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRequest records a completed chat request.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, success bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), statusLabel(success)).Inc()
}

// RecordError records a classified failure.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - kind: The error kind from the taxonomy.
func (m *ChatMetrics) RecordError(endpoint Endpoint, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), kind).Inc()
}

// RecordTokens records token usage.
func (m *ChatMetrics) RecordTokens(inputTokens, outputTokens int64, model string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstChunk records the latency to the first model chunk.
func (m *ChatMetrics) RecordTimeToFirstChunk(model string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *ChatMetrics) RecordStreamDuration(seconds float64, success bool) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(statusLabel(success)).Observe(seconds)
}

// RecordFallback counts a substituted assistant response.
func (m *ChatMetrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordContextBuild records how long context assembly took.
func (m *ChatMetrics) RecordContextBuild(seconds float64) {
	if m == nil {
		return
	}
	m.ContextBuildSeconds.Observe(seconds)
}

// RecordAttachment counts one new attachment by outcome.
func (m *ChatMetrics) RecordAttachment(outcome AttachmentOutcome) {
	if m == nil {
		return
	}
	m.AttachmentsTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordCacheLookup counts one file cache lookup.
func (m *ChatMetrics) RecordCacheLookup(result CacheResult) {
	if m == nil {
		return
	}
	m.FileCacheLookupsTotal.WithLabelValues(string(result)).Inc()
}

// RecordActivityDropped counts an activity record the sink could not queue.
func (m *ChatMetrics) RecordActivityDropped() {
	if m == nil {
		return
	}
	m.ActivityDroppedTotal.Inc()
}

// RecordActivityPurged counts activity records deleted by retention.
func (m *ChatMetrics) RecordActivityPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ActivityPurgedTotal.Add(float64(n))
}

// RecordKeepAlive increments the keepalive counter.
func (m *ChatMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
