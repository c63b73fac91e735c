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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

// PerformanceSink stores completed invocation records.
type PerformanceSink interface {
	WritePerformance(ctx context.Context, rec extensions.PerformanceRecord) error
}

// Tracker times model invocations and hands each finished record to its
// sinks from a background goroutine.
type Tracker struct {
	q      *queue[extensions.PerformanceRecord]
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker builds a tracker writing to sinks. size bounds the queue.
func NewTracker(sinks []PerformanceSink, size int, metrics *observability.ChatMetrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	write := func(ctx context.Context, rec extensions.PerformanceRecord) {
		for _, s := range sinks {
			if err := s.WritePerformance(ctx, rec); err != nil {
				logger.Error("failed to write performance record",
					"correlation_id", rec.CorrelationID.String(),
					"model", rec.ModelID,
					"error", err)
			}
		}
	}
	drop := func() {
		metrics.RecordActivityDropped()
		logger.Warn("performance record dropped", "reason", "queue full or closed")
	}
	return &Tracker{
		q:      newQueue(size, DefaultWriteTimeout, write, drop),
		now:    time.Now,
		logger: logger,
	}
}

// Start opens a record. The returned handle ignores every End after the
// first.
func (t *Tracker) Start(_ context.Context, pc extensions.PerformanceContext) extensions.PerformanceHandle {
	return &trackerHandle{t: t, pc: pc, started: t.now()}
}

// Close stops intake and waits for queued records to be written.
func (t *Tracker) Close(ctx context.Context) error {
	return t.q.close(ctx)
}

type trackerHandle struct {
	t       *Tracker
	pc      extensions.PerformanceContext
	started time.Time
	once    sync.Once
}

func (h *trackerHandle) End(_ context.Context, outcome extensions.PerformanceOutcome) {
	h.once.Do(func() {
		h.t.q.enqueue(extensions.PerformanceRecord{
			PerformanceContext: h.pc,
			PerformanceOutcome: outcome,
			StartedAt:          h.started.UTC(),
			Duration:           h.t.now().Sub(h.started),
		})
	})
}

// LogSink writes performance records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs to logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) WritePerformance(ctx context.Context, rec extensions.PerformanceRecord) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "model invocation",
		slog.String("correlation_id", rec.CorrelationID.String()),
		slog.String("user_id", rec.UserID),
		slog.String("agent_type", rec.AgentType),
		slog.String("operation", rec.Operation),
		slog.String("model", rec.ModelID),
		slog.Bool("thinking", rec.ThinkingMode),
		slog.Bool("success", rec.Success),
		slog.Duration("duration", rec.Duration),
		slog.Any("metadata", rec.Metadata),
	)
	return nil
}

var (
	_ extensions.PerformanceTracker = (*Tracker)(nil)
	_ PerformanceSink               = (*LogSink)(nil)
)
