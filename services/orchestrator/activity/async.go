// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activity holds the sinks behind extensions.ActivityRecorder and
// extensions.PerformanceTracker: structured logs, the SQL activity table and
// InfluxDB, with an asynchronous queue in front so request handlers never
// wait on telemetry.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

const (
	// DefaultQueueSize bounds records waiting for the background writer.
	DefaultQueueSize = 1024

	// DefaultWriteTimeout bounds one sink write.
	DefaultWriteTimeout = 5 * time.Second
)

// queue is a bounded single-consumer work queue. Enqueue never blocks: a
// full or closed queue drops the item.
type queue[T any] struct {
	items   chan T
	handle  func(context.Context, T)
	timeout time.Duration
	onDrop  func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newQueue[T any](size int, timeout time.Duration, handle func(context.Context, T), onDrop func()) *queue[T] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	q := &queue[T]{
		items:   make(chan T, size),
		handle:  handle,
		timeout: timeout,
		onDrop:  onDrop,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue[T]) enqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.onDrop()
		return false
	}
	select {
	case q.items <- item:
		return true
	default:
		q.onDrop()
		return false
	}
}

func (q *queue[T]) run() {
	defer close(q.done)
	for item := range q.items {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		q.handle(ctx, item)
		cancel()
	}
}

// close stops intake and waits for queued items to be written, or for ctx.
func (q *queue[T]) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// AsyncRecorder
// =============================================================================

// AsyncRecorder queues activity records for a single background writer.
//
// # Description
//
// Record copies the record onto a bounded queue and returns immediately.
// When the queue is full the record is dropped, logged and counted, so a
// slow sink degrades telemetry instead of request latency. Close drains
// what is already queued.
//
// # Thread Safety
//
// Safe for concurrent use. Record after Close drops the record.
type AsyncRecorder struct {
	q *queue[extensions.ActivityRecord]
}

// NewAsyncRecorder starts the writer goroutine in front of next.
func NewAsyncRecorder(next extensions.ActivityRecorder, size int, metrics *observability.ChatMetrics,
	logger *slog.Logger) *AsyncRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncRecorder{
		q: newQueue(size, DefaultWriteTimeout,
			func(ctx context.Context, rec extensions.ActivityRecord) { next.Record(ctx, rec) },
			func() {
				metrics.RecordActivityDropped()
				logger.Warn("activity record dropped", "reason", "queue full or closed")
			}),
	}
}

// Record enqueues rec. ctx is not used past the call.
func (a *AsyncRecorder) Record(_ context.Context, rec extensions.ActivityRecord) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	a.q.enqueue(rec)
}

// Close stops intake and waits for the queue to drain or ctx to expire.
func (a *AsyncRecorder) Close(ctx context.Context) error {
	return a.q.close(ctx)
}

var _ extensions.ActivityRecorder = (*AsyncRecorder)(nil)
