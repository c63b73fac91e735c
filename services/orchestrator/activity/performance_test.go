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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

type captureSink struct {
	mu   sync.Mutex
	recs []extensions.PerformanceRecord
	err  error
}

func (c *captureSink) WritePerformance(_ context.Context, rec extensions.PerformanceRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return c.err
}

func (c *captureSink) all() []extensions.PerformanceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]extensions.PerformanceRecord(nil), c.recs...)
}

func streamContext() extensions.PerformanceContext {
	return extensions.PerformanceContext{
		CorrelationID: "cid-1",
		UserID:        "u1",
		AgentType:     extensions.AgentTypeChatModel,
		Operation:     extensions.OperationStreaming,
		ModelID:       "gemini-2.5-flash",
		ResourceID:    "c1",
		ResourceType:  "chat",
	}
}

func TestTracker_EndWritesOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &captureSink{}
	tr := NewTracker([]PerformanceSink{sink}, 8, nil, nil)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	tr.now = func() time.Time { return clock }

	h := tr.Start(context.Background(), streamContext())
	clock = start.Add(1500 * time.Millisecond)
	h.End(context.Background(), extensions.PerformanceOutcome{
		Success:  true,
		Metadata: map[string]any{"message_count": 1},
	})
	h.End(context.Background(), extensions.PerformanceOutcome{Success: false, ErrorMessage: "late"})
	require.NoError(t, tr.Close(context.Background()))

	got := sink.all()
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.Equal(t, start, got[0].StartedAt)
	assert.Equal(t, "gemini-2.5-flash", got[0].ModelID)
	assert.Equal(t, 1, got[0].Metadata["message_count"])
}

func TestTracker_SinkErrorDoesNotStopOtherSinks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, buf := bufferLogger()
	broken := &captureSink{err: errors.New("influx down")}
	ok := &captureSink{}
	tr := NewTracker([]PerformanceSink{broken, ok}, 8, nil, logger)

	tr.Start(context.Background(), streamContext()).
		End(context.Background(), extensions.PerformanceOutcome{Success: false, ErrorMessage: "boom"})
	require.NoError(t, tr.Close(context.Background()))

	assert.Len(t, ok.all(), 1)
	assert.Contains(t, buf.String(), "influx down")
}

func TestTracker_EndAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sink := &captureSink{}
	tr := NewTracker([]PerformanceSink{sink}, 8, nil, nil)
	h := tr.Start(context.Background(), streamContext())
	require.NoError(t, tr.Close(context.Background()))

	h.End(context.Background(), extensions.PerformanceOutcome{Success: true})

	assert.Empty(t, sink.all())
}

func TestLogSink_WritesRecord(t *testing.T) {
	logger, buf := bufferLogger()
	rec := extensions.PerformanceRecord{
		PerformanceContext: streamContext(),
		PerformanceOutcome: extensions.PerformanceOutcome{Success: true},
		Duration:           time.Second,
	}

	require.NoError(t, NewLogSink(logger).WritePerformance(context.Background(), rec))

	assert.Contains(t, buf.String(), `"msg":"model invocation"`)
	assert.Contains(t, buf.String(), `"operation":"STREAMING"`)
	assert.Contains(t, buf.String(), `"success":true`)
}
