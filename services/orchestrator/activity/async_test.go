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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

type sliceRecorder struct {
	mu   sync.Mutex
	recs []extensions.ActivityRecord
}

func (s *sliceRecorder) Record(_ context.Context, rec extensions.ActivityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *sliceRecorder) all() []extensions.ActivityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extensions.ActivityRecord(nil), s.recs...)
}

// gatedRecorder blocks every Record until release is closed and signals
// each arrival on started.
type gatedRecorder struct {
	sliceRecorder
	started chan struct{}
	release chan struct{}
}

func newGatedRecorder() *gatedRecorder {
	return &gatedRecorder{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gatedRecorder) Record(ctx context.Context, rec extensions.ActivityRecord) {
	g.started <- struct{}{}
	<-g.release
	g.sliceRecorder.Record(ctx, rec)
}

func send(resource string) extensions.ActivityRecord {
	return extensions.ActivityRecord{
		UserID:     "u1",
		Type:       extensions.ActivityChatMessageSend,
		Category:   extensions.ActivityCategoryChat,
		ResourceID: resource,
		Success:    true,
	}
}

func waitStarted(t *testing.T, g *gatedRecorder) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never picked up the record")
	}
}

func TestAsyncRecorder_DrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	next := &sliceRecorder{}
	a := NewAsyncRecorder(next, 16, nil, nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		a.Record(context.Background(), send(id))
	}
	require.NoError(t, a.Close(context.Background()))

	got := next.all()
	require.Len(t, got, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, got[i].ResourceID)
		assert.False(t, got[i].OccurredAt.IsZero())
	}
}

func TestAsyncRecorder_KeepsCallerTimestamp(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	next := &sliceRecorder{}
	a := NewAsyncRecorder(next, 4, nil, nil)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := send("c1")
	rec.OccurredAt = at
	a.Record(context.Background(), rec)
	require.NoError(t, a.Close(context.Background()))

	require.Len(t, next.all(), 1)
	assert.Equal(t, at, next.all()[0].OccurredAt)
}

func TestAsyncRecorder_RecordDoesNotWaitForCanceledCaller(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	next := &sliceRecorder{}
	a := NewAsyncRecorder(next, 4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Record(ctx, send("c1"))
	require.NoError(t, a.Close(context.Background()))

	assert.Len(t, next.all(), 1)
}

func TestAsyncRecorder_DropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := observability.NewChatMetrics(prometheus.NewRegistry())
	next := newGatedRecorder()
	a := NewAsyncRecorder(next, 1, m, nil)

	a.Record(context.Background(), send("c1"))
	waitStarted(t, next)
	a.Record(context.Background(), send("c2")) // buffered
	a.Record(context.Background(), send("c3")) // dropped

	if got := testutil.ToFloat64(m.ActivityDroppedTotal); got != 1 {
		t.Errorf("ActivityDroppedTotal = %v, want 1", got)
	}

	close(next.release)
	require.NoError(t, a.Close(context.Background()))

	got := next.all()
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ResourceID)
	assert.Equal(t, "c2", got[1].ResourceID)
}

func TestAsyncRecorder_RecordAfterCloseIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := observability.NewChatMetrics(prometheus.NewRegistry())
	next := &sliceRecorder{}
	a := NewAsyncRecorder(next, 4, m, nil)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	a.Record(context.Background(), send("late"))

	assert.Empty(t, next.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActivityDroppedTotal))
}

func TestAsyncRecorder_CloseHonorsDeadline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	next := newGatedRecorder()
	a := NewAsyncRecorder(next, 4, nil, nil)
	a.Record(context.Background(), send("c1"))
	waitStarted(t, next)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(next.release)
	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, next.all(), 1)
}
