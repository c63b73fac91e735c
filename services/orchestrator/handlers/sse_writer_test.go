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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

type noFlushWriter struct{ header http.Header }

func (w *noFlushWriter) Header() http.Header         { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	assert.Error(t, err)
}

func TestSSEWriter_WireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteStatus("thinking"))
	require.NoError(t, w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventTextDelta).WithContent("hi")))
	require.NoError(t, w.WriteError("offline:chat", "try again"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: status\ndata: {"))
	assert.Contains(t, body, "event: text-delta\n")
	assert.Contains(t, body, `"code":"offline:chat"`)
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, body)
	require.Len(t, events, 3)
	assert.Equal(t, "thinking", events[0].Message)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)
}

func TestSSEWriter_KeepAliveDoesNotAdvanceChain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteStatus("a"))
	require.NoError(t, w.WriteKeepAlive())
	require.NoError(t, w.WriteStatus("b"))

	assert.Contains(t, rec.Body.String(), "\n\n: ping\n\n")
	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

func TestHashEvent_CoversContent(t *testing.T) {
	ev := datatypes.StreamEvent{Id: "e1", Type: datatypes.EventTextDelta, CreatedAt: 1, Content: "a"}
	other := ev
	other.Content = "b"
	assert.NotEqual(t, hashEvent(ev), hashEvent(other))

	withHash := ev
	withHash.Hash = "ignored"
	assert.Equal(t, hashEvent(ev), hashEvent(withHash))
}
