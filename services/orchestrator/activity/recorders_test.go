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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestLogRecorder_LevelFollowsOutcome(t *testing.T) {
	logger, buf := bufferLogger()
	r := NewLogRecorder(logger)

	ok := send("c1")
	ok.Metadata = map[string]any{"file_count": 2}
	r.Record(context.Background(), ok)

	failed := send("c2")
	failed.Success = false
	failed.ErrorMessage = "provider unavailable"
	r.Record(context.Background(), failed)

	out := buf.String()
	assert.Contains(t, out, `"level":"INFO"`)
	assert.Contains(t, out, `"file_count":2`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"error":"provider unavailable"`)
	assert.Contains(t, out, `"activity_type":"CHAT_MESSAGE_SEND"`)
}

func TestSQLRecorder_PersistsRecord(t *testing.T) {
	s, err := store.Open(context.Background(), store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := send("c1")
	rec.CorrelationID = "cid-1"
	rec.RequestPath = "/api/chat"
	rec.RequestMethod = "POST"
	rec.Metadata = map[string]any{"model_selected": "gemini-2.5-flash"}
	NewSQLRecorder(s, nil).Record(context.Background(), rec)

	got, err := s.ListActivity(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, extensions.CorrelationID("cid-1"), got[0].CorrelationID)
	assert.Equal(t, extensions.ActivityChatMessageSend, got[0].Type)
	assert.Equal(t, "c1", got[0].ResourceID)
	assert.Equal(t, "gemini-2.5-flash", got[0].Metadata["model_selected"])
	assert.True(t, got[0].Success)
}

type failingInserter struct{}

func (failingInserter) InsertActivity(context.Context, extensions.ActivityRecord) error {
	return errors.New("disk full")
}

func TestSQLRecorder_LogsInsertFailure(t *testing.T) {
	logger, buf := bufferLogger()
	rec := send("c1")
	rec.CorrelationID = "cid-2"

	NewSQLRecorder(failingInserter{}, logger).Record(context.Background(), rec)

	assert.Contains(t, buf.String(), "failed to persist activity record")
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), "cid-2")
}

func TestMulti_FansOutInOrder(t *testing.T) {
	a, b := &sliceRecorder{}, &sliceRecorder{}
	Multi{a, b}.Record(context.Background(), send("c1"))

	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}
