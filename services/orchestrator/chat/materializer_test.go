// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

func assistantReply(id string, parts ...llm.ResponsePart) llm.ResponseMessage {
	return llm.ResponseMessage{ID: id, Role: llm.RoleAssistant, Parts: parts}
}

func TestResponseMaterializer_Fallbacks(t *testing.T) {
	tests := []struct {
		name      string
		thinking  bool
		condition error
		parts     []llm.ResponsePart
		wantText  string
		wantSub   bool
	}{
		{
			name:      "thinking unsupported",
			thinking:  true,
			condition: llm.ErrUnsupportedCapability,
			wantText:  ThinkingFallbackText,
			wantSub:   true,
		},
		{
			name:     "thinking requested with whitespace reply",
			thinking: true,
			parts:    []llm.ResponsePart{{Type: llm.ChunkText, Text: "  \n"}},
			wantText: ThinkingFallbackText,
			wantSub:  true,
		},
		{
			name:     "empty reply without thinking",
			wantText: GenericFallbackText,
			wantSub:  true,
		},
		{
			name:     "whitespace reply without thinking",
			parts:    []llm.ResponsePart{{Type: llm.ChunkText, Text: "\t"}},
			wantText: GenericFallbackText,
			wantSub:  true,
		},
		{
			name:     "real answer kept",
			parts:    []llm.ResponsePart{{Type: llm.ChunkText, Text: "Hello!"}},
			wantText: "Hello!",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			m := NewResponseMaterializer(s, newTestMetrics(), nil)
			ctx := context.Background()

			got, err := m.Materialize(ctx, MaterializeInput{
				ChatID:            "c1",
				ModelID:           testModel,
				ThinkingRequested: tt.thinking,
				Condition:         tt.condition,
				Messages:          []llm.ResponseMessage{assistantReply("a1", tt.parts...)},
			})
			require.NoError(t, err)

			stored, err := s.GetMessages(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, stored, 1)
			msg := stored[0]
			assert.Equal(t, "a1", msg.ID)
			assert.Equal(t, datatypes.RoleAssistant, msg.Role)
			require.Len(t, msg.Parts, 1)
			assert.Equal(t, datatypes.PartText, msg.Parts[0].Type)
			assert.Equal(t, tt.wantText, msg.Parts[0].Text)
			assert.Empty(t, msg.Attachments)
			require.NotNil(t, msg.Usage.ModelID)
			assert.Equal(t, testModel, *msg.Usage.ModelID)
			assert.Nil(t, msg.Usage.InputTokens)
			assert.Nil(t, msg.Usage.OutputTokens)

			_, substituted := got.Substituted["a1"]
			assert.Equal(t, tt.wantSub, substituted)
		})
	}
}

func TestResponseMaterializer_ReasoningCountsAsContent(t *testing.T) {
	s := openTestStore(t)
	m := NewResponseMaterializer(s, nil, nil)

	got, err := m.Materialize(context.Background(), MaterializeInput{
		ChatID:            "c1",
		ModelID:           testModel,
		ThinkingRequested: true,
		Messages: []llm.ResponseMessage{assistantReply("a1",
			llm.ResponsePart{Type: llm.ChunkReasoning, Text: "let me think"},
			llm.ResponsePart{Type: llm.ChunkText, Text: "42"},
		)},
	})
	require.NoError(t, err)
	assert.Empty(t, got.Substituted)
	assert.Equal(t, 2, got.PartsCount)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, datatypes.PartReasoning, got.Messages[0].Parts[0].Type)
	assert.Equal(t, "let me think", got.Messages[0].Parts[0].Text)
}

func TestResponseMaterializer_OnlyAssistantMessagesPersist(t *testing.T) {
	s := openTestStore(t)
	m := NewResponseMaterializer(s, nil, nil)

	got, err := m.Materialize(context.Background(), MaterializeInput{
		ChatID:  "c1",
		ModelID: testModel,
		Messages: []llm.ResponseMessage{
			{ID: "sys", Role: llm.RoleSystem, Parts: []llm.ResponsePart{{Type: llm.ChunkText, Text: "ignored"}}},
			assistantReply("a1", llm.ResponsePart{Type: llm.ChunkText, Text: "hi"}),
		},
	})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	stored, err := s.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "a1", stored[0].ID)
}

func TestResponseMaterializer_WriteFailureStoresNothing(t *testing.T) {
	s := openTestStore(t)
	m := NewResponseMaterializer(failingSaves{s}, nil, nil)

	_, err := m.Materialize(context.Background(), MaterializeInput{
		ChatID:   "c1",
		ModelID:  testModel,
		Messages: []llm.ResponseMessage{assistantReply("a1", llm.ResponsePart{Type: llm.ChunkText, Text: "hi"})},
	})
	require.Error(t, err)

	stored, err := s.GetMessages(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
