// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackTitle(t *testing.T) {
	assert.Equal(t, "New Chat", FallbackTitle("   "))
	assert.Equal(t, "Plan a trip", FallbackTitle("  Plan a trip\nto Lisbon"))

	long := strings.Repeat("word ", 30)
	got := FallbackTitle(long)
	assert.LessOrEqual(t, len(got), MaxTitleChars)
	assert.False(t, strings.HasSuffix(got, " "))
	assert.True(t, strings.HasSuffix(got, "word"))
}

func TestTitleGenerator_UsesModel(t *testing.T) {
	agent := &fakeAgent{chunks: []Chunk{
		{Type: ChunkReasoning, Text: "ignored"},
		{Type: ChunkText, Text: "  \"Lisbon trip planning.\"\nextra"},
	}}
	g := newTestGateway(t, FamilyGemini, agent, map[Family]string{FamilyGemini: "server-key"})
	tg := NewTitleGenerator(g, "gemini-2.0-flash", nil)

	assert.Equal(t, "Lisbon trip planning", tg.Generate(context.Background(), "Help me plan a trip to Lisbon"))
	assert.Equal(t, titleSystemPrompt, agent.lastReq.System)
	assert.Equal(t, "server-key", agent.key)
}

func TestTitleGenerator_FallsBack(t *testing.T) {
	failing := &fakeAgent{err: errors.New("boom")}
	g := newTestGateway(t, FamilyGemini, failing, map[Family]string{FamilyGemini: "k"})
	assert.Equal(t, "Hello there", NewTitleGenerator(g, "gemini-2.0-flash", nil).Generate(context.Background(), "Hello there"))

	noKey := newTestGateway(t, FamilyGemini, &fakeAgent{}, nil)
	assert.Equal(t, "Hello there", NewTitleGenerator(noKey, "gemini-2.0-flash", nil).Generate(context.Background(), "Hello there"))

	empty := &fakeAgent{chunks: []Chunk{{Type: ChunkText, Text: "  "}}}
	g = newTestGateway(t, FamilyGemini, empty, map[Family]string{FamilyGemini: "k"})
	assert.Equal(t, "Hello there", NewTitleGenerator(g, "gemini-2.0-flash", nil).Generate(context.Background(), "Hello there"))

	var nilGen *TitleGenerator
	assert.Equal(t, "Hello there", nilGen.Generate(context.Background(), "Hello there"))
}
