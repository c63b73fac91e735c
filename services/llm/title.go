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
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleChars bounds generated and fallback titles.
	MaxTitleChars = 80

	defaultTitle = "New Chat"

	titleSystemPrompt = "You generate short titles for conversations. " +
		"Given the user's first message, reply with a title of at most 80 characters. " +
		"Reply with the title only, without quotes or a trailing period."
)

// Complete runs a model to completion and returns its answer text,
// ignoring reasoning. It uses only the server default credential.
func (g *Gateway) Complete(ctx context.Context, modelID, system, prompt string) (string, error) {
	spec, err := g.resolver.Resolve(modelID)
	if err != nil {
		return "", err
	}
	key, err := g.credentialFor(spec, Credentials{})
	if err != nil {
		return "", err
	}
	factory, ok := g.factories[spec.Family]
	if !ok {
		return "", fmt.Errorf("%w: no backend for family %s", ErrUnknownModel, spec.Family)
	}
	agent, err := factory(spec)
	if err != nil {
		return "", fmt.Errorf("build %s agent: %w", spec.Family, err)
	}
	agent.SetCredential(key)

	var out strings.Builder
	_, err = agent.ChatStream(ctx, AgentRequest{
		Model:    spec.ProviderModel,
		System:   system,
		Messages: []TurnMessage{{Role: RoleUser, Text: prompt}},
	}, func(c Chunk) error {
		if c.Type == ChunkText {
			out.WriteString(c.Text)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// TitleGenerator names new chats.
type TitleGenerator struct {
	gateway *Gateway
	modelID string
	timeout time.Duration
	logger  *slog.Logger
}

// NewTitleGenerator returns a generator. An empty modelID always uses the
// fallback title.
func NewTitleGenerator(g *Gateway, modelID string, logger *slog.Logger) *TitleGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TitleGenerator{gateway: g, modelID: modelID, timeout: 10 * time.Second, logger: logger}
}

// Generate returns a title for a chat whose first message is text. It never
// fails: any model problem yields FallbackTitle(text).
func (t *TitleGenerator) Generate(ctx context.Context, text string) string {
	if t == nil || t.gateway == nil || t.modelID == "" || strings.TrimSpace(text) == "" {
		return FallbackTitle(text)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	raw, err := t.gateway.Complete(ctx, t.modelID, titleSystemPrompt, text)
	if err != nil {
		t.logger.Warn("title generation failed, using fallback", "model", t.modelID, "error", err)
		return FallbackTitle(text)
	}
	title := cleanTitle(raw)
	if title == "" {
		return FallbackTitle(text)
	}
	return title
}

// FallbackTitle is the first line of text clipped to MaxTitleChars on a word
// boundary.
func FallbackTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if text == "" {
		return defaultTitle
	}
	return clipWords(text, MaxTitleChars)
}

func cleanTitle(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, " \t\"'`*#")
	raw = strings.TrimSuffix(raw, ".")
	return clipWords(raw, MaxTitleChars)
}

func clipWords(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	clipped := string(runes[:max])
	if i := strings.LastIndexByte(clipped, ' '); i > 0 {
		clipped = clipped[:i]
	}
	return strings.TrimSpace(clipped)
}
