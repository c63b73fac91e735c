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
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

// GeminiAgent streams from the Gemini API via the genai SDK.
type GeminiAgent struct {
	credentialHolder
	spec           ModelSpec
	baseURL        string
	client         *http.Client
	thinkingBudget int
}

// NewGeminiAgent builds an agent. An empty baseURL uses the public API.
func NewGeminiAgent(spec ModelSpec, baseURL string, client *http.Client, thinkingBudget int) *GeminiAgent {
	return &GeminiAgent{spec: spec, baseURL: baseURL, client: client, thinkingBudget: thinkingBudget}
}

// Capabilities implements Agent.
func (g *GeminiAgent) Capabilities() Capabilities { return g.spec.Capabilities() }

// ChatStream implements Agent.
func (g *GeminiAgent) ChatStream(ctx context.Context, req AgentRequest, emit func(Chunk) error) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "GeminiAgent.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	key, release, err := openCredential(g.key)
	if err != nil {
		return nil, err
	}
	defer release()
	if key == "" {
		return nil, ErrMissingCredential
	}

	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.client,
	}
	if g.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	contents, config := geminiRequest(req, g.thinkingBudget)
	usage := &Usage{}
	for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			err = mapGeminiError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := emitGeminiResponse(resp, emit); err != nil {
			return nil, err
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	return usage, nil
}

// geminiRequest converts turns into genai contents. Assistant turns use the
// model role; system turns are folded into the system instruction.
func geminiRequest(req AgentRequest, thinkingBudget int) ([]*genai.Content, *genai.GenerateContentConfig) {
	system := req.System
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = strings.TrimSpace(system + "\n\n" + m.Text)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Thinking {
		budget := int32(thinkingBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  &budget,
		}
	}
	return contents, config
}

// emitGeminiResponse forwards the text of every part, marking thought
// parts as reasoning.
func emitGeminiResponse(resp *genai.GenerateContentResponse, emit func(Chunk) error) error {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			c := Chunk{Type: ChunkText, Text: part.Text}
			if part.Thought {
				c.Type = ChunkReasoning
			}
			if err := emit(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapGeminiError classifies SDK errors by the code on genai.APIError.
// Anything else is a transport failure.
func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		apiErr = *ptr
	}
	code := apiErr.Code
	if code == 0 {
		code = geminiStatusCodes[apiErr.Status]
	}
	if code == 0 {
		return fmt.Errorf("gemini stream failed: %w", err)
	}
	return providerError("gemini", code, apiErr.Message)
}

// geminiStatusCodes covers API errors that arrive without an HTTP code.
var geminiStatusCodes = map[string]int{
	"INVALID_ARGUMENT":   http.StatusBadRequest,
	"PERMISSION_DENIED":  http.StatusForbidden,
	"NOT_FOUND":          http.StatusNotFound,
	"RESOURCE_EXHAUSTED": http.StatusTooManyRequests,
	"UNAVAILABLE":        http.StatusServiceUnavailable,
}
