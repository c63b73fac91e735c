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
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIAgent streams chat completions through go-openai.
type OpenAIAgent struct {
	credentialHolder
	spec    ModelSpec
	baseURL string
	client  *http.Client
}

// NewOpenAIAgent builds an agent. An empty baseURL uses the public API.
func NewOpenAIAgent(spec ModelSpec, baseURL string, client *http.Client) *OpenAIAgent {
	return &OpenAIAgent{spec: spec, baseURL: baseURL, client: client}
}

// Capabilities implements Agent.
func (o *OpenAIAgent) Capabilities() Capabilities { return o.spec.Capabilities() }

// ChatStream implements Agent.
func (o *OpenAIAgent) ChatStream(ctx context.Context, req AgentRequest, emit func(Chunk) error) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "OpenAIAgent.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	key, release, err := openCredential(o.key)
	if err != nil {
		return nil, err
	}
	defer release()
	if key == "" {
		return nil, ErrMissingCredential
	}

	config := openai.DefaultConfig(key)
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	if o.client != nil {
		config.HTTPClient = o.client
	}
	client := openai.NewClientWithConfig(config)

	creq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.System != "" {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Text,
		})
	}
	if req.Thinking {
		creq.ReasoningEffort = "medium"
	}

	stream, err := client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		err = mapOpenAIError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer stream.Close()

	usage := &Usage{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			err = mapOpenAIError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if resp.Usage != nil {
			usage.InputTokens = int64(resp.Usage.PromptTokens)
			usage.OutputTokens = int64(resp.Usage.CompletionTokens)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.ReasoningContent != "" {
				if err := emit(Chunk{Type: ChunkReasoning, Text: choice.Delta.ReasoningContent}); err != nil {
					return nil, err
				}
			}
			if choice.Delta.Content != "" {
				if err := emit(Chunk{Type: ChunkText, Text: choice.Delta.Content}); err != nil {
					return nil, err
				}
			}
		}
	}
}

// mapOpenAIError folds provider status codes into the package errors.
func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providerError("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerError("openai", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("openai stream failed: %w", err)
}
