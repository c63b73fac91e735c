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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// credentialHolder stores the per-request provider key.
type credentialHolder struct {
	key *memguard.Enclave
}

// SetCredential implements Agent.
func (c *credentialHolder) SetCredential(key *memguard.Enclave) { c.key = key }

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Think    *bool           `json:"think,omitempty"`
}

type ollamaChatChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

// OllamaAgent talks to a local Ollama server over its NDJSON chat stream.
type OllamaAgent struct {
	credentialHolder
	spec    ModelSpec
	baseURL string
	client  *http.Client
}

// NewOllamaAgent builds an agent. An empty baseURL uses localhost:11434.
func NewOllamaAgent(spec ModelSpec, baseURL string, client *http.Client) *OllamaAgent {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaAgent{spec: spec, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Capabilities implements Agent.
func (o *OllamaAgent) Capabilities() Capabilities { return o.spec.Capabilities() }

// ChatStream implements Agent.
func (o *OllamaAgent) ChatStream(ctx context.Context, req AgentRequest, emit func(Chunk) error) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "OllamaAgent.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(req.Messages)))

	payload := ollamaChatRequest{Model: req.Model, Stream: true}
	if req.System != "" {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: string(m.Role), Content: m.Text})
	}
	if req.Thinking {
		think := true
		payload.Think = &think
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key, release, err := openCredential(o.key)
	if err != nil {
		return nil, err
	}
	defer release()
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := providerError("ollama", resp.StatusCode, string(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	usage := &Usage{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, providerError("ollama", http.StatusBadRequest, chunk.Error)
		}
		if chunk.Message.Thinking != "" {
			if err := emit(Chunk{Type: ChunkReasoning, Text: chunk.Message.Thinking}); err != nil {
				return nil, err
			}
		}
		if chunk.Message.Content != "" {
			if err := emit(Chunk{Type: ChunkText, Text: chunk.Message.Content}); err != nil {
				return nil, err
			}
		}
		if chunk.Done {
			usage.InputTokens = chunk.PromptEvalCount
			usage.OutputTokens = chunk.EvalCount
			return usage, nil
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read ollama stream: %w", err)
	}
	return usage, nil
}

// providerError turns a non-200 provider reply into an error. A 400 that
// mentions thinking or reasoning is a capability rejection.
func providerError(provider string, status int, body string) error {
	body = strings.TrimSpace(body)
	lower := strings.ToLower(body)
	if status == http.StatusBadRequest &&
		(strings.Contains(lower, "think") || strings.Contains(lower, "reasoning")) {
		return fmt.Errorf("%w: %s: %s", ErrUnsupportedCapability, provider, body)
	}
	return &ProviderError{Provider: provider, StatusCode: status, Body: body}
}

// ProviderError is a non-success reply from a model provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ErrRateLimited matches a ProviderError carrying HTTP 429.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// Is lets errors.Is(err, ErrRateLimited) see throttled replies.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}
