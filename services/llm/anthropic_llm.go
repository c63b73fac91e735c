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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMCPBeta        = "mcp-client-2025-04-04"
	githubMCPServerURL      = "https://api.githubcopilot.com/mcp/"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMCPServer struct {
	Type               string `json:"type"`
	URL                string `json:"url"`
	Name               string `json:"name"`
	AuthorizationToken string `json:"authorization_token,omitempty"`
}

type anthropicRequest struct {
	Model      string               `json:"model"`
	MaxTokens  int                  `json:"max_tokens"`
	System     string               `json:"system,omitempty"`
	Messages   []anthropicMessage   `json:"messages"`
	Stream     bool                 `json:"stream"`
	Thinking   *anthropicThinking   `json:"thinking,omitempty"`
	MCPServers []anthropicMCPServer `json:"mcp_servers,omitempty"`
}

// anthropicEvent covers the stream event shapes this agent reads.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicAgent streams from the Messages API. With a GitHub token it
// attaches the GitHub MCP server so the model can read repositories.
type AnthropicAgent struct {
	credentialHolder
	spec           ModelSpec
	baseURL        string
	client         *http.Client
	maxTokens      int
	thinkingBudget int
	githubToken    *memguard.Enclave
}

// NewAnthropicAgent builds an agent. An empty baseURL uses the public API.
func NewAnthropicAgent(spec ModelSpec, baseURL string, client *http.Client, maxTokens, thinkingBudget int) *AnthropicAgent {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicAgent{
		spec:           spec,
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         client,
		maxTokens:      maxTokens,
		thinkingBudget: thinkingBudget,
	}
}

// Capabilities implements Agent.
func (a *AnthropicAgent) Capabilities() Capabilities { return a.spec.Capabilities() }

// SetSideChannelCredential implements SideChannelReceiver.
func (a *AnthropicAgent) SetSideChannelCredential(token *memguard.Enclave) { a.githubToken = token }

// ChatStream implements Agent.
func (a *AnthropicAgent) ChatStream(ctx context.Context, req AgentRequest, emit func(Chunk) error) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "AnthropicAgent.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))
	span.SetAttributes(attribute.Bool("llm.github_connector", a.githubToken != nil))

	key, release, err := openCredential(a.key)
	if err != nil {
		return nil, err
	}
	defer release()
	if key == "" {
		return nil, ErrMissingCredential
	}

	payload := anthropicRequest{
		Model:     req.Model,
		MaxTokens: a.maxTokens,
		System:    req.System,
		Messages:  alternateTurns(req.Messages),
		Stream:    true,
	}
	if req.Thinking {
		payload.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: a.thinkingBudget}
		// max_tokens must leave room above the thinking budget.
		if payload.MaxTokens <= a.thinkingBudget {
			payload.MaxTokens = a.thinkingBudget + 1024
		}
	}
	if a.githubToken != nil {
		token, releaseToken, err := openCredential(a.githubToken)
		if err != nil {
			return nil, err
		}
		defer releaseToken()
		payload.MCPServers = []anthropicMCPServer{{
			Type:               "url",
			URL:                githubMCPServerURL,
			Name:               "github",
			AuthorizationToken: token,
		}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if len(payload.MCPServers) > 0 {
		httpReq.Header.Set("anthropic-beta", anthropicMCPBeta)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := providerError("anthropic", resp.StatusCode, string(raw))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	usage := &Usage{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return nil, fmt.Errorf("decode anthropic event: %w", err)
		}
		switch ev.Type {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			var c Chunk
			switch ev.Delta.Type {
			case "text_delta":
				c = Chunk{Type: ChunkText, Text: ev.Delta.Text}
			case "thinking_delta":
				c = Chunk{Type: ChunkReasoning, Text: ev.Delta.Thinking}
			default:
				continue
			}
			if c.Text == "" {
				continue
			}
			if err := emit(c); err != nil {
				return nil, err
			}
		case "message_delta":
			usage.OutputTokens = ev.Usage.OutputTokens
		case "message_stop":
			return usage, nil
		case "error":
			err := fmt.Errorf("anthropic stream error %s: %s", ev.Error.Type, ev.Error.Message)
			if ev.Error.Type == "overloaded_error" || ev.Error.Type == "rate_limit_error" {
				err = &ProviderError{Provider: "anthropic", StatusCode: http.StatusTooManyRequests, Body: ev.Error.Message}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read anthropic stream: %w", err)
	}
	return usage, nil
}

// alternateTurns merges consecutive same-role turns and drops leading
// assistant turns, since the Messages API requires user-first alternation.
func alternateTurns(in []TurnMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(in))
	for _, m := range in {
		if m.Role == RoleSystem {
			continue
		}
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == string(m.Role) {
			out[n-1].Content += "\n\n" + m.Text
			continue
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: m.Text})
	}
	return out
}
