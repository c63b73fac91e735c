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
	"net/http"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutian.llm.gateway")

// DefaultSystemPrompt frames every conversation.
const DefaultSystemPrompt = "You are a friendly assistant. Keep your responses concise and helpful."

// Endpoints overrides provider base URLs. Empty fields use the provider
// default.
type Endpoints struct {
	Gemini    string `yaml:"gemini"`
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Ollama    string `yaml:"ollama"`
}

// Config configures a Gateway.
type Config struct {
	Models      []ModelSpec       `yaml:"models"`
	DefaultKeys map[Family]string `yaml:"-"`
	Endpoints   Endpoints         `yaml:"endpoints"`

	SystemPrompt    string        `yaml:"system_prompt"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	ThinkingBudget  int           `yaml:"thinking_budget"`
}

// AgentFactory builds a fresh agent for one request.
type AgentFactory func(spec ModelSpec) (Agent, error)

// Option customizes a Gateway.
type Option func(*Gateway)

// WithAgentFactory replaces the backend for a family.
func WithAgentFactory(f Family, factory AgentFactory) Option {
	return func(g *Gateway) { g.factories[f] = factory }
}

// Gateway resolves models to agents and runs them.
type Gateway struct {
	resolver     *Resolver
	defaultKeys  map[Family]*memguard.Enclave
	factories    map[Family]AgentFactory
	systemPrompt string
	logger       *slog.Logger
}

// NewGateway builds a gateway. Server default keys are sealed immediately.
func NewGateway(cfg Config, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	if cfg.ThinkingBudget <= 0 {
		cfg.ThinkingBudget = 4096
	}

	g := &Gateway{
		resolver:     NewResolver(cfg.Models),
		defaultKeys:  make(map[Family]*memguard.Enclave),
		systemPrompt: cfg.SystemPrompt,
		logger:       logger,
	}
	for family, key := range cfg.DefaultKeys {
		if e := sealCredential(key); e != nil {
			g.defaultKeys[family] = e
		}
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	g.factories = map[Family]AgentFactory{
		FamilyGemini: func(spec ModelSpec) (Agent, error) {
			return NewGeminiAgent(spec, cfg.Endpoints.Gemini, httpClient, cfg.ThinkingBudget), nil
		},
		FamilyOpenAI: func(spec ModelSpec) (Agent, error) {
			return NewOpenAIAgent(spec, cfg.Endpoints.OpenAI, httpClient), nil
		},
		FamilyAnthropic: func(spec ModelSpec) (Agent, error) {
			return NewAnthropicAgent(spec, cfg.Endpoints.Anthropic, httpClient, cfg.MaxOutputTokens, cfg.ThinkingBudget), nil
		},
		FamilyOllama: func(spec ModelSpec) (Agent, error) {
			return NewOllamaAgent(spec, cfg.Endpoints.Ollama, httpClient), nil
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve exposes the model table.
func (g *Gateway) Resolve(modelID string) (ModelSpec, error) {
	return g.resolver.Resolve(modelID)
}

// Preflight checks that a model exists and a credential is available for
// it, without calling the model.
func (g *Gateway) Preflight(modelID string, creds Credentials) (ModelSpec, error) {
	spec, err := g.resolver.Resolve(modelID)
	if err != nil {
		return ModelSpec{}, err
	}
	if _, err := g.credentialFor(spec, creds); err != nil {
		return ModelSpec{}, err
	}
	return spec, nil
}

// HasDefaultKey reports whether the server holds a key for a family.
func (g *Gateway) HasDefaultKey(f Family) bool {
	if !f.RequiresCredential() {
		return true
	}
	return g.defaultKeys[f] != nil
}

// credentialFor applies the lookup order: request key, then server default.
func (g *Gateway) credentialFor(spec ModelSpec, creds Credentials) (*memguard.Enclave, error) {
	if e := sealCredential(creds.APIKey); e != nil {
		return e, nil
	}
	if e := g.defaultKeys[spec.Family]; e != nil {
		return e, nil
	}
	if spec.Family.RequiresCredential() {
		return nil, fmt.Errorf("%w: %s", ErrMissingCredential, spec.Family)
	}
	return nil, nil
}

// Chat prepares a streaming invocation.
//
// # Description
//
// Resolves the model, picks a credential, builds the agent and flattens
// the turns. No model call happens until Consume. If thinking is requested
// for a model that cannot think, the result skips the model entirely and
// reports ErrUnsupportedCapability through OnFinish.
//
// # Inputs
//
//   - ctx: Used for tracing only.
//   - req: The invocation. ModelID is required.
//
// # Outputs
//
//   - *StreamingResult: Ready to Consume.
//   - error: ErrUnknownModel, ErrMissingCredential, or a backend build failure.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*StreamingResult, error) {
	_, span := tracer.Start(ctx, "Gateway.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.ModelID),
		attribute.Bool("llm.thinking", req.ThinkingMode),
		attribute.Bool("llm.api_key_present", req.Credentials.APIKey != ""),
	)

	spec, err := g.resolver.Resolve(req.ModelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	key, err := g.credentialFor(spec, req.Credentials)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	factory, ok := g.factories[spec.Family]
	if !ok {
		err := fmt.Errorf("%w: no backend for family %s", ErrUnknownModel, spec.Family)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	agent, err := factory(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("build %s agent: %w", spec.Family, err)
	}
	agent.SetCredential(key)
	if rcv, ok := agent.(SideChannelReceiver); ok {
		if token := sealCredential(req.Credentials.SideChannel); token != nil {
			rcv.SetSideChannelCredential(token)
		}
	}

	result := &StreamingResult{
		agent: agent,
		request: AgentRequest{
			Model:    spec.ProviderModel,
			System:   g.composeSystem(req.Context),
			Messages: flattenTurns(req.Messages),
			Thinking: req.ThinkingMode,
		},
		generateID: req.GenerateID,
		onFinish:   req.OnFinish,
	}
	if result.generateID == nil {
		result.generateID = uuid.NewString
	}
	if req.ThinkingMode && !agent.Capabilities().SupportsThinking {
		g.logger.Info("thinking requested on a model without thinking support",
			"model", req.ModelID, "chat_id", req.ChatID)
		result.condition = ErrUnsupportedCapability
	}
	return result, nil
}

func (g *Gateway) composeSystem(extra string) string {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return g.systemPrompt
	}
	return g.systemPrompt + "\n\n" + extra
}

// flattenTurns drops turns whose text is blank.
func flattenTurns(in []TurnMessage) []TurnMessage {
	out := make([]TurnMessage, 0, len(in))
	for _, m := range in {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
