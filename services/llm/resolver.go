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
	"fmt"
	"strings"
)

// Family groups models served by one provider backend.
type Family string

const (
	FamilyGemini    Family = "gemini"
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyOllama    Family = "ollama"
)

// RequiresCredential reports whether the family needs an API key.
func (f Family) RequiresCredential() bool {
	return f != FamilyOllama
}

// ModelSpec describes one selectable model.
type ModelSpec struct {
	// ID is what clients send as selectedChatModel.
	ID string `yaml:"id"`

	Family Family `yaml:"family"`

	// ProviderModel is the name sent to the provider. Defaults to ID.
	ProviderModel string `yaml:"provider_model"`

	SupportsThinking bool `yaml:"supports_thinking"`
}

// Capabilities derives the agent variant tags for this model.
func (m ModelSpec) Capabilities() Capabilities {
	return Capabilities{
		SupportsThinking:    m.SupportsThinking,
		SupportsSideChannel: m.Family == FamilyAnthropic,
		RequiresCredential:  m.Family.RequiresCredential(),
	}
}

// Resolver maps model ids to specs. Explicit entries win; otherwise the id
// prefix selects a family.
type Resolver struct {
	models map[string]ModelSpec
}

// NewResolver builds a resolver from configured models.
func NewResolver(models []ModelSpec) *Resolver {
	r := &Resolver{models: make(map[string]ModelSpec, len(models))}
	for _, m := range models {
		if m.ProviderModel == "" {
			m.ProviderModel = m.ID
		}
		r.models[m.ID] = m
	}
	return r
}

// Resolve returns the spec for a model id, or ErrUnknownModel.
func (r *Resolver) Resolve(modelID string) (ModelSpec, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return ModelSpec{}, fmt.Errorf("%w: empty model id", ErrUnknownModel)
	}
	if m, ok := r.models[modelID]; ok {
		return m, nil
	}
	if m, ok := inferSpec(modelID); ok {
		return m, nil
	}
	return ModelSpec{}, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
}

// inferSpec recognizes well-known provider naming schemes.
func inferSpec(id string) (ModelSpec, bool) {
	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "ollama/"):
		name := id[len("ollama/"):]
		if name == "" {
			return ModelSpec{}, false
		}
		return ModelSpec{
			ID:               id,
			Family:           FamilyOllama,
			ProviderModel:    name,
			SupportsThinking: hasAnyPrefix(strings.ToLower(name), "qwen3", "deepseek-r1", "gpt-oss", "magistral"),
		}, true
	case strings.HasPrefix(lower, "gemini-"):
		return ModelSpec{
			ID:               id,
			Family:           FamilyGemini,
			ProviderModel:    id,
			SupportsThinking: hasAnyPrefix(lower, "gemini-2.5", "gemini-3"),
		}, true
	case strings.HasPrefix(lower, "claude-"):
		return ModelSpec{
			ID:               id,
			Family:           FamilyAnthropic,
			ProviderModel:    id,
			SupportsThinking: hasAnyPrefix(lower, "claude-3-7", "claude-sonnet-4", "claude-opus-4", "claude-haiku-4"),
		}, true
	case hasAnyPrefix(lower, "gpt-", "o1", "o3", "o4"):
		return ModelSpec{
			ID:               id,
			Family:           FamilyOpenAI,
			ProviderModel:    id,
			SupportsThinking: hasAnyPrefix(lower, "o1", "o3", "o4", "gpt-5"),
		}, true
	}
	return ModelSpec{}, false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
