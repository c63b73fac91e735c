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
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

const (
	// ThinkingFallbackText replaces an empty reply when thinking mode was
	// requested.
	ThinkingFallbackText = "The selected model does not support thinking mode. Please choose a different model or disable thinking mode."

	// GenericFallbackText replaces any other empty reply.
	GenericFallbackText = "The model was unable to generate a response. Please try again with a different prompt or model."

	fallbackReasonThinking = "thinking_unsupported"
	fallbackReasonEmpty    = "empty_response"
)

// MessageWriter persists a batch of messages atomically.
type MessageWriter interface {
	SaveMessages(ctx context.Context, msgs []datatypes.Message) error
}

// MaterializeInput is the finished model output for one turn.
type MaterializeInput struct {
	ChatID            string
	ModelID           string
	ThinkingRequested bool
	Condition         error
	Messages          []llm.ResponseMessage
}

// Materialized is what was persisted.
type Materialized struct {
	Messages []datatypes.Message

	// Substituted maps message ids to the fallback text that replaced
	// their parts.
	Substituted map[string]string

	PartsCount int
}

// ResponseMaterializer turns model output into stored assistant messages.
type ResponseMaterializer struct {
	writer  MessageWriter
	metrics *observability.ChatMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewResponseMaterializer builds a materializer writing to w.
func NewResponseMaterializer(w MessageWriter, metrics *observability.ChatMetrics, logger *slog.Logger) *ResponseMaterializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseMaterializer{writer: w, metrics: metrics, logger: logger, now: time.Now}
}

// Materialize persists the assistant messages of a finished turn.
//
// # Description
//
// A message without a meaningful part is replaced wholesale by a single
// text part carrying a fallback: the thinking text when thinking was
// requested, the generic text otherwise. Only assistant messages are
// written, in one transactional batch, with the model id recorded and
// token counts left empty.
//
// # Outputs
//
//   - Materialized: The stored messages and which were substituted.
//   - error: The batch write failed; nothing was stored.
func (m *ResponseMaterializer) Materialize(ctx context.Context, in MaterializeInput) (Materialized, error) {
	now := m.now().UTC()
	out := Materialized{Substituted: make(map[string]string)}
	modelID := in.ModelID

	for _, rm := range in.Messages {
		if rm.Role != llm.RoleAssistant {
			continue
		}
		parts := convertParts(rm.Parts)
		if !anyMeaningful(parts) {
			text, reason := fallbackFor(in)
			parts = []datatypes.Part{datatypes.TextPart(text)}
			out.Substituted[rm.ID] = text
			m.metrics.RecordFallback(reason)
			m.logger.Info("assistant reply replaced by fallback",
				"chat_id", in.ChatID, "message_id", rm.ID, "reason", reason)
		}
		out.PartsCount += len(parts)
		out.Messages = append(out.Messages, datatypes.Message{
			ID:          rm.ID,
			ChatID:      in.ChatID,
			Role:        datatypes.RoleAssistant,
			Parts:       parts,
			Attachments: []datatypes.Attachment{},
			CreatedAt:   now,
			Usage:       datatypes.Usage{ModelID: &modelID},
		})
	}
	if len(out.Messages) == 0 {
		return out, nil
	}
	if err := m.writer.SaveMessages(ctx, out.Messages); err != nil {
		return Materialized{}, fmt.Errorf("persist assistant messages: %w", err)
	}
	return out, nil
}

func fallbackFor(in MaterializeInput) (string, string) {
	if in.ThinkingRequested {
		return ThinkingFallbackText, fallbackReasonThinking
	}
	return GenericFallbackText, fallbackReasonEmpty
}

func convertParts(in []llm.ResponsePart) []datatypes.Part {
	out := make([]datatypes.Part, 0, len(in))
	for _, p := range in {
		switch p.Type {
		case llm.ChunkReasoning:
			out = append(out, datatypes.ReasoningPart(p.Text))
		default:
			out = append(out, datatypes.TextPart(p.Text))
		}
	}
	return out
}

func anyMeaningful(parts []datatypes.Part) bool {
	for _, p := range parts {
		if p.IsMeaningful() {
			return true
		}
	}
	return false
}
