// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText           PartType = "text"
	PartReasoning      PartType = "reasoning"
	PartFile           PartType = "file"
	PartToolInvocation PartType = "tool-invocation"
	PartToolResult     PartType = "tool-result"
)

func (t PartType) known() bool {
	switch t {
	case PartText, PartReasoning, PartFile, PartToolInvocation, PartToolResult:
		return true
	}
	return false
}

// Part is one element of a message body.
//
// # Description
//
// Part is a tagged union flattened into a single struct. Which fields are
// meaningful depends on Type:
//
//   - text, reasoning: Text
//   - file: Name, URL, MediaType, StoragePath, Size
//   - tool-invocation: ToolCallID, ToolName, Args
//   - tool-result: ToolCallID, ToolName, Result
//
// Parts with an unrecognised Type are preserved verbatim so transcripts
// written by newer clients survive a round trip.
type Part struct {
	Type PartType `json:"type" validate:"required"`

	Text string `json:"text,omitempty" validate:"maxbytes"`

	Name        string `json:"name,omitempty" validate:"max=512"`
	URL         string `json:"url,omitempty" validate:"max=4096"`
	MediaType   string `json:"mediaType,omitempty" validate:"max=255"`
	StoragePath string `json:"storagePath,omitempty" validate:"max=4096"`
	Size        int64  `json:"size,omitempty" validate:"gte=0"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	raw json.RawMessage
}

type partAlias Part

// UnmarshalJSON keeps the raw bytes of unknown part types.
func (p *Part) UnmarshalJSON(data []byte) error {
	var a partAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Part(a)
	if !p.Type.known() {
		p.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON writes unknown part types back exactly as received.
func (p Part) MarshalJSON() ([]byte, error) {
	if !p.Type.known() && len(p.raw) > 0 {
		return p.raw, nil
	}
	return json.Marshal(partAlias(p))
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// IsMeaningful reports whether the part carries content a user would see.
// A text part must contain non-whitespace; every other type counts as
// meaningful.
func (p Part) IsMeaningful() bool {
	if p.Type == PartText {
		return strings.TrimSpace(p.Text) != ""
	}
	return true
}

// Reference returns the location the file part can be fetched from,
// preferring the storage path over the public URL.
func (p Part) Reference() string {
	if p.StoragePath != "" {
		return p.StoragePath
	}
	return p.URL
}

// Usage is per-message model accounting. Every field is nullable; the
// orchestrator fills ModelID and leaves the counters for later backfill.
type Usage struct {
	ModelID      *string  `json:"modelId"`
	InputTokens  *int64   `json:"inputTokens"`
	OutputTokens *int64   `json:"outputTokens"`
	Cost         *float64 `json:"cost"`
}

// Attachment is a file sent with a message.
type Attachment struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storagePath,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Reference mirrors Part.Reference.
func (a Attachment) Reference() string {
	if a.StoragePath != "" {
		return a.StoragePath
	}
	return a.URL
}

// Part rebuilds the file part the attachment was recorded from.
func (a Attachment) Part() Part {
	return Part{
		Type:        PartFile,
		Name:        a.Name,
		URL:         a.URL,
		MediaType:   a.ContentType,
		StoragePath: a.StoragePath,
		Size:        a.Size,
	}
}

// Message is one entry of a chat transcript. Messages are immutable once
// persisted apart from usage backfill.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	Role        Role         `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
	Usage       Usage        `json:"usage"`
}

// PartsOfType returns the parts with the given type, in order.
func (m *Message) PartsOfType(t PartType) []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// JoinedText concatenates all text parts separated by newlines.
func (m *Message) JoinedText() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
