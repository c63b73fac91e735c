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
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxPartTextBytes bounds a single text part of an inbound message.
	MaxPartTextBytes = 64 * 1024

	// MaxPartsPerMessage bounds the parts of one inbound message.
	MaxPartsPerMessage = 64

	// MaxChatIDLength bounds client-chosen chat ids.
	MaxChatIDLength = 128
)

// ErrEmptyMessage is returned when a message has no text and no files.
var ErrEmptyMessage = errors.New("message has no content")

// =============================================================================
// Validator
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPartTextBytes
}

// =============================================================================
// Send
// =============================================================================

// IncomingMessage is the user message carried by a send request.
type IncomingMessage struct {
	ID    string `json:"id" validate:"required,max=128"`
	Role  Role   `json:"role" validate:"required,eq=user"`
	Parts []Part `json:"parts" validate:"required,min=1,max=64,dive"`
}

// SendChatRequest is the body of POST /api/chat.
//
// # Description
//
// One request is one user turn. ID names the chat (existing or to be
// created); Message is the new user message; SelectedChatModel picks the
// model backend.
//
// # Examples
//
//	{
//	  "id": "5f7c...",
//	  "message": {"id": "m1", "role": "user", "parts": [{"type": "text", "text": "hi"}]},
//	  "selectedChatModel": "gemini-2.5-flash",
//	  "selectedVisibilityType": "private",
//	  "thinkingEnabled": false
//	}
type SendChatRequest struct {
	ID                     string          `json:"id" validate:"required,max=128,printascii"`
	Message                IncomingMessage `json:"message"`
	SelectedChatModel      string          `json:"selectedChatModel" validate:"required,max=128"`
	SelectedVisibilityType Visibility      `json:"selectedVisibilityType" validate:"omitempty,oneof=private public"`
	ThinkingEnabled        bool            `json:"thinkingEnabled"`
}

// Validate checks struct tags and that the message carries at least one
// meaningful text or file part.
func (r *SendChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return err
	}
	for _, p := range r.Message.Parts {
		if (p.Type == PartText && p.IsMeaningful()) || p.Type == PartFile {
			return nil
		}
	}
	return ErrEmptyMessage
}

// EnsureDefaults fills optional fields.
func (r *SendChatRequest) EnsureDefaults() {
	if r.SelectedVisibilityType == "" {
		r.SelectedVisibilityType = VisibilityPrivate
	}
}

// FileParts returns the file parts of the incoming message.
func (r *SendChatRequest) FileParts() []Part {
	var out []Part
	for _, p := range r.Message.Parts {
		if p.Type == PartFile {
			out = append(out, p)
		}
	}
	return out
}

// chatIDRules must match the tag on SendChatRequest.ID, so every chat that
// can be created can also be read and deleted.
const chatIDRules = "required,max=128,printascii"

// ValidateChatID checks an id taken from a query string or path.
func ValidateChatID(id string) error {
	if err := chatValidate.Var(id, chatIDRules); err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	return nil
}
