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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

// TitleSource names a new chat from its first message. It never fails.
type TitleSource interface {
	Generate(ctx context.Context, firstMessage string) string
}

// fallbackTitles is used when no model-backed generator is configured.
type fallbackTitles struct{}

func (fallbackTitles) Generate(_ context.Context, text string) string {
	return llm.FallbackTitle(text)
}

// ResolveInput identifies the chat a send targets.
type ResolveInput struct {
	ChatID       string
	UserID       string
	FirstMessage string
	Visibility   datatypes.Visibility
}

// Resolution is the chat a send will append to.
type Resolution struct {
	Chat  *datatypes.Chat
	IsNew bool
}

// EntityResolver finds or creates the chat for a request and enforces
// ownership.
type EntityResolver struct {
	store  ChatStore
	titles TitleSource
	now    func() time.Time
	logger *slog.Logger
}

// NewEntityResolver builds a resolver. A nil titles uses the truncated first
// message.
func NewEntityResolver(s ChatStore, titles TitleSource, logger *slog.Logger) *EntityResolver {
	if titles == nil {
		titles = fallbackTitles{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityResolver{store: s, titles: titles, now: time.Now, logger: logger}
}

// Resolve returns the chat for in.ChatID, creating it for the requester if
// it does not exist.
//
// # Description
//
// A missing chat is created with a generated title and IsNew set. An
// existing chat owned by someone else yields Forbidden without any write.
// When two first sends race on the same id, the loser of the insert
// re-reads the winner's row and the ownership rule decides: same owner
// joins the chat, a different owner gets Forbidden.
//
// # Outputs
//
//   - Resolution: The chat and whether this call created it.
//   - error: *chaterr.Error of kind Forbidden, or a storage failure.
func (r *EntityResolver) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	existing, err := r.store.GetChat(ctx, in.ChatID)
	switch {
	case err == nil:
		return r.owned(existing, in.UserID)
	case !errors.Is(err, store.ErrNotFound):
		return Resolution{}, fmt.Errorf("load chat: %w", err)
	}

	visibility := in.Visibility
	if !visibility.Valid() {
		visibility = datatypes.VisibilityPrivate
	}
	chat := &datatypes.Chat{
		ID:         in.ChatID,
		UserID:     in.UserID,
		Title:      r.titles.Generate(ctx, in.FirstMessage),
		Visibility: visibility,
		CreatedAt:  r.now().UTC(),
	}
	err = r.store.SaveChat(ctx, chat)
	switch {
	case err == nil:
		r.logger.Info("chat created", "chat_id", chat.ID, "user_id", chat.UserID)
		return Resolution{Chat: chat, IsNew: true}, nil
	case errors.Is(err, store.ErrChatExists):
		winner, gerr := r.store.GetChat(ctx, in.ChatID)
		if gerr != nil {
			return Resolution{}, fmt.Errorf("reload chat after insert race: %w", gerr)
		}
		return r.owned(winner, in.UserID)
	default:
		return Resolution{}, fmt.Errorf("save chat: %w", err)
	}
}

func (r *EntityResolver) owned(chat *datatypes.Chat, userID string) (Resolution, error) {
	if !chat.OwnedBy(userID) {
		return Resolution{}, chaterr.New(chaterr.KindForbidden,
			fmt.Errorf("chat %s is owned by another user", chat.ID))
	}
	return Resolution{Chat: chat}, nil
}

// Authorize checks that chatID exists and belongs to userID. It never
// creates anything.
func (r *EntityResolver) Authorize(ctx context.Context, chatID, userID string) (*datatypes.Chat, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.New(chaterr.KindNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	if !chat.OwnedBy(userID) {
		return nil, chaterr.New(chaterr.KindForbidden,
			fmt.Errorf("chat %s is owned by another user", chat.ID))
	}
	return chat, nil
}
