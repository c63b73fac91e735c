// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat is the request orchestration core: it resolves the chat,
// gathers artifact and file context, runs the model and persists the reply.
//
// # Description
//
// A send is split in two phases so the transport can still answer with a
// plain JSON error before it commits to a stream:
//
//	turn, err := pipeline.Prepare(ctx, input)   // validate, authorize, persist user message
//	err = turn.Stream(ctx, emit)                // model call, persistence of the reply
//
// Every failure leaving this package is a *chaterr.Error.
package chat

import (
	"context"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/chaterr"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/files"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

// ChatStore is the chat and message persistence the core needs.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (*datatypes.Chat, error)
	SaveChat(ctx context.Context, chat *datatypes.Chat) error
	DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error)
	GetMessages(ctx context.Context, chatID string) ([]datatypes.Message, error)
	SaveMessages(ctx context.Context, msgs []datatypes.Message) error
	MessageChatID(ctx context.Context, messageID string) (string, error)
	UpdateUsage(ctx context.Context, messageID string, usage datatypes.Usage) error
}

// ArtifactStore reads artifacts. The core never writes them.
type ArtifactStore interface {
	GetArtifactVersions(ctx context.Context, chatID string) ([]datatypes.Artifact, error)
	GetLatestArtifact(ctx context.Context, chatID string) (*datatypes.Artifact, error)
}

// Store is everything the pipeline persists to. *store.SQLStore satisfies it.
type Store interface {
	ChatStore
	ArtifactStore
}

var _ Store = (*store.SQLStore)(nil)

// NewClassifier maps the sentinels of the storage, file and model layers
// onto the error taxonomy.
func NewClassifier() *chaterr.Classifier {
	return chaterr.NewClassifier(
		chaterr.Rule{Target: store.ErrNotFound, Kind: chaterr.KindNotFound},
		chaterr.Rule{Target: llm.ErrMissingCredential, Kind: chaterr.KindMissingCredential},
		chaterr.Rule{Target: llm.ErrUnknownModel, Kind: chaterr.KindBadRequest},
		chaterr.Rule{Target: llm.ErrUnsupportedCapability, Kind: chaterr.KindUnsupportedCapability},
		chaterr.Rule{Target: datatypes.ErrEmptyMessage, Kind: chaterr.KindBadRequest},
		chaterr.Rule{Target: files.ErrTooLarge, Kind: chaterr.KindBadRequest},
	)
}
