// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the persisted entities and wire types of the chat
// orchestrator.
package datatypes

import (
	"time"
)

// Visibility controls who may read a chat. Only the owner may write.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Chat is a conversation owned by exactly one user.
//
// # Description
//
// The id is chosen by the client before the first message is sent. A chat is
// created on the first message for an unseen id and is never implicitly
// re-created. UserID never changes after creation.
type Chat struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// OwnedBy reports whether userID owns the chat.
func (c *Chat) OwnedBy(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}

// ArtifactKind is the rendering kind of an artifact.
type ArtifactKind string

const (
	ArtifactCode    ArtifactKind = "code"
	ArtifactText    ArtifactKind = "text"
	ArtifactSheet   ArtifactKind = "sheet"
	ArtifactImage   ArtifactKind = "image"
	ArtifactDiagram ArtifactKind = "diagram"
)

// Artifact is one version of a document produced inside a chat. Versions of
// the same artifact share an ID. The orchestrator only reads artifacts.
type Artifact struct {
	ID        string       `json:"id"`
	ChatID    string       `json:"chatId"`
	Version   int          `json:"version"`
	Kind      ArtifactKind `json:"kind"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
}
