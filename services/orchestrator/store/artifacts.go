// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

const artifactColumns = `a.id, a.chat_id, a.version, a.kind, a.title, a.content, a.created_at`

func scanArtifact(row rowScanner) (*datatypes.Artifact, error) {
	var (
		a         datatypes.Artifact
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.ChatID, &a.Version, &a.Kind, &a.Title, &a.Content, &createdAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

// GetArtifactVersions returns the latest version of every artifact in the
// chat, oldest artifact first.
func (s *SQLStore) GetArtifactVersions(ctx context.Context, chatID string) ([]datatypes.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+artifactColumns+`
		 FROM artifacts a
		 JOIN (SELECT id, MAX(version) AS version FROM artifacts WHERE chat_id = ? GROUP BY id) l
		   ON a.id = l.id AND a.version = l.version
		 WHERE a.chat_id = ?
		 ORDER BY a.created_at ASC, a.id ASC`), chatID, chatID)
	if err != nil {
		return nil, fmt.Errorf("get artifacts %s: %w", chatID, err)
	}
	defer rows.Close()

	var out []datatypes.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetLatestArtifact returns the most recently written artifact version in
// the chat, or ErrNotFound.
func (s *SQLStore) GetLatestArtifact(ctx context.Context, chatID string) (*datatypes.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+artifactColumns+` FROM artifacts a WHERE a.chat_id = ?
		 ORDER BY a.created_at DESC, a.version DESC LIMIT 1`), chatID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest artifact %s: %w", chatID, err)
	}
	return a, nil
}

// SaveArtifact writes one artifact version. Artifacts are produced by
// document tools outside the chat pipeline.
func (s *SQLStore) SaveArtifact(ctx context.Context, a *datatypes.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO artifacts (id, chat_id, version, kind, title, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ChatID, a.Version, string(a.Kind), a.Title, a.Content, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("save artifact %s v%d: %w", a.ID, a.Version, err)
	}
	return nil
}
