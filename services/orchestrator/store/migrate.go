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
	"fmt"
)

// Timestamps are stored as UTC unix milliseconds in both dialects.
// messages.seq is the append order of a transcript.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		visibility TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		attachments TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		model_id TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost REAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		chat_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_chat ON artifacts(chat_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		category TEXT NOT NULL,
		resource_id TEXT,
		resource_type TEXT,
		request_path TEXT,
		request_method TEXT,
		metadata TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_message TEXT,
		occurred_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_occurred ON activity_log(occurred_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		visibility TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts JSONB NOT NULL,
		attachments JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		model_id TEXT,
		input_tokens BIGINT,
		output_tokens BIGINT,
		cost DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT NOT NULL,
		version INTEGER NOT NULL,
		chat_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_chat ON artifacts(chat_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		seq BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		category TEXT NOT NULL,
		resource_id TEXT,
		resource_type TEXT,
		request_path TEXT,
		request_method TEXT,
		metadata JSONB NOT NULL,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		occurred_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_user ON activity_log(user_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_occurred ON activity_log(occurred_at)`,
}

// Migrate creates missing tables and indexes. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	statements := sqliteSchema
	if s.dialect == DialectPostgres {
		statements = postgresSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}
