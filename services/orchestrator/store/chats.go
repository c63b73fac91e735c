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

const chatColumns = `id, user_id, title, visibility, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*datatypes.Chat, error) {
	var (
		c         datatypes.Chat
		createdAt int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &createdAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// GetChat returns the chat with the given id, or ErrNotFound.
func (s *SQLStore) GetChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), id)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return chat, nil
}

// SaveChat inserts a new chat. If a chat with the same id already exists,
// nothing is written and ErrChatExists is returned, so concurrent first
// sends for one id create exactly one row.
func (s *SQLStore) SaveChat(ctx context.Context, chat *datatypes.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		chat.ID, chat.UserID, chat.Title, string(chat.Visibility), toMillis(chat.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save chat %s: %w", chat.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save chat %s: %w", chat.ID, err)
	}
	if n == 0 {
		return ErrChatExists
	}
	return nil
}

// DeleteChat removes a chat with its messages and artifacts in one
// transaction and returns the deleted row. A second delete of the same id
// returns ErrNotFound.
func (s *SQLStore) DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	var deleted *datatypes.Chat
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		chat, err := scanChat(tx.QueryRowContext(ctx, s.rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load chat: %w", err)
		}
		for _, q := range []string{
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM artifacts WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
				return fmt.Errorf("delete chat %s: %w", id, err)
			}
		}
		deleted = chat
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ListChats returns the user's chats, newest first.
func (s *SQLStore) ListChats(ctx context.Context, userID string, limit int) ([]datatypes.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+chatColumns+` FROM chats WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`),
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
