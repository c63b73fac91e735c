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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// GetMessages returns the transcript of a chat in append order. An unknown
// chat yields an empty slice.
func (s *SQLStore) GetMessages(ctx context.Context, chatID string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, chat_id, role, parts, attachments, created_at, model_id, input_tokens, output_tokens, cost
		 FROM messages WHERE chat_id = ? ORDER BY seq ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", chatID, err)
	}
	defer rows.Close()

	out := make([]datatypes.Message, 0)
	for rows.Next() {
		var (
			m               datatypes.Message
			parts, attach   []byte
			createdAt       int64
			modelID         sql.NullString
			inputTok, outTk sql.NullInt64
			cost            sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &parts, &attach, &createdAt,
			&modelID, &inputTok, &outTk, &cost); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(parts, &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
		}
		if err := json.Unmarshal(attach, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
		m.CreatedAt = fromMillis(createdAt)
		if modelID.Valid {
			m.Usage.ModelID = &modelID.String
		}
		if inputTok.Valid {
			m.Usage.InputTokens = &inputTok.Int64
		}
		if outTk.Valid {
			m.Usage.OutputTokens = &outTk.Int64
		}
		if cost.Valid {
			m.Usage.Cost = &cost.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMessages appends messages in one transaction: either every message is
// written or none is. Messages whose id already exists are skipped so a
// retried request does not duplicate its user message.
func (s *SQLStore) SaveMessages(ctx context.Context, msgs []datatypes.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(
			`INSERT INTO messages (id, chat_id, role, parts, attachments, created_at, model_id, input_tokens, output_tokens, cost)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("prepare insert message: %w", err)
		}
		defer stmt.Close()

		for i := range msgs {
			m := &msgs[i]
			if m.CreatedAt.IsZero() {
				m.CreatedAt = s.now()
			}
			parts := m.Parts
			if parts == nil {
				parts = []datatypes.Part{}
			}
			attachments := m.Attachments
			if attachments == nil {
				attachments = []datatypes.Attachment{}
			}
			partsJSON, err := json.Marshal(parts)
			if err != nil {
				return fmt.Errorf("encode parts of %s: %w", m.ID, err)
			}
			attachJSON, err := json.Marshal(attachments)
			if err != nil {
				return fmt.Errorf("encode attachments of %s: %w", m.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				m.ID, m.ChatID, string(m.Role), string(partsJSON), string(attachJSON), toMillis(m.CreatedAt),
				nullString(m.Usage.ModelID), nullInt(m.Usage.InputTokens), nullInt(m.Usage.OutputTokens), nullFloat(m.Usage.Cost),
			); err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// MessageChatID returns the chat a message id belongs to, or ErrNotFound.
// Message ids are unique across chats.
func (s *SQLStore) MessageChatID(ctx context.Context, messageID string) (string, error) {
	var chatID string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT chat_id FROM messages WHERE id = ?`), messageID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	return chatID, nil
}

// UpdateUsage backfills token and cost accounting on a persisted message.
func (s *SQLStore) UpdateUsage(ctx context.Context, messageID string, usage datatypes.Usage) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages SET input_tokens = ?, output_tokens = ?, cost = ? WHERE id = ?`),
		nullInt(usage.InputTokens), nullInt(usage.OutputTokens), nullFloat(usage.Cost), messageID)
	if err != nil {
		return fmt.Errorf("update usage %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
