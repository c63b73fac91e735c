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
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// InsertActivity appends an activity record.
func (s *SQLStore) InsertActivity(ctx context.Context, rec extensions.ActivityRecord) error {
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = s.now()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO activity_log (user_id, correlation_id, activity_type, category, resource_id, resource_type,
		   request_path, request_method, metadata, success, error_message, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.UserID, rec.CorrelationID.String(), string(rec.Type), string(rec.Category), rec.ResourceID, rec.ResourceType,
		rec.RequestPath, rec.RequestMethod, string(metaJSON), rec.Success, rec.ErrorMessage, toMillis(occurred))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListActivity returns a user's activity records, oldest first.
func (s *SQLStore) ListActivity(ctx context.Context, userID string) ([]extensions.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_id, correlation_id, activity_type, category, resource_id, resource_type,
		        request_path, request_method, metadata, success, error_message, occurred_at
		 FROM activity_log WHERE user_id = ? ORDER BY seq ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []extensions.ActivityRecord
	for rows.Next() {
		var (
			rec      extensions.ActivityRecord
			meta     []byte
			occurred int64
		)
		if err := rows.Scan(&rec.UserID, &rec.CorrelationID, &rec.Type, &rec.Category, &rec.ResourceID,
			&rec.ResourceType, &rec.RequestPath, &rec.RequestMethod, &meta, &rec.Success, &rec.ErrorMessage,
			&occurred); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode activity metadata: %w", err)
		}
		rec.OccurredAt = fromMillis(occurred)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeActivity deletes activity records that occurred before cutoff and
// returns how many were removed.
func (s *SQLStore) PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM activity_log WHERE occurred_at < ?`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge activity: %w", err)
	}
	return n, nil
}
