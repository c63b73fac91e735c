// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activity

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// LogRecorder writes activity records as structured log lines.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder logs to logger, or slog.Default when nil.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, rec extensions.ActivityRecord) {
	level := slog.LevelInfo
	if !rec.Success {
		level = slog.LevelWarn
	}
	attrs := []any{
		"user_id", rec.UserID,
		"correlation_id", rec.CorrelationID.String(),
		"activity_type", string(rec.Type),
		"category", string(rec.Category),
		"resource_id", rec.ResourceID,
		"success", rec.Success,
	}
	if rec.ErrorMessage != "" {
		attrs = append(attrs, "error", rec.ErrorMessage)
	}
	if len(rec.Metadata) > 0 {
		attrs = append(attrs, "metadata", rec.Metadata)
	}
	r.logger.Log(ctx, level, "user activity", attrs...)
}

// Inserter is the persistence SQLRecorder writes through.
// *store.SQLStore satisfies it.
type Inserter interface {
	InsertActivity(ctx context.Context, rec extensions.ActivityRecord) error
}

// SQLRecorder appends records to the activity table. Failures are logged.
type SQLRecorder struct {
	db     Inserter
	logger *slog.Logger
}

// NewSQLRecorder writes through db.
func NewSQLRecorder(db Inserter, logger *slog.Logger) *SQLRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLRecorder{db: db, logger: logger}
}

func (r *SQLRecorder) Record(ctx context.Context, rec extensions.ActivityRecord) {
	if err := r.db.InsertActivity(ctx, rec); err != nil {
		r.logger.Error("failed to persist activity record",
			"correlation_id", rec.CorrelationID.String(),
			"activity_type", string(rec.Type),
			"error", err)
	}
}

// Multi fans a record out to every recorder in order.
type Multi []extensions.ActivityRecorder

func (m Multi) Record(ctx context.Context, rec extensions.ActivityRecord) {
	for _, r := range m {
		r.Record(ctx, rec)
	}
}

var (
	_ extensions.ActivityRecorder = (*LogRecorder)(nil)
	_ extensions.ActivityRecorder = (*SQLRecorder)(nil)
	_ extensions.ActivityRecorder = Multi(nil)
)
