// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CorrelationID ties together every log line, activity record and
// performance record produced by one inbound request. It is passed as an
// explicit value rather than through ambient state.
type CorrelationID string

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string { return string(c) }

// ActivityType is the kind of user action being recorded.
type ActivityType string

const (
	ActivityChatCreate      ActivityType = "CHAT_CREATE"
	ActivityChatMessageSend ActivityType = "CHAT_MESSAGE_SEND"
	ActivityChatDelete      ActivityType = "CHAT_DELETE"
)

// ActivityCategory groups activity types for reporting.
type ActivityCategory string

const ActivityCategoryChat ActivityCategory = "CHAT"

// ActivityRecord is one user-visible action and its outcome.
//
// # Fields
//
//   - UserID: Actor. Records are only written when the actor is known.
//   - CorrelationID: Request the action belongs to.
//   - Type, Category: What happened.
//   - ResourceID, ResourceType: What it happened to ("chat").
//   - RequestPath, RequestMethod: HTTP origin of the action.
//   - Metadata: Free-form counters and flags (file_count, model_selected, ...).
//   - Success, ErrorMessage: Outcome. ErrorMessage is the internal cause and
//     must never be shown to end users.
type ActivityRecord struct {
	UserID        string
	CorrelationID CorrelationID
	Type          ActivityType
	Category      ActivityCategory
	ResourceID    string
	ResourceType  string
	RequestPath   string
	RequestMethod string
	Metadata      map[string]any
	Success       bool
	ErrorMessage  string
	OccurredAt    time.Time
}

// ActivityRecorder persists activity records.
//
// Record is fire-and-forget from the caller's perspective: implementations
// log their own failures and never return them, and must not block the
// request for longer than a local enqueue.
type ActivityRecorder interface {
	Record(ctx context.Context, rec ActivityRecord)
}

// NopActivityRecorder drops every record.
type NopActivityRecorder struct{}

func (NopActivityRecorder) Record(context.Context, ActivityRecord) {}

var _ ActivityRecorder = NopActivityRecorder{}
