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
)

const (
	AgentTypeChatModel = "CHAT_MODEL_AGENT"
	OperationStreaming = "STREAMING"
)

// PerformanceContext describes one model invocation attempt.
type PerformanceContext struct {
	CorrelationID CorrelationID
	UserID        string
	AgentType     string
	Operation     string
	ModelID       string
	ThinkingMode  bool
	ResourceID    string
	ResourceType  string
}

// PerformanceOutcome closes a PerformanceContext.
type PerformanceOutcome struct {
	Success      bool
	ErrorMessage string
	Metadata     map[string]any
}

// PerformanceHandle is returned by Start. End must be called at most once;
// later calls are ignored.
type PerformanceHandle interface {
	End(ctx context.Context, outcome PerformanceOutcome)
}

// PerformanceTracker measures model invocations. Like ActivityRecorder, it
// swallows and logs its own failures.
type PerformanceTracker interface {
	Start(ctx context.Context, pc PerformanceContext) PerformanceHandle
}

// NopPerformanceTracker hands out handles that do nothing.
type NopPerformanceTracker struct{}

func (NopPerformanceTracker) Start(context.Context, PerformanceContext) PerformanceHandle {
	return nopHandle{}
}

type nopHandle struct{}

func (nopHandle) End(context.Context, PerformanceOutcome) {}

// PerformanceRecord is a completed invocation as seen by sinks.
type PerformanceRecord struct {
	PerformanceContext
	PerformanceOutcome
	StartedAt time.Time
	Duration  time.Duration
}

var _ PerformanceTracker = NopPerformanceTracker{}
