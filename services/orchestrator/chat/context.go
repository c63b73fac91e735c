// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

var tracer = otel.Tracer("aleutian.orchestrator.chat")

const (
	artifactsHeading      = "Artifacts in this chat:"
	activeArtifactHeading = "Most recently active artifact"
	historyFilesHeading   = "Previously Attached Files:"

	// DefaultArtifactPreviewChars bounds the content shown per artifact.
	DefaultArtifactPreviewChars = 2000
)

// AggregatedContext is the model context derived from chat state.
type AggregatedContext struct {
	Artifacts string
	Files     string
}

// String joins the non-empty sections.
func (c AggregatedContext) String() string {
	var sections []string
	if c.Artifacts != "" {
		sections = append(sections, c.Artifacts)
	}
	if c.Files != "" {
		sections = append(sections, c.Files)
	}
	return strings.Join(sections, "\n\n")
}

// FileSummary counts the attachments carried by a history.
type FileSummary struct {
	FileCount int
	TotalSize int64
}

// ContextAggregator renders artifacts and previously attached files into a
// context block for the model.
type ContextAggregator struct {
	artifacts    ArtifactStore
	loader       *FileLoader
	previewChars int
	metrics      *observability.ChatMetrics
	logger       *slog.Logger
}

// NewContextAggregator builds an aggregator. previewChars <= 0 uses
// DefaultArtifactPreviewChars.
func NewContextAggregator(artifacts ArtifactStore, loader *FileLoader, previewChars int,
	metrics *observability.ChatMetrics, logger *slog.Logger) *ContextAggregator {
	if previewChars <= 0 {
		previewChars = DefaultArtifactPreviewChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextAggregator{
		artifacts:    artifacts,
		loader:       loader,
		previewChars: previewChars,
		metrics:      metrics,
		logger:       logger,
	}
}

// Build returns the rendered context for a chat. See Assemble.
func (a *ContextAggregator) Build(ctx context.Context, history []datatypes.Message,
	chatID, userID string, cid extensions.CorrelationID) (string, error) {
	agg, err := a.Assemble(ctx, history, chatID, userID, cid)
	if err != nil {
		return "", err
	}
	return agg.String(), nil
}

// Assemble builds the artifact and file sections.
//
// # Description
//
// The artifact section lists the latest version of every artifact in the
// chat, ordered by id, then shows a preview of the most recently active
// one. The file section resolves every attachment of every historical
// message through the file loader, in message order. Two calls on unchanged
// state return identical output.
//
// A failure for one artifact or file is logged and skipped. Failing to list
// artifacts at all yields an empty artifact section. Only cancellation of
// ctx is returned as an error.
func (a *ContextAggregator) Assemble(ctx context.Context, history []datatypes.Message,
	chatID, userID string, cid extensions.CorrelationID) (AggregatedContext, error) {
	ctx, span := tracer.Start(ctx, "ContextAggregator.Assemble")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID), attribute.Int("chat.history_len", len(history)))

	start := time.Now()
	defer func() { a.metrics.RecordContextBuild(time.Since(start).Seconds()) }()

	logger := a.logger.With("correlation_id", cid.String(), "chat_id", chatID, "user_id", userID)

	var out AggregatedContext
	out.Artifacts = a.artifactSection(ctx, chatID, logger)
	if err := ctx.Err(); err != nil {
		return AggregatedContext{}, err
	}
	out.Files = a.fileSection(ctx, history, logger)
	if err := ctx.Err(); err != nil {
		return AggregatedContext{}, err
	}
	return out, nil
}

// Summary counts the attachments across a history.
func (a *ContextAggregator) Summary(history []datatypes.Message) FileSummary {
	var s FileSummary
	for _, m := range history {
		for _, att := range m.Attachments {
			s.FileCount++
			s.TotalSize += att.Size
		}
	}
	return s
}

func (a *ContextAggregator) artifactSection(ctx context.Context, chatID string, logger *slog.Logger) string {
	if a.artifacts == nil {
		return ""
	}
	versions, err := a.artifacts.GetArtifactVersions(ctx, chatID)
	if err != nil {
		logger.Warn("listing artifacts failed, continuing without artifact context", "error", err)
		return ""
	}
	latest, err := a.artifacts.GetLatestArtifact(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("loading active artifact failed", "error", err)
		latest = nil
	}
	if len(versions) == 0 && latest == nil {
		return ""
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })

	var b strings.Builder
	if len(versions) > 0 {
		b.WriteString(artifactsHeading)
		for _, art := range versions {
			fmt.Fprintf(&b, "\n- id=%s kind=%s title=%q version=%d", art.ID, art.Kind, art.Title, art.Version)
			snippet, err := a.preview(art.Content, a.previewChars/4)
			if err != nil {
				logger.Warn("artifact preview failed", "artifact_id", art.ID, "error", err)
				continue
			}
			if snippet != "" {
				b.WriteString("\n  " + strings.ReplaceAll(snippet, "\n", "\n  "))
			}
		}
	}
	if latest != nil {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s (id=%s, version=%d):\n", activeArtifactHeading, latest.ID, latest.Version)
		preview, err := a.preview(latest.Content, a.previewChars)
		if err != nil {
			logger.Warn("artifact preview failed", "artifact_id", latest.ID, "error", err)
			preview = ""
		}
		b.WriteString(preview)
	}
	return strings.TrimRight(b.String(), "\n")
}

// preview cuts content to limit characters on paragraph or line
// boundaries.
func (a *ContextAggregator) preview(content string, limit int) (string, error) {
	content = strings.TrimSpace(content)
	if limit <= 0 || len([]rune(content)) <= limit {
		return content, nil
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(limit),
		textsplitter.WithChunkOverlap(0),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}
	return strings.TrimSpace(chunks[0]) + "\n[truncated]", nil
}

func (a *ContextAggregator) fileSection(ctx context.Context, history []datatypes.Message, logger *slog.Logger) string {
	if a.loader == nil {
		return ""
	}
	seen := make(map[string]struct{})
	var fragments []string
	for _, m := range history {
		for _, att := range m.Attachments {
			ref := att.Reference()
			if ref == "" {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			if ctx.Err() != nil {
				return ""
			}

			// Files rejected when first sent stay rejected.
			if _, err := a.loader.Validator().ValidatePart(att.Part()); err != nil {
				logger.Info("skipping disallowed historical file", "file", att.Name, "message_id", m.ID, "error", err)
				continue
			}
			entry, err := a.loader.Load(ctx, ref, att.Name, att.ContentType)
			if err != nil {
				logger.Warn("skipping historical file", "file", att.Name, "message_id", m.ID, "error", err)
				continue
			}
			name := att.Name
			if name == "" {
				name = entry.Name
			}
			fragments = append(fragments, fileFragment(name, entry.Text))
		}
	}
	if len(fragments) == 0 {
		return ""
	}
	return historyFilesHeading + "\n\n" + strings.Join(fragments, "\n\n")
}
