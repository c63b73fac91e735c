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
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

const (
	newFilesHeading = "Newly Attached Files:"

	defaultAttachmentName = "file"
	defaultContentType    = "application/octet-stream"

	defaultAttachmentWorkers = 4
)

// AttachmentResult is the outcome of processing the file parts of one
// message.
type AttachmentResult struct {
	// Attachments has one entry per file part, valid or not, in input
	// order.
	Attachments []datatypes.Attachment

	// Fragments holds the rendered text of every file that made it into
	// context, in input order.
	Fragments []string
}

// ContextBlock renders the fragments under the new-files heading, or "" when
// there are none.
func (r AttachmentResult) ContextBlock() string {
	if len(r.Fragments) == 0 {
		return ""
	}
	return newFilesHeading + "\n\n" + strings.Join(r.Fragments, "\n\n")
}

// TotalSize sums the attachment sizes.
func (r AttachmentResult) TotalSize() int64 {
	var n int64
	for _, a := range r.Attachments {
		n += a.Size
	}
	return n
}

// AttachmentProcessor validates newly attached files and extracts their
// text for the model.
type AttachmentProcessor struct {
	loader  *FileLoader
	workers int
	metrics *observability.ChatMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAttachmentProcessor builds a processor backed by loader.
func NewAttachmentProcessor(loader *FileLoader, metrics *observability.ChatMetrics, logger *slog.Logger) *AttachmentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttachmentProcessor{
		loader:  loader,
		workers: defaultAttachmentWorkers,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Process handles the file parts of a new message.
//
// # Description
//
// Every part becomes an Attachment. Parts that fail validation (no
// reference, type not allowed, declared size over the ceiling) stay out of
// model context. Valid parts are fetched and extracted, up to four at a
// time; a failure on one file is logged and does not affect the others.
//
// Attachment size is the client-declared size when positive, otherwise
// the number of bytes fetched, otherwise 0.
func (p *AttachmentProcessor) Process(ctx context.Context, parts []datatypes.Part, cid extensions.CorrelationID) AttachmentResult {
	if len(parts) == 0 {
		return AttachmentResult{}
	}
	ctx, span := tracer.Start(ctx, "AttachmentProcessor.Process")
	defer span.End()

	logger := p.logger.With("correlation_id", cid.String())
	uploadedAt := p.now().UTC()

	attachments := make([]datatypes.Attachment, len(parts))
	fragments := make([]string, len(parts))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, part := range parts {
		attachments[i] = datatypes.Attachment{
			Name:        displayName(part),
			URL:         part.URL,
			ContentType: part.MediaType,
			Size:        max(part.Size, 0),
			StoragePath: part.StoragePath,
			UploadedAt:  uploadedAt,
		}
		g.Go(func() error {
			fragments[i] = p.processOne(ctx, part, &attachments[i], logger)
			return nil
		})
	}
	_ = g.Wait()

	for i := range attachments {
		if attachments[i].ContentType == "" {
			attachments[i].ContentType = defaultContentType
		}
	}
	out := AttachmentResult{Attachments: attachments}
	for _, f := range fragments {
		if f != "" {
			out.Fragments = append(out.Fragments, f)
		}
	}
	return out
}

// processOne fills in what the fetch learns about att and returns its
// context fragment, or "" if the file stays out of context.
func (p *AttachmentProcessor) processOne(ctx context.Context, part datatypes.Part,
	att *datatypes.Attachment, logger *slog.Logger) string {
	if p.loader == nil {
		return ""
	}
	mediaType, err := p.loader.Validator().ValidatePart(part)
	if err != nil {
		p.metrics.RecordAttachment(observability.AttachmentInvalid)
		logger.Warn("attachment rejected", "file", att.Name, "error", err)
		return ""
	}

	entry, err := p.loader.Load(ctx, part.Reference(), att.Name, mediaType)
	if err != nil {
		p.metrics.RecordAttachment(observability.AttachmentFailed)
		logger.Warn("attachment extraction failed", "file", att.Name, "error", err)
		return ""
	}
	p.metrics.RecordAttachment(observability.AttachmentExtracted)

	if att.Size <= 0 {
		att.Size = entry.Size
	}
	if att.ContentType == "" {
		att.ContentType = entry.ContentType
	}
	return fileFragment(att.Name, entry.Text)
}

func displayName(p datatypes.Part) string {
	if p.Name != "" {
		return p.Name
	}
	ref := p.Reference()
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return defaultAttachmentName
	}
	return path.Base(ref)
}
