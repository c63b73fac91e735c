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
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/filecache"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/files"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

// FileLoader turns a file reference into extracted text with a
// cache-or-fetch policy. The cache is optional.
type FileLoader struct {
	fetcher   files.Fetcher
	validator *files.Validator
	extractor *files.Extractor
	cache     filecache.Cache
	metrics   *observability.ChatMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewFileLoader wires the file stack. cache and metrics may be nil.
func NewFileLoader(fetcher files.Fetcher, validator *files.Validator, extractor *files.Extractor,
	cache filecache.Cache, metrics *observability.ChatMetrics, logger *slog.Logger) *FileLoader {
	if validator == nil {
		validator = files.NewValidator(nil, 0)
	}
	if extractor == nil {
		extractor = &files.Extractor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLoader{
		fetcher:   fetcher,
		validator: validator,
		extractor: extractor,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Validator exposes the attachment policy.
func (l *FileLoader) Validator() *files.Validator { return l.validator }

// Load returns the extracted text for ref. A cache hit skips the fetch; a
// miss fetches, extracts and writes the result back. Cache errors are
// logged and treated as misses.
func (l *FileLoader) Load(ctx context.Context, ref, name, declaredType string) (filecache.Entry, error) {
	if entry, ok := l.lookup(ctx, ref); ok {
		return entry, nil
	}
	if l.fetcher == nil {
		return filecache.Entry{}, fmt.Errorf("%w: no fetcher configured", files.ErrUnsupportedScheme)
	}

	obj, err := l.fetcher.Fetch(ctx, ref)
	if err != nil {
		return filecache.Entry{}, err
	}
	if declaredType == "" {
		declaredType = obj.ContentType
	}
	mediaType, err := l.validator.ResolveType(declaredType, obj.Data)
	if err != nil {
		return filecache.Entry{}, err
	}
	text, err := l.extractor.Extract(mediaType, obj.Data)
	if err != nil {
		return filecache.Entry{}, err
	}

	if name == "" {
		name = path.Base(ref)
	}
	entry := filecache.Entry{
		Name:        name,
		ContentType: mediaType,
		Text:        text,
		Size:        obj.Size(),
		StoredAt:    l.now().UTC(),
	}
	if l.cache != nil {
		if err := l.cache.Put(ctx, ref, entry); err != nil {
			l.logger.Warn("file cache write failed", "file", name, "error", err)
		}
	}
	return entry, nil
}

func (l *FileLoader) lookup(ctx context.Context, ref string) (filecache.Entry, bool) {
	if l.cache == nil {
		return filecache.Entry{}, false
	}
	entry, found, err := l.cache.Get(ctx, ref)
	switch {
	case err != nil:
		l.metrics.RecordCacheLookup(observability.CacheError)
		l.logger.Warn("file cache read failed", "error", err)
		return filecache.Entry{}, false
	case !found:
		l.metrics.RecordCacheLookup(observability.CacheMiss)
		return filecache.Entry{}, false
	default:
		l.metrics.RecordCacheLookup(observability.CacheHit)
		return entry, true
	}
}

// fileFragment renders one file for model context.
func fileFragment(name, text string) string {
	return "File: " + name + "\nContent:\n" + text
}
