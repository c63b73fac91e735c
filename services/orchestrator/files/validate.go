// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package files

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

var (
	ErrMissingReference = errors.New("file has no url or storage path")
	ErrTypeNotAllowed   = errors.New("file type not allowed")
)

// DefaultMaxBytes is the default attachment ceiling (10 MiB).
const DefaultMaxBytes int64 = 10 << 20

// DefaultAllowedTypes are the media types the extractor understands.
var DefaultAllowedTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"text/html",
	"text/xml",
	"application/json",
	"application/xml",
}

// Validator decides whether an attachment may enter model context.
type Validator struct {
	allowed  map[string]struct{}
	maxBytes int64
}

// NewValidator builds a validator. Empty allowed uses DefaultAllowedTypes;
// a non-positive maxBytes uses DefaultMaxBytes.
func NewValidator(allowed []string, maxBytes int64) *Validator {
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	v := &Validator{allowed: make(map[string]struct{}, len(allowed)), maxBytes: maxBytes}
	for _, t := range allowed {
		v.allowed[normalizeType(t)] = struct{}{}
	}
	return v
}

// MaxBytes is the configured ceiling.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// ValidatePart checks a file part before anything is fetched: a reference
// must be present, the declared (or extension-derived) type must be on the
// allow-list, and a declared size must be within the ceiling. It returns
// the effective media type, which is empty when neither the part nor its
// name reveal one and sniffing must decide after the fetch.
func (v *Validator) ValidatePart(p datatypes.Part) (string, error) {
	if strings.TrimSpace(p.Reference()) == "" {
		return "", ErrMissingReference
	}
	if p.Size > v.maxBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, p.Size)
	}
	mediaType := normalizeType(p.MediaType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = typeByExtension(p.Name)
	}
	if mediaType == "" {
		return "", nil
	}
	if !v.Allowed(mediaType) {
		return "", fmt.Errorf("%w: %s", ErrTypeNotAllowed, mediaType)
	}
	return mediaType, nil
}

// Allowed reports whether a media type is on the allow-list.
func (v *Validator) Allowed(mediaType string) bool {
	_, ok := v.allowed[normalizeType(mediaType)]
	return ok
}

// ResolveType settles the media type of fetched bytes. A declared type that
// is allowed wins; otherwise the content is sniffed and the sniffed type
// must be allowed.
func (v *Validator) ResolveType(declared string, data []byte) (string, error) {
	if d := normalizeType(declared); d != "" && v.Allowed(d) {
		return d, nil
	}
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if v.Allowed(m.String()) {
			return normalizeType(m.String()), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTypeNotAllowed, normalizeType(detected.String()))
}

var extensionTypes = map[string]string{
	".txt":      "text/plain",
	".text":     "text/plain",
	".log":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".json":     "application/json",
	".html":     "text/html",
	".htm":      "text/html",
	".xml":      "application/xml",
}

// typeByExtension prefers a fixed table over the host's mime.types, which
// differs between machines.
func typeByExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return normalizeType(mime.TypeByExtension(ext))
}

// normalizeType strips parameters and lower-cases.
func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(t)
}
