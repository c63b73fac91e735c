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
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// ErrNotText is returned when bytes declared as text are not valid UTF-8.
var ErrNotText = errors.New("file content is not valid UTF-8 text")

// Extractor converts fetched bytes into model-readable text.
type Extractor struct {
	// MaxChars caps the extracted text. Zero means no cap.
	MaxChars int
}

// Extract dispatches on the resolved media type.
func (e *Extractor) Extract(mediaType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch normalizeType(mediaType) {
	case "text/html":
		text, err = extractHTML(data)
	case "text/csv":
		text, err = extractCSV(data)
	case "application/json":
		text, err = extractJSON(data)
	default:
		text, err = extractPlain(data)
	}
	if err != nil {
		return "", err
	}
	return e.clip(strings.TrimSpace(text)), nil
}

func (e *Extractor) clip(text string) string {
	if e.MaxChars <= 0 || utf8.RuneCountInString(text) <= e.MaxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:e.MaxChars]) + "\n[truncated]"
}

func extractPlain(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", ErrNotText
	}
	return string(data), nil
}

// extractCSV re-renders rows pipe-separated so column boundaries survive
// quoting.
func extractCSV(data []byte) (string, error) {
	plain, err := extractPlain(data)
	if err != nil {
		return "", err
	}
	r := csv.NewReader(strings.NewReader(plain))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var b strings.Builder
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse csv: %w", err)
		}
		b.WriteString(strings.Join(rec, " | "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func extractJSON(data []byte) (string, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	return out.String(), nil
}

// extractHTML keeps visible text and drops script, style and head content.
func extractHTML(data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return collapseBlankLines(b.String()), nil
			}
			return "", fmt.Errorf("parse html: %w", z.Err())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head", "noscript":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "head", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				if t := strings.TrimSpace(string(z.Text())); t != "" {
					b.WriteString(t)
					b.WriteByte(' ')
				}
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
