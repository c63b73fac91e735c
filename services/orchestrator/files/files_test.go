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
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Fetch Tests
// =============================================================================

func TestHTTPFetcher_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.txt":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("hello file"))
		case "/big.txt":
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := NewHTTPFetcher(5*time.Second, 64)

	obj, err := f.Fetch(context.Background(), server.URL+"/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello file", string(obj.Data))
	assert.Equal(t, int64(10), obj.Size())
	assert.Contains(t, obj.ContentType, "text/plain")

	_, err = f.Fetch(context.Background(), server.URL+"/big.txt")
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = f.Fetch(context.Background(), server.URL+"/missing")
	assert.Error(t, err)
}

func TestHTTPFetcher_AllowedHosts(t *testing.T) {
	f := NewHTTPFetcher(time.Second, 64, "files.example.com")
	_, err := f.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data")
	assert.ErrorIs(t, err, ErrHostNotAllowed)
}

func TestRouter_UnsupportedScheme(t *testing.T) {
	r := &Router{}
	_, err := r.Fetch(context.Background(), "ftp://host/file")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = r.Fetch(context.Background(), "gs://bucket/key")
	assert.ErrorIs(t, err, ErrUnsupportedScheme, "unconfigured scheme")
}

type stubFetcher struct{ got string }

func (s *stubFetcher) Fetch(_ context.Context, ref string) (*Object, error) {
	s.got = ref
	return &Object{Data: []byte("x")}, nil
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	gcs, s3 := &stubFetcher{}, &stubFetcher{}
	r := &Router{GCS: gcs, S3: s3}

	_, err := r.Fetch(context.Background(), "gs://b/k.txt")
	require.NoError(t, err)
	_, err = r.Fetch(context.Background(), "s3://b/k2.txt")
	require.NoError(t, err)

	assert.Equal(t, "gs://b/k.txt", gcs.got)
	assert.Equal(t, "s3://b/k2.txt", s3.got)
}

func TestSplitBucketKey(t *testing.T) {
	b, k, err := splitBucketKey("gs://bucket/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "dir/file.txt", k)

	_, _, err = splitBucketKey("gs://bucket/")
	assert.Error(t, err)
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "https://x/a.txt", redactQuery("https://x/a.txt?X-Goog-Signature=secret"))
}

// =============================================================================
// Validator Tests
// =============================================================================

func TestValidator_ValidatePart(t *testing.T) {
	v := NewValidator(nil, 1024)

	tests := []struct {
		name     string
		part     datatypes.Part
		wantType string
		wantErr  error
	}{
		{"declared text", datatypes.Part{Type: datatypes.PartFile, Name: "a.txt", URL: "https://x/a", MediaType: "text/plain"}, "text/plain", nil},
		{"charset param", datatypes.Part{Type: datatypes.PartFile, URL: "https://x/a", MediaType: "text/csv; charset=utf-8"}, "text/csv", nil},
		{"from extension", datatypes.Part{Type: datatypes.PartFile, Name: "notes.md", StoragePath: "gs://b/notes.md"}, "text/markdown", nil},
		{"octet stream falls back to extension", datatypes.Part{Type: datatypes.PartFile, Name: "d.json", URL: "https://x/d", MediaType: "application/octet-stream"}, "application/json", nil},
		{"unknown deferred to sniffing", datatypes.Part{Type: datatypes.PartFile, Name: "blob", URL: "https://x/blob"}, "", nil},
		{"missing reference", datatypes.Part{Type: datatypes.PartFile, Name: "a.txt"}, "", ErrMissingReference},
		{"disallowed type", datatypes.Part{Type: datatypes.PartFile, URL: "https://x/a.png", MediaType: "image/png"}, "", ErrTypeNotAllowed},
		{"too large", datatypes.Part{Type: datatypes.PartFile, URL: "https://x/a.txt", MediaType: "text/plain", Size: 4096}, "", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidatePart(tt.part)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got)
		})
	}
}

func TestValidator_ResolveType(t *testing.T) {
	v := NewValidator(nil, 0)
	assert.Equal(t, DefaultMaxBytes, v.MaxBytes())

	got, err := v.ResolveType("", []byte("just some words"))
	require.NoError(t, err)
	assert.Equal(t, "text/plain", got)

	got, err = v.ResolveType("application/octet-stream", []byte(`{"a": 1}`))
	require.NoError(t, err)
	assert.Equal(t, "application/json", got)

	_, err = v.ResolveType("", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
	assert.ErrorIs(t, err, ErrTypeNotAllowed)
}

// =============================================================================
// Extractor Tests
// =============================================================================

func TestExtractor_Extract(t *testing.T) {
	e := &Extractor{}

	tests := []struct {
		name      string
		mediaType string
		data      string
		want      string
	}{
		{"plain with BOM", "text/plain", "\xef\xbb\xbfhello\n", "hello"},
		{"markdown", "text/markdown", "# Title\n\nbody", "# Title\n\nbody"},
		{"csv", "text/csv", "a,b\n\"1,5\",2\n", "a | b\n1,5 | 2"},
		{"json", "application/json", `{"a":[1,2]}`, "{\n  \"a\": [\n    1,\n    2\n  ]\n}"},
		{"html", "text/html", "<html><head><title>x</title></head><body><p>Hello</p><script>var x;</script><p>World</p></body></html>", "Hello\nWorld"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract(tt.mediaType, []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractor_Errors(t *testing.T) {
	e := &Extractor{}
	_, err := e.Extract("text/plain", []byte{0xff, 0xfe, 0x00})
	assert.ErrorIs(t, err, ErrNotText)

	_, err = e.Extract("application/json", []byte("{broken"))
	assert.Error(t, err)
}

func TestExtractor_MaxChars(t *testing.T) {
	e := &Extractor{MaxChars: 5}
	got, err := e.Extract("text/plain", []byte("héllo world"))
	require.NoError(t, err)
	assert.Equal(t, "héllo\n[truncated]", got)
}
