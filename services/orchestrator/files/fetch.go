// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package files fetches attachment bytes from object storage and turns them
// into plain text for model context.
//
// # Description
//
// A reference is either a storage path with a scheme (gs://bucket/key,
// s3://bucket/key) or a public http(s) URL. Router dispatches on the scheme.
// Every fetch is bounded by a byte ceiling; a body larger than the ceiling
// is rejected rather than truncated so extraction never sees half a file.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrTooLarge is returned when an object exceeds the fetch ceiling.
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrUnsupportedScheme is returned for references no fetcher handles.
	ErrUnsupportedScheme = errors.New("unsupported file reference scheme")
)

// Object is a fetched file.
type Object struct {
	Data        []byte
	ContentType string
}

// Size is the number of bytes fetched.
func (o *Object) Size() int64 { return int64(len(o.Data)) }

// Fetcher retrieves the bytes behind a reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (*Object, error)
}

// Router picks a fetcher by reference scheme. A nil entry means the scheme
// is not configured.
type Router struct {
	HTTP Fetcher
	GCS  Fetcher
	S3   Fetcher
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, ref string) (*Object, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse file reference: %w", err)
	}
	var f Fetcher
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		f = r.HTTP
	case "gs":
		f = r.GCS
	case "s3":
		f = r.S3
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f.Fetch(ctx, ref)
}

// splitBucketKey turns gs://bucket/a/b into ("bucket", "a/b").
func splitBucketKey(ref string) (string, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("parse file reference: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("file reference %q has no bucket or key", ref)
	}
	return u.Host, key, nil
}

// readLimited reads at most max bytes and fails with ErrTooLarge beyond.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}

// ErrHostNotAllowed is returned for URLs outside the configured host list.
var ErrHostNotAllowed = errors.New("file host not allowed")

// HTTPFetcher downloads public or pre-signed URLs.
type HTTPFetcher struct {
	client       *http.Client
	maxBytes     int64
	allowedHosts map[string]struct{}
}

// NewHTTPFetcher returns a fetcher with the given timeout and ceiling. If
// allowedHosts is non-empty, only those hosts are fetched from.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64, allowedHosts ...string) *HTTPFetcher {
	f := &HTTPFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
	if len(allowedHosts) > 0 {
		f.allowedHosts = make(map[string]struct{}, len(allowedHosts))
		for _, h := range allowedHosts {
			f.allowedHosts[strings.ToLower(h)] = struct{}{}
		}
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*Object, error) {
	if f.allowedHosts != nil {
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parse file reference: %w", err)
		}
		if _, ok := f.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redactQuery(ref), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", redactQuery(ref), resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redactQuery(ref), err)
	}
	return &Object{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// redactQuery drops query strings, which carry signatures on pre-signed URLs.
func redactQuery(ref string) string {
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		return ref[:i]
	}
	return ref
}
