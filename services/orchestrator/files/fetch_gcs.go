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
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher reads gs:// references from Google Cloud Storage.
type GCSFetcher struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSFetcher creates a storage client. An empty credentialsFile uses
// Application Default Credentials.
func NewGCSFetcher(ctx context.Context, credentialsFile string, maxBytes int64) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSFetcher{client: client, maxBytes: maxBytes}, nil
}

// Fetch implements Fetcher.
func (f *GCSFetcher) Fetch(ctx context.Context, ref string) (*Object, error) {
	bucket, key, err := splitBucketKey(ref)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", bucket, key, err)
	}
	defer r.Close()

	if r.Attrs.Size > f.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := readLimited(r, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, key, err)
	}
	return &Object{Data: data, ContentType: r.Attrs.ContentType}, nil
}

// Close releases the client.
func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
