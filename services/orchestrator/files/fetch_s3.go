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

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config points at an S3-compatible endpoint (AWS S3, MinIO, R2).
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3Fetcher reads s3:// references.
type S3Fetcher struct {
	client   *minio.Client
	maxBytes int64
}

// NewS3Fetcher builds a client. No network call is made until Fetch.
func NewS3Fetcher(cfg S3Config, maxBytes int64) (*S3Fetcher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Fetcher{client: client, maxBytes: maxBytes}, nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, ref string) (*Object, error) {
	bucket, key, err := splitBucketKey(ref)
	if err != nil {
		return nil, err
	}
	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("open s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat s3://%s/%s: %w", bucket, key, err)
	}
	if info.Size > f.maxBytes {
		return nil, ErrTooLarge
	}
	data, err := readLimited(obj, f.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return &Object{Data: data, ContentType: info.ContentType}, nil
}
