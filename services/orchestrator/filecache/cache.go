// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filecache stores extracted attachment text keyed by the file's
// storage reference.
//
// # Description
//
// Extraction is the expensive part of building chat context, so every file
// is extracted at most once per TTL. The cache is read-through and
// write-through from the caller's side and concurrent writers of the same
// key are last-write-wins.
//
// Two backends are provided: Redis for multi-instance deployments and an
// embedded Badger database for single-node ones.
package filecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Entry is one cached extraction.
type Entry struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"text"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}

// Cache is the file-content cache.
//
// Get returns found=false with a nil error on a miss. Implementations must
// be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, ref string) (entry Entry, found bool, err error)
	Put(ctx context.Context, ref string, entry Entry) error
	Close() error
}

// Backend names a cache implementation.
type Backend string

const (
	BackendBadger Backend = "badger"
	BackendRedis  Backend = "redis"
)

// Config selects and tunes the cache.
type Config struct {
	Backend Backend       `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`

	// Badger
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// DefaultConfig is an on-disk Badger cache with a one-week TTL.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendBadger,
		TTL:       7 * 24 * time.Hour,
		Path:      "data/filecache",
		KeyPrefix: "chat:filecache:",
	}
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Cache, error) {
	switch cfg.Backend {
	case BackendRedis:
		return NewRedisCache(ctx, cfg)
	case BackendBadger, "":
		return OpenBadgerCache(BadgerConfig{
			Path:       cfg.Path,
			InMemory:   cfg.InMemory,
			TTL:        cfg.TTL,
			GCInterval: 10 * time.Minute,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unsupported file cache backend: %s", cfg.Backend)
	}
}

// keyFor hashes a reference so signed URLs and long storage paths become
// fixed-length keys.
func keyFor(prefix, ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return prefix + hex.EncodeToString(sum[:])
}

func encodeEntry(e Entry) ([]byte, error) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return e, nil
}
