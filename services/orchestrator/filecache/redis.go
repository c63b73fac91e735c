// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache shared by every orchestrator instance.
type RedisCache struct {
	client *redis.Client
	cfg    Config
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, cfg Config) (*RedisCache, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis_addr is required for the redis file cache")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return &RedisCache{client: client, cfg: cfg}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, ref string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, keyFor(c.cfg.KeyPrefix, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put implements Cache. A zero TTL stores without expiry.
func (c *RedisCache) Put(ctx context.Context, ref string, entry Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyFor(c.cfg.KeyPrefix, ref), data, c.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
