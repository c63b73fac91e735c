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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerCache(t *testing.T) Cache {
	t.Helper()
	c, err := OpenBadgerCache(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRedisCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), Config{RedisAddr: mr.Addr(), TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// exerciseCache runs the behaviour every backend must share.
func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()
	ref := "gs://bucket/uploads/report.csv"

	_, found, err := c.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Put(ctx, ref, Entry{Name: "report.csv", ContentType: "text/csv", Text: "a,b\n1,2", Size: 8}))
	got, found, err := c.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a,b\n1,2", got.Text)
	assert.Equal(t, int64(8), got.Size)
	assert.False(t, got.StoredAt.IsZero())

	// last write wins
	require.NoError(t, c.Put(ctx, ref, Entry{Name: "report.csv", Text: "newer"}))
	got, _, err = c.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.Text)

	_, found, err = c.Get(ctx, "gs://bucket/uploads/other.csv")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBadgerCache(t *testing.T) {
	exerciseCache(t, newBadgerCache(t))
}

func TestBadgerCache_CanceledContext(t *testing.T) {
	c := newBadgerCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenBadgerCache_RequiresPath(t *testing.T) {
	_, err := OpenBadgerCache(BadgerConfig{})
	assert.Error(t, err)
}

func TestBadgerCache_OnDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenBadgerCache(BadgerConfig{Path: dir, TTL: time.Hour, GCInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "ref", Entry{Text: "persisted"}))
	require.NoError(t, c.Close())

	c2, err := OpenBadgerCache(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer c2.Close()
	got, found, err := c2.Get(context.Background(), "ref")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", got.Text)
}

func TestRedisCache(t *testing.T) {
	c, _ := newRedisCache(t)
	exerciseCache(t, c)
}

func TestRedisCache_TTLExpires(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "ref", Entry{Text: "short lived"}))
	mr.FastForward(2 * time.Hour)

	_, found, err := c.Get(ctx, "ref")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_KeysArePrefixedHashes(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, c.Put(context.Background(), "https://example.com/a.txt?sig=abc", Entry{Text: "x"}))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, keyFor(DefaultConfig().KeyPrefix, "https://example.com/a.txt?sig=abc"), keys[0])
}

func TestNewRedisCache_Errors(t *testing.T) {
	_, err := NewRedisCache(context.Background(), Config{})
	assert.Error(t, err)
}

func TestOpen_UnsupportedBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "memcached"}, nil)
	assert.Error(t, err)
}
