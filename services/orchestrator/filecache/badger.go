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
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded cache.
//
// # Fields
//
//   - Path: Directory for the database. Required unless InMemory.
//   - InMemory: Keep everything in RAM. Used by tests.
//   - TTL: Entry lifetime. Zero keeps entries forever.
//   - GCInterval: Value-log GC period. Zero disables GC.
//   - Logger: Receives Badger's internal logs. Nil silences them.
type BadgerConfig struct {
	Path       string
	InMemory   bool
	TTL        time.Duration
	GCInterval time.Duration
	Logger     *slog.Logger
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerCache is a Cache backed by an embedded Badger database.
type BadgerCache struct {
	db     *badger.DB
	ttl    time.Duration
	stopGC chan struct{}
	doneGC chan struct{}
	logger *slog.Logger
}

// OpenBadgerCache opens (or creates) the database and starts value-log GC
// for on-disk databases.
func OpenBadgerCache(cfg BadgerConfig) (*BadgerCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent file cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create file cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger file cache: %w", err)
	}

	c := &BadgerCache{db: db, ttl: cfg.TTL, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.stopGC = make(chan struct{})
		c.doneGC = make(chan struct{})
		go c.runGC(cfg.GCInterval)
	}
	return c, nil
}

// Get implements Cache.
func (c *BadgerCache) Get(ctx context.Context, ref string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyFor("", ref)))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("badger get: %w", err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put implements Cache.
func (c *BadgerCache) Put(ctx context.Context, ref string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyFor("", ref)), data)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Close stops GC and closes the database.
func (c *BadgerCache) Close() error {
	if c.stopGC != nil {
		close(c.stopGC)
		<-c.doneGC
	}
	return c.db.Close()
}

func (c *BadgerCache) runGC(interval time.Duration) {
	defer close(c.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
				c.logger.Warn("file cache value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

var _ Cache = (*BadgerCache)(nil)
