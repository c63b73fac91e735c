// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chats, messages, artifacts and activity records in
// a SQL database.
//
// # Description
//
// Two dialects are supported through database/sql: SQLite (modernc.org/sqlite,
// pure Go, the default for local deployments) and PostgreSQL
// (jackc/pgx/v5/stdlib). Queries are written once with '?' placeholders and
// rebound for PostgreSQL.
//
// # Thread Safety
//
// *SQLStore is safe for concurrent use. SQLite is limited to one open
// connection, so writes are serialised.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a chat or artifact does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrChatExists is returned by SaveChat when the id is already taken.
	ErrChatExists = errors.New("store: chat already exists")
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config selects and tunes the database.
//
// # Fields
//
//   - Driver: "sqlite" (default) or "postgres".
//   - DSN: File path or ":memory:" for SQLite; connection URL for PostgreSQL.
//   - MaxOpenConns: PostgreSQL pool size. Ignored for SQLite.
type Config struct {
	Driver       Dialect `yaml:"driver"`
	DSN          string  `yaml:"dsn"`
	MaxOpenConns int     `yaml:"max_open_conns"`
}

// DefaultConfig is an on-disk SQLite database under ./data.
func DefaultConfig() Config {
	return Config{Driver: DialectSQLite, DSN: "data/chat.sqlite3", MaxOpenConns: 20}
}

// InMemoryConfig is a throwaway SQLite database. Used by tests.
func InMemoryConfig() Config {
	return Config{Driver: DialectSQLite, DSN: ":memory:"}
}

// SQLStore implements the chat, message, artifact and activity stores.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database and applies the schema.
//
// # Inputs
//
//   - ctx: Bounds the connection check and migration.
//   - cfg: Database selection.
//
// # Outputs
//
//   - *SQLStore: Ready store. Call Close on shutdown.
//   - error: Unsupported driver, connection or migration failure.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DialectSQLite, "":
		cfg.Driver = DialectSQLite
		db, err = openSQLite(cfg.DSN)
	case DialectPostgres:
		db, err = openPostgres(cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfig().DSN
	}
	dsn := path
	if path != ":memory:" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = abs + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; also keeps ":memory:" on one shared connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(dsn string, maxOpen int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	return db, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the backend in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// rebind converts '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
