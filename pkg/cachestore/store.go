// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cachestore persists the mirrored room/user/membership graph and the
// sync run audit trail.
package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/roomcache/pkg/config"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid sync run status transition")
)

// PersistenceError is a failed cache write. The transaction it happened in
// was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(db *dbutil.Database, log zerolog.Logger, opts ...Option) *Store {
	s := &Store{db: db, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger, opts ...Option) (*Store, error) {
	raw, err := sql.Open(cfg.Type, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConns)
	raw.SetMaxIdleConns(cfg.MaxIdleConns)
	db, err := dbutil.NewWithDB(raw, cfg.Type)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "cache").Logger())
	s := New(db, log, opts...)
	if err = s.EnsureSchema(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.RawDB.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.RawDB.PingContext(ctx)
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cached_user (
			user_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			profile_room_id TEXT NOT NULL DEFAULT '',
			is_bridged BOOLEAN NOT NULL DEFAULT FALSE,
			last_active_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL,
			last_synced_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cached_room (
			room_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT 'group',
			encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			is_priority BOOLEAN NOT NULL DEFAULT FALSE,
			updated_ts BIGINT NOT NULL,
			last_synced_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_membership (
			room_id TEXT NOT NULL REFERENCES cached_room (room_id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES cached_user (user_id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			joined_ts BIGINT NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL,
			last_synced_ts BIGINT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_run (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			rooms_processed INTEGER NOT NULL DEFAULT 0,
			users_processed INTEGER NOT NULL DEFAULT 0,
			memberships_processed INTEGER NOT NULL DEFAULT 0,
			failed_units INTEGER NOT NULL DEFAULT 0,
			cursor TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_ts BIGINT NOT NULL,
			started_ts BIGINT NOT NULL DEFAULT 0,
			finished_ts BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS cached_user_synced_idx ON cached_user (last_synced_ts)`,
		`CREATE INDEX IF NOT EXISTS cached_user_bridged_idx ON cached_user (is_bridged, user_id)`,
		`CREATE INDEX IF NOT EXISTS cached_room_synced_idx ON cached_room (last_synced_ts)`,
		`CREATE INDEX IF NOT EXISTS cached_room_members_idx ON cached_room (member_count, room_id)`,
		`CREATE INDEX IF NOT EXISTS room_membership_user_idx ON room_membership (user_id, status)`,
		`CREATE INDEX IF NOT EXISTS room_membership_synced_idx ON room_membership (last_synced_ts)`,
		`CREATE INDEX IF NOT EXISTS sync_run_status_idx ON sync_run (status, finished_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}
	if s.db.Dialect == dbutil.SQLite {
		// Cascades only work with foreign keys enabled on the connection.
		var fk int
		if err := s.db.QueryRow(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil {
			return fmt.Errorf("failed to check foreign key pragma: %w", err)
		} else if fk != 1 {
			return fmt.Errorf("sqlite foreign keys are disabled, add _foreign_keys=on to the database uri")
		}
	}
	return nil
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func msFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// likePattern turns a free-text search into a case-insensitive LIKE pattern.
func likePattern(search string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.ToLower(strings.TrimSpace(search))) + "%"
}

// whereBuilder collects numbered conditions for the dynamic query filters.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, args ...any) {
	for _, arg := range args {
		w.args = append(w.args, arg)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *whereBuilder) next() string {
	return fmt.Sprintf("$%d", len(w.args)+1)
}
