// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"
)

const syncRunColumns = `run_id, kind, status, rooms_processed, users_processed, memberships_processed,
	failed_units, cursor, error, created_ts, started_ts, finished_ts, duration_ms`

func scanSyncRun(row dbutil.Scannable) (*SyncRun, error) {
	var r SyncRun
	var created, started, finished, durationMS int64
	err := row.Scan(&r.RunID, &r.Kind, &r.Status, &r.RoomsProcessed, &r.UsersProcessed, &r.MembershipsProcessed,
		&r.FailedUnits, &r.Cursor, &r.Error, &created, &started, &finished, &durationMS)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = timeFromMS(created)
	r.StartedAt = timeFromMS(started)
	r.FinishedAt = timeFromMS(finished)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return &r, nil
}

func (s *Store) getSyncRun(ctx context.Context, query string, args ...any) (*SyncRun, error) {
	run, err := scanSyncRun(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// CreateSyncRun appends a pending run to the audit trail.
func (s *Store) CreateSyncRun(ctx context.Context, kind SyncKind) (*SyncRun, error) {
	run := &SyncRun{
		RunID:     uuid.NewString(),
		Kind:      kind,
		Status:    SyncPending,
		CreatedAt: timeFromMS(s.nowMS()),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sync_run (run_id, kind, status, created_ts) VALUES ($1, $2, $3, $4)`,
		run.RunID, run.Kind, run.Status, msFromTime(run.CreatedAt))
	if err != nil {
		return nil, wrapWrite("create sync run", err)
	}
	return run, nil
}

// StartSyncRun moves a run from pending to running.
func (s *Store) StartSyncRun(ctx context.Context, run *SyncRun) error {
	nowMS := s.nowMS()
	res, err := s.db.Exec(ctx,
		`UPDATE sync_run SET status='running', started_ts=$2 WHERE run_id=$1 AND status='pending'`,
		run.RunID, nowMS)
	if err != nil {
		return wrapWrite("start sync run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not pending", ErrInvalidTransition, run.RunID)
	}
	run.Status = SyncRunning
	run.StartedAt = timeFromMS(nowMS)
	return nil
}

// FinishSyncRun moves a running run to its final status and stores the
// counters, cursor and error detail from run.
func (s *Store) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	if run.Status != SyncSuccess && run.Status != SyncFailed {
		return fmt.Errorf("%w: cannot finish run with status %q", ErrInvalidTransition, run.Status)
	}
	nowMS := s.nowMS()
	durationMS := nowMS - msFromTime(run.StartedAt)
	if run.StartedAt.IsZero() || durationMS < 0 {
		durationMS = 0
	}
	res, err := s.db.Exec(ctx, `
		UPDATE sync_run SET
			status=$2, rooms_processed=$3, users_processed=$4, memberships_processed=$5,
			failed_units=$6, cursor=$7, error=$8, finished_ts=$9, duration_ms=$10
		WHERE run_id=$1 AND status='running'
	`, run.RunID, run.Status, run.RoomsProcessed, run.UsersProcessed, run.MembershipsProcessed,
		run.FailedUnits, run.Cursor, run.Error, nowMS, durationMS)
	if err != nil {
		return wrapWrite("finish sync run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s is not running", ErrInvalidTransition, run.RunID)
	}
	run.FinishedAt = timeFromMS(nowMS)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return nil
}

// LastSuccessfulSync returns the newest successful run of the given kind, or
// of any kind if kind is empty. Returns nil if there is none.
func (s *Store) LastSuccessfulSync(ctx context.Context, kind SyncKind) (*SyncRun, error) {
	if kind == "" {
		return s.getSyncRun(ctx, `SELECT `+syncRunColumns+` FROM sync_run
			WHERE status='success' ORDER BY finished_ts DESC, run_id DESC LIMIT 1`)
	}
	return s.getSyncRun(ctx, `SELECT `+syncRunColumns+` FROM sync_run
		WHERE status='success' AND kind=$1 ORDER BY finished_ts DESC, run_id DESC LIMIT 1`, kind)
}

// LastFailedSync returns the newest failed run, or nil.
func (s *Store) LastFailedSync(ctx context.Context) (*SyncRun, error) {
	return s.getSyncRun(ctx, `SELECT `+syncRunColumns+` FROM sync_run
		WHERE status='failed' ORDER BY finished_ts DESC, run_id DESC LIMIT 1`)
}

// RunningSyncRun returns the oldest run still marked running, or nil.
func (s *Store) RunningSyncRun(ctx context.Context) (*SyncRun, error) {
	return s.getSyncRun(ctx, `SELECT `+syncRunColumns+` FROM sync_run
		WHERE status='running' ORDER BY started_ts, run_id LIMIT 1`)
}

func (s *Store) GetSyncRun(ctx context.Context, runID string) (*SyncRun, error) {
	run, err := s.getSyncRun(ctx, `SELECT `+syncRunColumns+` FROM sync_run WHERE run_id=$1`, runID)
	if err != nil {
		return nil, err
	} else if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}

// LatestCursor returns the remote sync token of the newest successful run
// that stored one.
func (s *Store) LatestCursor(ctx context.Context) (string, error) {
	var cursor string
	err := s.db.QueryRow(ctx, `
		SELECT cursor FROM sync_run
		WHERE status='success' AND cursor<>''
		ORDER BY finished_ts DESC, run_id DESC LIMIT 1
	`).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get latest cursor: %w", err)
	}
	return cursor, nil
}

// FailStaleRuns marks runs that have been running for longer than maxAge as
// failed. Used to recover from a crashed process before starting a new run.
func (s *Store) FailStaleRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	nowMS := s.nowMS()
	cutoff := nowMS - maxAge.Milliseconds()
	res, err := s.db.Exec(ctx, `
		UPDATE sync_run SET
			status='failed',
			error=$3,
			finished_ts=$1,
			duration_ms=$1 - started_ts
		WHERE status='running' AND started_ts < $2
	`, nowMS, cutoff, fmt.Sprintf("stuck: still running after %s", maxAge))
	if err != nil {
		return 0, wrapWrite("fail stale runs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListSyncRuns returns the newest runs first.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(ctx, `SELECT `+syncRunColumns+` FROM sync_run ORDER BY created_ts DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()
	var runs []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
