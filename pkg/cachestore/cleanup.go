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
	"fmt"
	"time"
)

// Cleanup hard-deletes cache rows whose last sync is older than maxAge, in a
// single transaction. Memberships go first; users and rooms are only removed
// if no membership synced within maxAge still references them. An empty cache
// removes nothing and is not an error.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	var total int64
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		total = 0
		cutoff := s.nowMS() - maxAge.Milliseconds()
		queries := []struct {
			table string
			query string
		}{
			{"room_membership", `DELETE FROM room_membership WHERE last_synced_ts < $1`},
			{"cached_user", `
				DELETE FROM cached_user
				WHERE last_synced_ts < $1
				  AND NOT EXISTS (
					SELECT 1 FROM room_membership m
					WHERE m.user_id = cached_user.user_id AND m.last_synced_ts >= $1
				  )
			`},
			{"cached_room", `
				DELETE FROM cached_room
				WHERE last_synced_ts < $1
				  AND NOT EXISTS (
					SELECT 1 FROM room_membership m
					WHERE m.room_id = cached_room.room_id AND m.last_synced_ts >= $1
				  )
			`},
		}
		for _, q := range queries {
			res, err := s.db.Exec(ctx, q.query, cutoff)
			if err != nil {
				return fmt.Errorf("failed to clean up %s: %w", q.table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapWrite("cleanup", err)
	}
	return total, nil
}

// Stats returns row counts and the last successful and currently running
// sync runs.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cached_user),
			(SELECT COUNT(*) FROM cached_user WHERE is_bridged = TRUE),
			(SELECT COUNT(*) FROM cached_room),
			(SELECT COUNT(*) FROM cached_room WHERE is_priority = TRUE),
			(SELECT COUNT(*) FROM room_membership),
			(SELECT COUNT(*) FROM room_membership WHERE status = 'joined')
	`).Scan(&st.Users, &st.BridgedUsers, &st.Rooms, &st.PriorityRooms, &st.Memberships, &st.JoinedMemberships)
	if err != nil {
		return nil, fmt.Errorf("failed to count cache rows: %w", err)
	}
	if st.LastSuccessfulSync, err = s.LastSuccessfulSync(ctx, ""); err != nil {
		return nil, err
	}
	if st.RunningSync, err = s.RunningSyncRun(ctx); err != nil {
		return nil, err
	}
	return &st, nil
}
