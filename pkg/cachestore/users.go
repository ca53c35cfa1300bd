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
	"slices"
	"strings"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const userColumns = `u.user_id, u.display_name, u.avatar_url, u.is_bridged, u.last_active_ts,
	(SELECT COUNT(*) FROM room_membership m WHERE m.user_id = u.user_id AND m.status = 'joined') AS room_count,
	u.updated_ts, u.last_synced_ts`

// profileWritable decides whether an incoming profile may replace the cached
// one. Members report per-room profiles, so the room with the smallest ID
// that the user is still joined to owns the cached profile. This keeps
// repeated syncs stable regardless of the order rooms are processed in.
const profileWritable = `(
	excluded.profile_room_id = ''
	OR cached_user.profile_room_id = ''
	OR excluded.profile_room_id <= cached_user.profile_room_id
	OR NOT EXISTS (
		SELECT 1 FROM room_membership m
		WHERE m.room_id = cached_user.profile_room_id AND m.user_id = cached_user.user_id AND m.status = 'joined'
	)
)`

const upsertUserQuery = `
	INSERT INTO cached_user (user_id, display_name, avatar_url, profile_room_id, last_active_ts, updated_ts, last_synced_ts)
	VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (user_id) DO UPDATE SET
		display_name=CASE WHEN ` + profileWritable + ` THEN excluded.display_name ELSE cached_user.display_name END,
		avatar_url=CASE WHEN ` + profileWritable + ` THEN excluded.avatar_url ELSE cached_user.avatar_url END,
		profile_room_id=CASE WHEN ` + profileWritable + ` THEN excluded.profile_room_id ELSE cached_user.profile_room_id END,
		last_active_ts=CASE
			WHEN excluded.last_active_ts > cached_user.last_active_ts THEN excluded.last_active_ts
			ELSE cached_user.last_active_ts
		END,
		updated_ts=CASE
			WHEN ` + profileWritable + ` AND (
				cached_user.display_name <> excluded.display_name OR cached_user.avatar_url <> excluded.avatar_url
			) THEN excluded.updated_ts
			WHEN excluded.last_active_ts > cached_user.last_active_ts THEN excluded.updated_ts
			ELSE cached_user.updated_ts
		END,
		last_synced_ts=excluded.last_synced_ts
`

// touchUserQuery inserts a bare user row if it doesn't exist yet and otherwise
// only refreshes the sync clock, keeping the cached profile.
const touchUserQuery = `
	INSERT INTO cached_user (user_id, last_active_ts, updated_ts, last_synced_ts)
	VALUES ($1, $2, $3, $3)
	ON CONFLICT (user_id) DO UPDATE SET
		last_active_ts=CASE
			WHEN excluded.last_active_ts > cached_user.last_active_ts THEN excluded.last_active_ts
			ELSE cached_user.last_active_ts
		END,
		updated_ts=CASE
			WHEN excluded.last_active_ts > cached_user.last_active_ts THEN excluded.updated_ts
			ELSE cached_user.updated_ts
		END,
		last_synced_ts=excluded.last_synced_ts
`

// UpsertUser inserts or updates a user keyed by its Matrix ID. Re-applying
// identical data leaves updated_at untouched.
func (s *Store) UpsertUser(ctx context.Context, user CachedUser) error {
	return wrapWrite("upsert user", s.upsertUser(ctx, user, "", true, s.nowMS()))
}

// upsertUser writes a user seen in profileRoom ("" when the profile is not
// room-scoped).
func (s *Store) upsertUser(ctx context.Context, user CachedUser, profileRoom id.RoomID, profileKnown bool, nowMS int64) error {
	if user.UserID == "" {
		return fmt.Errorf("user ID is empty")
	}
	var err error
	if profileKnown {
		_, err = s.db.Exec(ctx, upsertUserQuery,
			user.UserID, user.DisplayName, user.AvatarURL, profileRoom, msFromTime(user.LastActive), nowMS)
	} else {
		_, err = s.db.Exec(ctx, touchUserQuery, user.UserID, msFromTime(user.LastActive), nowMS)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.UserID, err)
	}
	return nil
}

func scanUser(row dbutil.Scannable) (*CachedUser, error) {
	var u CachedUser
	var lastActive, updated, synced int64
	err := row.Scan(&u.UserID, &u.DisplayName, &u.AvatarURL, &u.IsBridged, &lastActive, &u.RoomCount, &updated, &synced)
	if err != nil {
		return nil, err
	}
	u.LastActive = timeFromMS(lastActive)
	u.UpdatedAt = timeFromMS(updated)
	u.LastSynced = timeFromMS(synced)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*CachedUser, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM cached_user u WHERE u.user_id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return user, nil
}

func (q *UserQuery) where() *whereBuilder {
	var w whereBuilder
	if q.Search != "" {
		pattern := likePattern(q.Search)
		w.add(`(LOWER(u.user_id) LIKE ? ESCAPE '\' OR LOWER(u.display_name) LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if q.OnlyBridged {
		w.add(`u.is_bridged = TRUE`)
	} else if q.OnlyRegular {
		w.add(`u.is_bridged = FALSE`)
	}
	if q.PriorityOnly {
		w.add(`EXISTS (
			SELECT 1 FROM room_membership m
			JOIN cached_room r ON r.room_id = m.room_id
			WHERE m.user_id = u.user_id AND m.status = 'joined' AND r.is_priority = TRUE
		)`)
	}
	return &w
}

// QueryUsers returns one page of users ordered by user ID. An empty page is
// not an error.
func (s *Store) QueryUsers(ctx context.Context, q UserQuery) (*Page[CachedUser], error) {
	w := q.where()
	page := &Page[CachedUser]{Items: []CachedUser{}, Limit: q.Limit, Offset: q.Offset}
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cached_user u`+w.String(), w.args...).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if page.Total == 0 || q.Limit <= 0 {
		return page, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM cached_user u%s ORDER BY u.user_id LIMIT %s OFFSET $%d`,
		userColumns, w.String(), w.next(), len(w.args)+2)
	rows, err := s.db.Query(ctx, query, append(w.args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		page.Items = append(page.Items, *user)
	}
	return page, rows.Err()
}

// ListUserIDs returns the IDs of all cached users with the given bridged flag.
func (s *Store) ListUserIDs(ctx context.Context, bridged bool) ([]id.UserID, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id FROM cached_user WHERE is_bridged=$1 ORDER BY user_id`, bridged)
	if err != nil {
		return nil, fmt.Errorf("failed to list user IDs: %w", err)
	}
	defer rows.Close()
	var ids []id.UserID
	for rows.Next() {
		var userID id.UserID
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		ids = append(ids, userID)
	}
	return ids, rows.Err()
}

// UsersInRooms returns the distinct users with a joined membership in any of
// the given rooms.
func (s *Store) UsersInRooms(ctx context.Context, roomIDs []id.RoomID) ([]id.UserID, error) {
	seen := make(map[id.UserID]struct{})
	var users []id.UserID
	const chunkSize = 500
	for i := 0; i < len(roomIDs); i += chunkSize {
		chunk := roomIDs[i:min(i+chunkSize, len(roomIDs))]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for j, roomID := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+1)
			args[j] = roomID
		}
		query := fmt.Sprintf(
			`SELECT DISTINCT user_id FROM room_membership WHERE status='joined' AND room_id IN (%s) ORDER BY user_id`,
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list users in rooms: %w", err)
		}
		for rows.Next() {
			var userID id.UserID
			if err = rows.Scan(&userID); err != nil {
				rows.Close()
				return nil, err
			}
			if _, ok := seen[userID]; !ok {
				seen[userID] = struct{}{}
				users = append(users, userID)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(users)
	return users, nil
}

// SetBridgedFlags marks the given users as bridged. Users already flagged are
// left untouched and not counted.
func (s *Store) SetBridgedFlags(ctx context.Context, userIDs []id.UserID) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := s.nowMS()
		const chunkSize = 500
		for i := 0; i < len(userIDs); i += chunkSize {
			end := min(i+chunkSize, len(userIDs))
			chunk := userIDs[i:end]

			placeholders := make([]string, len(chunk))
			args := make([]any, 0, len(chunk)+1)
			args = append(args, nowMS)
			for j, userID := range chunk {
				placeholders[j] = fmt.Sprintf("$%d", j+2)
				args = append(args, userID)
			}
			query := fmt.Sprintf(
				`UPDATE cached_user SET is_bridged=TRUE, updated_ts=$1 WHERE is_bridged=FALSE AND user_id IN (%s)`,
				strings.Join(placeholders, ","),
			)
			res, err := s.db.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to flag bridged users: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapWrite("set bridged flags", err)
	}
	return total, nil
}
