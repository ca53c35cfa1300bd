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

	"maunium.net/go/mautrix/id"
)

const upsertMembershipQuery = `
	INSERT INTO room_membership (room_id, user_id, status, joined_ts, updated_ts, last_synced_ts)
	VALUES ($1, $2, $3, $4, $5, $5)
	ON CONFLICT (room_id, user_id) DO UPDATE SET
		status=excluded.status,
		joined_ts=CASE
			WHEN excluded.status = 'joined' AND room_membership.status <> 'joined' THEN excluded.joined_ts
			ELSE room_membership.joined_ts
		END,
		updated_ts=CASE
			WHEN room_membership.status <> excluded.status THEN excluded.updated_ts
			ELSE room_membership.updated_ts
		END,
		last_synced_ts=excluded.last_synced_ts
`

// UpsertMembership records a user's status in a room and recomputes the
// room's member count. Both the user and the room must already be cached.
func (s *Store) UpsertMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, status MembershipStatus) error {
	return wrapWrite("upsert membership", s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := s.nowMS()
		if err := s.upsertMembership(ctx, roomID, userID, status, nowMS); err != nil {
			return err
		}
		_, err := s.recomputeMemberCount(ctx, roomID, nowMS)
		return err
	}))
}

func (s *Store) upsertMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, status MembershipStatus, nowMS int64) error {
	if !status.Valid() {
		return fmt.Errorf("invalid membership status %q", status)
	}
	var joinedMS int64
	if status == MembershipJoined {
		joinedMS = nowMS
	}
	_, err := s.db.Exec(ctx, upsertMembershipQuery, roomID, userID, status, joinedMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to upsert membership %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// RoomMembers lists a room's memberships. An empty status returns all of them.
func (s *Store) RoomMembers(ctx context.Context, roomID id.RoomID, status MembershipStatus) ([]Membership, error) {
	query := `SELECT room_id, user_id, status, joined_ts, updated_ts, last_synced_ts FROM room_membership WHERE room_id=$1`
	args := []any{roomID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, status)
	}
	rows, err := s.db.Query(ctx, query+` ORDER BY user_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}
	defer rows.Close()
	var members []Membership
	for rows.Next() {
		var m Membership
		var joined, updated, synced int64
		if err = rows.Scan(&m.RoomID, &m.UserID, &m.Status, &joined, &updated, &synced); err != nil {
			return nil, err
		}
		m.JoinedAt = timeFromMS(joined)
		m.UpdatedAt = timeFromMS(updated)
		m.LastSynced = timeFromMS(synced)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Store) memberStatuses(ctx context.Context, roomID id.RoomID) (map[id.UserID]MembershipStatus, error) {
	rows, err := s.db.Query(ctx, `SELECT user_id, status FROM room_membership WHERE room_id=$1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships of %s: %w", roomID, err)
	}
	defer rows.Close()
	statuses := make(map[id.UserID]MembershipStatus)
	for rows.Next() {
		var userID id.UserID
		var status MembershipStatus
		if err = rows.Scan(&userID, &status); err != nil {
			return nil, err
		}
		statuses[userID] = status
	}
	return statuses, rows.Err()
}

// ApplyRoomSnapshot reconciles one room with its complete remote state in a
// single transaction: the room and its members are upserted, cached
// memberships missing from the snapshot are marked left, and the member count
// is recomputed. Readers see either the whole diff or none of it.
func (s *Store) ApplyRoomSnapshot(ctx context.Context, snap RoomSnapshot) (DiffResult, error) {
	var result DiffResult
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		result = DiffResult{}
		nowMS := s.nowMS()
		if err := s.upsertRoom(ctx, snap.Room, nowMS); err != nil {
			return err
		}
		existing, err := s.memberStatuses(ctx, snap.Room.RoomID)
		if err != nil {
			return err
		}
		seen := make(map[id.UserID]struct{}, len(snap.Members))
		for _, member := range snap.Members {
			if err = s.upsertUser(ctx, member.User, snap.Room.RoomID, member.ProfileKnown, nowMS); err != nil {
				return err
			}
			result.UsersUpserted++
			if err = s.upsertMembership(ctx, snap.Room.RoomID, member.User.UserID, member.Status, nowMS); err != nil {
				return err
			}
			if prev, ok := existing[member.User.UserID]; !ok || prev != member.Status {
				result.MembershipsChanged++
			}
			seen[member.User.UserID] = struct{}{}
		}
		for userID, status := range existing {
			if _, ok := seen[userID]; ok || status == MembershipLeft {
				continue
			}
			// Soft removal keeps the row (and its sync clock) for audit.
			_, err = s.db.Exec(ctx,
				`UPDATE room_membership SET status='left', updated_ts=$3 WHERE room_id=$1 AND user_id=$2`,
				snap.Room.RoomID, userID, nowMS)
			if err != nil {
				return fmt.Errorf("failed to mark %s as left in %s: %w", userID, snap.Room.RoomID, err)
			}
			result.MarkedLeft++
		}
		result.MemberCount, err = s.recomputeMemberCount(ctx, snap.Room.RoomID, nowMS)
		return err
	})
	if err != nil {
		return DiffResult{}, wrapWrite("apply room snapshot", err)
	}
	return result, nil
}

// ApplyRoomDelta applies a partial update of one room in a single
// transaction. Memberships not mentioned in the delta are left alone.
func (s *Store) ApplyRoomDelta(ctx context.Context, delta RoomDelta) (DiffResult, error) {
	var result DiffResult
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		result = DiffResult{}
		nowMS := s.nowMS()
		var err error
		if delta.Room != nil {
			err = s.upsertRoom(ctx, *delta.Room, nowMS)
		} else {
			_, err = s.db.Exec(ctx, ensureRoomQuery, delta.RoomID, nowMS)
		}
		if err != nil {
			return err
		}
		existing, err := s.memberStatuses(ctx, delta.RoomID)
		if err != nil {
			return err
		}
		for _, member := range delta.Members {
			if ts, ok := delta.Activity[member.User.UserID]; ok && ts.After(member.User.LastActive) {
				member.User.LastActive = ts
			}
			if err = s.upsertUser(ctx, member.User, delta.RoomID, member.ProfileKnown, nowMS); err != nil {
				return err
			}
			result.UsersUpserted++
			if err = s.upsertMembership(ctx, delta.RoomID, member.User.UserID, member.Status, nowMS); err != nil {
				return err
			}
			if prev, ok := existing[member.User.UserID]; !ok || prev != member.Status {
				result.MembershipsChanged++
			}
		}
		for userID, ts := range delta.Activity {
			if _, ok := existing[userID]; !ok {
				continue
			}
			if err = s.touchActivity(ctx, userID, ts, nowMS); err != nil {
				return err
			}
		}
		result.MemberCount, err = s.recomputeMemberCount(ctx, delta.RoomID, nowMS)
		return err
	})
	if err != nil {
		return DiffResult{}, wrapWrite("apply room delta", err)
	}
	return result, nil
}

func (s *Store) touchActivity(ctx context.Context, userID id.UserID, ts time.Time, nowMS int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE cached_user SET last_active_ts=$2, updated_ts=$3 WHERE user_id=$1 AND last_active_ts < $2`,
		userID, msFromTime(ts), nowMS)
	if err != nil {
		return fmt.Errorf("failed to update activity of %s: %w", userID, err)
	}
	return nil
}

// RetireRoom marks every membership of a room the remote no longer lists as
// left and zeroes its member count.
func (s *Store) RetireRoom(ctx context.Context, roomID id.RoomID) (int64, error) {
	var marked int64
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := s.nowMS()
		res, err := s.db.Exec(ctx,
			`UPDATE room_membership SET status='left', updated_ts=$2 WHERE room_id=$1 AND status<>'left'`,
			roomID, nowMS)
		if err != nil {
			return fmt.Errorf("failed to retire memberships of %s: %w", roomID, err)
		}
		marked, _ = res.RowsAffected()
		_, err = s.recomputeMemberCount(ctx, roomID, nowMS)
		return err
	})
	if err != nil {
		return 0, wrapWrite("retire room", err)
	}
	return marked, nil
}

// ActiveRoomIDs returns rooms that still have at least one non-left membership.
func (s *Store) ActiveRoomIDs(ctx context.Context) ([]id.RoomID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT room_id FROM room_membership WHERE status<>'left' ORDER BY room_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}
	defer rows.Close()
	var ids []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		ids = append(ids, roomID)
	}
	return ids, rows.Err()
}
