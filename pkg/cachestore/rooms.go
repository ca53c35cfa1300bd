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

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const roomColumns = `room_id, name, topic, member_count, kind, encrypted, is_priority, updated_ts, last_synced_ts`

// upsertRoomQuery never writes member_count: it is derived from memberships.
const upsertRoomQuery = `
	INSERT INTO cached_room (room_id, name, topic, kind, encrypted, updated_ts, last_synced_ts)
	VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (room_id) DO UPDATE SET
		name=excluded.name,
		topic=excluded.topic,
		kind=excluded.kind,
		encrypted=excluded.encrypted,
		updated_ts=CASE
			WHEN cached_room.name <> excluded.name
				OR cached_room.topic <> excluded.topic
				OR cached_room.kind <> excluded.kind
				OR cached_room.encrypted <> excluded.encrypted
			THEN excluded.updated_ts
			ELSE cached_room.updated_ts
		END,
		last_synced_ts=excluded.last_synced_ts
`

const ensureRoomQuery = `
	INSERT INTO cached_room (room_id, updated_ts, last_synced_ts)
	VALUES ($1, $2, $2)
	ON CONFLICT (room_id) DO UPDATE SET last_synced_ts=excluded.last_synced_ts
`

const recomputeMemberCountQuery = `
	UPDATE cached_room SET
		updated_ts=CASE
			WHEN member_count <> (SELECT COUNT(*) FROM room_membership m WHERE m.room_id = cached_room.room_id AND m.status = 'joined')
			THEN $2
			ELSE updated_ts
		END,
		member_count=(SELECT COUNT(*) FROM room_membership m WHERE m.room_id = cached_room.room_id AND m.status = 'joined')
	WHERE room_id=$1
`

// UpsertRoom inserts or updates a room's metadata. The member count is not
// settable and is left unchanged.
func (s *Store) UpsertRoom(ctx context.Context, room CachedRoom) error {
	return wrapWrite("upsert room", s.upsertRoom(ctx, room, s.nowMS()))
}

func (s *Store) upsertRoom(ctx context.Context, room CachedRoom, nowMS int64) error {
	if room.RoomID == "" {
		return fmt.Errorf("room ID is empty")
	}
	kind := room.Kind
	if kind == "" {
		kind = RoomKindGroup
	}
	_, err := s.db.Exec(ctx, upsertRoomQuery, room.RoomID, room.Name, room.Topic, kind, room.Encrypted, nowMS)
	if err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", room.RoomID, err)
	}
	return nil
}

func (s *Store) recomputeMemberCount(ctx context.Context, roomID id.RoomID, nowMS int64) (int, error) {
	if _, err := s.db.Exec(ctx, recomputeMemberCountQuery, roomID, nowMS); err != nil {
		return 0, fmt.Errorf("failed to recompute member count of %s: %w", roomID, err)
	}
	var count int
	err := s.db.QueryRow(ctx, `SELECT member_count FROM cached_room WHERE room_id=$1`, roomID).Scan(&count)
	return count, err
}

// RecomputeMemberCounts re-derives every room's member count from joined
// memberships in a single transaction.
func (s *Store) RecomputeMemberCounts(ctx context.Context) (int64, error) {
	var changed int64
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			UPDATE cached_room SET
				member_count=(SELECT COUNT(*) FROM room_membership m WHERE m.room_id = cached_room.room_id AND m.status = 'joined'),
				updated_ts=$1
			WHERE member_count <> (SELECT COUNT(*) FROM room_membership m WHERE m.room_id = cached_room.room_id AND m.status = 'joined')
		`, s.nowMS())
		if err != nil {
			return err
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrapWrite("recompute member counts", err)
	}
	return changed, nil
}

func scanRoom(row dbutil.Scannable) (*CachedRoom, error) {
	var r CachedRoom
	var updated, synced int64
	err := row.Scan(&r.RoomID, &r.Name, &r.Topic, &r.MemberCount, &r.Kind, &r.Encrypted, &r.IsPriority, &updated, &synced)
	if err != nil {
		return nil, err
	}
	r.UpdatedAt = timeFromMS(updated)
	r.LastSynced = timeFromMS(synced)
	return &r, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID) (*CachedRoom, error) {
	room, err := scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM cached_room WHERE room_id=$1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get room %s: %w", roomID, err)
	}
	return room, nil
}

func (q *RoomQuery) where() (*whereBuilder, error) {
	var w whereBuilder
	if q.Search != "" {
		pattern := likePattern(q.Search)
		w.add(`(LOWER(room_id) LIKE ? ESCAPE '\' OR LOWER(name) LIKE ? ESCAPE '\' OR LOWER(topic) LIKE ? ESCAPE '\')`,
			pattern, pattern, pattern)
	}
	switch q.Category {
	case CategoryAll:
	case CategoryPriority:
		w.add(`is_priority = TRUE`)
	case CategoryDirect:
		w.add(`kind = ?`, RoomKindDirect)
	case CategoryGroup:
		w.add(`kind = ?`, RoomKindGroup)
	case CategoryEncrypted:
		w.add(`encrypted = TRUE`)
	default:
		return nil, fmt.Errorf("unknown room category %q", q.Category)
	}
	if q.MinMemberCount > 0 {
		if q.IncludePriority {
			w.add(`(member_count >= ? OR is_priority = TRUE)`, q.MinMemberCount)
		} else {
			w.add(`member_count >= ?`, q.MinMemberCount)
		}
	}
	return &w, nil
}

// QueryRooms returns one page of rooms ordered by room ID.
func (s *Store) QueryRooms(ctx context.Context, q RoomQuery) (*Page[CachedRoom], error) {
	w, err := q.where()
	if err != nil {
		return nil, err
	}
	page := &Page[CachedRoom]{Items: []CachedRoom{}, Limit: q.Limit, Offset: q.Offset}
	err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cached_room`+w.String(), w.args...).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count rooms: %w", err)
	}
	if page.Total == 0 || q.Limit <= 0 {
		return page, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM cached_room%s ORDER BY room_id LIMIT %s OFFSET $%d`,
		roomColumns, w.String(), w.next(), len(w.args)+2)
	rows, err := s.db.Query(ctx, query, append(w.args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		page.Items = append(page.Items, *room)
	}
	return page, rows.Err()
}

// ListRooms returns every cached room, used by the priority classifier.
func (s *Store) ListRooms(ctx context.Context) ([]CachedRoom, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roomColumns+` FROM cached_room ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()
	var rooms []CachedRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// SetRoomPriority persists the priority classification: exactly the given
// rooms are flagged afterwards. Returns how many rows changed.
func (s *Store) SetRoomPriority(ctx context.Context, priority map[id.RoomID]bool) (int64, error) {
	var changed int64
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		rooms, err := s.ListRooms(ctx)
		if err != nil {
			return err
		}
		nowMS := s.nowMS()
		for _, room := range rooms {
			want := priority[room.RoomID]
			if room.IsPriority == want {
				continue
			}
			_, err = s.db.Exec(ctx, `UPDATE cached_room SET is_priority=$2, updated_ts=$3 WHERE room_id=$1`,
				room.RoomID, want, nowMS)
			if err != nil {
				return fmt.Errorf("failed to set priority of %s: %w", room.RoomID, err)
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, wrapWrite("set room priority", err)
	}
	return changed, nil
}
