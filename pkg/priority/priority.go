// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package priority classifies moderation, action and entry rooms and keeps the
// set of users joined to them, which scopes the default user views.
package priority

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/metrics"
)

const (
	usersKey = "priority-users"
	usersTTL = 10 * time.Minute
)

type rules struct {
	ids    map[id.RoomID]struct{}
	names  []*regexp.Regexp
	topics []*regexp.Regexp
}

func rulesFromConfig(cfg *config.PriorityRoomsConfig) rules {
	r := rules{
		ids:    make(map[id.RoomID]struct{}, len(cfg.IDs)),
		names:  cfg.NameRegexes(),
		topics: cfg.TopicRegexes(),
	}
	for _, roomID := range cfg.IDs {
		r.ids[id.RoomID(roomID)] = struct{}{}
	}
	return r
}

func (r *rules) match(room *cachestore.CachedRoom) bool {
	if _, ok := r.ids[room.RoomID]; ok {
		return true
	}
	if room.Name != "" {
		for _, re := range r.names {
			if re.MatchString(room.Name) {
				return true
			}
		}
	}
	if room.Topic != "" {
		for _, re := range r.topics {
			if re.MatchString(room.Topic) {
				return true
			}
		}
	}
	return false
}

type Resolver struct {
	store *cachestore.Store
	log   zerolog.Logger

	rulesLock sync.RWMutex
	rules     rules

	users *ristretto.Cache[string, []id.UserID]
	// generation is bumped on every invalidation so that a user set computed
	// concurrently with a refresh is never cached.
	generation atomic.Uint64
}

func NewResolver(cfg *config.PriorityRoomsConfig, store *cachestore.Store, log zerolog.Logger) (*Resolver, error) {
	users, err := ristretto.NewCache(&ristretto.Config[string, []id.UserID]{
		NumCounters: 100,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create priority user cache: %w", err)
	}
	return &Resolver{
		store: store,
		log:   log.With().Str("component", "priority").Logger(),
		rules: rulesFromConfig(cfg),
		users: users,
	}, nil
}

func (r *Resolver) Close() {
	r.users.Close()
}

// Classify reports whether a room matches the allowlist.
func (r *Resolver) Classify(room *cachestore.CachedRoom) bool {
	r.rulesLock.RLock()
	defer r.rulesLock.RUnlock()
	return r.rules.match(room)
}

// SetRules swaps the allowlist. Call Refresh afterwards to reclassify the
// cached rooms.
func (r *Resolver) SetRules(cfg *config.PriorityRoomsConfig) {
	r.rulesLock.Lock()
	r.rules = rulesFromConfig(cfg)
	r.rulesLock.Unlock()
	r.Invalidate()
}

// Refresh reclassifies every cached room and persists the result. Returns the
// number of rooms whose classification changed.
func (r *Resolver) Refresh(ctx context.Context) (int64, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return 0, err
	}
	priority := make(map[id.RoomID]bool)
	for i := range rooms {
		if r.Classify(&rooms[i]) {
			priority[rooms[i].RoomID] = true
		}
	}
	changed, err := r.store.SetRoomPriority(ctx, priority)
	if err != nil {
		return 0, err
	}
	r.Invalidate()
	r.log.Debug().
		Int("rooms", len(rooms)).
		Int("priority_rooms", len(priority)).
		Int64("changed", changed).
		Msg("Refreshed room priority")
	return changed, nil
}

// Invalidate drops the cached priority user set.
func (r *Resolver) Invalidate() {
	r.generation.Add(1)
	r.users.Del(usersKey)
	r.users.Wait()
}

// UsersInPriorityRooms returns the users joined to at least one priority room.
func (r *Resolver) UsersInPriorityRooms(ctx context.Context) ([]id.UserID, error) {
	if users, ok := r.users.Get(usersKey); ok {
		metrics.PriorityCacheLookups.WithLabelValues("hit").Inc()
		return users, nil
	}
	metrics.PriorityCacheLookups.WithLabelValues("miss").Inc()
	generation := r.generation.Load()
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	var roomIDs []id.RoomID
	for _, room := range rooms {
		if room.IsPriority {
			roomIDs = append(roomIDs, room.RoomID)
		}
	}
	users, err := r.store.UsersInRooms(ctx, roomIDs)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []id.UserID{}
	}
	if r.generation.Load() == generation {
		r.users.SetWithTTL(usersKey, users, int64(len(users))+1, usersTTL)
		r.users.Wait()
	}
	return users, nil
}
