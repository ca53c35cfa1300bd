// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package remote is the capability the cache engine uses to talk to the chat
// platform. There is a live Matrix implementation and a null implementation
// that is selected when no homeserver is configured.
package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
)

type RoomInfo struct {
	ID          id.RoomID
	Name        string
	Topic       string
	MemberCount int
	Kind        cachestore.RoomKind
	Encrypted   bool
	// Err is set when the room is joined but its details couldn't be
	// fetched. The room still counts as joined.
	Err error
}

type MemberInfo struct {
	UserID      id.UserID
	DisplayName string
	AvatarURL   string
	Status      cachestore.MembershipStatus
	// ProfileKnown is false when the remote event carried no profile, e.g. a
	// leave or a ban.
	ProfileKnown bool
}

// RoomChange is everything that changed in one room since the previous
// cursor. Info is nil if the room's name, topic and encryption didn't change.
type RoomChange struct {
	RoomID   id.RoomID
	Info     *RoomInfo
	Members  []MemberInfo
	Activity map[id.UserID]time.Time
	// Left is set when the cache account itself is no longer in the room.
	Left bool
	// Err is set when the room's changes couldn't be read completely. The
	// rest of the change must not be applied.
	Err error
}

type ChangeSet struct {
	NextBatch string
	Rooms     []RoomChange
}

type Platform interface {
	// ListRooms returns every joined room. Only failing to list the rooms at
	// all is an error, rooms whose details failed have RoomInfo.Err set.
	ListRooms(ctx context.Context) ([]RoomInfo, error)
	ListMembers(ctx context.Context, roomID id.RoomID) ([]MemberInfo, error)
	// Changes returns what changed since the given cursor. An empty cursor
	// returns the current state of every joined room.
	Changes(ctx context.Context, since string) (*ChangeSet, error)

	SendToUser(ctx context.Context, userID id.UserID, text string) error
	SendToRoom(ctx context.Context, roomID id.RoomID, text string) error
	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Remove(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error

	Ping(ctx context.Context) error
}

// New returns the live Matrix platform if the homeserver is configured and
// the null platform otherwise.
func New(cfg *config.Config, log zerolog.Logger) (Platform, error) {
	if !cfg.Homeserver.IsConfigured() {
		log.Warn().Msg("Homeserver is not configured, remote operations are disabled")
		return NullPlatform{}, nil
	}
	return NewMatrixPlatform(cfg.Homeserver, PolicyFromConfig(cfg.Sync), cfg.Sync.Concurrency, log)
}
