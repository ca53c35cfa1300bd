// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package remote

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// NullPlatform is used when no homeserver is configured. Every call fails
// with ErrNotConfigured.
type NullPlatform struct{}

var _ Platform = NullPlatform{}

func (NullPlatform) ListRooms(context.Context) ([]RoomInfo, error) { return nil, ErrNotConfigured }

func (NullPlatform) ListMembers(context.Context, id.RoomID) ([]MemberInfo, error) {
	return nil, ErrNotConfigured
}

func (NullPlatform) Changes(context.Context, string) (*ChangeSet, error) { return nil, ErrNotConfigured }

func (NullPlatform) SendToUser(context.Context, id.UserID, string) error { return ErrNotConfigured }
func (NullPlatform) SendToRoom(context.Context, id.RoomID, string) error { return ErrNotConfigured }
func (NullPlatform) Invite(context.Context, id.RoomID, id.UserID) error  { return ErrNotConfigured }

func (NullPlatform) Remove(context.Context, id.RoomID, id.UserID, string) error {
	return ErrNotConfigured
}

func (NullPlatform) Ping(context.Context) error { return ErrNotConfigured }
