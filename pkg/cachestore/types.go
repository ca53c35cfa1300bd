// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package cachestore

import (
	"time"

	"maunium.net/go/mautrix/id"
)

type MembershipStatus string

const (
	MembershipJoined  MembershipStatus = "joined"
	MembershipInvited MembershipStatus = "invited"
	MembershipLeft    MembershipStatus = "left"
)

func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipJoined, MembershipInvited, MembershipLeft:
		return true
	}
	return false
}

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

type SyncKind string

const (
	SyncIncremental SyncKind = "incremental"
	SyncFull        SyncKind = "full"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

type CachedUser struct {
	UserID      id.UserID
	DisplayName string
	AvatarURL   string
	IsBridged   bool
	LastActive  time.Time
	// RoomCount is derived from joined memberships at read time.
	RoomCount  int
	UpdatedAt  time.Time
	LastSynced time.Time
}

type CachedRoom struct {
	RoomID      id.RoomID
	Name        string
	Topic       string
	MemberCount int
	Kind        RoomKind
	Encrypted   bool
	IsPriority  bool
	UpdatedAt   time.Time
	LastSynced  time.Time
}

type Membership struct {
	RoomID     id.RoomID
	UserID     id.UserID
	Status     MembershipStatus
	JoinedAt   time.Time
	UpdatedAt  time.Time
	LastSynced time.Time
}

type SyncRun struct {
	RunID                string
	Kind                 SyncKind
	Status               SyncStatus
	RoomsProcessed       int
	UsersProcessed       int
	MembershipsProcessed int
	FailedUnits          int
	Cursor               string
	Error                string
	CreatedAt            time.Time
	StartedAt            time.Time
	FinishedAt           time.Time
	Duration             time.Duration
}

// MemberSnapshot is one member of a room as reported by the remote platform.
type MemberSnapshot struct {
	User   CachedUser
	Status MembershipStatus
	// ProfileKnown is false when the remote did not report a display name or
	// avatar (e.g. a leave event); the cached profile is then kept as-is.
	ProfileKnown bool
}

// RoomSnapshot is the complete remote state of one room, used by full sync.
type RoomSnapshot struct {
	Room    CachedRoom
	Members []MemberSnapshot
}

// RoomDelta is a partial update of one room, used by incremental sync.
// Room is nil when only memberships changed.
type RoomDelta struct {
	RoomID   id.RoomID
	Room     *CachedRoom
	Members  []MemberSnapshot
	Activity map[id.UserID]time.Time
}

// DiffResult counts what a room diff actually changed.
type DiffResult struct {
	UsersUpserted      int
	MembershipsChanged int
	MarkedLeft         int
	MemberCount        int
}

type Page[T any] struct {
	Items  []T
	Total  int
	Limit  int
	Offset int
}

type UserQuery struct {
	Search       string
	OnlyBridged  bool
	OnlyRegular  bool
	PriorityOnly bool
	Limit        int
	Offset       int
}

type RoomCategory string

const (
	CategoryAll       RoomCategory = ""
	CategoryPriority  RoomCategory = "priority"
	CategoryDirect    RoomCategory = "direct"
	CategoryGroup     RoomCategory = "group"
	CategoryEncrypted RoomCategory = "encrypted"
)

type RoomQuery struct {
	Search         string
	Category       RoomCategory
	MinMemberCount int
	// IncludePriority lets priority rooms bypass MinMemberCount.
	IncludePriority bool
	Limit           int
	Offset          int
}

type Stats struct {
	Users              int
	BridgedUsers       int
	Rooms              int
	PriorityRooms      int
	Memberships        int
	JoinedMemberships  int
	LastSuccessfulSync *SyncRun
	RunningSync        *SyncRun
}
