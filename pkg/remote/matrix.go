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
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/metrics"
)

// syncFilter keeps /sync responses down to what the cache needs.
const syncFilter = `{"presence":{"not_types":["*"]},"account_data":{"not_types":["*"]},` +
	`"room":{"ephemeral":{"not_types":["*"]},"account_data":{"not_types":["*"]},"timeline":{"limit":50}}}`

// MatrixPlatform talks to a homeserver as the cache account. Every request
// goes through a token bucket, a per-call timeout and a circuit breaker.
type MatrixPlatform struct {
	client      *mautrix.Client
	log         zerolog.Logger
	timeout     time.Duration
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[any]
	policy      RetryPolicy
	concurrency int

	directLock   sync.Mutex
	direct       map[id.UserID][]id.RoomID
	directLoaded bool
}

var _ Platform = (*MatrixPlatform)(nil)

func NewMatrixPlatform(cfg config.HomeserverConfig, policy RetryPolicy, concurrency int, log zerolog.Logger) (*MatrixPlatform, error) {
	client, err := mautrix.NewClient(cfg.URL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	client.Log = log
	if concurrency < 1 {
		concurrency = 1
	}
	mp := &MatrixPlatform{
		client:      client,
		log:         log,
		timeout:     cfg.RequestTimeout,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		policy:      policy,
		concurrency: concurrency,
	}
	metrics.CircuitBreakerState.Set(0)
	mp.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "matrix",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only failures that say something about the homeserver's health count.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransientCause(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Stringer("from", from).Stringer("to", to).Msg("Circuit breaker state changed")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})
	return mp, nil
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// call runs one homeserver request with rate limiting, a timeout and the
// circuit breaker, and classifies its error.
func (mp *MatrixPlatform) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := mp.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, mp.timeout)
	defer cancel()
	_, err := mp.breaker.Execute(func() (any, error) {
		return nil, fn(callCtx)
	})
	switch {
	case err == nil:
		metrics.RemoteRequests.WithLabelValues(op, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RemoteRequests.WithLabelValues(op, "rejected").Inc()
	default:
		metrics.RemoteRequests.WithLabelValues(op, "failure").Inc()
	}
	return classify(op, err)
}

func (mp *MatrixPlatform) Ping(ctx context.Context) error {
	return mp.call(ctx, "whoami", func(ctx context.Context) error {
		_, err := mp.client.Whoami(ctx)
		return err
	})
}

// loadDirect returns a copy of the account's m.direct data, fetching it if
// it isn't cached yet or refresh is set.
func (mp *MatrixPlatform) loadDirect(ctx context.Context, refresh bool) (map[id.UserID][]id.RoomID, error) {
	mp.directLock.Lock()
	defer mp.directLock.Unlock()
	if mp.directLoaded && !refresh {
		return maps.Clone(mp.direct), nil
	}
	direct := make(map[id.UserID][]id.RoomID)
	err := mp.call(ctx, "get_direct", func(ctx context.Context) error {
		return mp.client.GetAccountData(ctx, event.AccountDataDirectChats.Type, &direct)
	})
	if errors.Is(err, mautrix.MNotFound) {
		err = nil
	} else if err != nil {
		return nil, err
	}
	mp.direct = direct
	mp.directLoaded = true
	return maps.Clone(direct), nil
}

func directRoomSet(direct map[id.UserID][]id.RoomID) map[id.RoomID]struct{} {
	set := make(map[id.RoomID]struct{})
	for _, rooms := range direct {
		for _, roomID := range rooms {
			set[roomID] = struct{}{}
		}
	}
	return set
}

// parseContent parses raw state event content. Events from /sync and
// /members don't carry a type class, so it is set before parsing. Errors are
// ignored: content that is already parsed or malformed falls back to empty
// accessors.
func parseContent(evt *event.Event) {
	evt.Type.Class = event.StateEventType
	_ = evt.Content.ParseRaw(evt.Type)
}

// memberFromEvent converts an m.room.member event. ok is false for
// memberships the cache doesn't track, such as knocks.
func memberFromEvent(evt *event.Event) (MemberInfo, bool) {
	parseContent(evt)
	content := evt.Content.AsMember()
	info := MemberInfo{UserID: id.UserID(evt.GetStateKey())}
	switch content.Membership {
	case event.MembershipJoin:
		info.Status = cachestore.MembershipJoined
	case event.MembershipInvite:
		info.Status = cachestore.MembershipInvited
	case event.MembershipLeave, event.MembershipBan:
		info.Status = cachestore.MembershipLeft
	default:
		return info, false
	}
	if info.Status != cachestore.MembershipLeft {
		info.DisplayName = content.Displayname
		info.AvatarURL = string(content.AvatarURL)
		info.ProfileKnown = true
	}
	return info, info.UserID != ""
}

// stateEvents looks events up by type name only, the class of the parsed
// types varies between endpoints.
func stateEvents(state mautrix.RoomStateMap, evtType event.Type) map[string]*event.Event {
	for t, events := range state {
		if t.Type == evtType.Type {
			return events
		}
	}
	return nil
}

func roomInfoFromState(roomID id.RoomID, state mautrix.RoomStateMap, direct map[id.RoomID]struct{}) RoomInfo {
	info := RoomInfo{ID: roomID, Kind: cachestore.RoomKindGroup}
	if evt := stateEvents(state, event.StateRoomName)[""]; evt != nil {
		parseContent(evt)
		info.Name = evt.Content.AsRoomName().Name
	}
	if evt := stateEvents(state, event.StateTopic)[""]; evt != nil {
		parseContent(evt)
		info.Topic = evt.Content.AsTopic().Topic
	}
	if evt := stateEvents(state, event.StateEncryption)[""]; evt != nil {
		parseContent(evt)
		info.Encrypted = evt.Content.AsEncryption().Algorithm != ""
	}
	for _, evt := range stateEvents(state, event.StateMember) {
		if member, ok := memberFromEvent(evt); ok && member.Status == cachestore.MembershipJoined {
			info.MemberCount++
		}
	}
	info.Kind = roomKind(roomID, info, direct)
	return info
}

func roomKind(roomID id.RoomID, info RoomInfo, direct map[id.RoomID]struct{}) cachestore.RoomKind {
	if _, ok := direct[roomID]; ok {
		return cachestore.RoomKindDirect
	}
	if info.Name == "" && info.MemberCount <= 2 {
		return cachestore.RoomKindDirect
	}
	return cachestore.RoomKindGroup
}

func (mp *MatrixPlatform) roomInfo(ctx context.Context, roomID id.RoomID, direct map[id.RoomID]struct{}) (RoomInfo, error) {
	return RetryValue(ctx, mp.policy, "room_state", func(ctx context.Context) (RoomInfo, error) {
		var state mautrix.RoomStateMap
		err := mp.call(ctx, "room_state", func(ctx context.Context) (err error) {
			state, err = mp.client.State(ctx, roomID)
			return
		})
		if err != nil {
			return RoomInfo{}, fmt.Errorf("failed to get state of %s: %w", roomID, err)
		}
		return roomInfoFromState(roomID, state, direct), nil
	})
}

// ListRooms returns every room the cache account is joined to. Room details
// come from each room's current state, fetched with bounded concurrency. A
// room whose state can't be fetched is still listed, with Err set.
func (mp *MatrixPlatform) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	var joined *mautrix.RespJoinedRooms
	err := mp.call(ctx, "joined_rooms", func(ctx context.Context) (err error) {
		joined, err = mp.client.JoinedRooms(ctx)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", err)
	}
	direct, err := mp.loadDirect(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct chats: %w", err)
	}
	directRooms := directRoomSet(direct)

	rooms := make([]RoomInfo, len(joined.JoinedRooms))
	var eg errgroup.Group
	eg.SetLimit(mp.concurrency)
	for i, roomID := range joined.JoinedRooms {
		eg.Go(func() error {
			info, err := mp.roomInfo(ctx, roomID, directRooms)
			if err != nil {
				mp.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to get room details")
				info = RoomInfo{ID: roomID, Err: err}
			}
			rooms[i] = info
			return nil
		})
	}
	_ = eg.Wait()
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (mp *MatrixPlatform) ListMembers(ctx context.Context, roomID id.RoomID) ([]MemberInfo, error) {
	var resp *mautrix.RespMembers
	err := mp.call(ctx, "members", func(ctx context.Context) (err error) {
		resp, err = mp.client.Members(ctx, roomID)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get members of %s: %w", roomID, err)
	}
	members := make([]MemberInfo, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if member, ok := memberFromEvent(evt); ok {
			members = append(members, member)
		}
	}
	return members, nil
}

func (mp *MatrixPlatform) Changes(ctx context.Context, since string) (*ChangeSet, error) {
	var resp *mautrix.RespSync
	err := mp.call(ctx, "sync", func(ctx context.Context) (err error) {
		resp, err = mp.client.SyncRequest(ctx, 0, since, syncFilter, false, event.PresenceOffline)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}
	var directRooms map[id.RoomID]struct{}
	var directErr error
	changes := &ChangeSet{NextBatch: resp.NextBatch}
	for roomID, room := range resp.Rooms.Join {
		change := RoomChange{RoomID: roomID, Activity: make(map[id.UserID]time.Time)}
		infoChanged := false
		events := append(append([]*event.Event{}, room.State.Events...), room.Timeline.Events...)
		for _, evt := range events {
			switch evt.Type.Type {
			case event.StateMember.Type:
				if member, ok := memberFromEvent(evt); ok {
					change.Members = append(change.Members, member)
				}
			case event.StateRoomName.Type, event.StateTopic.Type, event.StateEncryption.Type:
				infoChanged = true
			}
			if evt.StateKey == nil && evt.Sender != "" {
				ts := time.UnixMilli(evt.Timestamp)
				if ts.After(change.Activity[evt.Sender]) {
					change.Activity[evt.Sender] = ts
				}
			}
		}
		if infoChanged {
			if directRooms == nil && directErr == nil {
				var direct map[id.UserID][]id.RoomID
				if direct, directErr = mp.loadDirect(ctx, false); directErr == nil {
					directRooms = directRoomSet(direct)
				}
			}
			if directErr != nil {
				change.Err = fmt.Errorf("failed to get direct chats: %w", directErr)
			} else if info, err := mp.roomInfo(ctx, roomID, directRooms); err != nil {
				change.Err = err
			} else {
				change.Info = &info
			}
		}
		if change.Err != nil || change.Info != nil || len(change.Members) > 0 || len(change.Activity) > 0 {
			changes.Rooms = append(changes.Rooms, change)
		}
	}
	for roomID := range resp.Rooms.Leave {
		changes.Rooms = append(changes.Rooms, RoomChange{RoomID: roomID, Left: true})
	}
	return changes, nil
}

func (mp *MatrixPlatform) SendToRoom(ctx context.Context, roomID id.RoomID, text string) error {
	return mp.call(ctx, "send", func(ctx context.Context) error {
		_, err := mp.client.SendText(ctx, roomID, text)
		return err
	})
}

// SendToUser sends text to the user's direct chat, creating one if the cache
// account doesn't have one yet.
func (mp *MatrixPlatform) SendToUser(ctx context.Context, userID id.UserID, text string) error {
	roomID, err := mp.directRoom(ctx, userID)
	if err != nil {
		return err
	}
	return mp.SendToRoom(ctx, roomID, text)
}

func (mp *MatrixPlatform) directRoom(ctx context.Context, userID id.UserID) (id.RoomID, error) {
	direct, err := mp.loadDirect(ctx, false)
	if err != nil {
		return "", fmt.Errorf("failed to get direct chats: %w", err)
	}
	if rooms := direct[userID]; len(rooms) > 0 {
		return rooms[len(rooms)-1], nil
	}
	var resp *mautrix.RespCreateRoom
	err = mp.call(ctx, "create_dm", func(ctx context.Context) (err error) {
		resp, err = mp.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Preset:   "trusted_private_chat",
			Invite:   []id.UserID{userID},
			IsDirect: true,
		})
		return
	})
	if err != nil {
		return "", fmt.Errorf("failed to create direct chat with %s: %w", userID, err)
	}

	mp.directLock.Lock()
	mp.direct[userID] = append(slices.Clone(mp.direct[userID]), resp.RoomID)
	updated := maps.Clone(mp.direct)
	mp.directLock.Unlock()
	err = mp.call(ctx, "set_direct", func(ctx context.Context) error {
		return mp.client.SetAccountData(ctx, event.AccountDataDirectChats.Type, updated)
	})
	if err != nil {
		mp.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to store new direct chat in account data")
	}
	return resp.RoomID, nil
}

func (mp *MatrixPlatform) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return mp.call(ctx, "invite", func(ctx context.Context) error {
		_, err := mp.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
}

func (mp *MatrixPlatform) Remove(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	return mp.call(ctx, "kick", func(ctx context.Context) error {
		_, err := mp.client.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: userID, Reason: reason})
		return err
	})
}
