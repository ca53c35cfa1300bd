// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package syncer keeps the cache in step with the homeserver, either
// incrementally from the last sync cursor or by reconciling every room.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/bridged"
	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/metrics"
	"github.com/lrhodin/roomcache/pkg/priority"
	"github.com/lrhodin/roomcache/pkg/remote"
)

// ErrAlreadyRunning is returned when a sync is requested while another one
// holds the write lock.
var ErrAlreadyRunning = errors.New("a sync is already running")

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type Result struct {
	RunID             string
	Kind              cachestore.SyncKind
	Status            Status
	RoomsSynced       int
	UsersSynced       int
	MembershipsSynced int
	MarkedLeft        int
	RoomErrors        map[id.RoomID]string
	Duration          time.Duration
	Error             string
}

type syncCounters struct {
	Rooms       int
	Memberships int
	MarkedLeft  int
	users       map[id.UserID]struct{}
}

func newSyncCounters() *syncCounters {
	return &syncCounters{users: make(map[id.UserID]struct{})}
}

func (c *syncCounters) addRoom(members []cachestore.MemberSnapshot, diff cachestore.DiffResult) {
	c.Rooms++
	c.Memberships += len(members)
	c.MarkedLeft += diff.MarkedLeft
	for _, m := range members {
		c.users[m.User.UserID] = struct{}{}
	}
}

type Params struct {
	Store    *cachestore.Store
	Platform remote.Platform
	Detector *bridged.Detector
	Resolver *priority.Resolver
	Config   config.SyncConfig
}

type Orchestrator struct {
	store    *cachestore.Store
	platform remote.Platform
	detector *bridged.Detector
	resolver *priority.Resolver
	log      zerolog.Logger

	policy              remote.RetryPolicy
	concurrency         int
	minFullSyncInterval time.Duration

	running atomic.Bool
	now     func() time.Time
}

func New(p Params, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:               p.Store,
		platform:            p.Platform,
		detector:            p.Detector,
		resolver:            p.Resolver,
		log:                 log.With().Str("component", "syncer").Logger(),
		policy:              remote.PolicyFromConfig(p.Config),
		concurrency:         max(p.Config.Concurrency, 1),
		minFullSyncInterval: p.Config.MinFullSyncInterval,
		now:                 time.Now,
	}
}

// Running reports whether this process is currently syncing.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// begin takes the single-flight lock and opens a sync run. The returned
// release func must be called when the run is over.
func (o *Orchestrator) begin(ctx context.Context, kind cachestore.SyncKind) (*cachestore.SyncRun, func(), error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, nil, ErrAlreadyRunning
	}
	release := func() { o.running.Store(false) }
	existing, err := o.store.RunningSyncRun(ctx)
	if err != nil {
		release()
		return nil, nil, err
	} else if existing != nil {
		release()
		return nil, nil, fmt.Errorf("%w: run %s started at %s", ErrAlreadyRunning, existing.RunID, existing.StartedAt.Format(time.RFC3339))
	}
	run, err := o.store.CreateSyncRun(ctx, kind)
	if err != nil {
		release()
		return nil, nil, err
	}
	if err = o.store.StartSyncRun(ctx, run); err != nil {
		release()
		return nil, nil, err
	}
	return run, release, nil
}

// FullSync reconciles every joined room with the homeserver. Unless force is
// set, it is skipped if the last successful full sync is more recent than
// the configured minimum interval.
func (o *Orchestrator) FullSync(ctx context.Context, force bool) (*Result, error) {
	if !force && o.minFullSyncInterval > 0 {
		last, err := o.store.LastSuccessfulSync(ctx, cachestore.SyncFull)
		if err != nil {
			return nil, err
		}
		if last != nil && o.now().Sub(last.FinishedAt) < o.minFullSyncInterval {
			o.log.Debug().
				Str("last_run_id", last.RunID).
				Time("last_finished", last.FinishedAt).
				Msg("Skipping full sync, last one is recent enough")
			return &Result{RunID: last.RunID, Kind: cachestore.SyncFull, Status: StatusSkipped}, nil
		}
	}
	run, release, err := o.begin(ctx, cachestore.SyncFull)
	if err != nil {
		return nil, err
	}
	defer release()

	log := o.log.With().Str("run_id", run.RunID).Str("sync_kind", string(run.Kind)).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Msg("Full sync start")
	start := time.Now()
	counts, roomErrors, fatal := o.runFullSync(ctx)
	return o.finish(ctx, run, start, counts, roomErrors, fatal, ""), nil
}

func (o *Orchestrator) runFullSync(ctx context.Context) (*syncCounters, map[id.RoomID]string, error) {
	log := zerolog.Ctx(ctx)
	counts := newSyncCounters()
	roomErrors := make(map[id.RoomID]string)

	rooms, err := remote.RetryValue(ctx, o.policy, "list_rooms", o.platform.ListRooms)
	if err != nil {
		return counts, roomErrors, fmt.Errorf("failed to fetch room list: %w", err)
	}
	log.Debug().Int("rooms", len(rooms)).Msg("Fetched room list")

	var lock sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(o.concurrency)
	for _, info := range rooms {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			members, diff, err := o.syncRoom(ctx, info)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				log.Warn().Err(err).Stringer("room_id", info.ID).Msg("Room sync failed")
				roomErrors[info.ID] = err.Error()
				return nil
			}
			counts.addRoom(members, diff)
			return nil
		})
	}
	_ = eg.Wait()
	if err = ctx.Err(); err != nil {
		return counts, roomErrors, err
	}

	listed := make(map[id.RoomID]struct{}, len(rooms))
	for _, info := range rooms {
		listed[info.ID] = struct{}{}
	}
	active, err := o.store.ActiveRoomIDs(ctx)
	if err != nil {
		return counts, roomErrors, err
	}
	for _, roomID := range active {
		if _, ok := listed[roomID]; ok {
			continue
		}
		marked, err := o.store.RetireRoom(ctx, roomID)
		if err != nil {
			return counts, roomErrors, err
		}
		counts.MarkedLeft += int(marked)
		log.Debug().Stringer("room_id", roomID).Int64("marked_left", marked).Msg("Retired room no longer joined")
	}
	if _, err = o.store.RecomputeMemberCounts(ctx); err != nil {
		return counts, roomErrors, err
	}
	return counts, roomErrors, nil
}

func toSnapshot(info remote.MemberInfo) cachestore.MemberSnapshot {
	return cachestore.MemberSnapshot{
		User: cachestore.CachedUser{
			UserID:      info.UserID,
			DisplayName: info.DisplayName,
			AvatarURL:   info.AvatarURL,
		},
		Status:       info.Status,
		ProfileKnown: info.ProfileKnown,
	}
}

func toCachedRoom(info remote.RoomInfo) cachestore.CachedRoom {
	return cachestore.CachedRoom{
		RoomID:    info.ID,
		Name:      info.Name,
		Topic:     info.Topic,
		Kind:      info.Kind,
		Encrypted: info.Encrypted,
	}
}

// syncRoom fetches one room's members and applies the diff. A room listed
// without details fails here, as does a panic, for that room only.
func (o *Orchestrator) syncRoom(ctx context.Context, info remote.RoomInfo) (members []cachestore.MemberSnapshot, diff cachestore.DiffResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("stack", string(debug.Stack())).
				Stringer("room_id", info.ID).
				Msgf("Panic while syncing room: %v", r)
			err = fmt.Errorf("panic while syncing room: %v", r)
		}
	}()
	if info.Err != nil {
		return nil, diff, info.Err
	}
	remoteMembers, err := remote.RetryValue(ctx, o.policy, "members", func(ctx context.Context) ([]remote.MemberInfo, error) {
		return o.platform.ListMembers(ctx, info.ID)
	})
	if err != nil {
		return nil, diff, err
	}
	members = make([]cachestore.MemberSnapshot, len(remoteMembers))
	for i, m := range remoteMembers {
		members[i] = toSnapshot(m)
	}
	diff, err = o.store.ApplyRoomSnapshot(ctx, cachestore.RoomSnapshot{Room: toCachedRoom(info), Members: members})
	return members, diff, err
}

// IncrementalSync applies what changed on the homeserver since the cursor
// of the last successful run. The new cursor is only stored if every room
// applied cleanly, so failed rooms are retried by the next run.
func (o *Orchestrator) IncrementalSync(ctx context.Context) (*Result, error) {
	run, release, err := o.begin(ctx, cachestore.SyncIncremental)
	if err != nil {
		return nil, err
	}
	defer release()

	log := o.log.With().Str("run_id", run.RunID).Str("sync_kind", string(run.Kind)).Logger()
	ctx = log.WithContext(ctx)
	start := time.Now()
	counts := newSyncCounters()
	roomErrors := make(map[id.RoomID]string)

	cursor, err := o.store.LatestCursor(ctx)
	if err != nil {
		return o.finish(ctx, run, start, counts, roomErrors, err, ""), nil
	}
	log.Debug().Str("since", cursor).Msg("Incremental sync start")
	changes, err := remote.RetryValue(ctx, o.policy, "sync", func(ctx context.Context) (*remote.ChangeSet, error) {
		return o.platform.Changes(ctx, cursor)
	})
	if err != nil {
		return o.finish(ctx, run, start, counts, roomErrors, fmt.Errorf("failed to fetch changes: %w", err), ""), nil
	}
	for _, change := range changes.Rooms {
		if err = o.applyChange(ctx, change, counts); err != nil {
			log.Warn().Err(err).Stringer("room_id", change.RoomID).Msg("Failed to apply room change")
			roomErrors[change.RoomID] = err.Error()
		}
	}
	return o.finish(ctx, run, start, counts, roomErrors, nil, changes.NextBatch), nil
}

func (o *Orchestrator) applyChange(ctx context.Context, change remote.RoomChange, counts *syncCounters) error {
	if change.Err != nil {
		return change.Err
	}
	if change.Left {
		marked, err := o.store.RetireRoom(ctx, change.RoomID)
		if err != nil {
			return err
		}
		counts.Rooms++
		counts.MarkedLeft += int(marked)
		return nil
	}
	delta := cachestore.RoomDelta{RoomID: change.RoomID, Activity: change.Activity}
	if change.Info != nil {
		room := toCachedRoom(*change.Info)
		delta.Room = &room
	}
	delta.Members = make([]cachestore.MemberSnapshot, len(change.Members))
	for i, m := range change.Members {
		delta.Members[i] = toSnapshot(m)
	}
	diff, err := o.store.ApplyRoomDelta(ctx, delta)
	if err != nil {
		return err
	}
	counts.addRoom(delta.Members, diff)
	return nil
}

// finish runs the post-sync hooks, closes the sync run and reports it.
func (o *Orchestrator) finish(
	ctx context.Context,
	run *cachestore.SyncRun,
	start time.Time,
	counts *syncCounters,
	roomErrors map[id.RoomID]string,
	fatal error,
	cursor string,
) *Result {
	log := zerolog.Ctx(ctx)
	// The run must be closed even if the caller's context is gone.
	ctx = context.WithoutCancel(ctx)

	if fatal == nil {
		o.postSync(ctx)
	}

	run.RoomsProcessed = counts.Rooms
	run.UsersProcessed = len(counts.users)
	run.MembershipsProcessed = counts.Memberships
	run.FailedUnits = len(roomErrors)
	run.Status = cachestore.SyncSuccess
	run.Error = ""
	switch {
	case fatal != nil:
		run.Status = cachestore.SyncFailed
		run.Error = fatal.Error()
	case len(roomErrors) > 0:
		run.Status = cachestore.SyncFailed
		run.Error = formatRoomErrors(roomErrors)
	default:
		run.Cursor = cursor
	}
	if err := o.store.FinishSyncRun(ctx, run); err != nil {
		log.Err(err).Msg("Failed to record sync run result")
		if run.Error == "" {
			run.Error = err.Error()
		}
		run.Status = cachestore.SyncFailed
	}

	elapsed := time.Since(start)
	metrics.SyncRuns.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	metrics.SyncDuration.WithLabelValues(string(run.Kind)).Observe(elapsed.Seconds())
	metrics.SyncRoomFailures.Add(float64(len(roomErrors)))
	if run.Status == cachestore.SyncSuccess {
		metrics.LastSuccessfulSync.Set(float64(run.FinishedAt.Unix()))
	}

	evt := log.Info()
	if run.Status != cachestore.SyncSuccess {
		evt = log.Warn().Str("error", run.Error)
	}
	evt.Int("rooms", counts.Rooms).
		Int("users", len(counts.users)).
		Int("memberships", counts.Memberships).
		Int("marked_left", counts.MarkedLeft).
		Int("failed_rooms", len(roomErrors)).
		Dur("elapsed", elapsed).
		Msg("Sync finished")

	return &Result{
		RunID:             run.RunID,
		Kind:              run.Kind,
		Status:            Status(run.Status),
		RoomsSynced:       counts.Rooms,
		UsersSynced:       len(counts.users),
		MembershipsSynced: counts.Memberships,
		MarkedLeft:        counts.MarkedLeft,
		RoomErrors:        roomErrors,
		Duration:          elapsed,
		Error:             run.Error,
	}
}

// postSync flags bridged users and reclassifies priority rooms. Failures are
// logged but don't fail the run: the synced data is already committed.
func (o *Orchestrator) postSync(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	if o.detector != nil {
		if n, err := o.detector.Detect(ctx); err != nil {
			log.Err(err).Msg("Bridged user detection failed after sync")
		} else if n > 0 {
			log.Info().Int64("flagged", n).Msg("Flagged new bridged users")
		}
	}
	if o.resolver != nil {
		if _, err := o.resolver.Refresh(ctx); err != nil {
			log.Err(err).Msg("Priority refresh failed after sync")
		}
	}
}

func formatRoomErrors(roomErrors map[id.RoomID]string) string {
	lines := make([]string, 0, len(roomErrors))
	for roomID, msg := range roomErrors {
		lines = append(lines, fmt.Sprintf("%s: %s", roomID, msg))
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}
