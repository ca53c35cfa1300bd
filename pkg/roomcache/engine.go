// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package roomcache wires the cache store, the remote platform and the sync,
// scheduling, health and bulk components into one engine.
package roomcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/bridged"
	"github.com/lrhodin/roomcache/pkg/bulk"
	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/health"
	"github.com/lrhodin/roomcache/pkg/metrics"
	"github.com/lrhodin/roomcache/pkg/priority"
	"github.com/lrhodin/roomcache/pkg/remote"
	"github.com/lrhodin/roomcache/pkg/scheduler"
	"github.com/lrhodin/roomcache/pkg/syncer"
)

// OutcomeUnconfigured is returned by BackgroundSync when there is no
// homeserver to sync from.
const OutcomeUnconfigured scheduler.Outcome = "unconfigured"

// ConfigurationError is returned when an operation needs the remote platform
// but no homeserver is configured.
type ConfigurationError struct {
	Op string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, remote.ErrNotConfigured)
}

func (e *ConfigurationError) Unwrap() error {
	return remote.ErrNotConfigured
}

type Engine struct {
	Store     *cachestore.Store
	Platform  remote.Platform
	Syncer    *syncer.Orchestrator
	Scheduler *scheduler.Scheduler
	Resolver  *priority.Resolver
	Detector  *bridged.Detector
	Health    *health.Monitor
	Bulk      *bulk.Messenger

	cfg        *config.Config
	log        zerolog.Logger
	configured bool
	ownsStore  bool
}

// Open connects to the cache database and the homeserver described by cfg.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	store, err := cachestore.Open(ctx, cfg.Database, log.With().Str("component", "cachestore").Logger())
	if err != nil {
		return nil, err
	}
	platform, err := remote.New(cfg, log.With().Str("component", "remote").Logger())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := New(cfg, store, platform, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine.ownsStore = true
	return engine, nil
}

// New builds an engine on an already opened store and platform. Whether the
// platform is configured is decided here, once.
func New(cfg *config.Config, store *cachestore.Store, platform remote.Platform, log zerolog.Logger) (*Engine, error) {
	resolver, err := priority.NewResolver(&cfg.PriorityRooms, store, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create priority resolver: %w", err)
	}
	detector := bridged.NewDetector(store, cfg.Bridged.UserRegex(), log)
	orchestrator := syncer.New(syncer.Params{
		Store:    store,
		Platform: platform,
		Detector: detector,
		Resolver: resolver,
		Config:   cfg.Sync,
	}, log)
	_, isNull := platform.(remote.NullPlatform)
	return &Engine{
		Store:      store,
		Platform:   platform,
		Syncer:     orchestrator,
		Scheduler:  scheduler.New(store, orchestrator, cfg.Scheduler, log),
		Resolver:   resolver,
		Detector:   detector,
		Health:     health.NewMonitor(store, platform, cfg, log),
		Bulk:       bulk.New(platform, cfg, log),
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		configured: !isNull,
	}, nil
}

// Configured reports whether a homeserver is configured.
func (e *Engine) Configured() bool {
	return e.configured
}

func (e *Engine) Close() error {
	e.Scheduler.Stop()
	e.Resolver.Close()
	if e.ownsStore {
		return e.Store.Close()
	}
	return nil
}

// Services returns the long-running services of the engine for a supervisor.
// The sync scheduler is left out when there is no homeserver to sync from.
func (e *Engine) Services() []suture.Service {
	var services []suture.Service
	if e.configured {
		services = append(services, e.Scheduler)
	}
	if e.cfg.Path != "" {
		services = append(services, priority.NewWatcher(e.cfg.Path, e.Resolver, e.log))
	}
	return services
}

func (e *Engine) pageSize(limit int) int {
	switch {
	case limit <= 0:
		return e.cfg.Queries.DefaultPageSize
	case limit > e.cfg.Queries.MaxPageSize:
		return e.cfg.Queries.MaxPageSize
	default:
		return limit
	}
}

// QueryUsers returns one page of cached users. Without a homeserver the
// result is always empty.
func (e *Engine) QueryUsers(ctx context.Context, q cachestore.UserQuery) (*cachestore.Page[cachestore.CachedUser], error) {
	q.Limit = e.pageSize(q.Limit)
	q.Offset = max(q.Offset, 0)
	if !e.configured {
		return &cachestore.Page[cachestore.CachedUser]{Items: []cachestore.CachedUser{}, Limit: q.Limit, Offset: q.Offset}, nil
	}
	return e.Store.QueryUsers(ctx, q)
}

// QueryRooms returns one page of cached rooms. A zero MinMemberCount applies
// the configured default and lets priority rooms through regardless of size,
// a negative one disables the size filter.
func (e *Engine) QueryRooms(ctx context.Context, q cachestore.RoomQuery) (*cachestore.Page[cachestore.CachedRoom], error) {
	q.Limit = e.pageSize(q.Limit)
	q.Offset = max(q.Offset, 0)
	switch {
	case q.MinMemberCount == 0:
		q.MinMemberCount = e.cfg.Queries.DefaultMinMemberCount
		q.IncludePriority = true
	case q.MinMemberCount < 0:
		q.MinMemberCount = 0
	}
	if !e.configured {
		return &cachestore.Page[cachestore.CachedRoom]{Items: []cachestore.CachedRoom{}, Limit: q.Limit, Offset: q.Offset}, nil
	}
	return e.Store.QueryRooms(ctx, q)
}

// PriorityUsers returns the users joined to at least one priority room.
func (e *Engine) PriorityUsers(ctx context.Context) ([]id.UserID, error) {
	if !e.configured {
		return []id.UserID{}, nil
	}
	return e.Resolver.UsersInPriorityRooms(ctx)
}

func (e *Engine) unconfiguredSync(op string, kind cachestore.SyncKind) *syncer.Result {
	err := &ConfigurationError{Op: op}
	e.log.Warn().Str("operation", op).Msg("Sync requested but no homeserver is configured")
	return &syncer.Result{Kind: kind, Status: syncer.StatusFailed, Error: err.Error()}
}

// IncrementalSync applies remote changes since the last successful sync.
func (e *Engine) IncrementalSync(ctx context.Context) (*syncer.Result, error) {
	if !e.configured {
		return e.unconfiguredSync("incremental sync", cachestore.SyncIncremental), nil
	}
	return e.Syncer.IncrementalSync(ctx)
}

// FullSync reconciles every room with the homeserver.
func (e *Engine) FullSync(ctx context.Context, force bool) (*syncer.Result, error) {
	if !e.configured {
		return e.unconfiguredSync("full sync", cachestore.SyncFull), nil
	}
	return e.Syncer.FullSync(ctx, force)
}

// BackgroundSync starts a full sync in the background if the cache is older
// than maxAge. It never blocks.
func (e *Engine) BackgroundSync(maxAge time.Duration) scheduler.Outcome {
	if !e.configured {
		return OutcomeUnconfigured
	}
	return e.Scheduler.Trigger(maxAge)
}

func (e *Engine) DetectBridgedUsers(ctx context.Context) (int64, error) {
	return e.Detector.Detect(ctx)
}

// Cleanup deletes cache rows that haven't been synced for maxAgeHours.
func (e *Engine) Cleanup(ctx context.Context, maxAgeHours int) (int64, error) {
	if maxAgeHours <= 0 {
		return 0, fmt.Errorf("max age must be at least one hour, got %d", maxAgeHours)
	}
	deleted, err := e.Store.Cleanup(ctx, time.Duration(maxAgeHours)*time.Hour)
	if err != nil {
		return 0, err
	}
	metrics.CleanupDeleted.Add(float64(deleted))
	e.log.Info().
		Int("max_age_hours", maxAgeHours).
		Int64("deleted", deleted).
		Msg("Cache cleanup finished")
	return deleted, nil
}

func (e *Engine) HealthCheck(ctx context.Context) *health.Report {
	return e.Health.Check(ctx)
}

func (e *Engine) BulkSend(ctx context.Context, targets []string, text string) *bulk.Result {
	return e.Bulk.Send(ctx, targets, text)
}

func (e *Engine) BulkInvite(ctx context.Context, roomID id.RoomID, users []id.UserID) *bulk.Result {
	return e.Bulk.Invite(ctx, roomID, users)
}

func (e *Engine) BulkRemove(ctx context.Context, roomID id.RoomID, users []id.UserID, reason string) *bulk.Result {
	return e.Bulk.Remove(ctx, roomID, users, reason)
}

func (e *Engine) Stats(ctx context.Context) (*cachestore.Stats, error) {
	return e.Store.Stats(ctx)
}

func (e *Engine) SyncRuns(ctx context.Context, limit int) ([]cachestore.SyncRun, error) {
	return e.Store.ListSyncRuns(ctx, e.pageSize(limit))
}

// IsConfigurationError reports whether err was caused by a missing
// homeserver configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(err, remote.ErrNotConfigured)
}
