// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package health reports whether the homeserver answers and how fresh the
// cache is.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/remote"
)

type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
	StatusUnconfigured Status = "unconfigured"
)

type Report struct {
	Status Status `json:"status"`

	RemoteReachable bool   `json:"remote_reachable"`
	RemoteLatencyMS int64  `json:"remote_latency_ms"`
	RemoteError     string `json:"remote_error,omitempty"`

	LastSync         *time.Time `json:"last_sync,omitempty"`
	LastSyncRunID    string     `json:"last_sync_run_id,omitempty"`
	StalenessSeconds float64    `json:"staleness_seconds,omitempty"`
	Stale            bool       `json:"stale"`

	RunningRunID string `json:"running_run_id,omitempty"`
	StuckRun     bool   `json:"stuck_run"`

	LastFailure   *time.Time `json:"last_failure,omitempty"`
	LastFailedRun string     `json:"last_failed_run_id,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type Monitor struct {
	store    *cachestore.Store
	platform remote.Platform
	log      zerolog.Logger

	pingTimeout time.Duration
	maxAge      time.Duration
	stuckAfter  time.Duration
	now         func() time.Time
}

func NewMonitor(store *cachestore.Store, platform remote.Platform, cfg *config.Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:       store,
		platform:    platform,
		log:         log.With().Str("component", "health").Logger(),
		pingTimeout: cfg.Health.PingTimeout,
		maxAge:      cfg.Scheduler.MaxCacheAge,
		stuckAfter:  cfg.Scheduler.StuckAfter,
		now:         time.Now,
	}
}

// Check pings the homeserver with a short timeout and inspects the sync run
// history. It never fails: problems are reported in the returned status.
func (m *Monitor) Check(ctx context.Context) *Report {
	report := &Report{Status: StatusHealthy}
	degraded := false

	pingCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	start := time.Now()
	err := m.platform.Ping(pingCtx)
	cancel()
	report.RemoteLatencyMS = time.Since(start).Milliseconds()
	switch {
	case errors.Is(err, remote.ErrNotConfigured):
		report.Status = StatusUnconfigured
		report.RemoteError = err.Error()
	case err != nil:
		report.Status = StatusUnhealthy
		report.RemoteError = err.Error()
	default:
		report.RemoteReachable = true
	}

	now := m.now()
	last, err := m.store.LastSuccessfulSync(ctx, "")
	if err != nil {
		return m.storeFailure(report, err)
	}
	if last != nil {
		report.LastSync = &last.FinishedAt
		report.LastSyncRunID = last.RunID
		staleness := now.Sub(last.FinishedAt)
		report.StalenessSeconds = staleness.Seconds()
		report.Stale = staleness > m.maxAge
	} else {
		report.Stale = true
	}
	degraded = degraded || report.Stale

	running, err := m.store.RunningSyncRun(ctx)
	if err != nil {
		return m.storeFailure(report, err)
	}
	if running != nil {
		report.RunningRunID = running.RunID
		report.StuckRun = now.Sub(running.StartedAt) > m.stuckAfter
		degraded = degraded || report.StuckRun
	}

	failed, err := m.store.LastFailedSync(ctx)
	if err != nil {
		return m.storeFailure(report, err)
	}
	if failed != nil {
		report.LastFailure = &failed.FinishedAt
		report.LastFailedRun = failed.RunID
		report.Error = failed.Error
		if last == nil || failed.FinishedAt.After(last.FinishedAt) {
			degraded = true
		}
	}

	if report.Status == StatusHealthy && degraded {
		report.Status = StatusDegraded
	}
	return report
}

func (m *Monitor) storeFailure(report *Report, err error) *Report {
	m.log.Err(err).Msg("Failed to read sync history for health check")
	report.Status = StatusUnhealthy
	report.Error = err.Error()
	return report
}

// ServeHTTP writes the report as JSON. Unhealthy reports get a 503.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		m.log.Debug().Err(err).Msg("Failed to write health response")
	}
}
