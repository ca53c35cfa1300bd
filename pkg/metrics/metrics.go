// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics holds the prometheus collectors shared by the cache engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcache_sync_runs_total",
			Help: "Sync runs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomcache_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	SyncRoomFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcache_sync_room_failures_total",
			Help: "Rooms whose diff was aborted during a sync",
		},
	)

	LastSuccessfulSync = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcache_last_successful_sync_timestamp_seconds",
			Help: "Unix time of the last successful sync run",
		},
	)

	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcache_remote_requests_total",
			Help: "Remote platform calls by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: success, failure, rejected
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcache_remote_retries_total",
			Help: "Retries of transient remote failures",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomcache_circuit_breaker_state",
			Help: "Remote circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	BulkTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcache_bulk_targets_total",
			Help: "Bulk operation targets by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	CleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcache_cleanup_deleted_rows_total",
			Help: "Rows removed by cache cleanup",
		},
	)

	BridgedUsersFlagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomcache_bridged_users_flagged_total",
			Help: "Users newly flagged as bridged",
		},
	)

	PriorityCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcache_priority_cache_lookups_total",
			Help: "Priority user set cache lookups",
		},
		[]string{"result"}, // hit, miss
	)
)
