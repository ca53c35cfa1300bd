// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package scheduler keeps the cache fresh by starting a full sync in the
// background whenever the last successful sync is too old.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/syncer"
)

type FullSyncer interface {
	FullSync(ctx context.Context, force bool) (*syncer.Result, error)
	Running() bool
}

type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already_running"
)

type Scheduler struct {
	store  *cachestore.Store
	syncer FullSyncer
	log    zerolog.Logger

	maxAge        time.Duration
	checkInterval time.Duration
	stuckAfter    time.Duration

	inFlight atomic.Bool
	wg       sync.WaitGroup
	// ctx outlives the callers of Trigger and is only cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func New(store *cachestore.Store, s FullSyncer, cfg config.SchedulerConfig, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	ctx, cancel := context.WithCancel(log.WithContext(context.Background()))
	return &Scheduler{
		store:         store,
		syncer:        s,
		log:           log,
		maxAge:        cfg.MaxCacheAge,
		checkInterval: cfg.CheckInterval,
		stuckAfter:    cfg.StuckAfter,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

func (s *Scheduler) String() string {
	return "background sync scheduler"
}

// Trigger starts a freshness check in the background and returns
// immediately. If the last successful sync is older than maxAge (or there is
// none), the check runs a full sync. A trigger received while a check or
// sync is in flight is dropped.
func (s *Scheduler) Trigger(maxAge time.Duration) Outcome {
	if s.syncer.Running() || !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug().Msg("Sync already in flight, ignoring trigger")
		return OutcomeAlreadyRunning
	}
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("stack", string(debug.Stack())).
					Msgf("Panic in background sync: %v", r)
			}
		}()
		s.check(s.ctx, maxAge)
	}()
	return OutcomeStarted
}

// Wait blocks until every triggered check has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels in-flight checks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) check(ctx context.Context, maxAge time.Duration) {
	failed, err := s.store.FailStaleRuns(ctx, s.stuckAfter)
	if err != nil {
		s.log.Err(err).Msg("Failed to clear stale sync runs")
		return
	} else if failed > 0 {
		s.log.Warn().Int64("runs", failed).Dur("stuck_after", s.stuckAfter).Msg("Marked stuck sync runs as failed")
	}

	last, err := s.store.LastSuccessfulSync(ctx, "")
	if err != nil {
		s.log.Err(err).Msg("Failed to get last successful sync")
		return
	}
	if last != nil {
		age := s.now().Sub(last.FinishedAt)
		if age < maxAge {
			s.log.Debug().Dur("age", age).Dur("max_age", maxAge).Msg("Cache is fresh")
			return
		}
		s.log.Info().Dur("age", age).Dur("max_age", maxAge).Msg("Cache is stale, starting full sync")
	} else {
		s.log.Info().Msg("No successful sync yet, starting full sync")
	}

	res, err := s.syncer.FullSync(ctx, true)
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		s.log.Debug().Err(err).Msg("Background sync collapsed into running sync")
	} else if err != nil {
		s.log.Err(err).Msg("Background sync could not start")
	} else if res.Status == syncer.StatusFailed {
		s.log.Warn().Str("run_id", res.RunID).Msg("Background sync failed")
	}
}

// Serve checks freshness every check interval until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	s.Trigger(s.maxAge)
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			s.Trigger(s.maxAge)
		}
	}
}
