// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bulk sends messages, invites and removals to many targets at once
// without letting one failing target abort the rest.
package bulk

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/metrics"
	"github.com/lrhodin/roomcache/pkg/remote"
)

type Operation string

const (
	OpSend   Operation = "send"
	OpInvite Operation = "invite"
	OpRemove Operation = "remove"
)

type Outcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Result reports one outcome per distinct target. Repeated targets are
// delivered once and counted in Duplicates, so TotalSuccess, TotalFailed and
// Duplicates add up to the number of targets given.
type Result struct {
	Operation    Operation          `json:"operation"`
	Results      map[string]Outcome `json:"results"`
	Errors       []string           `json:"errors"`
	TotalSuccess int                `json:"total_success"`
	TotalFailed  int                `json:"total_failed"`
	Duplicates   int                `json:"duplicates"`
	Batches      int                `json:"batches"`
	Duration     time.Duration      `json:"-"`
}

type Messenger struct {
	platform remote.Platform
	log      zerolog.Logger

	policy      remote.RetryPolicy
	batchSize   int
	parallelism int
	batchDelay  time.Duration
}

func New(platform remote.Platform, cfg *config.Config, log zerolog.Logger) *Messenger {
	return &Messenger{
		platform:    platform,
		log:         log.With().Str("component", "bulk").Logger(),
		policy:      remote.PolicyFromConfig(cfg.Sync),
		batchSize:   max(cfg.Bulk.BatchSize, 1),
		parallelism: max(cfg.Bulk.Parallelism, 1),
		batchDelay:  cfg.Bulk.BatchDelay,
	}
}

// Send delivers text to every target. Targets starting with @ are users and
// get a direct message, targets starting with ! are rooms.
func (m *Messenger) Send(ctx context.Context, targets []string, text string) *Result {
	return m.run(ctx, OpSend, targets, func(ctx context.Context, target string) error {
		switch {
		case strings.HasPrefix(target, "@"):
			return m.platform.SendToUser(ctx, id.UserID(target), text)
		case strings.HasPrefix(target, "!"):
			return m.platform.SendToRoom(ctx, id.RoomID(target), text)
		default:
			return fmt.Errorf("%q is neither a user nor a room ID", target)
		}
	})
}

func (m *Messenger) Invite(ctx context.Context, roomID id.RoomID, users []id.UserID) *Result {
	return m.run(ctx, OpInvite, userTargets(users), func(ctx context.Context, target string) error {
		return m.platform.Invite(ctx, roomID, id.UserID(target))
	})
}

func (m *Messenger) Remove(ctx context.Context, roomID id.RoomID, users []id.UserID, reason string) *Result {
	return m.run(ctx, OpRemove, userTargets(users), func(ctx context.Context, target string) error {
		return m.platform.Remove(ctx, roomID, id.UserID(target), reason)
	})
}

func userTargets(users []id.UserID) []string {
	out := make([]string, len(users))
	for i, user := range users {
		out[i] = user.String()
	}
	return out
}

// batches splits targets into consecutive chunks of at most size items,
// dropping duplicates. It also returns how many were dropped.
func batches(targets []string, size int) ([][]string, int) {
	seen := make(map[string]struct{}, len(targets))
	unique := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		unique = append(unique, target)
	}
	return slices.Collect(slices.Chunk(unique, size)), len(targets) - len(unique)
}

func (m *Messenger) run(ctx context.Context, op Operation, targets []string, fn func(ctx context.Context, target string) error) *Result {
	start := time.Now()
	log := m.log.With().Str("operation", string(op)).Logger()
	ctx = log.WithContext(ctx)

	chunks, duplicates := batches(targets, m.batchSize)
	res := &Result{
		Operation:  op,
		Results:    make(map[string]Outcome, len(targets)),
		Errors:     []string{},
		Duplicates: duplicates,
		Batches:    len(chunks),
	}
	if duplicates > 0 {
		log.Debug().Int("duplicates", duplicates).Msg("Dropped repeated bulk targets")
	}
	var lock sync.Mutex
	record := func(target string, err error) {
		lock.Lock()
		defer lock.Unlock()
		if err != nil {
			res.Results[target] = Outcome{Error: err.Error()}
			res.TotalFailed++
			metrics.BulkTargets.WithLabelValues(string(op), "failure").Inc()
			return
		}
		res.Results[target] = Outcome{Success: true}
		res.TotalSuccess++
		metrics.BulkTargets.WithLabelValues(string(op), "success").Inc()
	}

	for i, chunk := range chunks {
		if i > 0 {
			if err := sleepCtx(ctx, m.batchDelay); err != nil {
				for _, rest := range chunks[i:] {
					for _, target := range rest {
						record(target, err)
					}
				}
				break
			}
		}
		var eg errgroup.Group
		eg.SetLimit(m.parallelism)
		for _, target := range chunk {
			eg.Go(func() error {
				record(target, m.deliver(ctx, op, target, fn))
				return nil
			})
		}
		_ = eg.Wait()
	}

	for target, outcome := range res.Results {
		if !outcome.Success {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", target, outcome.Error))
		}
	}
	slices.Sort(res.Errors)
	res.Duration = time.Since(start)
	log.Info().
		Int("targets", len(res.Results)).
		Int("batches", res.Batches).
		Int("succeeded", res.TotalSuccess).
		Int("failed", res.TotalFailed).
		Int("duplicates", res.Duplicates).
		Dur("elapsed", res.Duration).
		Msg("bulk_run")
	return res
}

func (m *Messenger) deliver(ctx context.Context, op Operation, target string, fn func(ctx context.Context, target string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("target", target).
				Any("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic in bulk target")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err = ctx.Err(); err != nil {
		return err
	}
	return remote.Retry(ctx, m.policy, "bulk_"+string(op), func(ctx context.Context) error {
		return fn(ctx, target)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
