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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/lrhodin/roomcache/pkg/config"
	"github.com/lrhodin/roomcache/pkg/metrics"
)

type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func PolicyFromConfig(cfg config.SyncConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// floorBackOff never waits less than the delay the server asked for on the
// previous attempt.
type floorBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *floorBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && next < b.floor {
		next = b.floor
	}
	b.floor = 0
	return next
}

func (p RetryPolicy) newBackOff(ctx context.Context) (backoff.BackOff, *floorBackOff) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.MaxElapsedTime = 0
	floor := &floorBackOff{BackOff: exp}
	return backoff.WithContext(backoff.WithMaxRetries(floor, uint64(p.MaxRetries)), ctx), floor
}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// policy runs out of retries. The last error is returned in the latter cases.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	bo, floor := p.newBackOff(ctx)
	log := zerolog.Ctx(ctx)
	return backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var te *TransientError
		if !errors.As(err, &te) {
			return backoff.Permanent(err)
		}
		floor.floor = te.RetryAfter
		return err
	}, bo, func(err error, delay time.Duration) {
		metrics.RemoteRetries.WithLabelValues(op).Inc()
		log.Debug().Err(err).
			Str("operation", op).
			Dur("delay", delay).
			Msg("Retrying transient remote failure")
	})
}

// RetryValue is Retry for operations that return a value.
func RetryValue[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, p, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
