// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package bridged flags cached users whose Matrix IDs belong to the Signal
// bridge's puppet namespace.
package bridged

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/roomcache/pkg/cachestore"
	"github.com/lrhodin/roomcache/pkg/metrics"
)

type Detector struct {
	store   *cachestore.Store
	pattern *regexp.Regexp
	log     zerolog.Logger
}

func NewDetector(store *cachestore.Store, pattern *regexp.Regexp, log zerolog.Logger) *Detector {
	return &Detector{
		store:   store,
		pattern: pattern,
		log:     log.With().Str("component", "bridged_detector").Logger(),
	}
}

// IsBridged reports whether userID is in the bridge namespace.
func (d *Detector) IsBridged(userID id.UserID) bool {
	return d.pattern != nil && d.pattern.MatchString(userID.String())
}

// Detect flags every unflagged cached user that matches the namespace and
// returns how many were newly flagged. Running it again without new users
// returns 0.
func (d *Detector) Detect(ctx context.Context) (int64, error) {
	candidates, err := d.store.ListUserIDs(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list unflagged users: %w", err)
	}
	var matches []id.UserID
	for _, userID := range candidates {
		if d.IsBridged(userID) {
			matches = append(matches, userID)
		}
	}
	updated, err := d.store.SetBridgedFlags(ctx, matches)
	if err != nil {
		return 0, err
	}
	metrics.BridgedUsersFlagged.Add(float64(updated))
	d.log.Debug().
		Int("scanned", len(candidates)).
		Int64("updated", updated).
		Msg("Bridged user scan complete")
	return updated, nil
}
