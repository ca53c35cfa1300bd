// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package priority

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lrhodin/roomcache/pkg/config"
)

// Watcher reloads the priority allowlist when the config file changes.
type Watcher struct {
	path     string
	resolver *Resolver
	log      zerolog.Logger

	// Debounce is how long the file has to stay unchanged before reloading.
	Debounce time.Duration
}

func NewWatcher(path string, resolver *Resolver, log zerolog.Logger) *Watcher {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return &Watcher{
		path:     filepath.Clean(path),
		resolver: resolver,
		log:      log.With().Str("component", "priority_watcher").Logger(),
		Debounce: 500 * time.Millisecond,
	}
}

func (w *Watcher) String() string {
	return "priority config watcher"
}

// Serve watches the config file's directory until ctx is done. The directory
// is watched instead of the file so that editors replacing the file by rename
// don't end the watch.
func (w *Watcher) Serve(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Debug().Str("path", w.path).Msg("Watching config for priority room changes")

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if filepath.Clean(evt.Name) != w.path || !evt.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.Debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			w.log.Warn().Err(err).Msg("File watcher error")
		case <-reload:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := config.Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("Not reloading priority rooms: config is invalid")
		return
	}
	w.resolver.SetRules(&cfg.PriorityRooms)
	changed, err := w.resolver.Refresh(ctx)
	if err != nil {
		w.log.Err(err).Msg("Failed to reclassify rooms after config change")
		return
	}
	w.log.Info().Int64("changed", changed).Msg("Reloaded priority rooms")
}
