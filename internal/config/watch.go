// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes each
// valid result to onChange. Invalid files are logged and skipped; the last
// good config stays in effect. Watch returns once the watcher is set up and
// stops when ctx is cancelled.
//
// The parent directory is watched rather than the file so that editors
// which save by renaming a temp file are still seen.
func Watch(ctx context.Context, path string, logger *log.Entry, onChange func(*Config)) error {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "resolve config path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}

	logger = logger.WithField("path", abs)
	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(DefaultWatchDebounce)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")

			case <-debounce:
				debounce = nil
				cfg, err := Load(abs)
				if err != nil {
					logger.WithError(err).Warn("Ignoring invalid config change")
					continue
				}
				logger.Info("Config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
