// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// sentry watches the project root for changes made by something other
// than this transaction while the transaction is open. Such changes are
// reported as non-fatal issues so the chronicle records that the tree
// moved under us.
type sentry struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// startSentry begins watching root and every directory below it;
// fsnotify watches are not recursive, so directories created while the
// transaction is open are added as their create events arrive. Events
// under ignoreDir (the control directory, where staging and lock churn
// is expected) are dropped. Each external change is passed to report.
func startSentry(root, ignoreDir string, report func(issue string), logger *slog.Logger) (*sentry, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting change sentry: %w", err)
	}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(path, ignoreDir) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if walkErr != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", root, walkErr)
	}

	s := &sentry{watcher: watcher, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasPrefix(ev.Name, ignoreDir) {
					continue
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						if addErr := watcher.Add(ev.Name); addErr != nil {
							logger.Warn("change sentry could not watch new directory",
								"path", ev.Name, "error", addErr)
						}
					}
				}
				report(fmt.Sprintf("external change during transaction: %s (%s)", ev.Name, ev.Op))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("change sentry error", "error", err)
			}
		}
	}()
	return s, nil
}

// stop closes the watcher and waits for the event loop to drain.
func (s *sentry) stop() {
	s.watcher.Close()
	<-s.done
}
