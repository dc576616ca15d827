// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/staging"
)

// commitParallelism bounds concurrent file promotions during commit.
const commitParallelism = 4

// journalEntry is one line of the undo journal, written before the
// corresponding promotion so a failure at any point leaves a complete
// record of what must be reversed.
type journalEntry struct {
	// Path is the logical path that was (or was about to be) promoted.
	Path string `json:"path"`

	// Action is the dossier action driving the promotion.
	Action fsops.Action `json:"action"`

	// Preimage is true when the destination existed beforehand and a
	// snapshot of it was taken into the undo tree.
	Preimage bool `json:"preimage"`
}

// Committer promotes every staged artifact into the real project tree.
//
// # Description
//
// Commit walks the transaction's write dossier and copies each staged
// file to its logical destination, creating parent directories first so
// directory creation always precedes content writes. Before touching
// any destination it snapshots the pre-transaction content into the
// undo tree and appends a journal line, which is what makes rollback
// after a partial commit possible.
//
// # Thread Safety
//
// A Committer belongs to one transaction and must not be shared.
// Commit itself promotes independent files in parallel; the journal is
// serialized internally.
type Committer struct {
	staging  *staging.Manager
	undoRoot string
	logger   *slog.Logger

	jmu     sync.Mutex
	journal *os.File
}

// NewCommitter creates a committer for one transaction. undoRoot is the
// transaction-scoped undo directory (snapshots plus journal).
func NewCommitter(stg *staging.Manager, undoRoot string, logger *slog.Logger) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		staging:  stg,
		undoRoot: undoRoot,
		logger:   logger.With("component", "committer"),
	}
}

// Commit promotes every dossier entry into the project tree.
//
// Entries with ActionUnchanged are skipped. ActionDeleted removes the
// destination file. ActionCreated and ActionModified require the staged
// source to exist; a missing source is an error. Promotions of
// independent files run in parallel, but all destination directories
// are created first.
//
// A returned error means the promotion is incomplete and the caller
// must trigger a full rollback; Commit never reports partial success.
func (c *Committer) Commit(ctx context.Context, dossier map[string]fsops.WriteResult) error {
	if len(dossier) == 0 {
		return nil
	}

	if err := c.openJournal(); err != nil {
		return err
	}
	defer c.closeJournal()

	// Deterministic order for directory creation.
	paths := make([]string, 0, len(dossier))
	for p := range dossier {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	// Directories before contents.
	for _, logical := range paths {
		if dossier[logical].Action == fsops.ActionDeleted {
			continue
		}
		mortal, err := c.staging.MortalPath(logical)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(mortal), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", logical, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(commitParallelism)
	for _, logical := range paths {
		logical := logical
		entry := dossier[logical]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.promote(logical, entry)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("commit complete", "files", len(dossier))
	return nil
}

// promote applies one dossier entry to the project tree.
func (c *Committer) promote(logical string, entry fsops.WriteResult) error {
	if entry.Action == fsops.ActionUnchanged {
		return nil
	}

	mortal, err := c.staging.MortalPath(logical)
	if err != nil {
		return err
	}

	switch entry.Action {
	case fsops.ActionDeleted:
		preimage, err := c.snapshot(logical, mortal)
		if err != nil {
			return err
		}
		if err := c.appendJournal(journalEntry{Path: logical, Action: entry.Action, Preimage: preimage}); err != nil {
			return err
		}
		if _, err := fsops.Delete(mortal); err != nil {
			return fmt.Errorf("promoting deletion of %s: %w", logical, err)
		}
		return nil

	case fsops.ActionCreated, fsops.ActionModified:
		staged, err := c.staging.StagingPath(logical)
		if err != nil {
			return err
		}
		if _, err := os.Stat(staged); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%s: %w", logical, ErrMissingStaged)
			}
			return fmt.Errorf("inspecting staged %s: %w", logical, err)
		}

		preimage, err := c.snapshot(logical, mortal)
		if err != nil {
			return err
		}
		if err := c.appendJournal(journalEntry{Path: logical, Action: entry.Action, Preimage: preimage}); err != nil {
			return err
		}
		if _, err := fsops.Copy(staged, mortal); err != nil {
			return fmt.Errorf("promoting %s: %w", logical, err)
		}
		return nil

	default:
		return fmt.Errorf("dossier entry %s has unknown action %q", logical, entry.Action)
	}
}

// snapshot copies the destination's current content into the undo tree.
// Returns false when the destination does not exist (nothing to save).
func (c *Committer) snapshot(logical, mortal string) (bool, error) {
	if _, err := os.Stat(mortal); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting %s before promotion: %w", logical, err)
	}
	saved := filepath.Join(c.undoRoot, "tree", filepath.FromSlash(logical))
	if _, err := fsops.Copy(mortal, saved); err != nil {
		return false, fmt.Errorf("snapshotting %s: %w", logical, err)
	}
	return true, nil
}

// ===== Journal =====

func (c *Committer) openJournal() error {
	if err := os.MkdirAll(c.undoRoot, 0755); err != nil {
		return fmt.Errorf("creating undo directory %s: %w", c.undoRoot, err)
	}
	f, err := os.OpenFile(filepath.Join(c.undoRoot, "journal.jsonl"),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening undo journal: %w", err)
	}
	c.jmu.Lock()
	c.journal = f
	c.jmu.Unlock()
	return nil
}

// appendJournal writes one entry and syncs. The journal line must land
// on storage before its promotion happens.
func (c *Committer) appendJournal(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding journal entry for %s: %w", e.Path, err)
	}
	data = append(data, '\n')

	c.jmu.Lock()
	defer c.jmu.Unlock()
	if _, err := c.journal.Write(data); err != nil {
		return fmt.Errorf("writing undo journal: %w", err)
	}
	if err := c.journal.Sync(); err != nil {
		return fmt.Errorf("syncing undo journal: %w", err)
	}
	return nil
}

func (c *Committer) closeJournal() {
	c.jmu.Lock()
	defer c.jmu.Unlock()
	if c.journal != nil {
		c.journal.Close()
		c.journal = nil
	}
}
