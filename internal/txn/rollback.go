// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/staging"
)

// Restorer reverses a transaction's effects and produces forensic
// records for failures.
//
// # Description
//
// EmergencyRollback discards the staging directory and, when a partial
// or early commit already promoted files, replays the undo journal in
// reverse: promoted files with a pre-transaction snapshot are restored
// from it, files the commit created are deleted. ArchiveFailure
// serializes a post-mortem record of the failed transaction.
//
// # Thread Safety
//
// A Restorer belongs to one transaction. EmergencyRollback and
// ArchiveFailure are called from the transaction's exit path only.
type Restorer struct {
	staging      *staging.Manager
	undoRoot     string
	forensicsDir string
	logger       *slog.Logger
}

// NewRestorer creates a restorer for one transaction. undoRoot is the
// transaction's undo directory; forensicsDir holds failure archives for
// the whole project.
func NewRestorer(stg *staging.Manager, undoRoot, forensicsDir string, logger *slog.Logger) *Restorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Restorer{
		staging:      stg,
		undoRoot:     undoRoot,
		forensicsDir: forensicsDir,
		logger:       logger.With("component", "rollback"),
	}
}

// EmergencyRollback restores the project tree to its pre-transaction
// state.
//
// Idempotent: calling it again after a prior rollback replays the same
// journal against an already-restored tree, which changes nothing. When
// no commit ever ran there is no journal and only the staging directory
// is discarded.
func (r *Restorer) EmergencyRollback() error {
	entries, err := r.readJournal()
	if err != nil {
		return err
	}

	// Reverse order: the last promotion is undone first.
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.reverse(entries[i]); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		r.logger.Info("restored pre-transaction state", "reversed", len(entries))
	}

	// Staging contents are simply discarded; nothing in there was
	// visible outside the transaction.
	r.staging.Cleanup()
	return nil
}

// reverse undoes one journal entry.
func (r *Restorer) reverse(e journalEntry) error {
	mortal, err := r.staging.MortalPath(e.Path)
	if err != nil {
		return err
	}

	if e.Preimage {
		saved := filepath.Join(r.undoRoot, "tree", filepath.FromSlash(e.Path))
		if _, err := fsops.Copy(saved, mortal); err != nil {
			return fmt.Errorf("restoring %s: %w", e.Path, err)
		}
		return nil
	}

	// No pre-image: the commit created this file, so undo is deletion.
	if _, err := fsops.Delete(mortal); err != nil {
		return fmt.Errorf("removing promoted %s: %w", e.Path, err)
	}
	return nil
}

// readJournal loads the undo journal. A missing journal means no
// promotion ever happened.
func (r *Restorer) readJournal() ([]journalEntry, error) {
	f, err := os.Open(filepath.Join(r.undoRoot, "journal.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening undo journal: %w", err)
	}
	defer f.Close()

	var entries []journalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line means the process died mid-append, before
			// the corresponding promotion. Nothing to reverse for it.
			r.logger.Warn("skipping torn journal line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading undo journal: %w", err)
	}
	return entries, nil
}

// ===== Forensic Archive =====

// FailureRecord is the persisted post-mortem of a failed transaction.
type FailureRecord struct {
	RiteName         string            `json:"rite_name"`
	TxID             string            `json:"tx_id"`
	Context          map[string]string `json:"context"`
	DossierCount     int               `json:"dossier_count"`
	EdictCount       int               `json:"edict_count"`
	IssueCount       int               `json:"issue_count"`
	IsSimulation     bool              `json:"is_simulation"`
	ExceptionType    string            `json:"exception_type"`
	ExceptionMessage string            `json:"exception_message"`
	Traceback        string            `json:"traceback"`
	ArchivedAt       time.Time         `json:"archived_at"`
}

// ArchiveFailure persists a forensic record for the failed transaction
// and returns the archive path.
//
// Runs on already-failing exit paths, so it never returns an error:
// archival problems are logged and an empty path is returned. The
// record captures the full error chain and the goroutine stack at the
// moment of archival.
func (r *Restorer) ArchiveFailure(rec FailureRecord, cause error) string {
	if cause != nil {
		rec.ExceptionType = fmt.Sprintf("%T", cause)
		rec.ExceptionMessage = cause.Error()
		rec.Traceback = errorChain(cause) + "\n" + string(debug.Stack())
	}
	rec.ArchivedAt = time.Now().UTC()

	if err := os.MkdirAll(r.forensicsDir, 0755); err != nil {
		r.logger.Error("cannot create forensics directory", "error", err)
		return ""
	}

	path := filepath.Join(r.forensicsDir,
		fmt.Sprintf("%s_%d.json", rec.TxID, time.Now().UnixNano()))
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		r.logger.Error("cannot encode forensic record", "error", err)
		return ""
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		r.logger.Error("cannot write forensic record", "path", path, "error", err)
		return ""
	}

	r.logger.Warn("failed transaction archived",
		"tx_id", rec.TxID,
		"rite", rec.RiteName,
		"archive", path)
	return path
}

// errorChain renders every link of an error chain, outermost first.
func errorChain(err error) string {
	var out string
	for depth := 0; err != nil; depth++ {
		out += fmt.Sprintf("%*s%T: %s\n", depth*2, "", err, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}
