// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package txn implements the transactional write kernel: staged file
// writes across one logical operation are accumulated in an isolated
// staging area, enriched, and atomically promoted into the project tree
// on success, or rolled back and forensically archived on failure.
//
// # Usage
//
// A Transaction is a scoped resource. Begin acquires the project lock
// and creates the staging area; a deferred End guarantees commit or
// rollback on every exit path:
//
//	tx, err := txn.Begin(ctx, root, txn.Options{Name: "scaffold api"})
//	if err != nil {
//	    return err
//	}
//	defer tx.End(&err)
//
//	res, err := fsops.Write(tx.StagingPath("api/server.go"), content)
//	if err != nil {
//	    return err
//	}
//	return tx.Record(res)
//
// If err is nil when End runs, staged writes are enriched, committed,
// and sealed into the chronicle. If err is non-nil, everything is
// rolled back, the failure is archived, and err is wrapped so the
// caller still sees the original cause.
package txn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/lock"
	"github.com/chiselworks/chisel/internal/staging"
)

// LockFileName is the lock file inside the project control directory.
const LockFileName = "chisel.lock"

// DefaultControlDir is the per-project control directory holding
// staging areas, undo snapshots, forensics, and the lock file.
const DefaultControlDir = ".chisel"

// ChronicleRecord is the sealed account of a successfully committed
// transaction, handed to the chronicle store.
type ChronicleRecord struct {
	// TxID is the transaction id.
	TxID string `json:"tx_id"`

	// Name is the human-readable operation name.
	Name string `json:"name"`

	// Writes is the final, enriched dossier keyed by logical path.
	Writes map[string]fsops.WriteResult `json:"writes"`

	// Edicts lists every shell command executed during the transaction.
	Edicts []string `json:"edicts"`

	// Issues lists non-fatal issues encountered.
	Issues []string `json:"issues"`

	// Duration is the transaction's wall-clock time up to sealing.
	Duration time.Duration `json:"duration_ns"`

	// SealedAt is when the record was produced.
	SealedAt time.Time `json:"sealed_at"`
}

// ChronicleSealer persists the record of a committed transaction.
// Implemented by the chronicle store; nil disables sealing.
type ChronicleSealer interface {
	Seal(ctx context.Context, rec ChronicleRecord) error
}

// Options configures a transaction.
type Options struct {
	// Name is the human-readable operation name ("rite name"). It shows
	// up in the lock descriptor, the chronicle, and forensic archives.
	Name string

	// ControlDir is the control directory, relative to the project root
	// or absolute. Default: ".chisel".
	ControlDir string

	// Simulate runs the transaction as a dry run: writes stay in
	// staging, no commit happens, no chronicle is sealed.
	Simulate bool

	// SkipLock skips project lock acquisition, for callers that already
	// hold it or operate read-mostly.
	SkipLock bool

	// Lock tunes lock acquisition when SkipLock is false. RiteName is
	// filled from Name when empty.
	Lock lock.Config

	// Chronicle receives the sealed record on successful commit.
	// Nil disables chronicle sealing.
	Chronicle ChronicleSealer

	// Context is free-form metadata shared with sub-operations and
	// included in forensic archives.
	Context map[string]string

	// DisableSentry turns off the external-change watcher.
	DisableSentry bool

	// Logger for diagnostic output, nil for slog.Default().
	Logger *slog.Logger
}

// Transaction is the public transactional boundary for all file-tree
// mutation.
//
// # Thread Safety
//
// Record, RecordEdict, RecordIssue, and the read accessors are safe for
// concurrent use. Begin, End, Materialize, and Cancel belong to the
// owning goroutine.
type Transaction struct {
	id         string
	name       string
	root       string
	controlDir string
	simulate   bool

	staging   *staging.Manager
	committer *Committer
	restorer  *Restorer
	enricher  *Enricher
	flock     *lock.FileLock
	chronicle ChronicleSealer
	sentry    *sentry
	logger    *slog.Logger

	mu           sync.Mutex
	active       bool
	ended        bool
	materialized bool
	enriched     bool
	cancelled    bool
	dossier      map[string]fsops.WriteResult
	edicts       []string
	issues       []string
	context      map[string]string
	start        time.Time
	finalElapsed time.Duration
}

// Begin opens a transaction against projectRoot: acquires the project
// lock (unless skipped), creates the staging area, and starts the
// external-change sentry. Pair with a deferred End.
func Begin(ctx context.Context, projectRoot string, opts Options) (*Transaction, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %s: %w", projectRoot, err)
	}
	if opts.Name == "" {
		opts.Name = "unnamed rite"
	}
	if opts.ControlDir == "" {
		opts.ControlDir = DefaultControlDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	control := opts.ControlDir
	if !filepath.IsAbs(control) {
		control = filepath.Join(absRoot, control)
	}

	id := uuid.NewString()
	logger := opts.Logger.With("component", "transaction", "tx_id", id, "rite", opts.Name)

	stg, err := staging.NewManager(absRoot, control, id, opts.Logger)
	if err != nil {
		return nil, err
	}

	undoRoot := filepath.Join(control, "undo", id)
	t := &Transaction{
		id:         id,
		name:       opts.Name,
		root:       absRoot,
		controlDir: control,
		simulate:   opts.Simulate,
		staging:    stg,
		committer:  NewCommitter(stg, undoRoot, opts.Logger),
		restorer:   NewRestorer(stg, undoRoot, filepath.Join(control, "forensics"), opts.Logger),
		enricher:   NewEnricher(stg, opts.Logger),
		chronicle:  opts.Chronicle,
		logger:     logger,
		dossier:    make(map[string]fsops.WriteResult),
		context:    opts.Context,
	}
	if t.context == nil {
		t.context = make(map[string]string)
	}

	// The control directory must exist before the lock file can be
	// created inside it.
	if err := os.MkdirAll(control, 0755); err != nil {
		return nil, fmt.Errorf("creating control directory %s: %w", control, err)
	}

	if !opts.SkipLock {
		lockCfg := opts.Lock
		if lockCfg.RiteName == "" {
			lockCfg.RiteName = opts.Name
		}
		if lockCfg.Logger == nil {
			lockCfg.Logger = opts.Logger
		}
		t.flock = lock.New(filepath.Join(control, LockFileName), lockCfg)
		if err := t.flock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquiring project lock for %q: %w", opts.Name, err)
		}
	}

	if err := stg.InitSanctums(); err != nil {
		t.releaseLock()
		return nil, err
	}

	if !opts.DisableSentry {
		s, err := startSentry(absRoot, control, t.RecordIssue, logger)
		if err != nil {
			// The sentry is advisory; a project on a filesystem without
			// watch support still gets a working transaction.
			logger.Warn("external-change sentry unavailable", "error", err)
		} else {
			t.sentry = s
		}
	}

	t.active = true
	t.start = time.Now()
	logger.Info("transaction begun", "root", absRoot, "simulate", opts.Simulate)
	return t, nil
}

// ===== Accessors =====

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// Name returns the operation name.
func (t *Transaction) Name() string { return t.name }

// Root returns the absolute project root.
func (t *Transaction) Root() string { return t.root }

// Simulate reports whether this is a dry run.
func (t *Transaction) Simulate() bool { return t.simulate }

// IsActive reports whether the transaction scope is open.
func (t *Transaction) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Materialized reports whether an early or final commit has happened.
func (t *Transaction) Materialized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.materialized
}

// Duration returns the elapsed wall-clock time since Begin, frozen at
// the value End observed once the transaction has ended.
func (t *Transaction) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalElapsed > 0 {
		return t.finalElapsed
	}
	return time.Since(t.start)
}

// Context returns a snapshot of the shared metadata map.
func (t *Transaction) Context() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]string, len(t.context))
	for k, v := range t.context {
		snap[k] = v
	}
	return snap
}

// SetContext stores one shared metadata entry.
func (t *Transaction) SetContext(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.context[key] = value
}

// StagingPath maps a logical path into this transaction's staging area.
func (t *Transaction) StagingPath(logical string) (string, error) {
	return t.staging.StagingPath(logical)
}

// TriangulatePath canonicalizes a staging or project path to its
// logical form.
func (t *Transaction) TriangulatePath(path string) (string, error) {
	return t.staging.TriangulatePath(path)
}

// ===== Recording =====

// Record stores a write result in the dossier, keyed by the logical
// form of its path. A later write to the same logical path overwrites
// the earlier entry. Recording on an inactive transaction is an error.
func (t *Transaction) Record(res fsops.WriteResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("recording write for %s: %w", res.Path, ErrInactive)
	}

	logical, err := t.staging.TriangulatePath(res.Path)
	if err != nil {
		return err
	}
	res.Path = logical
	t.dossier[logical] = res
	return nil
}

// RecordEdict appends an executed shell command for audit purposes.
func (t *Transaction) RecordEdict(command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("recording edict %q: %w", command, ErrInactive)
	}
	t.edicts = append(t.edicts, command)
	return nil
}

// RecordIssue appends a non-fatal issue. Issues reported after the
// transaction has ended are dropped silently, not errored.
func (t *Transaction) RecordIssue(issue string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.issues = append(t.issues, issue)
}

// Issues returns a snapshot of the non-fatal issues recorded so far.
func (t *Transaction) Issues() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.issues...)
}

// Dossier returns a snapshot of the recorded writes keyed by logical
// path.
func (t *Transaction) Dossier() map[string]fsops.WriteResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make(map[string]fsops.WriteResult, len(t.dossier))
	for k, v := range t.dossier {
		snap[k] = v
	}
	return snap
}

// ===== Mid-transaction control =====

// Materialize forces an early commit of everything staged so far
// without ending the transaction, for callers that need to observe
// real files mid-operation. No-op when simulating or when already
// materialized. Runs enrichment first if it has not run yet.
func (t *Transaction) Materialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("materialize: %w", ErrInactive)
	}
	if t.simulate || t.materialized {
		return nil
	}

	if err := t.enrichLocked(); err != nil {
		return err
	}
	if err := t.committer.Commit(ctx, t.dossier); err != nil {
		return err
	}
	t.materialized = true
	t.logger.Info("transaction materialized early", "files", len(t.dossier))
	return nil
}

// Cancel aborts the transaction: emergency rollback now, and the
// dossier and edict list are cleared so the normal exit path has
// nothing left to commit or seal.
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("cancel: %w", ErrInactive)
	}

	if err := t.restorer.EmergencyRollback(); err != nil {
		t.logger.Error("rollback during cancel failed", "error", err)
		return err
	}
	t.dossier = make(map[string]fsops.WriteResult)
	t.edicts = nil
	t.cancelled = true
	t.materialized = false
	t.logger.Info("transaction cancelled")
	return nil
}

// ===== Exit =====

// End closes the transaction scope. Call it deferred with a pointer to
// the caller's named error:
//
//	defer tx.End(&err)
//
// If *errPtr is nil the success path runs: enrichment once, then (in
// non-simulate mode) commit and chronicle sealing. If *errPtr is
// non-nil the failure path runs: emergency rollback plus forensic
// archival, and *errPtr is rewrapped with the original as its cause. A
// commit or sealing failure on the success path also rolls back and
// surfaces a CommitError. In every case staging teardown, lock release,
// and deactivation run exactly once; a second End is a no-op.
func (t *Transaction) End(errPtr *error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.active = false
	t.finalElapsed = time.Since(t.start)
	cancelled := t.cancelled
	t.mu.Unlock()

	if t.sentry != nil {
		t.sentry.stop()
		t.sentry = nil
	}

	defer t.finish()

	var cause error
	if errPtr != nil {
		cause = *errPtr
	}

	switch {
	case cause != nil:
		t.failureExit(cause)
		if errPtr != nil {
			*errPtr = &RolledBackError{TxID: t.id, Name: t.name, Err: cause}
		}

	case cancelled:
		// Rollback already ran in Cancel; nothing to commit.
		t.logger.Info("transaction ended after cancel", "duration", t.finalElapsed.String())

	default:
		if err := t.successExit(); err != nil && errPtr != nil {
			*errPtr = err
		}
	}
}

// successExit runs enrichment, commit, and chronicle sealing. A failure
// anywhere rolls back, archives, and returns a CommitError.
func (t *Transaction) successExit() error {
	if err := t.enrich(); err != nil {
		return t.commitFailure(err)
	}

	if t.simulate {
		t.logger.Info("simulation complete, nothing committed",
			"files", len(t.dossier),
			"duration", t.finalElapsed.String())
		return nil
	}

	if !t.materialized {
		// Commits run to completion; exit paths are not cancellable.
		if err := t.committer.Commit(context.Background(), t.dossier); err != nil {
			return t.commitFailure(err)
		}
		t.materialized = true
	}

	if t.chronicle != nil {
		rec := ChronicleRecord{
			TxID:     t.id,
			Name:     t.name,
			Writes:   t.dossier,
			Edicts:   t.edicts,
			Issues:   t.issues,
			Duration: t.finalElapsed,
			SealedAt: time.Now().UTC(),
		}
		if err := t.chronicle.Seal(context.Background(), rec); err != nil {
			return t.commitFailure(fmt.Errorf("sealing chronicle: %w", err))
		}
	}

	t.logger.Info("transaction committed",
		"files", len(t.dossier),
		"edicts", len(t.edicts),
		"issues", len(t.issues),
		"duration", t.finalElapsed.String())
	return nil
}

// commitFailure handles a failure on the success path itself.
func (t *Transaction) commitFailure(cause error) error {
	wrapped := &CommitError{TxID: t.id, Name: t.name, Err: cause}
	if err := t.restorer.EmergencyRollback(); err != nil {
		// Never mask the commit failure with the rollback failure.
		t.logger.Error("emergency rollback failed", "error", err)
	}
	t.restorer.ArchiveFailure(t.failureRecord(), wrapped)
	return wrapped
}

// failureExit handles an error that escaped the scope body.
func (t *Transaction) failureExit(cause error) {
	t.logger.Warn("transaction failed, rolling back", "error", cause)
	if err := t.restorer.EmergencyRollback(); err != nil {
		t.logger.Error("emergency rollback failed", "error", err)
	}
	t.restorer.ArchiveFailure(t.failureRecord(), cause)
}

// failureRecord snapshots the transaction for forensic archival.
func (t *Transaction) failureRecord() FailureRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := make(map[string]string, len(t.context))
	for k, v := range t.context {
		ctx[k] = v
	}
	return FailureRecord{
		RiteName:     t.name,
		TxID:         t.id,
		Context:      ctx,
		DossierCount: len(t.dossier),
		EdictCount:   len(t.edicts),
		IssueCount:   len(t.issues),
		IsSimulation: t.simulate,
	}
}

// enrich runs the pre-commit enrichment pass exactly once.
func (t *Transaction) enrich() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enrichLocked()
}

func (t *Transaction) enrichLocked() error {
	if t.enriched {
		return nil
	}
	if err := t.enricher.Enrich(t.dossier); err != nil {
		return err
	}
	t.enriched = true
	return nil
}

// finish is the guaranteed teardown: staging removal, undo snapshot
// removal, lock release.
func (t *Transaction) finish() {
	t.staging.Cleanup()
	t.committer.closeJournal()
	removeUndo(t.committer.undoRoot, t.logger)
	t.releaseLock()
}

func (t *Transaction) releaseLock() {
	if t.flock == nil {
		return
	}
	if err := t.flock.Release(); err != nil {
		t.logger.Warn("failed to release project lock", "error", err)
	}
	t.flock = nil
}

// removeUndo discards the undo snapshots once the transaction is over;
// they only matter while a rollback is still possible.
func removeUndo(undoRoot string, logger *slog.Logger) {
	if err := os.RemoveAll(undoRoot); err != nil {
		logger.Warn("failed to remove undo directory", "path", undoRoot, "error", err)
	}
}
