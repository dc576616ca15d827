// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/lock"
)

// fakeSealer captures sealed chronicle records.
type fakeSealer struct {
	records []ChronicleRecord
	fail    error
}

func (f *fakeSealer) Seal(ctx context.Context, rec ChronicleRecord) error {
	if f.fail != nil {
		return f.fail
	}
	f.records = append(f.records, rec)
	return nil
}

func testOptions(name string) Options {
	return Options{
		Name:          name,
		SkipLock:      true,
		DisableSentry: true,
	}
}

// stageWrite writes content into the transaction's staging area and
// records the result.
func stageWrite(t *testing.T, tx *Transaction, logical, content string) {
	t.Helper()
	staged, err := tx.StagingPath(logical)
	require.NoError(t, err)
	res, err := fsops.Write(staged, []byte(content))
	require.NoError(t, err)
	require.NoError(t, tx.Record(res))
}

func forensicFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, DefaultControlDir, "forensics"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestTransaction_CommitOnSuccess(t *testing.T) {
	// Scenario: record one write, exit cleanly, not simulating. The
	// file lands at its logical path and the chronicle is sealed.
	root := t.TempDir()
	sealer := &fakeSealer{}
	opts := testOptions("scaffold service")
	opts.Chronicle = sealer

	var txID string
	err := func() (err error) {
		tx, err := Begin(context.Background(), root, opts)
		require.NoError(t, err)
		defer tx.End(&err)
		txID = tx.ID()

		stageWrite(t, tx, "api/server.go", "package api\n")
		require.NoError(t, tx.RecordEdict("go mod tidy"))
		return nil
	}()
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "api", "server.go"))
	require.NoError(t, err)
	assert.Equal(t, "package api\n", string(content))

	require.Len(t, sealer.records, 1)
	rec := sealer.records[0]
	assert.Equal(t, txID, rec.TxID)
	assert.Equal(t, []string{"go mod tidy"}, rec.Edicts)
	require.Contains(t, rec.Writes, "api/server.go")
	assert.Equal(t, len("package api\n"), rec.Writes["api/server.go"].Bytes)

	// Staging is gone.
	_, err = os.Stat(filepath.Join(root, DefaultControlDir, "staging"))
	if err == nil {
		entries, _ := os.ReadDir(filepath.Join(root, DefaultControlDir, "staging"))
		assert.Empty(t, entries)
	}
}

func TestTransaction_RollbackOnScopeFailure(t *testing.T) {
	// Scenario: two writes, then an error escapes the scope. Neither
	// file may exist afterwards and a forensic archive names the tx.
	root := t.TempDir()

	var txID string
	boom := errors.New("blueprint exploded")
	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("doomed rite"))
		require.NoError(t, err)
		defer tx.End(&err)
		txID = tx.ID()

		stageWrite(t, tx, "a.txt", "alpha")
		stageWrite(t, tx, "b/c.txt", "gamma")
		return boom
	}()

	require.Error(t, err)
	var rb *RolledBackError
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, txID, rb.TxID)
	assert.ErrorIs(t, err, boom)

	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "b", "c.txt"))

	archives := forensicFiles(t, root)
	require.Len(t, archives, 1)
	assert.Contains(t, archives[0], txID)

	data, readErr := os.ReadFile(filepath.Join(root, DefaultControlDir, "forensics", archives[0]))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), `"rite_name": "doomed rite"`)
	assert.Contains(t, string(data), `"dossier_count": 2`)
	assert.Contains(t, string(data), "blueprint exploded")
}

func TestTransaction_SimulateCommitsNothing(t *testing.T) {
	// Scenario: simulate mode stages but never promotes or seals.
	root := t.TempDir()
	sealer := &fakeSealer{}
	opts := testOptions("dry run")
	opts.Simulate = true
	opts.Chronicle = sealer

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, opts)
		require.NoError(t, err)
		defer tx.End(&err)

		stageWrite(t, tx, "a.txt", "alpha")
		return nil
	}()
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.Empty(t, sealer.records)
}

func TestTransaction_AtomicCommit(t *testing.T) {
	// A dossier entry whose staged source vanished fails the commit,
	// and the successfully promoted siblings are rolled back too.
	root := t.TempDir()

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("partial"))
		require.NoError(t, err)
		defer tx.End(&err)

		stageWrite(t, tx, "real.txt", "exists")
		// Recorded but never staged: promotion must fail.
		require.NoError(t, tx.Record(fsops.WriteResult{
			Path:    "ghost.txt",
			Action:  fsops.ActionCreated,
			Bytes:   5,
			Success: true,
		}))
		return nil
	}()

	require.Error(t, err)
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrMissingStaged)
	assert.Contains(t, err.Error(), "reality restored")

	// All or nothing.
	assert.NoFileExists(t, filepath.Join(root, "real.txt"))
	assert.NoFileExists(t, filepath.Join(root, "ghost.txt"))
}

func TestTransaction_MaterializeThenFailureRestores(t *testing.T) {
	// An early commit promotes files mid-transaction; a later failure
	// must still restore the pre-transaction tree, including files the
	// materialize overwrote.
	root := t.TempDir()
	existing := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("old: true\n"), 0644))

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("build step"))
		require.NoError(t, err)
		defer tx.End(&err)

		stageWrite(t, tx, "config.yaml", "new: true\n")
		stageWrite(t, tx, "generated.go", "package main\n")

		require.NoError(t, tx.Materialize(context.Background()))
		assert.True(t, tx.Materialized())

		// The caller can now observe real files.
		data, err := os.ReadFile(existing)
		require.NoError(t, err)
		require.Equal(t, "new: true\n", string(data))

		return errors.New("build failed against materialized files")
	}()
	require.Error(t, err)

	// Pre-transaction state is back.
	data, readErr := os.ReadFile(existing)
	require.NoError(t, readErr)
	assert.Equal(t, "old: true\n", string(data))
	assert.NoFileExists(t, filepath.Join(root, "generated.go"))
}

func TestTransaction_MaterializeIsIdempotent(t *testing.T) {
	root := t.TempDir()

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("observe"))
		require.NoError(t, err)
		defer tx.End(&err)

		stageWrite(t, tx, "out.txt", "data")
		require.NoError(t, tx.Materialize(context.Background()))
		require.NoError(t, tx.Materialize(context.Background()))
		return nil
	}()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "out.txt"))
}

func TestTransaction_CancelThenExit(t *testing.T) {
	// Rollback idempotence: cancel rolls back explicitly, the exit path
	// rolls back implicitly, and neither errors nor disturbs the tree.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0644))

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("aborted"))
		require.NoError(t, err)
		defer tx.End(&err)

		stageWrite(t, tx, "new.txt", "never lands")
		require.NoError(t, tx.Cancel())
		require.NoError(t, tx.Cancel()) // second cancel is harmless
		return nil
	}()
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(root, "new.txt"))
	data, readErr := os.ReadFile(filepath.Join(root, "keep.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))
}

func TestTransaction_RecordingPreconditions(t *testing.T) {
	root := t.TempDir()

	tx, err := Begin(context.Background(), root, testOptions("preconditions"))
	require.NoError(t, err)
	var endErr error
	tx.End(&endErr)
	require.NoError(t, endErr)

	// Records on an ended transaction are errors; issues are dropped.
	err = tx.Record(fsops.WriteResult{Path: "x.txt", Action: fsops.ActionCreated})
	assert.ErrorIs(t, err, ErrInactive)
	assert.ErrorIs(t, tx.RecordEdict("ls"), ErrInactive)
	tx.RecordIssue("ignored after teardown") // must not panic

	// End is exactly-once.
	tx.End(&endErr)
	require.NoError(t, endErr)
}

func TestTransaction_RecordNormalizesPaths(t *testing.T) {
	root := t.TempDir()

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, testOptions("paths"))
		require.NoError(t, err)
		defer tx.End(&err)

		// Record with the absolute staging path; the dossier must hold
		// the logical form.
		staged, err := tx.StagingPath("pkg/util.go")
		require.NoError(t, err)
		res, err := fsops.Write(staged, []byte("package pkg\n"))
		require.NoError(t, err)
		require.NoError(t, tx.Record(res))

		dossier := tx.Dossier()
		require.Contains(t, dossier, "pkg/util.go")
		assert.Equal(t, "pkg/util.go", dossier["pkg/util.go"].Path)
		return nil
	}()
	require.NoError(t, err)
}

func TestTransaction_WithProjectLock(t *testing.T) {
	root := t.TempDir()
	opts := testOptions("locked rite")
	opts.SkipLock = false
	opts.Lock = lock.Config{Registry: lock.NewRegistry()}

	lockPath := filepath.Join(root, DefaultControlDir, LockFileName)

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, opts)
		require.NoError(t, err)
		defer tx.End(&err)

		assert.FileExists(t, lockPath)
		stageWrite(t, tx, "main.go", "package main\n")
		return nil
	}()
	require.NoError(t, err)

	assert.NoFileExists(t, lockPath)
	assert.FileExists(t, filepath.Join(root, "main.go"))
}

func TestTransaction_SentryReportsExternalChanges(t *testing.T) {
	root := t.TempDir()
	sealer := &fakeSealer{}
	opts := Options{Name: "watched", SkipLock: true, Chronicle: sealer}

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, opts)
		require.NoError(t, err)
		defer tx.End(&err)

		// Someone else touches the tree mid-transaction.
		require.NoError(t, os.WriteFile(filepath.Join(root, "intruder.txt"), []byte("x"), 0644))

		// Give the watcher a moment to deliver the event.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(tx.Issues()) > 0 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		stageWrite(t, tx, "ours.txt", "ok")
		return nil
	}()
	require.NoError(t, err)

	require.Len(t, sealer.records, 1)
	found := false
	for _, issue := range sealer.records[0].Issues {
		if strings.Contains(issue, "intruder.txt") {
			found = true
		}
	}
	assert.True(t, found, "expected an external-change issue naming intruder.txt, got %v",
		sealer.records[0].Issues)
}

func TestTransaction_SentryWatchesSubdirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "api"), 0755))
	sealer := &fakeSealer{}
	opts := Options{Name: "watched-deep", SkipLock: true, Chronicle: sealer}

	err := func() (err error) {
		tx, err := Begin(context.Background(), root, opts)
		require.NoError(t, err)
		defer tx.End(&err)

		// A change two levels below the root must still be seen.
		require.NoError(t, os.WriteFile(
			filepath.Join(root, "src", "api", "intruder.go"), []byte("x"), 0644))

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(tx.Issues()) > 0 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}()
	require.NoError(t, err)

	require.Len(t, sealer.records, 1)
	found := false
	for _, issue := range sealer.records[0].Issues {
		if strings.Contains(issue, "intruder.go") {
			found = true
		}
	}
	assert.True(t, found, "expected an issue naming src/api/intruder.go, got %v",
		sealer.records[0].Issues)
}

func TestTransaction_Duration(t *testing.T) {
	root := t.TempDir()
	tx, err := Begin(context.Background(), root, testOptions("timed"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, tx.Duration(), 20*time.Millisecond)

	var endErr error
	tx.End(&endErr)
	require.NoError(t, endErr)

	frozen := tx.Duration()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, tx.Duration())
}
