// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chiselworks/chisel/internal/chronicle"
	"github.com/chiselworks/chisel/internal/config"
	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/lock"
	"github.com/chiselworks/chisel/internal/txn"
	"github.com/chiselworks/chisel/pkg/logging"
	"github.com/chiselworks/chisel/pkg/ux"
)

var (
	applySimulate bool
	applyName     string
	applyNoLock   bool
)

// Manifest is the YAML document fed to "chisel apply". Each entry
// either carries content to write or marks an existing file for
// deletion.
type Manifest struct {
	Name   string          `yaml:"name"`
	Writes []ManifestWrite `yaml:"writes"`
	Edicts []string        `yaml:"edicts,omitempty"`
}

type ManifestWrite struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content,omitempty"`
	Delete  bool   `yaml:"delete,omitempty"`
}

// applyCmd stages a manifest's files and promotes them atomically.
//
// # Examples
//
//	chisel apply scaffold.yaml              # Write the manifest
//	chisel apply scaffold.yaml --simulate   # Plan without touching disk
//	chisel apply scaffold.yaml -n add-api   # Override the rite name
var applyCmd = &cobra.Command{
	Use:   "apply [manifest]",
	Short: "Apply a write manifest as one atomic transaction",
	Long: `Reads a YAML manifest of file writes and deletions, stages every file
in an isolated workspace, and promotes them into the project in one
step. If anything fails the project is restored to its prior state and
a forensic record is archived under the control directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runApplyCommand,
}

func init() {
	applyCmd.Flags().BoolVar(&applySimulate, "simulate", false,
		"Stage and enrich but write nothing to the project")
	applyCmd.Flags().StringVarP(&applyName, "name", "n", "",
		"Rite name recorded in the lock and the chronicle (default: manifest name)")
	applyCmd.Flags().BoolVar(&applyNoLock, "no-lock", false,
		"Skip the cross-process project lock (single-process use only)")
}

func runApplyCommand(cmd *cobra.Command, args []string) error {
	root, cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	shutdownTelemetry := initTelemetry(ctx, cfg, logger)
	defer shutdownTelemetry(context.Background())

	manifest, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	name := applyName
	if name == "" {
		name = manifest.Name
	}
	if name == "" {
		name = "apply " + filepath.Base(args[0])
	}

	eng, err := newEngine(root, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	simulate := applySimulate || cfg.Project.Simulate
	res := eng.dispatcher.Dispatch(ctx, &applyRequest{
		Root:     root,
		Manifest: manifest,
		RiteName: name,
		Simulate: simulate,
		NoLock:   applyNoLock,
	})
	if !res.Success {
		return fmt.Errorf("%s", res.Err)
	}

	outcome, ok := res.Value.(*applyOutcome)
	if !ok {
		return fmt.Errorf("unexpected apply result %T", res.Value)
	}
	printApplySummary(outcome, simulate)
	ux.Muted("trace " + res.TraceID)
	return nil
}

func loadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("reading manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if len(m.Writes) == 0 {
		return m, fmt.Errorf("manifest %s has no writes", path)
	}
	for i, w := range m.Writes {
		if w.Path == "" {
			return m, fmt.Errorf("manifest write %d has no path", i)
		}
		if w.Delete && w.Content != "" {
			return m, fmt.Errorf("manifest write %s is both a delete and a write", w.Path)
		}
	}
	return m, nil
}

// stageManifest stages every manifest entry into the transaction's
// workspace and records it in the dossier.
func stageManifest(tx *txn.Transaction, m Manifest) error {
	for _, w := range m.Writes {
		if w.Delete {
			if err := tx.Record(fsops.WriteResult{
				Path:    w.Path,
				Action:  fsops.ActionDeleted,
				Success: true,
			}); err != nil {
				return err
			}
			continue
		}

		staged, err := tx.StagingPath(w.Path)
		if err != nil {
			return fmt.Errorf("staging %s: %w", w.Path, err)
		}
		res, err := fsops.Write(staged, []byte(w.Content))
		if err != nil {
			return fmt.Errorf("writing %s to the workspace: %w", w.Path, err)
		}
		res.Path = w.Path
		// The staged copy is always new, so the write result says
		// created; the dossier should reflect the mortal tree instead.
		if logical, terr := tx.TriangulatePath(w.Path); terr == nil {
			mortal := filepath.Join(tx.Root(), filepath.FromSlash(logical))
			if _, serr := os.Stat(mortal); serr == nil {
				res.Action = fsops.ActionModified
			}
		}
		if err := tx.Record(res); err != nil {
			return err
		}
	}
	return nil
}

func printApplySummary(outcome *applyOutcome, simulate bool) {
	if simulate {
		ux.Title(fmt.Sprintf("simulated (tx %s)", outcome.TxID))
	} else {
		ux.Title(fmt.Sprintf("applied (tx %s)", outcome.TxID))
	}

	paths := make([]string, 0, len(outcome.Dossier))
	for logical := range outcome.Dossier {
		paths = append(paths, logical)
	}
	sort.Strings(paths)

	var created, modified, deleted int
	for _, logical := range paths {
		res := outcome.Dossier[logical]
		icon := ux.IconSuccess
		switch res.Action {
		case fsops.ActionCreated:
			created++
		case fsops.ActionModified:
			modified++
		case fsops.ActionDeleted:
			deleted++
			icon = ux.IconWarning
		case fsops.ActionUnchanged:
			icon = ux.IconPending
		}
		ux.FileStatus(logical, icon, string(res.Action))
	}
	for _, issue := range outcome.Issues {
		ux.Warning(issue)
	}
	ux.WriteSummary(created, modified, deleted)
	ux.Muted(fmt.Sprintf("finished in %s", outcome.Elapsed.Round(time.Millisecond)))
}

// lockConfigFrom maps the YAML lock section onto the lock package's
// runtime config.
func lockConfigFrom(c config.LockConfig) lock.Config {
	return lock.Config{
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		AcquireTimeout:    c.AcquireTimeout.Std(),
		RetryInterval:     c.RetryInterval.Std(),
		StaleFactor:       c.StaleFactor,
		Interactive:       c.Interactive,
	}
}

// openChronicle opens the project's transaction history store.
func openChronicle(root string, cfg config.ChiselConfig, logger *logging.Logger) (*chronicle.Store, error) {
	ccfg := chronicle.DefaultConfig()
	ccfg.Path = filepath.Join(root, cfg.Project.ControlDir, "chronicle")
	ccfg.InMemory = cfg.Chronicle.InMemory
	ccfg.SyncWrites = cfg.Chronicle.SyncWrites
	ccfg.GCInterval = cfg.Chronicle.GCInterval.Std()
	ccfg.Logger = logger.Slog()
	store, err := chronicle.Open(ccfg)
	if err != nil {
		return nil, fmt.Errorf("opening chronicle: %w", err)
	}
	return store, nil
}
