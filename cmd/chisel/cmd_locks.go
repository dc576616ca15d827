// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiselworks/chisel/internal/lock"
	"github.com/chiselworks/chisel/internal/txn"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect and clean the project lock",
}

var locksJSONOutput bool

// locksInspectCmd shows who holds the project, and for how long the
// heartbeat has been quiet.
var locksInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the current holder of the project lock",
	Args:  cobra.NoArgs,
	RunE:  runLocksInspect,
}

// locksCleanCmd removes a lock whose holder is gone. It refuses to
// touch a lock with a live heartbeat.
var locksCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the lock file if its holder is dead or stale",
	Args:  cobra.NoArgs,
	RunE:  runLocksClean,
}

func init() {
	locksInspectCmd.Flags().BoolVar(&locksJSONOutput, "json", false,
		"Output the raw descriptor as JSON")
	locksCmd.AddCommand(locksInspectCmd)
	locksCmd.AddCommand(locksCleanCmd)
}

func lockFilePath() (string, error) {
	root, cfg, logger, err := loadEnvironment()
	if err != nil {
		return "", err
	}
	logger.Close()
	return filepath.Join(root, cfg.Project.ControlDir, txn.LockFileName), nil
}

func runLocksInspect(cmd *cobra.Command, args []string) error {
	path, err := lockFilePath()
	if err != nil {
		return err
	}

	desc, err := lock.Inspect(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("project is not locked")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock file exists but is unreadable (zombie grip): %w", err)
	}

	if locksJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	}

	fmt.Printf("holder:     pid %d on %s\n", desc.PID, desc.Host)
	fmt.Printf("rite:       %s\n", desc.RiteName)
	fmt.Printf("command:    %s\n", desc.CommandLine)
	fmt.Printf("acquired:   %s\n", desc.AcquiredAt.Format(time.RFC3339))
	fmt.Printf("heartbeat:  %s ago\n", desc.HeartbeatAge().Round(time.Second))
	return nil
}

func runLocksClean(cmd *cobra.Command, args []string) error {
	path, err := lockFilePath()
	if err != nil {
		return err
	}

	desc, err := lock.Inspect(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("project is not locked, nothing to clean")
		return nil
	}
	if err != nil {
		// Unreadable descriptor with the file present: a zombie grip.
		// The file is the only evidence, so remove it.
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("removing corrupt lock file: %w", rmErr)
		}
		fmt.Printf("removed corrupt lock file %s\n", path)
		return nil
	}

	inspector := lock.NewProcessInspector()
	if inspector.PidAlive(desc.PID) {
		stale := desc.HeartbeatAge() > 4*lock.DefaultConfig().HeartbeatInterval
		if !stale {
			return fmt.Errorf("lock is held by live pid %d (rite %q), refusing to clean", desc.PID, desc.RiteName)
		}
		fmt.Printf("holder pid %d is alive but silent for %s, treating as wedged\n",
			desc.PID, desc.HeartbeatAge().Round(time.Second))
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing lock file: %w", err)
	}
	fmt.Printf("removed lock held by pid %d (rite %q)\n", desc.PID, desc.RiteName)
	return nil
}
