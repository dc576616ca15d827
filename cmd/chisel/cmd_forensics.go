// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/chiselworks/chisel/internal/txn"
)

var forensicsCmd = &cobra.Command{
	Use:   "forensics",
	Short: "Browse archived failure records",
}

var forensicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failure archives, newest first",
	Args:  cobra.NoArgs,
	RunE:  runForensicsList,
}

var forensicsShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Print one failure archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runForensicsShow,
}

func init() {
	forensicsCmd.AddCommand(forensicsListCmd)
	forensicsCmd.AddCommand(forensicsShowCmd)
}

func forensicsDir() (string, error) {
	root, cfg, logger, err := loadEnvironment()
	if err != nil {
		return "", err
	}
	logger.Close()
	return filepath.Join(root, cfg.Project.ControlDir, "forensics"), nil
}

func runForensicsList(cmd *cobra.Command, args []string) error {
	dir, err := forensicsDir()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) || len(entries) == 0 {
		fmt.Println("no failures archived")
		return nil
	}
	if err != nil {
		return err
	}

	type archive struct {
		file string
		rec  txn.FailureRecord
	}
	var archives []archive
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec txn.FailureRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			fmt.Fprintf(os.Stderr, "skipping unreadable archive %s: %v\n", entry.Name(), err)
			continue
		}
		archives = append(archives, archive{file: entry.Name(), rec: rec})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].rec.ArchivedAt.After(archives[j].rec.ArchivedAt)
	})

	for _, a := range archives {
		fmt.Printf("%s  %-30s %s: %s\n    %s\n",
			a.rec.ArchivedAt.Format("2006-01-02 15:04:05"),
			a.rec.RiteName,
			a.rec.ExceptionType,
			truncate(a.rec.ExceptionMessage, 80),
			a.file)
	}
	return nil
}

func runForensicsShow(cmd *cobra.Command, args []string) error {
	dir, err := forensicsDir()
	if err != nil {
		return err
	}

	path := args[0]
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading archive: %w", err)
	}
	os.Stdout.Write(data)
	fmt.Println()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
