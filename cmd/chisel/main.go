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

	"github.com/spf13/cobra"

	"github.com/chiselworks/chisel/internal/config"
	"github.com/chiselworks/chisel/internal/telemetry"
	"github.com/chiselworks/chisel/pkg/logging"
	"github.com/chiselworks/chisel/pkg/ux"
)

var (
	rootCmd = &cobra.Command{
		Use:   "chisel",
		Short: "A transactional write engine for code scaffolding",
		Long: `Chisel stages generated files in an isolated workspace and promotes
them into the project in one atomic step. A failure at any point rolls
the project back to exactly where it started.`,
		SilenceUsage: true,
	}

	flagProjectRoot string
	flagVerbose     bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProjectRoot, "project", "C", ".",
		"Project root directory to operate on")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(chronicleCmd)
	rootCmd.AddCommand(forensicsCmd)
}

// loadEnvironment resolves the project root, reads its config, and
// builds the logger every command shares.
func loadEnvironment() (string, config.ChiselConfig, *logging.Logger, error) {
	root, err := filepath.Abs(flagProjectRoot)
	if err != nil {
		return "", config.ChiselConfig{}, nil, fmt.Errorf("resolving project root: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return "", config.ChiselConfig{}, nil, err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if flagVerbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "cli",
		JSON:    cfg.Logging.Format == "json",
	})
	return root, cfg, logger, nil
}

// initTelemetry installs providers per config and returns a shutdown
// hook. Telemetry failures never block the command.
func initTelemetry(ctx context.Context, cfg config.ChiselConfig, logger *logging.Logger) func(context.Context) error {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "chisel",
		ServiceVersion: version,
		Traces:         cfg.Telemetry.Traces,
		Metrics:        cfg.Telemetry.Metrics,
		MetricsAddr:    cfg.Telemetry.MetricsAddr,
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		return func(context.Context) error { return nil }
	}
	return shutdown
}

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	ux.InitMode()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
