// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package staging provides the isolated, disposable staging area that
// backs one transaction.
//
// Every transaction gets a private directory under the project's control
// dir. Files are written there first and only promoted into the real
// project tree at commit time. The manager maps logical
// (project-relative) paths to staging paths and back, so recording code
// works identically whether a write landed in staging or in the mortal
// tree.
//
// # Thread Safety
//
// A Manager is immutable after construction; all methods are safe for
// concurrent use.
package staging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a logical path escapes the project
// root (".." traversal or an absolute path outside the tree).
var ErrOutsideRoot = errors.New("path escapes project root")

// Manager owns the staging directory for a single transaction.
type Manager struct {
	projectRoot string
	stagingRoot string
	logger      *slog.Logger
}

// NewManager creates a staging manager for one transaction.
//
// # Inputs
//
//   - projectRoot: absolute path of the project tree.
//   - controlDir: the project control directory (e.g. ".chisel"),
//     relative to projectRoot or absolute.
//   - txID: the owning transaction's id; scopes the staging directory.
//   - logger: diagnostic output, nil for slog.Default().
//
// The staging directory is not created until InitSanctums is called.
func NewManager(projectRoot, controlDir, txID string, logger *slog.Logger) (*Manager, error) {
	if txID == "" {
		return nil, fmt.Errorf("staging: transaction id must not be empty")
	}
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root %s: %w", projectRoot, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	control := controlDir
	if !filepath.IsAbs(control) {
		control = filepath.Join(absRoot, control)
	}

	return &Manager{
		projectRoot: absRoot,
		stagingRoot: filepath.Join(control, "staging", txID),
		logger:      logger.With("component", "staging"),
	}, nil
}

// ProjectRoot returns the absolute project root.
func (m *Manager) ProjectRoot() string {
	return m.projectRoot
}

// StagingRoot returns the absolute staging directory for this
// transaction. It may not exist yet.
func (m *Manager) StagingRoot() string {
	return m.stagingRoot
}

// StagingPath maps a logical (project-relative) path to its staging
// location.
//
// The parent directories of the returned path are guaranteed creatable
// but are not created here; the atomic write primitive does that.
// Logical paths that resolve outside the project root are rejected with
// ErrOutsideRoot before any I/O.
func (m *Manager) StagingPath(logical string) (string, error) {
	clean, err := m.cleanLogical(logical)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.stagingRoot, clean), nil
}

// MortalPath maps a logical path to its real (project tree) location,
// applying the same boundary check as StagingPath.
func (m *Manager) MortalPath(logical string) (string, error) {
	clean, err := m.cleanLogical(logical)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.projectRoot, clean), nil
}

// TriangulatePath accepts a path that may live in the mortal tree or in
// the staging tree and returns the single canonical logical form.
//
// This lets the transaction record writes uniformly no matter which
// subsystem performed them. Relative inputs are interpreted against the
// project root and returned cleaned.
func (m *Manager) TriangulatePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return m.cleanLogical(path)
	}

	if rel, ok := relWithin(m.stagingRoot, path); ok {
		return rel, nil
	}
	if rel, ok := relWithin(m.projectRoot, path); ok {
		return rel, nil
	}
	return "", fmt.Errorf("triangulating %s: %w", path, ErrOutsideRoot)
}

// InitSanctums idempotently creates the staging root. Called once at
// transaction start.
func (m *Manager) InitSanctums() error {
	if err := os.MkdirAll(m.stagingRoot, 0755); err != nil {
		return fmt.Errorf("creating staging directory %s: %w", m.stagingRoot, err)
	}
	return nil
}

// Cleanup recursively removes the staging directory.
//
// Runs on every transaction exit path, so it never returns an error:
// removal failures (e.g. a file held open by another process on
// Windows) are logged and skipped.
func (m *Manager) Cleanup() {
	if err := os.RemoveAll(m.stagingRoot); err != nil {
		m.logger.Warn("failed to remove staging directory",
			"path", m.stagingRoot,
			"error", err)
	}
}

// cleanLogical validates and cleans a logical path, rejecting escapes.
func (m *Manager) cleanLogical(logical string) (string, error) {
	if logical == "" {
		return "", fmt.Errorf("staging: logical path must not be empty")
	}

	p := filepath.FromSlash(logical)
	if filepath.IsAbs(p) {
		// Absolute inputs are allowed only when already inside the root.
		if rel, ok := relWithin(m.projectRoot, p); ok {
			return rel, nil
		}
		return "", fmt.Errorf("resolving %s: %w", logical, ErrOutsideRoot)
	}

	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolving %s: %w", logical, ErrOutsideRoot)
	}
	return filepath.ToSlash(clean), nil
}

// relWithin returns path relative to base when path is inside base.
func relWithin(base, path string) (string, bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
