// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/txn"
)

func writeManifestFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifestFile(t, `
name: scaffold-api
writes:
  - path: internal/api/server.go
    content: "package api\n"
  - path: legacy/old.go
    delete: true
edicts:
  - gofmt -w internal/api
`)
	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest() failed: %v", err)
	}
	if m.Name != "scaffold-api" {
		t.Errorf("Name = %q", m.Name)
	}
	if len(m.Writes) != 2 {
		t.Fatalf("len(Writes) = %d, want 2", len(m.Writes))
	}
	if !m.Writes[1].Delete {
		t.Error("second write should be a delete")
	}
	if len(m.Edicts) != 1 {
		t.Errorf("len(Edicts) = %d, want 1", len(m.Edicts))
	}
}

func TestLoadManifest_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no writes", "name: empty\n"},
		{"write without path", "writes:\n  - content: x\n"},
		{"delete with content", "writes:\n  - path: a.go\n    content: x\n    delete: true\n"},
		{"not yaml", "{{{{\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifestFile(t, tc.content)
			if _, err := loadManifest(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStageManifest(t *testing.T) {
	root := t.TempDir()
	victim := filepath.Join(root, "legacy", "old.go")
	os.MkdirAll(filepath.Dir(victim), 0755)
	os.WriteFile(victim, []byte("package legacy\n"), 0644)

	var err error
	tx, err := txn.Begin(context.Background(), root, txn.Options{
		Name:          "test-apply",
		SkipLock:      true,
		DisableSentry: true,
	})
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.End(&err)

	existing := filepath.Join(root, "internal", "api", "routes.go")
	os.MkdirAll(filepath.Dir(existing), 0755)
	os.WriteFile(existing, []byte("package api // v1\n"), 0644)

	m := Manifest{
		Name: "test-apply",
		Writes: []ManifestWrite{
			{Path: "internal/api/server.go", Content: "package api\n"},
			{Path: "internal/api/routes.go", Content: "package api // v2\n"},
			{Path: "legacy/old.go", Delete: true},
		},
	}
	if err := stageManifest(tx, m); err != nil {
		t.Fatalf("stageManifest() failed: %v", err)
	}

	dossier := tx.Dossier()
	if len(dossier) != 3 {
		t.Fatalf("dossier has %d entries, want 3", len(dossier))
	}
	if got := dossier["internal/api/server.go"].Action; got != fsops.ActionCreated {
		t.Errorf("server.go action = %s, want created", got)
	}
	if got := dossier["internal/api/routes.go"].Action; got != fsops.ActionModified {
		t.Errorf("routes.go action = %s, want modified", got)
	}
	if dossier["legacy/old.go"].Action != fsops.ActionDeleted {
		t.Errorf("legacy/old.go action = %s, want deleted", dossier["legacy/old.go"].Action)
	}
}

func TestApplyEndToEnd(t *testing.T) {
	root := t.TempDir()

	var err error
	tx, err := txn.Begin(context.Background(), root, txn.Options{
		Name:          "e2e-apply",
		SkipLock:      true,
		DisableSentry: true,
	})
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	m := Manifest{
		Writes: []ManifestWrite{
			{Path: "cmd/app/main.go", Content: "package main\n"},
		},
	}
	if err := stageManifest(tx, m); err != nil {
		t.Fatalf("stageManifest() failed: %v", err)
	}
	tx.End(&err)
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	data, readErr := os.ReadFile(filepath.Join(root, "cmd", "app", "main.go"))
	if readErr != nil {
		t.Fatalf("promoted file missing: %v", readErr)
	}
	if string(data) != "package main\n" {
		t.Errorf("content = %q", data)
	}
}
