// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/staging"
)

func newEnrichFixture(t *testing.T) (*staging.Manager, *Enricher) {
	t.Helper()
	root := t.TempDir()
	stg, err := staging.NewManager(root, DefaultControlDir, "tx-enrich", nil)
	require.NoError(t, err)
	require.NoError(t, stg.InitSanctums())
	return stg, NewEnricher(stg, nil)
}

func stage(t *testing.T, stg *staging.Manager, dossier map[string]fsops.WriteResult, logical, content string) {
	t.Helper()
	staged, err := stg.StagingPath(logical)
	require.NoError(t, err)
	res, err := fsops.Write(staged, []byte(content))
	require.NoError(t, err)
	res.Path = logical
	dossier[logical] = res
}

func stagedContent(t *testing.T, stg *staging.Manager, logical string) string {
	t.Helper()
	staged, err := stg.StagingPath(logical)
	require.NoError(t, err)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	return string(data)
}

func TestEnricher_ResolvesPathPlaceholders(t *testing.T) {
	stg, enricher := newEnrichFixture(t)
	dossier := make(map[string]fsops.WriteResult)

	stage(t, stg, dossier, "web/index.html",
		`<img src="{{chisel:path:assets/logo.png}}">`)
	stage(t, stg, dossier, "web/deep/page.html",
		`<a href="{{chisel:path:web/index.html}}">home</a>`)
	stage(t, stg, dossier, "assets/logo.png", "png-bytes")

	require.NoError(t, enricher.Enrich(dossier))

	assert.Equal(t, `<img src="../assets/logo.png">`,
		stagedContent(t, stg, "web/index.html"))
	assert.Equal(t, `<a href="../index.html">home</a>`,
		stagedContent(t, stg, "web/deep/page.html"))
}

func TestEnricher_ResolvesImportPlaceholders(t *testing.T) {
	stg, enricher := newEnrichFixture(t)
	dossier := make(map[string]fsops.WriteResult)

	stage(t, stg, dossier, "go.mod", "module example.com/demo\n\ngo 1.25\n")
	stage(t, stg, dossier, "cmd/demo/main.go",
		"package main\n\nimport \"{{chisel:import:internal/api}}\"\n")

	require.NoError(t, enricher.Enrich(dossier))

	assert.Contains(t, stagedContent(t, stg, "cmd/demo/main.go"),
		`import "example.com/demo/internal/api"`)
}

func TestEnricher_FallsBackToProjectGoMod(t *testing.T) {
	stg, enricher := newEnrichFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(stg.ProjectRoot(), "go.mod"),
		[]byte("module example.com/existing\n"), 0644))

	dossier := make(map[string]fsops.WriteResult)
	stage(t, stg, dossier, "handler.go",
		"package app\n\nimport \"{{chisel:import:store}}\"\n")

	require.NoError(t, enricher.Enrich(dossier))
	assert.Contains(t, stagedContent(t, stg, "handler.go"), "example.com/existing/store")
}

func TestEnricher_Idempotent(t *testing.T) {
	// enrich(enrich(D)) == enrich(D)
	stg, enricher := newEnrichFixture(t)
	dossier := make(map[string]fsops.WriteResult)

	stage(t, stg, dossier, "go.mod", "module example.com/demo\n")
	stage(t, stg, dossier, "a/ref.txt", "see {{chisel:path:b/target.txt}}")
	stage(t, stg, dossier, "b/target.txt", "target")

	require.NoError(t, enricher.Enrich(dossier))
	once := stagedContent(t, stg, "a/ref.txt")
	first := dossier["a/ref.txt"]

	require.NoError(t, enricher.Enrich(dossier))
	assert.Equal(t, once, stagedContent(t, stg, "a/ref.txt"))
	assert.Equal(t, first, dossier["a/ref.txt"])
}

func TestEnricher_UpdatesDossierInPlace(t *testing.T) {
	stg, enricher := newEnrichFixture(t)
	dossier := make(map[string]fsops.WriteResult)

	stage(t, stg, dossier, "note.txt", "ref: {{chisel:path:long/path/to/file.txt}}")
	before := dossier["note.txt"]

	require.NoError(t, enricher.Enrich(dossier))
	after := dossier["note.txt"]

	assert.Equal(t, "note.txt", after.Path)
	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Equal(t, len(stagedContent(t, stg, "note.txt")), after.Bytes)
}

func TestEnricher_ErrorsOnImportWithoutGoMod(t *testing.T) {
	stg, enricher := newEnrichFixture(t)
	dossier := make(map[string]fsops.WriteResult)
	stage(t, stg, dossier, "x.go", `import "{{chisel:import:pkg}}"`)

	err := enricher.Enrich(dossier)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "go.mod")
}

func TestRelPath(t *testing.T) {
	cases := []struct {
		base, target, want string
	}{
		{".", "a.txt", "a.txt"},
		{"web", "web/index.html", "index.html"},
		{"web", "assets/logo.png", "../assets/logo.png"},
		{"a/b/c", "a/d.txt", "../../d.txt"},
		{"a/b", "x/y/z.txt", "../../x/y/z.txt"},
	}
	for _, tc := range cases {
		got, err := relPath(tc.base, tc.target)
		require.NoError(t, err, "relPath(%q, %q)", tc.base, tc.target)
		assert.Equal(t, tc.want, got, "relPath(%q, %q)", tc.base, tc.target)
	}
}

func TestCommitter_DeletePromotion(t *testing.T) {
	// A recorded deletion removes the mortal file at commit and the
	// journal snapshot brings it back on rollback.
	root := t.TempDir()
	doomed := filepath.Join(root, "legacy.txt")
	require.NoError(t, os.WriteFile(doomed, []byte("old code"), 0644))

	stg, err := staging.NewManager(root, DefaultControlDir, "tx-del", nil)
	require.NoError(t, err)
	require.NoError(t, stg.InitSanctums())

	undoRoot := filepath.Join(root, DefaultControlDir, "undo", "tx-del")
	committer := NewCommitter(stg, undoRoot, nil)

	dossier := map[string]fsops.WriteResult{
		"legacy.txt": {Path: "legacy.txt", Action: fsops.ActionDeleted, Success: true},
	}
	require.NoError(t, committer.Commit(context.Background(), dossier))
	assert.NoFileExists(t, doomed)

	restorer := NewRestorer(stg, undoRoot, filepath.Join(root, DefaultControlDir, "forensics"), nil)
	require.NoError(t, restorer.EmergencyRollback())

	data, err := os.ReadFile(doomed)
	require.NoError(t, err)
	assert.Equal(t, "old code", string(data))
}
