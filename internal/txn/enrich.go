// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/staging"
)

// placeholderPattern matches the cross-reference placeholders blueprints
// may leave in staged content:
//
//	{{chisel:path:<logical path>}}   -> path relative to the enclosing file
//	{{chisel:import:<package dir>}}  -> module-qualified import path
var placeholderPattern = regexp.MustCompile(`\{\{chisel:(path|import):([^}]+)\}\}`)

// placeholderMarker is the cheap pre-check before running the regexp.
var placeholderMarker = []byte("{{chisel:")

// Enricher resolves cross-file references in staged content before
// commit, so the promoted files are internally consistent.
//
// # Description
//
// A blueprint that scaffolds several files at once cannot know their
// final relative layout while it renders them, so it emits symbolic
// placeholders instead. Enrich rewrites each staged file, replacing
// path placeholders with the relative path from the enclosing file and
// import placeholders with module-qualified import paths derived from
// the project's go.mod. Dossier entries are updated in place with the
// enriched byte counts and checksums, keyed by the same logical paths.
//
// Enrichment is idempotent: resolved content contains no placeholders,
// so a second pass rewrites nothing.
type Enricher struct {
	staging *staging.Manager
	logger  *slog.Logger

	modulePath string
	modLoaded  bool
}

// NewEnricher creates an enricher for one transaction.
func NewEnricher(stg *staging.Manager, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		staging: stg,
		logger:  logger.With("component", "enricher"),
	}
}

// Enrich resolves placeholders in every staged created/modified file
// and updates the dossier in place.
func (e *Enricher) Enrich(dossier map[string]fsops.WriteResult) error {
	enriched := 0
	for logical, entry := range dossier {
		if entry.Action != fsops.ActionCreated && entry.Action != fsops.ActionModified {
			continue
		}

		staged, err := e.staging.StagingPath(logical)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(staged)
		if err != nil {
			if os.IsNotExist(err) {
				// Recorded by a subsystem that wrote the mortal tree
				// directly; nothing staged to enrich.
				continue
			}
			return fmt.Errorf("reading staged %s: %w", logical, err)
		}
		if !bytes.Contains(content, placeholderMarker) {
			continue
		}

		resolved, err := e.resolve(logical, content)
		if err != nil {
			return err
		}
		if bytes.Equal(resolved, content) {
			continue
		}

		res, err := fsops.Write(staged, resolved)
		if err != nil {
			return fmt.Errorf("rewriting enriched %s: %w", logical, err)
		}

		entry.Bytes = res.Bytes
		entry.Checksum = res.Checksum
		dossier[logical] = entry
		enriched++
	}

	if enriched > 0 {
		e.logger.Debug("enrichment pass complete", "files", enriched)
	}
	return nil
}

// resolve replaces every placeholder in content. logical is the
// enclosing file's logical path, which anchors relative references.
func (e *Enricher) resolve(logical string, content []byte) ([]byte, error) {
	var resolveErr error
	out := placeholderPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		if resolveErr != nil {
			return match
		}
		parts := placeholderPattern.FindSubmatch(match)
		kind, target := string(parts[1]), string(parts[2])

		switch kind {
		case "path":
			rel, err := relativeTo(logical, target)
			if err != nil {
				resolveErr = fmt.Errorf("enriching %s: %w", logical, err)
				return match
			}
			return []byte(rel)

		case "import":
			module, err := e.loadModulePath()
			if err != nil {
				resolveErr = fmt.Errorf("enriching %s: %w", logical, err)
				return match
			}
			if target == "" || target == "." {
				return []byte(module)
			}
			return []byte(module + "/" + path.Clean(target))

		default:
			return match
		}
	})
	return out, resolveErr
}

// relativeTo computes the slash-form path of target relative to the
// directory containing from. Both are logical paths.
func relativeTo(from, target string) (string, error) {
	fromDir := path.Dir(path.Clean(from))
	rel, err := relPath(fromDir, path.Clean(target))
	if err != nil {
		return "", fmt.Errorf("no relative path from %s to %s: %w", from, target, err)
	}
	return rel, nil
}

// relPath is filepath.Rel over slash-form logical paths.
func relPath(base, target string) (string, error) {
	if base == "." {
		return target, nil
	}
	// Walk up from base until it prefixes target.
	up := ""
	for b := base; b != "." && b != "/"; b = path.Dir(b) {
		if b == target {
			return path.Clean(up + "."), nil
		}
		if rest, ok := strings.CutPrefix(target, b+"/"); ok {
			return up + rest, nil
		}
		up += "../"
	}
	return up + target, nil
}

// loadModulePath parses the project's module path from go.mod, checking
// the staging tree first so a transaction that scaffolds go.mod itself
// still resolves imports against the new module.
func (e *Enricher) loadModulePath() (string, error) {
	if e.modLoaded {
		return e.modulePath, nil
	}

	candidates := make([]string, 0, 2)
	if staged, err := e.staging.StagingPath("go.mod"); err == nil {
		candidates = append(candidates, staged)
	}
	if mortal, err := e.staging.MortalPath("go.mod"); err == nil {
		candidates = append(candidates, mortal)
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		f, err := modfile.ParseLax(candidate, data, nil)
		if err != nil {
			return "", fmt.Errorf("parsing %s: %w", candidate, err)
		}
		if f.Module == nil || f.Module.Mod.Path == "" {
			return "", fmt.Errorf("%s declares no module path", candidate)
		}
		e.modulePath = f.Module.Mod.Path
		e.modLoaded = true
		return e.modulePath, nil
	}

	return "", fmt.Errorf("import placeholder used but no go.mod found in staging or project")
}
