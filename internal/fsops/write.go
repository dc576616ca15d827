// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fsops provides the atomic single-file write primitive used by
// every staging writer in the engine.
//
// Writes go to a temp file in the destination directory and are promoted
// with rename(2), so a reader never observes a half-written file. Each
// operation produces a WriteResult describing what actually happened,
// which the transaction layer records into its dossier.
package fsops

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Action describes the outcome of a file operation.
type Action string

const (
	// ActionCreated means the file did not exist before the write.
	ActionCreated Action = "created"

	// ActionModified means the file existed and its content changed.
	ActionModified Action = "modified"

	// ActionDeleted means the file was removed.
	ActionDeleted Action = "deleted"

	// ActionUnchanged means the new content matched the old checksum,
	// so no bytes were rewritten.
	ActionUnchanged Action = "unchanged"
)

// WriteResult describes one completed file operation.
//
// Once the transaction records a result, it is immutable except for
// path rewriting during pre-commit enrichment.
type WriteResult struct {
	// Path is the path the operation targeted. The transaction layer
	// rewrites this to the logical (project-relative) form on record.
	Path string `json:"path"`

	// Action is the outcome: created, modified, deleted, or unchanged.
	Action Action `json:"action"`

	// Bytes is the number of content bytes written (0 for deletes and
	// unchanged writes).
	Bytes int `json:"bytes"`

	// Checksum is the hex SHA-256 of the content ("" for deletes).
	Checksum string `json:"checksum"`

	// Success is false only when the operation failed partway; failed
	// operations also return a non-nil error.
	Success bool `json:"success"`
}

// Checksum returns the hex SHA-256 fingerprint of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Write atomically writes content to path, creating parent directories
// as needed.
//
// The content lands in a temp file in the destination directory and is
// renamed into place, so concurrent readers see either the old file or
// the new one, never a torn write. If the existing content already
// matches, nothing is rewritten and the result reports ActionUnchanged.
func Write(path string, content []byte) (WriteResult, error) {
	res := WriteResult{Path: path, Checksum: Checksum(content)}

	prev, statErr := os.ReadFile(path)
	exists := statErr == nil

	if exists && Checksum(prev) == res.Checksum {
		res.Action = ActionUnchanged
		res.Success = true
		return res, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return res, fmt.Errorf("creating parent directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".chisel-write-*")
	if err != nil {
		return res, fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return res, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return res, fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return res, fmt.Errorf("closing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return res, fmt.Errorf("promoting %s: %w", path, err)
	}

	if exists {
		res.Action = ActionModified
	} else {
		res.Action = ActionCreated
	}
	res.Bytes = len(content)
	res.Success = true
	return res, nil
}

// Delete removes path and reports the outcome. Deleting a file that
// does not exist is not an error; it reports ActionUnchanged.
func Delete(path string) (WriteResult, error) {
	res := WriteResult{Path: path, Action: ActionDeleted}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			res.Action = ActionUnchanged
			res.Success = true
			return res, nil
		}
		return res, fmt.Errorf("deleting %s: %w", path, err)
	}

	res.Success = true
	return res, nil
}

// Copy atomically copies the file at src to dst, creating parent
// directories as needed, and returns the write result for dst.
func Copy(src, dst string) (WriteResult, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return WriteResult{Path: dst}, fmt.Errorf("reading %s: %w", src, err)
	}
	return Write(dst, content)
}
