// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGopsutilInspector_PidAlive(t *testing.T) {
	g := NewProcessInspector()

	if !g.PidAlive(os.Getpid()) {
		t.Error("our own pid must be alive")
	}
	if g.PidAlive(0) {
		t.Error("pid 0 must not count as alive")
	}
	if g.PidAlive(-1) {
		t.Error("negative pids must not count as alive")
	}
}

func TestGopsutilInspector_FindHolderSkipsSelf(t *testing.T) {
	// The scan looks for another process holding the lock file; the
	// scanning process holding its own handle is not contention.
	path := filepath.Join(t.TempDir(), "held.lock")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating lock file: %v", err)
	}
	defer f.Close()

	g := NewProcessInspector()
	pid, err := g.FindHolderOfFile(path)
	if err == nil && pid == os.Getpid() {
		t.Fatalf("scan reported our own pid %d as the holder", pid)
	}
	if err != nil && !errors.Is(err, ErrInspectUnavailable) {
		t.Errorf("unexpected error kind: %v", err)
	}
}
