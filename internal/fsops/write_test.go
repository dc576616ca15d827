// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fsops

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWrite(t *testing.T) {
	t.Run("creates new file with parents", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "pkg", "deep", "main.go")

		res, err := Write(path, []byte("package deep\n"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if res.Action != ActionCreated {
			t.Errorf("expected created, got %s", res.Action)
		}
		if res.Bytes != len("package deep\n") {
			t.Errorf("unexpected byte count %d", res.Bytes)
		}
		if !res.Success {
			t.Error("expected success")
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading back: %v", err)
		}
		if string(data) != "package deep\n" {
			t.Errorf("unexpected content %q", data)
		}
	})

	t.Run("modifies existing file", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "f.txt")
		if _, err := Write(path, []byte("one")); err != nil {
			t.Fatal(err)
		}

		res, err := Write(path, []byte("two"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if res.Action != ActionModified {
			t.Errorf("expected modified, got %s", res.Action)
		}
	})

	t.Run("identical content is unchanged", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "f.txt")
		if _, err := Write(path, []byte("same")); err != nil {
			t.Fatal(err)
		}

		res, err := Write(path, []byte("same"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if res.Action != ActionUnchanged {
			t.Errorf("expected unchanged, got %s", res.Action)
		}
		if res.Bytes != 0 {
			t.Errorf("unchanged write should report 0 bytes, got %d", res.Bytes)
		}
	})

	t.Run("no temp residue after write", func(t *testing.T) {
		tmpDir := t.TempDir()
		if _, err := Write(filepath.Join(tmpDir, "f.txt"), []byte("x")); err != nil {
			t.Fatal(err)
		}
		entries, err := os.ReadDir(tmpDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("expected only the target file, found %d entries", len(entries))
		}
	})
}

func TestDelete(t *testing.T) {
	t.Run("deletes existing file", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "gone.txt")
		if _, err := Write(path, []byte("x")); err != nil {
			t.Fatal(err)
		}

		res, err := Delete(path)
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if res.Action != ActionDeleted {
			t.Errorf("expected deleted, got %s", res.Action)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("file still exists")
		}
	})

	t.Run("missing file is unchanged", func(t *testing.T) {
		res, err := Delete(filepath.Join(t.TempDir(), "never.txt"))
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if res.Action != ActionUnchanged {
			t.Errorf("expected unchanged, got %s", res.Action)
		}
	})
}

func TestChecksum_Stable(t *testing.T) {
	a := Checksum([]byte("content"))
	b := Checksum([]byte("content"))
	if a != b {
		t.Error("checksum not deterministic")
	}
	if a == Checksum([]byte("different")) {
		t.Error("distinct content should not collide")
	}
}

func TestCopy(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src.txt")
	dst := filepath.Join(tmpDir, "nested", "dst.txt")
	if _, err := Write(src, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	res, err := Copy(src, dst)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if res.Action != ActionCreated || res.Bytes != len("payload") {
		t.Errorf("unexpected result %+v", res)
	}
}
