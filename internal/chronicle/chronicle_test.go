// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chronicle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chiselworks/chisel/internal/fsops"
	"github.com/chiselworks/chisel/internal/txn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(txID string, sealedAt time.Time) txn.ChronicleRecord {
	return txn.ChronicleRecord{
		TxID: txID,
		Name: "scaffold api",
		Writes: map[string]fsops.WriteResult{
			"api/server.go": {
				Path:     "api/server.go",
				Action:   fsops.ActionCreated,
				Bytes:    42,
				Checksum: "abc123",
				Success:  true,
			},
		},
		Edicts:   []string{"go mod tidy"},
		Issues:   []string{"external change during transaction: README.md (WRITE)"},
		Duration: 125 * time.Millisecond,
		SealedAt: sealedAt,
	}
}

func TestStore_SealAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := sampleRecord("tx-1", time.Now().UTC())
	if err := s.Seal(ctx, want); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := s.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TxID != want.TxID || got.Name != want.Name {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if len(got.Writes) != 1 || got.Writes["api/server.go"].Checksum != "abc123" {
		t.Errorf("writes not round-tripped: %+v", got.Writes)
	}
	if len(got.Edicts) != 1 || len(got.Issues) != 1 {
		t.Errorf("edicts/issues not round-tripped: %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "no-such-tx")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SealRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Seal(context.Background(), txn.ChronicleRecord{}); err == nil {
		t.Error("expected error for record without tx id")
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rec := sampleRecord(fmt.Sprintf("tx-%d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.Seal(ctx, rec); err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
	}

	records, err := s.List(ctx, 3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].TxID != "tx-4" || records[2].TxID != "tx-2" {
		t.Errorf("wrong order: %s, %s, %s",
			records[0].TxID, records[1].TxID, records[2].TxID)
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List(0) failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 records, got %d", len(all))
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.Seal(context.Background(), sampleRecord("tx-persist", time.Now().UTC())); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(context.Background(), "tx-persist")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Name != "scaffold api" {
		t.Errorf("record not persisted: %+v", got)
	}
}
