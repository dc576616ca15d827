// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chronicle persists the records of committed transactions.
//
// The chronicle is the provenance trail of the engine: one record per
// successfully committed transaction, binding the transaction id to
// every promoted logical path, every executed command, and the
// non-fatal issues observed along the way. It is stored in an embedded
// BadgerDB under the project control directory, so provenance survives
// process restarts without any external service.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chiselworks/chisel/internal/txn"
)

// ErrNotFound is returned when no chronicle record exists for a
// transaction id.
var ErrNotFound = errors.New("chronicle record not found")

// recordPrefix namespaces chronicle records inside the database.
const recordPrefix = "rite:"

// Config holds configuration for the chronicle store.
type Config struct {
	// Path is the directory for the database files. Required unless
	// InMemory is true. Conventionally "<control>/chronicle".
	Path string

	// InMemory runs the store without disk persistence, for tests.
	InMemory bool

	// SyncWrites forces durable writes. Default: true for persistent
	// stores.
	SyncWrites bool

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC runs.
	// Default: 0.5.
	GCDiscardRatio float64

	// Logger for store diagnostics. Nil disables Badger's internal
	// logging entirely.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes and
// periodic garbage collection.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed chronicle.
//
// # Thread Safety
//
// All methods are safe for concurrent use; Badger serializes writes
// internally.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	gcStop chan struct{}
	gcDone chan struct{}
}

// Compile-time check: the store seals transaction chronicles.
var _ txn.ChronicleSealer = (*Store)(nil)

// Open creates or opens a chronicle store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("chronicle: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating chronicle directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "chronicle")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening chronicle store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "chronicle"),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, ratio)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

// Seal persists the record of a committed transaction. Called by the
// transaction's success exit path; a sealing failure there triggers a
// rollback, so Seal only returns nil once the record is durable.
func (s *Store) Seal(ctx context.Context, rec txn.ChronicleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.TxID == "" {
		return errors.New("chronicle: record has no transaction id")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding chronicle record %s: %w", rec.TxID, err)
	}

	err = s.db.Update(func(t *badger.Txn) error {
		return t.Set([]byte(recordPrefix+rec.TxID), data)
	})
	if err != nil {
		return fmt.Errorf("sealing chronicle record %s: %w", rec.TxID, err)
	}

	s.logger.Debug("chronicle sealed",
		"tx_id", rec.TxID,
		"rite", rec.Name,
		"files", len(rec.Writes))
	return nil
}

// Get returns the record for one transaction id.
func (s *Store) Get(ctx context.Context, txID string) (txn.ChronicleRecord, error) {
	var rec txn.ChronicleRecord
	if err := ctx.Err(); err != nil {
		return rec, err
	}

	err := s.db.View(func(t *badger.Txn) error {
		item, err := t.Get([]byte(recordPrefix + txID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", txID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// List returns up to limit records, newest first. A non-positive limit
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]txn.ChronicleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []txn.ChronicleRecord
	err := s.db.View(func(t *badger.Txn) error {
		it := t.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec txn.ChronicleRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing chronicle records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SealedAt.After(records[j].SealedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// gcLoop periodically reclaims value log space.
func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("chronicle GC error", "error", err)
			}
		}
	}
}
