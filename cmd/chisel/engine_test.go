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
	"strings"
	"testing"

	"github.com/chiselworks/chisel/internal/config"
	"github.com/chiselworks/chisel/internal/txn"
	"github.com/chiselworks/chisel/pkg/logging"
)

func newTestEngine(t *testing.T) (*engine, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	logger := logging.New(logging.Config{Quiet: true})
	t.Cleanup(func() { logger.Close() })

	eng, err := newEngine(root, cfg, logger)
	if err != nil {
		t.Fatalf("newEngine() failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, root
}

func TestEngine_ApplyThroughDispatcher(t *testing.T) {
	eng, root := newTestEngine(t)

	res := eng.dispatcher.Dispatch(context.Background(), &applyRequest{
		Root:     root,
		RiteName: "scaffold",
		Manifest: Manifest{
			Writes: []ManifestWrite{
				{Path: "pkg/widget/widget.go", Content: "package widget\n"},
			},
		},
	})
	if !res.Success {
		t.Fatalf("dispatch failed: %s", res.Err)
	}

	outcome, ok := res.Value.(*applyOutcome)
	if !ok {
		t.Fatalf("value = %T", res.Value)
	}
	if outcome.TxID == "" {
		t.Error("outcome has no transaction id")
	}
	if _, err := os.Stat(filepath.Join(root, "pkg", "widget", "widget.go")); err != nil {
		t.Errorf("promoted file missing: %v", err)
	}

	// The sealed record is visible through the read path.
	listRes := eng.dispatcher.Dispatch(context.Background(), &chronicleListRequest{
		Root: root, Limit: 10,
	})
	if !listRes.Success {
		t.Fatalf("chronicle dispatch failed: %s", listRes.Err)
	}
	records := listRes.Value.([]txn.ChronicleRecord)
	if len(records) != 1 || records[0].TxID != outcome.TxID {
		t.Errorf("chronicle records = %+v, want one record for %s", records, outcome.TxID)
	}
}

func TestEngine_RejectsWriteOutsideRoot(t *testing.T) {
	eng, root := newTestEngine(t)

	escape := eng.dispatcher.Dispatch(context.Background(), &applyRequest{
		Root:     root,
		RiteName: "escape",
		Manifest: Manifest{
			Writes: []ManifestWrite{
				{Path: "../outside.go", Content: "package outside\n"},
			},
		},
	})
	if escape.Success {
		t.Fatal("write outside the project root must fail")
	}
	if !strings.Contains(escape.Err, "outside") && !strings.Contains(escape.Err, "escapes") {
		t.Logf("failure message: %s", escape.Err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.go")); err == nil {
		t.Error("escaped file was written")
	}
}

func TestRuleDiagnostician(t *testing.T) {
	d := &ruleDiagnostician{rules: []config.RemediationRule{
		{Match: "permission denied", Command: "chmod -R u+w ."},
		{Match: "no space", Command: "df -h"},
	}}

	cmd, ok := d.Remediate(context.Background(), nil, errStr("open x: permission denied"))
	if !ok || cmd != "chmod -R u+w ." {
		t.Errorf("Remediate = %q, %v", cmd, ok)
	}
	if _, ok := d.Remediate(context.Background(), nil, errStr("unrelated")); ok {
		t.Error("unmatched failure must not remediate")
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }
