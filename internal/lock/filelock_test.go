// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeInspector lets tests script liveness answers without real
// processes.
type fakeInspector struct {
	alive      map[int]bool
	holderPID  int
	holderErr  error
	terminated []int
}

func (f *fakeInspector) PidAlive(pid int) bool {
	if f.alive == nil {
		return pid == os.Getpid()
	}
	return f.alive[pid]
}

func (f *fakeInspector) FindHolderOfFile(path string) (int, error) {
	if f.holderErr != nil {
		return 0, f.holderErr
	}
	return f.holderPID, nil
}

func (f *fakeInspector) Terminate(pid int) error {
	f.terminated = append(f.terminated, pid)
	return nil
}

// fastConfig returns tuning suitable for tests: short polls, short
// timeout, isolated registry.
func fastConfig(t *testing.T) Config {
	t.Helper()
	noPrompt := false
	cfg := DefaultConfig()
	cfg.RiteName = "test-rite"
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.AcquireTimeout = 400 * time.Millisecond
	cfg.RetryInterval = 25 * time.Millisecond
	cfg.Interactive = &noPrompt
	cfg.Registry = NewRegistry()
	cfg.Inspector = &fakeInspector{}
	return cfg
}

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "project.lock")
}

func TestFileLock_AcquireRelease(t *testing.T) {
	path := lockPath(t)
	fl := New(path, fastConfig(t))

	if err := fl.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if fl.State() != StateHeld {
		t.Errorf("expected HELD, got %s", fl.State())
	}

	// Descriptor must identify us.
	desc, err := readDescriptor(path)
	if err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	if desc.PID != os.Getpid() {
		t.Errorf("descriptor pid = %d, want %d", desc.PID, os.Getpid())
	}
	if desc.RiteName != "test-rite" {
		t.Errorf("descriptor rite_name = %q", desc.RiteName)
	}

	if err := fl.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if fl.State() != StateUnlocked {
		t.Errorf("expected UNLOCKED, got %s", fl.State())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestFileLock_ReleaseWithoutAcquire(t *testing.T) {
	fl := New(lockPath(t), fastConfig(t))
	if err := fl.Release(); !errors.Is(err, ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}
}

func TestFileLock_Reentrancy(t *testing.T) {
	t.Run("same instance", func(t *testing.T) {
		path := lockPath(t)
		fl := New(path, fastConfig(t))

		if err := fl.Acquire(context.Background()); err != nil {
			t.Fatalf("first Acquire failed: %v", err)
		}
		if err := fl.Acquire(context.Background()); err != nil {
			t.Fatalf("re-entrant Acquire failed: %v", err)
		}

		// First release clears only the re-entrant claim.
		if err := fl.Release(); err != nil {
			t.Fatalf("re-entrant Release failed: %v", err)
		}
		if !fl.IsHeld() {
			t.Error("lock should still be held after re-entrant release")
		}
		if _, err := os.Stat(path); err != nil {
			t.Error("lock file must survive re-entrant release")
		}

		if err := fl.Release(); err != nil {
			t.Fatalf("final Release failed: %v", err)
		}
		if fl.IsHeld() {
			t.Error("lock should be fully released")
		}
	})

	t.Run("shared registry across instances", func(t *testing.T) {
		path := lockPath(t)
		cfg := fastConfig(t)
		a := New(path, cfg)
		b := New(path, cfg) // same registry: same process semantics

		if err := a.Acquire(context.Background()); err != nil {
			t.Fatalf("a.Acquire failed: %v", err)
		}
		if err := b.Acquire(context.Background()); err != nil {
			t.Fatalf("b.Acquire (re-entrant) failed: %v", err)
		}
		if b.State() == StateHeld {
			t.Error("b should hold a re-entrant claim, not the OS lock")
		}

		if err := b.Release(); err != nil {
			t.Fatalf("b.Release failed: %v", err)
		}
		if !a.IsHeld() {
			t.Error("a must still hold the lock after b's release")
		}
		if err := a.Release(); err != nil {
			t.Fatalf("a.Release failed: %v", err)
		}
	})
}

func TestFileLock_ContentionFailsFast(t *testing.T) {
	// Two registries simulate two processes. The second sees a live,
	// heartbeating holder and must fail with a ContentionError naming it.
	path := lockPath(t)

	cfgA := fastConfig(t)
	a := New(path, cfgA)
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("a.Acquire failed: %v", err)
	}
	defer a.Release()

	cfgB := fastConfig(t)
	cfgB.Inspector = &fakeInspector{alive: map[int]bool{os.Getpid(): true}}
	b := New(path, cfgB)

	err := b.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected contention error")
	}
	var ce *ContentionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContentionError, got %T: %v", err, err)
	}
	if ce.Holder == nil || ce.Holder.PID != os.Getpid() {
		t.Errorf("contention error should name the holder: %+v", ce.Holder)
	}
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Error("contention error should unwrap to ErrAcquireTimeout")
	}
}

func TestFileLock_BreaksDeadHolder(t *testing.T) {
	// A lock file whose pid is dead must be auto-broken without any
	// operator interaction, within one timeout cycle.
	path := lockPath(t)

	desc := newDescriptor("crashed-rite", nil)
	desc.PID = 999999999 // not a real process
	data, _ := json.Marshal(desc)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := fastConfig(t)
	cfg.Inspector = &fakeInspector{alive: map[int]bool{}}
	fl := New(path, cfg)

	start := time.Now()
	if err := fl.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer fl.Release()

	if elapsed := time.Since(start); elapsed > 2*cfg.AcquireTimeout {
		t.Errorf("acquire took %s, want within one timeout cycle", elapsed)
	}
}

func TestFileLock_BreaksStaleHeartbeat(t *testing.T) {
	// Holder is alive but stopped heartbeating: a zombie lock. The
	// contender must break it automatically.
	path := lockPath(t)

	cfgA := fastConfig(t)
	cfgA.HeartbeatInterval = time.Hour // holder never refreshes
	a := New(path, cfgA)
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("a.Acquire failed: %v", err)
	}
	defer a.Release()

	// Age the descriptor past 4x the contender's heartbeat interval.
	desc, err := readDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}
	desc.LastHeartbeat = time.Now().Add(-time.Hour)
	data, _ := json.Marshal(desc)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfgB := fastConfig(t)
	cfgB.RiteName = "contender"
	cfgB.Inspector = &fakeInspector{alive: map[int]bool{os.Getpid(): true}}
	b := New(path, cfgB)

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire should break the zombie lock: %v", err)
	}
	defer b.Release()

	desc, err = readDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}
	if desc.RiteName != "contender" {
		t.Errorf("new descriptor should belong to b, got rite %q", desc.RiteName)
	}
}

func TestFileLock_BreaksUnparsableDescriptor(t *testing.T) {
	// File present but garbage inside: a zombie grip, broken immediately.
	path := lockPath(t)

	cfgA := fastConfig(t)
	cfgA.HeartbeatInterval = time.Hour // keep the holder from repairing the file
	a := New(path, cfgA)
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("a.Acquire failed: %v", err)
	}
	defer a.Release()

	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	b := New(path, fastConfig(t))
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire should break the zombie grip: %v", err)
	}
	defer b.Release()
}

// approvingPrompter always approves breaking the lock.
type approvingPrompter struct{ asked bool }

func (p *approvingPrompter) ConfirmBreak(path string, holder *Descriptor) bool {
	p.asked = true
	return true
}

func TestFileLock_InteractiveBreak(t *testing.T) {
	path := lockPath(t)

	a := New(path, fastConfig(t))
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("a.Acquire failed: %v", err)
	}
	defer a.Release()

	interactive := true
	prompter := &approvingPrompter{}
	cfgB := fastConfig(t)
	cfgB.Interactive = &interactive
	cfgB.Prompter = prompter
	cfgB.Inspector = &fakeInspector{alive: map[int]bool{os.Getpid(): true}}
	b := New(path, cfgB)

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("operator-approved break should succeed: %v", err)
	}
	defer b.Release()

	if !prompter.asked {
		t.Error("prompter was never consulted")
	}
}

func TestFileLock_SecondAcquirerAfterRelease(t *testing.T) {
	// Contender acquires promptly once the holder releases, writing a
	// fresh descriptor with a newer acquired_at.
	path := lockPath(t)

	a := New(path, fastConfig(t))
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("a.Acquire failed: %v", err)
	}
	firstDesc, err := readDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	cfgB := fastConfig(t)
	cfgB.AcquireTimeout = 5 * time.Second
	b := New(path, cfgB)
	go func() {
		acquired <- b.Acquire(context.Background())
	}()

	time.Sleep(100 * time.Millisecond)
	if err := a.Release(); err != nil {
		t.Fatalf("a.Release failed: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("b.Acquire failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("b.Acquire did not complete after release")
	}
	defer b.Release()

	secondDesc, err := readDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}
	if !secondDesc.AcquiredAt.After(firstDesc.AcquiredAt) {
		t.Error("second descriptor should carry a fresh acquired_at")
	}
}

func TestFileLock_HeartbeatAdvances(t *testing.T) {
	path := lockPath(t)
	fl := New(path, fastConfig(t))
	if err := fl.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer fl.Release()

	first, err := readDescriptor(path)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := readDescriptor(path)
		if err == nil && cur.LastHeartbeat.After(first.LastHeartbeat) {
			return // heartbeat advanced
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Error("heartbeat never advanced")
}

func TestFileLock_ContextCancel(t *testing.T) {
	path := lockPath(t)
	a := New(path, fastConfig(t))
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	cfgB := fastConfig(t)
	cfgB.AcquireTimeout = time.Hour
	b := New(path, cfgB)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
