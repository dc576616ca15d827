// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock provides cross-process mutual exclusion for a named
// resource with liveness detection and recovery from abandoned locks.
//
// A FileLock pairs an OS-level advisory lock (flock on Unix, LockFileEx
// on Windows) with a JSON descriptor stored in the lock file itself.
// The holder rewrites the descriptor's heartbeat on a fixed interval
// from a background goroutine; contenders read it to distinguish a live
// holder from a zombie and break abandoned locks automatically.
//
// # State Machine
//
//	UNLOCKED -> ACQUIRING -> HELD -> RELEASING -> UNLOCKED
//
// plus a re-entrant claim when the same process acquires a path it
// already holds (a no-op against the OS lock).
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Descriptor writes are
// serialized between the heartbeat goroutine and callers by a per-lock
// mutex; the re-entrancy registry has its own mutex.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-isatty"
)

// State is the lock lifecycle state.
type State int

const (
	// StateUnlocked means this process holds nothing.
	StateUnlocked State = iota

	// StateAcquiring means an Acquire call is polling for the OS lock.
	StateAcquiring

	// StateHeld means this process owns the OS lock and is heartbeating.
	StateHeld

	// StateReleasing means a Release call is tearing down.
	StateReleasing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnlocked:
		return "UNLOCKED"
	case StateAcquiring:
		return "ACQUIRING"
	case StateHeld:
		return "HELD"
	case StateReleasing:
		return "RELEASING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Prompter asks the operator whether to break a live holder's lock.
// Used only in interactive mode.
type Prompter interface {
	// ConfirmBreak returns true if the operator approves breaking the
	// lock held by holder.
	ConfirmBreak(path string, holder *Descriptor) bool
}

// Config configures FileLock behavior.
type Config struct {
	// RiteName is the operation name written into the descriptor.
	RiteName string

	// HeartbeatInterval is how often the holder rewrites the
	// descriptor. Default: 5s.
	HeartbeatInterval time.Duration

	// AcquireTimeout bounds how long Acquire polls before timeout
	// handling kicks in. Default: 30s.
	AcquireTimeout time.Duration

	// RetryInterval is the fixed backoff between acquisition attempts.
	// Default: 500ms.
	RetryInterval time.Duration

	// StaleFactor multiplies HeartbeatInterval to define a stale
	// heartbeat. Default: 4.
	StaleFactor int

	// Interactive enables the operator prompt on live contention.
	// When nil, it is auto-detected from stderr being a terminal.
	Interactive *bool

	// Prompter handles the break-lock question in interactive mode.
	// Ignored when nil (contention then fails fast).
	Prompter Prompter

	// Extra is caller metadata carried in the descriptor.
	Extra map[string]string

	// Registry is the process-wide re-entrancy registry.
	// Default: DefaultRegistry().
	Registry *Registry

	// Inspector answers process liveness/ownership questions.
	// Default: the gopsutil-backed inspector.
	Inspector ProcessInspector

	// Logger for diagnostic output, nil for slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard lock tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		AcquireTimeout:    30 * time.Second,
		RetryInterval:     500 * time.Millisecond,
		StaleFactor:       4,
	}
}

// FileLock is one process's handle on a lock-file path.
type FileLock struct {
	path      string
	config    Config
	registry  *Registry
	inspector ProcessInspector
	locker    fileLocker
	logger    *slog.Logger

	mu        sync.Mutex // guards state, reentrant, file, desc
	state     State
	reentrant bool
	file      *os.File
	desc      *Descriptor

	hbMu   sync.Mutex // serializes descriptor writes with the heartbeat
	hbStop chan struct{}
	hbDone chan struct{}
}

// New creates a FileLock for the given lock-file path. The lock is not
// acquired until Acquire is called.
func New(path string, config Config) *FileLock {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 30 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}
	if config.StaleFactor <= 0 {
		config.StaleFactor = 4
	}
	if config.Registry == nil {
		config.Registry = DefaultRegistry()
	}
	if config.Inspector == nil {
		config.Inspector = NewProcessInspector()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &FileLock{
		path:      path,
		config:    config,
		registry:  config.Registry,
		inspector: config.Inspector,
		locker:    newFileLocker(),
		logger:    config.Logger.With("component", "lock", "path", path),
	}
}

// Path returns the lock-file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// State returns the current lifecycle state.
func (fl *FileLock) State() State {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.state
}

// IsHeld reports whether this FileLock holds the lock, directly or as a
// re-entrant claim.
func (fl *FileLock) IsHeld() bool {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.state == StateHeld || fl.reentrant
}

// Acquire takes the lock, blocking (with polling) while contended.
//
// If the current process already holds this lock-file path, the call is
// recorded as a re-entrant claim and returns immediately without
// touching the OS lock. Otherwise it polls until the OS lock is won or
// the timeout elapses, at which point timeout handling decides between
// failing with a ContentionError (live holder), auto-breaking (zombie
// or dead holder), or prompting the operator in interactive mode.
// After any force-break, acquisition restarts from the top.
func (fl *FileLock) Acquire(ctx context.Context) error {
	if holder := fl.registry.holder(fl.path); holder != nil && holder != fl {
		fl.mu.Lock()
		fl.reentrant = true
		fl.mu.Unlock()
		fl.logger.Debug("re-entrant lock claim")
		return nil
	}
	fl.mu.Lock()
	if fl.state == StateHeld {
		fl.reentrant = true
		fl.mu.Unlock()
		return nil
	}
	fl.state = StateAcquiring
	fl.mu.Unlock()

	// A broken lock re-enters the polling loop. Each round either wins,
	// breaks an abandoned lock, or fails; cap rounds to rule out
	// pathological ping-pong with another breaker.
	const maxRounds = 5
	for round := 0; round < maxRounds; round++ {
		if err := fl.poll(ctx); err == nil {
			return nil
		} else if !errors.Is(err, ErrAcquireTimeout) {
			fl.setState(StateUnlocked)
			return err
		}

		broke, err := fl.handleTimeout()
		if err != nil {
			fl.setState(StateUnlocked)
			return err
		}
		if broke {
			fl.logger.Info("lock broken, retrying acquisition", "round", round+1)
			continue
		}
	}

	fl.setState(StateUnlocked)
	return &ContentionError{Path: fl.path, Err: ErrAcquireTimeout}
}

// poll repeatedly attempts the OS lock with fixed backoff until success
// or the acquire timeout.
func (fl *FileLock) poll(ctx context.Context) error {
	deadline := time.Now().Add(fl.config.AcquireTimeout)
	b := backoff.NewConstantBackOff(fl.config.RetryInterval)

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fl.tryLock()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLocked) || os.IsPermission(err) {
			if time.Now().After(deadline) {
				return backoff.Permanent(ErrAcquireTimeout)
			}
			return err // retryable contention
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// tryLock performs one non-blocking OS lock attempt and, on success,
// installs the descriptor and heartbeat.
func (fl *FileLock) tryLock() error {
	f, err := os.OpenFile(fl.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}

	if err := fl.locker.Lock(f); err != nil {
		f.Close()
		return err
	}

	desc := newDescriptor(fl.config.RiteName, fl.config.Extra)

	fl.hbMu.Lock()
	err = desc.writeTo(f)
	fl.hbMu.Unlock()
	if err != nil {
		fl.locker.Unlock(f)
		f.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = f
	fl.desc = desc
	fl.state = StateHeld
	fl.hbStop = make(chan struct{})
	fl.hbDone = make(chan struct{})
	fl.mu.Unlock()

	fl.registry.register(fl)
	go fl.heartbeatLoop(f, desc, fl.hbStop, fl.hbDone)

	fl.logger.Debug("lock acquired",
		"pid", desc.PID,
		"rite", desc.RiteName)
	return nil
}

// heartbeatLoop rewrites the descriptor's heartbeat timestamp every
// interval until signalled to stop.
func (fl *FileLock) heartbeatLoop(f *os.File, desc *Descriptor, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(fl.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fl.hbMu.Lock()
			desc.LastHeartbeat = time.Now()
			err := desc.writeTo(f)
			fl.hbMu.Unlock()
			if err != nil {
				fl.logger.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}

// handleTimeout inspects the holder after the polling window elapsed.
// Returns broke=true when the lock was force-broken and acquisition
// should restart.
func (fl *FileLock) handleTimeout() (broke bool, err error) {
	desc, readErr := readDescriptor(fl.path)

	if readErr != nil {
		if os.IsNotExist(readErr) {
			// Holder released between poll and inspection; just retry.
			return true, nil
		}
		// File present but unparsable: a zombie grip. Break it.
		fl.logger.Warn("lock descriptor unreadable, breaking zombie grip",
			"error", readErr)
		return true, fl.forceBreak(0)
	}

	staleAfter := time.Duration(fl.config.StaleFactor) * fl.config.HeartbeatInterval

	switch {
	case !fl.inspector.PidAlive(desc.PID):
		fl.logger.Info("lock holder is dead, breaking lock",
			"holder_pid", desc.PID)
		return true, fl.forceBreak(desc.PID)

	case desc.HeartbeatAge() > staleAfter:
		fl.logger.Warn("lock holder alive but heartbeat is stale, breaking zombie lock",
			"holder_pid", desc.PID,
			"heartbeat_age", desc.HeartbeatAge().Round(time.Second).String())
		return true, fl.forceBreak(desc.PID)

	default:
		// Active contention: live holder, fresh heartbeat.
		if fl.interactive() && fl.config.Prompter != nil {
			if fl.config.Prompter.ConfirmBreak(fl.path, desc) {
				fl.logger.Warn("operator approved lock break",
					"holder_pid", desc.PID)
				return true, fl.forceBreak(desc.PID)
			}
		}
		return false, &ContentionError{Path: fl.path, Holder: desc, Err: ErrAcquireTimeout}
	}
}

// interactive resolves the configured or auto-detected interactivity.
func (fl *FileLock) interactive() bool {
	if fl.config.Interactive != nil {
		return *fl.config.Interactive
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// forceBreak removes an abandoned lock file. When deletion is denied
// because a process still holds the file handle, the holder is found
// and terminated; failing that, the file is renamed out of the way.
// holderPID is a hint from the descriptor (0 when unknown).
func (fl *FileLock) forceBreak(holderPID int) error {
	err := os.Remove(fl.path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if !os.IsPermission(err) {
		return &BreakError{Path: fl.path, Reason: "delete", Err: err}
	}

	// Another process still has the handle open (seen on Windows).
	pid, findErr := fl.inspector.FindHolderOfFile(fl.path)
	if findErr == nil {
		fl.logger.Warn("terminating process holding abandoned lock handle",
			"holder_pid", pid)
		if termErr := fl.inspector.Terminate(pid); termErr != nil {
			fl.logger.Warn("failed to terminate lock holder",
				"holder_pid", pid,
				"error", termErr)
		} else if rmErr := os.Remove(fl.path); rmErr == nil || os.IsNotExist(rmErr) {
			return nil
		}
	} else if !errors.Is(findErr, ErrInspectUnavailable) {
		fl.logger.Warn("process enumeration failed", "error", findErr)
	}

	// Last resort: shove the lock file aside.
	aside := fmt.Sprintf("%s.broken.%d", fl.path, time.Now().UnixNano())
	if renameErr := os.Rename(fl.path, aside); renameErr != nil {
		return &BreakError{Path: fl.path, Reason: "rename-aside", Err: renameErr}
	}
	fl.logger.Warn("abandoned lock renamed aside", "aside", aside, "holder_pid", holderPID)
	return nil
}

// Release gives the lock up.
//
// A re-entrant claim just clears its flag; the real holder is
// unaffected. Otherwise the heartbeat is stopped and joined, the OS
// lock released, the lock file removed (removal failures ignored: a
// racing acquirer may have replaced it), and the registry entry
// dropped. Releasing an unheld lock returns ErrNotHeld.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	if fl.reentrant {
		fl.reentrant = false
		fl.mu.Unlock()
		fl.logger.Debug("re-entrant lock claim released")
		return nil
	}
	if fl.state != StateHeld {
		fl.mu.Unlock()
		return ErrNotHeld
	}
	fl.state = StateReleasing
	f := fl.file
	stop := fl.hbStop
	done := fl.hbDone
	fl.file = nil
	fl.desc = nil
	fl.mu.Unlock()

	// Stop the heartbeat and join with a bounded wait.
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * fl.config.HeartbeatInterval):
		fl.logger.Warn("heartbeat goroutine did not stop in time")
	}

	if err := fl.locker.Unlock(f); err != nil {
		fl.logger.Warn("failed to release OS lock", "error", err)
	}
	f.Close()

	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		fl.logger.Debug("lock file removal skipped", "error", err)
	}

	fl.registry.deregister(fl.path)
	fl.setState(StateUnlocked)
	fl.logger.Debug("lock released")
	return nil
}

func (fl *FileLock) setState(s State) {
	fl.mu.Lock()
	fl.state = s
	fl.mu.Unlock()
}
