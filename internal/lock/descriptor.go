// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Descriptor is the JSON document co-located with the physical lock
// file. The holding process rewrites it on every heartbeat; contenders
// read it to decide whether to wait, prompt, or force-break.
//
// Only the heartbeat goroutine of the holder mutates a descriptor on
// disk; everyone else treats it as read-only.
type Descriptor struct {
	// PID is the holder's OS process id.
	PID int `json:"pid"`

	// TID is the holder's OS thread id (0 where unavailable).
	TID int `json:"tid"`

	// Host is the holder's hostname.
	Host string `json:"host"`

	// RiteName is the human-readable operation holding the lock.
	RiteName string `json:"rite_name"`

	// CommandLine is the holder's full command line.
	CommandLine string `json:"command_line"`

	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquired_at"`

	// LastHeartbeat is advanced on every heartbeat tick.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Extra carries arbitrary caller metadata.
	Extra map[string]string `json:"extra,omitempty"`
}

// newDescriptor builds a descriptor for the current process.
func newDescriptor(riteName string, extra map[string]string) *Descriptor {
	host, _ := os.Hostname()
	now := time.Now()
	return &Descriptor{
		PID:           os.Getpid(),
		TID:           currentTID(),
		Host:          host,
		RiteName:      riteName,
		CommandLine:   strings.Join(os.Args, " "),
		AcquiredAt:    now,
		LastHeartbeat: now,
		Extra:         extra,
	}
}

// HeartbeatAge returns how long ago the holder last heartbeat.
func (d *Descriptor) HeartbeatAge() time.Duration {
	return time.Since(d.LastHeartbeat)
}

// writeTo serializes the descriptor into f with truncate-and-rewrite
// semantics, syncing to storage when supported.
func (d *Descriptor) writeTo(f *os.File) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lock descriptor: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating lock file: %w", err)
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("writing lock descriptor: %w", err)
	}
	// Sync failures (e.g. on odd filesystems) are not fatal; the
	// descriptor is advisory.
	_ = f.Sync()
	return nil
}

// Inspect reads the descriptor of a lock file without contending for
// it. Tooling uses this to show who holds a project.
func Inspect(path string) (*Descriptor, error) {
	return readDescriptor(path)
}

// readDescriptor parses the descriptor at path. A missing file returns
// os.ErrNotExist; unparsable content returns a wrapped error with the
// file present, which contenders treat as a zombie grip.
func readDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing lock descriptor %s: %w", path, err)
	}
	return &d, nil
}
