// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInspector answers liveness and ownership questions about other
// OS processes. The default implementation uses gopsutil; tests swap in
// fakes.
type ProcessInspector interface {
	// PidAlive reports whether pid refers to a running process.
	PidAlive(pid int) bool

	// FindHolderOfFile returns the pid of a process holding an open
	// handle to path, or ErrInspectUnavailable when enumeration is not
	// possible on this platform.
	FindHolderOfFile(path string) (int, error)

	// Terminate forcibly stops the process with the given pid.
	Terminate(pid int) error
}

// gopsutilInspector is the production ProcessInspector.
type gopsutilInspector struct{}

// NewProcessInspector returns the gopsutil-backed inspector.
func NewProcessInspector() ProcessInspector {
	return &gopsutilInspector{}
}

// PidAlive checks process existence via the process table.
func (g *gopsutilInspector) PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// FindHolderOfFile walks the process table looking for an open handle
// to path. Enumerating open files needs elevated rights on some
// platforms; any enumeration failure degrades to ErrInspectUnavailable
// so the caller can fall back to rename-aside.
func (g *gopsutilInspector) FindHolderOfFile(path string) (int, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", path, err)
	}

	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInspectUnavailable, err)
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		open, err := p.OpenFiles()
		if err != nil {
			// Common for processes owned by other users; keep scanning.
			continue
		}
		for _, f := range open {
			if f.Path == abs {
				return int(p.Pid), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: no process holds %s", ErrInspectUnavailable, abs)
}

// Terminate kills the process holding an abandoned lock handle.
func (g *gopsutilInspector) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("looking up pid %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	return nil
}

// CommandLineOf returns pid's command line for operator messages, or ""
// when unavailable.
func CommandLineOf(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	cmdline, err := p.Cmdline()
	if err != nil {
		return ""
	}
	return cmdline
}
