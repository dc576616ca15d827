// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"path/filepath"
	"sync"
)

// Registry tracks which lock-file paths the current process already
// holds, enabling same-process re-entrancy: a second acquire on a held
// path becomes a no-op claim instead of a self-deadlock against the OS
// lock.
//
// One Registry is created at process start and lives for the run
// (DefaultRegistry). Tests inject their own to stay isolated. The
// registry's mutex is distinct from any per-lock heartbeat mutex.
type Registry struct {
	mu   sync.Mutex
	held map[string]*FileLock
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]*FileLock)}
}

// defaultRegistry is the process-wide instance used when a FileLock is
// constructed without an explicit registry.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// normalize resolves a lock path to its canonical registry key.
func (r *Registry) normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// holder returns the FileLock this process holds for path, or nil.
func (r *Registry) holder(path string) *FileLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[r.normalize(path)]
}

// register records fl as the holder of its path.
func (r *Registry) register(fl *FileLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[r.normalize(fl.path)] = fl
}

// deregister removes the holder entry for path.
func (r *Registry) deregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, r.normalize(path))
}
