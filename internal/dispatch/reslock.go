// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"sync"
)

// ResourceLock serializes access per resource key: mutating requests
// take the key exclusively, read requests share it. The lock map is
// process-wide state owned by this stage, independent of any
// transaction's file lock.
type ResourceLock struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewResourceLock creates the resource locking stage.
func NewResourceLock() *ResourceLock {
	return &ResourceLock{locks: make(map[string]*sync.RWMutex)}
}

// Name implements Middleware.
func (r *ResourceLock) Name() string { return "reslock" }

// Handle runs next under the request's resource lock. Requests without
// a resource key pass through unlocked.
func (r *ResourceLock) Handle(ctx context.Context, req Request, next Next) (any, error) {
	key := req.Resource()
	if key == "" {
		return next(ctx, req)
	}

	lock := r.lockFor(key)
	if req.Mutating() {
		lock.Lock()
		defer lock.Unlock()
	} else {
		lock.RLock()
		defer lock.RUnlock()
	}
	return next(ctx, req)
}

func (r *ResourceLock) lockFor(key string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.RWMutex{}
		r.locks[key] = lock
	}
	return lock
}
