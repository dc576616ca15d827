// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"errors"
	"fmt"
)

// Sentinel errors for lock operations.
var (
	// ErrLocked indicates another process holds the OS-level lock.
	ErrLocked = errors.New("lock is held by another process")

	// ErrNotHeld indicates a release of a lock this process never acquired.
	ErrNotHeld = errors.New("lock not held by this process")

	// ErrAcquireTimeout indicates the acquisition window elapsed while a
	// live, heartbeating holder kept the lock.
	ErrAcquireTimeout = errors.New("timed out waiting for lock")

	// ErrBreakFailed indicates a force-break exhausted every recovery
	// path (delete, holder termination, rename-aside).
	ErrBreakFailed = errors.New("unable to break abandoned lock")

	// ErrInspectUnavailable indicates process enumeration is not
	// available on this platform or was denied.
	ErrInspectUnavailable = errors.New("process inspection unavailable")
)

// ContentionError reports active contention on a lock, carrying the
// holder's identity so the operator message can name the conflicting
// process.
type ContentionError struct {
	// Path is the lock file path.
	Path string

	// Holder describes the current holder (nil if unreadable).
	Holder *Descriptor

	// Err is the underlying error, typically ErrAcquireTimeout.
	Err error
}

// Error returns a human-readable message naming the holder.
func (e *ContentionError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("lock %s is held by PID %d (%s) since %s: %v",
			e.Path, e.Holder.PID, e.Holder.CommandLine,
			e.Holder.AcquiredAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("lock %s is contended: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ContentionError) Unwrap() error {
	return e.Err
}

// BreakError reports an unrecoverable force-break failure.
type BreakError struct {
	// Path is the lock file path.
	Path string

	// Reason describes the last recovery step that failed.
	Reason string

	// Err is the underlying cause.
	Err error
}

// Error returns a human-readable message.
func (e *BreakError) Error() string {
	return fmt.Sprintf("force-break of %s failed (%s): %v", e.Path, e.Reason, e.Err)
}

// Unwrap returns ErrBreakFailed so callers can match the class.
func (e *BreakError) Unwrap() error {
	return ErrBreakFailed
}
