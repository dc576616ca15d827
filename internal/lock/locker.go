// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"os"
)

// fileLocker abstracts the platform file-locking primitive.
//
// Unix uses flock(2); Windows uses LockFileEx. Both are exclusive and
// non-blocking: Lock returns ErrLocked immediately when another process
// holds the lock.
type fileLocker interface {
	// Lock takes an exclusive, non-blocking lock on f.
	Lock(f *os.File) error

	// Unlock releases the lock on f. Safe to call when not locked.
	Unlock(f *os.File) error
}

// newFileLocker returns the platform-appropriate implementation.
func newFileLocker() fileLocker {
	return newPlatformLocker()
}
