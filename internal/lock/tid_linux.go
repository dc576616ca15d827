// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build linux

package lock

import "golang.org/x/sys/unix"

// currentTID returns the kernel thread id of the calling thread.
func currentTID() int {
	return unix.Gettid()
}
