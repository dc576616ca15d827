// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathutil canonicalizes path-like strings that cross the
// dispatch boundary.
//
// Requests arrive from shells, config files, and Windows tooling with
// inconsistent separators and drive-letter casing. Everything downstream
// (the staging manager, the write dossier, resource-lock keys) assumes a
// single canonical form, so normalization happens once, at dispatch time.
package pathutil

import (
	"strings"
	"unicode"
)

// Normalize returns the canonical form of a path-like string:
//
//   - backslashes become forward slashes
//   - duplicate slashes collapse to one (a leading "//" UNC prefix is kept)
//   - Windows drive letters are upper-cased ("c:/x" -> "C:/x")
//
// Strings that are not path-like are returned unchanged: URLs
// ("scheme://...") and templated variables ("{{...}}") must never be
// rewritten.
func Normalize(path string) string {
	if path == "" || !IsPathLike(path) {
		return path
	}

	s := strings.ReplaceAll(path, "\\", "/")

	// Preserve a UNC-style leading double slash before collapsing.
	unc := strings.HasPrefix(s, "//")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	if unc {
		s = "/" + s
	}

	// Upper-case a Windows drive letter.
	if len(s) >= 2 && s[1] == ':' && unicode.IsLetter(rune(s[0])) {
		s = strings.ToUpper(s[:1]) + s[1:]
	}

	return s
}

// IsPathLike reports whether a string should be treated as a filesystem
// path for normalization purposes. URL-like and templated strings are
// excluded.
func IsPathLike(s string) bool {
	if strings.Contains(s, "://") {
		return false
	}
	if strings.Contains(s, "{{") && strings.Contains(s, "}}") {
		return false
	}
	return true
}

// NormalizeAll normalizes every element of paths in place and returns
// the slice for chaining.
func NormalizeAll(paths []string) []string {
	for i, p := range paths {
		paths[i] = Normalize(p)
	}
	return paths
}
