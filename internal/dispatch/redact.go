// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"regexp"
	"sync"
)

// redactionPattern pairs a compiled pattern with its replacement.
type redactionPattern struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs secrets and PII from text before it reaches logs or
// failure results. Error messages regularly quote file contents and
// environment values, so everything crossing the dispatch boundary is
// sanitized.
//
// # Thread Safety
//
// Safe for concurrent use; AddPattern may race with Sanitize only
// during setup, so register custom patterns before dispatching.
type Redactor struct {
	mu       sync.RWMutex
	patterns []redactionPattern
}

// NewRedactor returns a redactor with the default pattern set: emails,
// IP addresses, API keys and tokens, AWS access keys, JWTs, long hex
// secrets, and user home paths.
func NewRedactor() *Redactor {
	return &Redactor{patterns: []redactionPattern{
		{
			name:        "api_key",
			pattern:     regexp.MustCompile(`(?i)(api[_\-]?key|apikey|secret[_\-]?key|auth[_\-]?token|password)[=:\s]["']?([a-zA-Z0-9_\-]{8,})["']?`),
			replacement: "$1=[REDACTED]",
		},
		{
			name:        "bearer",
			pattern:     regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
			replacement: "Bearer [REDACTED]",
		},
		{
			name:        "aws_key",
			pattern:     regexp.MustCompile(`(AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}`),
			replacement: "[AWS_KEY_REDACTED]",
		},
		{
			name:        "jwt",
			pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			replacement: "[JWT_REDACTED]",
		},
		{
			name:        "email",
			pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			replacement: "[EMAIL_REDACTED]",
		},
		{
			name:        "ipv4",
			pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			replacement: "[IP_REDACTED]",
		},
		{
			name:        "hex_secret",
			pattern:     regexp.MustCompile(`\b[a-fA-F0-9]{40,}\b`),
			replacement: "[HEX_REDACTED]",
		},
		{
			name:        "user_path_mac",
			pattern:     regexp.MustCompile(`/Users/[a-zA-Z0-9_\-]+/`),
			replacement: "/Users/[USER]/",
		},
		{
			name:        "home_path_linux",
			pattern:     regexp.MustCompile(`/home/[a-zA-Z0-9_\-]+/`),
			replacement: "/home/[USER]/",
		},
	}}
}

// Sanitize applies every pattern to text, in registration order.
func (r *Redactor) Sanitize(text string) string {
	if text == "" {
		return text
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patterns {
		text = p.pattern.ReplaceAllString(text, p.replacement)
	}
	return text
}

// AddPattern registers a custom pattern, applied after the defaults.
func (r *Redactor) AddPattern(name string, pattern *regexp.Regexp, replacement string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, redactionPattern{
		name:        name,
		pattern:     pattern,
		replacement: replacement,
	})
}
