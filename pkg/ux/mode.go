// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Mode defines the richness of terminal output.
type Mode string

const (
	// ModeRich enables colors, icons, and styled boxes.
	ModeRich Mode = "rich"

	// ModeMinimal uses icons and basic formatting only.
	ModeMinimal Mode = "minimal"

	// ModeMachine outputs plain text suitable for scripting and logs.
	ModeMachine Mode = "machine"
)

var (
	currentMode = ModeRich
	modeMu      sync.RWMutex
)

// GetMode returns the active output mode.
func GetMode() Mode {
	modeMu.RLock()
	defer modeMu.RUnlock()
	return currentMode
}

// SetMode overrides the active output mode.
func SetMode(m Mode) {
	modeMu.Lock()
	defer modeMu.Unlock()
	currentMode = m
}

// ParseMode converts a string to a Mode, defaulting to minimal on
// unknown input.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "rich", "r", "full":
		return ModeRich
	case "minimal", "min", "m":
		return ModeMinimal
	case "machine", "plain", "quiet", "q":
		return ModeMachine
	default:
		return ModeMinimal
	}
}

// InitMode picks the output mode from CHISEL_OUTPUT, falling back to
// machine mode when stdout is not a terminal.
func InitMode() {
	if env := os.Getenv("CHISEL_OUTPUT"); env != "" {
		SetMode(ParseMode(env))
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		SetMode(ModeMachine)
		return
	}
	SetMode(ModeRich)
}
