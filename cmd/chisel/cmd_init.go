// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chiselworks/chisel/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default chisel.yaml in the project root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(flagProjectRoot)
		if err != nil {
			return err
		}
		path := filepath.Join(root, config.FileName)
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}
