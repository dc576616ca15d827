// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiselworks/chisel/internal/chronicle"
	"github.com/chiselworks/chisel/internal/txn"
)

var (
	chronicleLimit      int
	chronicleJSONOutput bool
)

var chronicleCmd = &cobra.Command{
	Use:   "chronicle",
	Short: "Browse the project's transaction history",
}

var chronicleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sealed transactions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runChronicleList,
}

var chronicleShowCmd = &cobra.Command{
	Use:   "show [tx-id]",
	Short: "Show one sealed transaction in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runChronicleShow,
}

func init() {
	chronicleListCmd.Flags().IntVarP(&chronicleLimit, "limit", "l", 20,
		"Maximum records to show (0 for all)")
	chronicleListCmd.Flags().BoolVar(&chronicleJSONOutput, "json", false,
		"Output records as JSON")
	chronicleCmd.AddCommand(chronicleListCmd)
	chronicleCmd.AddCommand(chronicleShowCmd)
}

func runChronicleList(cmd *cobra.Command, args []string) error {
	root, cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()

	eng, err := newEngine(root, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	res := eng.dispatcher.Dispatch(cmd.Context(), &chronicleListRequest{
		Root:  root,
		Limit: chronicleLimit,
	})
	if !res.Success {
		return fmt.Errorf("%s", res.Err)
	}
	records, ok := res.Value.([]txn.ChronicleRecord)
	if !ok {
		return fmt.Errorf("unexpected chronicle result %T", res.Value)
	}
	if len(records) == 0 {
		fmt.Println("no transactions recorded")
		return nil
	}

	if chronicleJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	for _, rec := range records {
		fmt.Printf("%s  %-30s %3d file(s)  %8s  %s\n",
			rec.SealedAt.Format("2006-01-02 15:04:05"),
			rec.Name,
			len(rec.Writes),
			rec.Duration.Round(time.Millisecond),
			rec.TxID)
	}
	return nil
}

func runChronicleShow(cmd *cobra.Command, args []string) error {
	root, cfg, logger, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := openChronicle(root, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Get(cmd.Context(), args[0])
	if err == chronicle.ErrNotFound {
		return fmt.Errorf("no transaction %s in the chronicle", args[0])
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
