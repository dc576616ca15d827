// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package txn

import (
	"errors"
	"fmt"
)

// Sentinel errors for transaction operations.
var (
	// ErrInactive indicates a record call on a transaction whose scope
	// has already ended or never began.
	ErrInactive = errors.New("transaction is not active")

	// ErrMissingStaged indicates a dossier entry whose staged source file
	// is absent at commit time.
	ErrMissingStaged = errors.New("staged file missing at commit")
)

// CommitError reports a failed promotion of staged files. By the time
// the caller sees it, emergency rollback has already restored the
// project tree.
type CommitError struct {
	// TxID is the failed transaction's id.
	TxID string

	// Name is the human-readable operation name.
	Name string

	// Err is the underlying I/O or enrichment failure.
	Err error
}

// Error returns a message telling the operator reality was restored.
func (e *CommitError) Error() string {
	return fmt.Sprintf("commit of %q (tx %s) failed, reality restored: %v",
		e.Name, e.TxID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// RolledBackError wraps an error that escaped the transaction scope.
// The original error is preserved as the cause and the message records
// that the project tree was restored.
type RolledBackError struct {
	// TxID is the failed transaction's id.
	TxID string

	// Name is the human-readable operation name.
	Name string

	// Err is the error that escaped the scope body.
	Err error
}

// Error returns a message naming the operation and the cause.
func (e *RolledBackError) Error() string {
	return fmt.Sprintf("operation %q (tx %s) failed and was rolled back: %v",
		e.Name, e.TxID, e.Err)
}

// Unwrap returns the original scope-body error.
func (e *RolledBackError) Unwrap() error {
	return e.Err
}
