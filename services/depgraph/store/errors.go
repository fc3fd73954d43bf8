// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the persistent dependency graph store.
//
// The store holds file, package, builtin and symbol nodes plus the directed
// dependency edges between them. Nodes are keyed by a caller-supplied
// identifier and edges by their (from, to, type) triple, so repeated
// ingestion of the same facts updates records in place instead of
// duplicating them.
//
// # Storage Model
//
// Records live in an in-memory arena (dense slices) indexed by hash maps:
//   - identifier -> node index
//   - (from, to, type) -> edge index
//   - node index -> outgoing / incoming edge indexes
//
// A node's ID is its arena index plus one. When a BadgerDB backend is
// configured every committed write is also persisted, and Open reloads the
// arena so ingestion can continue across process restarts.
//
// # Thread Safety
//
// Store is safe for concurrent use. Writes are serialized by a single
// writer lock; reads take a shared lock per call and never observe a torn
// record. Update() holds the writer lock for the whole transaction.
package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	// ErrInvalidNode is returned when a node is missing its identifier or
	// carries an unknown type.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when an edge carries an unknown type.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrNodeNotFound is returned when a node ID or identifier is unknown,
	// including edge endpoints that have not been upserted.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidFilter is returned when query filter parameters are invalid.
	// Filters are validated before any traversal begins.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrCorrupt is returned when persisted records are inconsistent,
	// for example a non-dense ID sequence or an edge with a missing endpoint.
	ErrCorrupt = errors.New("store data corrupt")

	// ErrTxTooLarge is returned when a transaction touches more records
	// than the database accepts in one commit. Bulk writers split their
	// work with Tx.Full() to stay below the limit.
	ErrTxTooLarge = errors.New("transaction too large")
)

// OpError describes a failed store operation with enough context to retry.
type OpError struct {
	// Op is the operation name, e.g. "upsert_node" or "commit".
	Op string

	// Identifier is the node identifier or edge key involved, if any.
	Identifier string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Identifier, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, identifier string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	return &OpError{Op: op, Identifier: identifier, Err: err}
}
