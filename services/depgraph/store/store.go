// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/depgraph/services/depgraph/storage/badger"
)

// Options configures a Store.
type Options struct {
	// DB is the optional persistence backend. When nil the store is
	// purely in-memory and its contents are lost on Close.
	DB *badger.DB

	// Logger receives store lifecycle messages. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxTxRecords is the record budget reported by Tx.Full().
	// Default: DefaultMaxTxRecords.
	MaxTxRecords int
}

// DefaultMaxTxRecords is the per-transaction record budget for bulk
// writers. It keeps a commit well inside BadgerDB's default batch limits.
const DefaultMaxTxRecords = 1000

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithDB persists the store in the given database.
func WithDB(db *badger.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMaxTxRecords sets the record budget bulk writers observe through
// Tx.Full(). Values below 1 keep the default.
func WithMaxTxRecords(n int) Option {
	return func(o *Options) {
		o.MaxTxRecords = n
	}
}

// UpsertResult reports the outcome of a single upsert.
type UpsertResult struct {
	// ID is the node or edge ID.
	ID int64

	// Created is true if the record did not exist before.
	Created bool
}

// Store is the dependency graph store.
//
// Lifecycle:
//
//  1. Create with New() (in-memory) or Open() (reloads a persistent DB)
//  2. Write with UpsertNode/UpsertEdge or batched Update() transactions
//  3. Read with GetNode, FindNodes, FindNodeDependencies, Query, ...
//  4. Close() when done
type Store struct {
	mu sync.RWMutex

	nodes        []Node
	byIdentifier map[string]int
	edges        []Edge
	byKey        map[edgeKey]int
	out          [][]int
	in           [][]int
	meta         map[string][]byte

	db           *badger.DB
	logger       *slog.Logger
	maxTxRecords int
	revision     uint64
	closed       bool
}

// New creates an empty store. Pass WithDB to persist writes; use Open
// instead when the database may already contain a graph.
func New(opts ...Option) *Store {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.MaxTxRecords < 1 {
		options.MaxTxRecords = DefaultMaxTxRecords
	}

	return &Store{
		nodes:        make([]Node, 0),
		byIdentifier: make(map[string]int),
		edges:        make([]Edge, 0),
		byKey:        make(map[edgeKey]int),
		out:          make([][]int, 0),
		in:           make([][]int, 0),
		meta:         make(map[string][]byte),
		db:           options.DB,
		logger:       options.Logger,
		maxTxRecords: options.MaxTxRecords,
	}
}

// Open creates a store and reloads every persisted record from the
// configured database.
//
// Description:
//
//	Rebuilds the arena and all indexes from disk so incremental ingestion
//	continues where the previous process stopped. Node and edge IDs are
//	read back from their records, never regenerated.
//
// Outputs:
//
//	*Store - The loaded store.
//	error - ErrCorrupt if persisted records are inconsistent, or an
//	        *OpError wrapping the I/O failure.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := New(opts...)
	if s.db == nil {
		return s, nil
	}

	start := time.Now()
	if err := s.load(ctx); err != nil {
		return nil, opError("open", s.db.Path(), err)
	}

	s.logger.Info("graph store loaded",
		slog.String("path", s.db.Path()),
		slog.Int("nodes", len(s.nodes)),
		slog.Int("edges", len(s.edges)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return s, nil
}

// Close marks the store closed. The database itself is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Persistent returns true if writes are persisted to a database.
func (s *Store) Persistent() bool {
	return s.db != nil
}

// Revision returns a counter incremented by every committed write.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// =============================================================================
// Writes
// =============================================================================

// Update runs fn inside a single write transaction.
//
// Description:
//
//	Holds the writer lock for the duration of fn. Every upsert made
//	through tx commits together, in memory and on disk, or not at all:
//	if fn returns an error, panics, or persistence fails, all changes made
//	by fn are rolled back. This is the transaction boundary for a full
//	file's worth of ingestion.
//
// Inputs:
//
//	ctx - Context for cancellation. Checked before start, on every tx
//	      operation, and before the disk commit.
//	fn - Transaction body.
//
// Outputs:
//
//	error - The error returned by fn, or an *OpError for commit failures.
//	        A commit the database rejects as oversized wraps ErrTxTooLarge.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	start := time.Now()
	tx := newTx(ctx, s)
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			commitsTotal.WithLabelValues("rollback").Inc()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		commitsTotal.WithLabelValues("rollback").Inc()
		return err
	}

	if tx.empty() {
		return nil
	}

	if s.db != nil {
		if err := s.persist(ctx, tx); err != nil {
			if errors.Is(err, dgbadger.ErrTxnTooBig) {
				err = fmt.Errorf("%w: %d records: %w", ErrTxTooLarge, tx.Records(), err)
			}
			tx.rollback()
			commitsTotal.WithLabelValues("error").Inc()
			return opError("commit", "", err)
		}
	}

	s.revision++
	tx.recordMetrics()
	commitsTotal.WithLabelValues("ok").Inc()
	commitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// UpsertNode creates a node or merges n into the node with the same
// identifier.
//
// Outputs:
//
//	int64 - The node ID, unchanged for an existing identifier.
//	error - ErrInvalidNode for a missing identifier or unknown type.
func (s *Store) UpsertNode(ctx context.Context, n Node) (int64, error) {
	var res UpsertResult
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.UpsertNode(n)
		return err
	})
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}

// UpsertEdge creates the (fromID, toID, edgeType) edge or merges attrs into it.
//
// Outputs:
//
//	int64 - The edge ID.
//	error - ErrNodeNotFound if an endpoint is missing, ErrInvalidEdge for
//	        an unknown type.
func (s *Store) UpsertEdge(ctx context.Context, fromID, toID int64, edgeType EdgeType, attrs EdgeAttrs) (int64, error) {
	var res UpsertResult
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		res, err = tx.UpsertEdge(fromID, toID, edgeType, attrs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}

// PutMeta stores a named metadata blob alongside the graph.
func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("%w: empty meta key", ErrInvalidFilter)
	}
	return s.Update(ctx, func(tx *Tx) error {
		tx.PutMeta(key, value)
		return nil
	})
}

// GetMeta returns a copy of the named metadata blob.
func (s *Store) GetMeta(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// =============================================================================
// Transactions
// =============================================================================

// Tx is a write transaction. It is only valid inside the Update callback
// that received it and must not be retained or shared between goroutines.
type Tx struct {
	ctx   context.Context
	s     *Store
	undo  []func()
	nodes map[int]struct{}
	edges map[int]struct{}
	meta  map[string]struct{}

	nodesCreated, nodesUpdated int
	edgesCreated, edgesUpdated int
}

func newTx(ctx context.Context, s *Store) *Tx {
	return &Tx{
		ctx:   ctx,
		s:     s,
		nodes: make(map[int]struct{}),
		edges: make(map[int]struct{}),
		meta:  make(map[string]struct{}),
	}
}

func (tx *Tx) empty() bool {
	return tx.Records() == 0
}

// Records returns how many distinct records the transaction has touched.
func (tx *Tx) Records() int {
	return len(tx.nodes) + len(tx.edges) + len(tx.meta)
}

// Full reports whether the transaction has reached the store's record
// budget. Bulk writers return from the Update callback once Full is true
// and continue in a fresh transaction.
func (tx *Tx) Full() bool {
	return tx.Records() >= tx.s.maxTxRecords
}

// rollback reverts every change in reverse order.
func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	clear(tx.nodes)
	clear(tx.edges)
	clear(tx.meta)
}

func (tx *Tx) recordMetrics() {
	upsertsTotal.WithLabelValues("node", "created").Add(float64(tx.nodesCreated))
	upsertsTotal.WithLabelValues("node", "updated").Add(float64(tx.nodesUpdated))
	upsertsTotal.WithLabelValues("edge", "created").Add(float64(tx.edgesCreated))
	upsertsTotal.WithLabelValues("edge", "updated").Add(float64(tx.edgesUpdated))
}

// UpsertNode creates or merges a node inside the transaction.
func (tx *Tx) UpsertNode(n Node) (UpsertResult, error) {
	if err := tx.ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	n.Identifier = strings.TrimSpace(n.Identifier)
	if n.Identifier == "" {
		return UpsertResult{}, fmt.Errorf("%w: missing identifier", ErrInvalidNode)
	}
	if !n.Type.Valid() {
		return UpsertResult{}, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidNode, n.Identifier, n.Type)
	}

	s := tx.s
	if idx, ok := s.byIdentifier[n.Identifier]; ok {
		prev := s.nodes[idx]
		merged := mergeNode(prev, n)
		merged.ID = prev.ID
		merged.Identifier = prev.Identifier
		s.nodes[idx] = merged
		tx.undo = append(tx.undo, func() { s.nodes[idx] = prev })
		tx.nodes[idx] = struct{}{}
		tx.nodesUpdated++
		return UpsertResult{ID: merged.ID}, nil
	}

	idx := len(s.nodes)
	created := cloneNode(n)
	created.ID = int64(idx + 1)
	s.nodes = append(s.nodes, created)
	s.out = append(s.out, nil)
	s.in = append(s.in, nil)
	s.byIdentifier[created.Identifier] = idx
	tx.undo = append(tx.undo, func() {
		delete(s.byIdentifier, created.Identifier)
		s.nodes = s.nodes[:idx]
		s.out = s.out[:idx]
		s.in = s.in[:idx]
	})
	tx.nodes[idx] = struct{}{}
	tx.nodesCreated++
	return UpsertResult{ID: created.ID, Created: true}, nil
}

// UpsertEdge creates or merges an edge inside the transaction.
func (tx *Tx) UpsertEdge(fromID, toID int64, edgeType EdgeType, attrs EdgeAttrs) (UpsertResult, error) {
	if err := tx.ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	s := tx.s
	key := edgeKey{from: fromID, to: toID, typ: edgeType}
	if !edgeType.Valid() {
		return UpsertResult{}, fmt.Errorf("%w: %s: unknown type %q", ErrInvalidEdge, key, edgeType)
	}
	fromIdx, ok := s.nodeIndex(fromID)
	if !ok {
		return UpsertResult{}, fmt.Errorf("%w: source %d", ErrNodeNotFound, fromID)
	}
	toIdx, ok := s.nodeIndex(toID)
	if !ok {
		return UpsertResult{}, fmt.Errorf("%w: target %d", ErrNodeNotFound, toID)
	}

	if idx, ok := s.byKey[key]; ok {
		prev := s.edges[idx]
		s.edges[idx] = mergeEdge(prev, attrs)
		tx.undo = append(tx.undo, func() { s.edges[idx] = prev })
		tx.edges[idx] = struct{}{}
		tx.edgesUpdated++
		return UpsertResult{ID: prev.ID}, nil
	}

	idx := len(s.edges)
	edge := Edge{
		ID:         int64(idx + 1),
		FromNodeID: fromID,
		ToNodeID:   toID,
		Type:       edgeType,
		Label:      attrs.Label,
		Weight:     attrs.Weight,
		SourceFile: attrs.SourceFile,
		Metadata:   attrs.Metadata,
	}
	if edge.Weight == 0 {
		edge.Weight = 1
	}
	edge.Metadata.Extra = cloneExtra(attrs.Metadata.Extra)

	s.edges = append(s.edges, edge)
	s.byKey[key] = idx
	s.out[fromIdx] = append(s.out[fromIdx], idx)
	s.in[toIdx] = append(s.in[toIdx], idx)
	tx.undo = append(tx.undo, func() {
		delete(s.byKey, key)
		s.edges = s.edges[:idx]
		s.out[fromIdx] = s.out[fromIdx][:len(s.out[fromIdx])-1]
		s.in[toIdx] = s.in[toIdx][:len(s.in[toIdx])-1]
	})
	tx.edges[idx] = struct{}{}
	tx.edgesCreated++
	return UpsertResult{ID: edge.ID, Created: true}, nil
}

// NodeByIdentifier looks up a node, including uncommitted changes of tx.
func (tx *Tx) NodeByIdentifier(identifier string) (Node, bool) {
	idx, ok := tx.s.byIdentifier[identifier]
	if !ok {
		return Node{}, false
	}
	return cloneNode(tx.s.nodes[idx]), true
}

// GetNode looks up a node by ID, including uncommitted changes of tx.
func (tx *Tx) GetNode(id int64) (Node, bool) {
	idx, ok := tx.s.nodeIndex(id)
	if !ok {
		return Node{}, false
	}
	return cloneNode(tx.s.nodes[idx]), true
}

// GetEdge looks up an edge by ID, including uncommitted changes of tx.
func (tx *Tx) GetEdge(id int64) (Edge, bool) {
	idx := int(id - 1)
	if idx < 0 || idx >= len(tx.s.edges) {
		return Edge{}, false
	}
	return cloneEdge(tx.s.edges[idx]), true
}

// EdgeBetween looks up the (fromID, toID, edgeType) edge.
func (tx *Tx) EdgeBetween(fromID, toID int64, edgeType EdgeType) (Edge, bool) {
	idx, ok := tx.s.byKey[edgeKey{from: fromID, to: toID, typ: edgeType}]
	if !ok {
		return Edge{}, false
	}
	return cloneEdge(tx.s.edges[idx]), true
}

// SetEdgeNamespaces overwrites the namespace labels of an existing edge,
// including clearing them.
func (tx *Tx) SetEdgeNamespaces(edgeID int64, source, target string) error {
	s := tx.s
	idx := int(edgeID - 1)
	if idx < 0 || idx >= len(s.edges) {
		return fmt.Errorf("%w: edge %d", ErrInvalidEdge, edgeID)
	}
	prev := s.edges[idx]
	if prev.Metadata.SourceNamespace == source && prev.Metadata.TargetNamespace == target {
		return nil
	}
	next := prev
	next.Metadata.SourceNamespace = source
	next.Metadata.TargetNamespace = target
	s.edges[idx] = next
	tx.undo = append(tx.undo, func() { s.edges[idx] = prev })
	tx.edges[idx] = struct{}{}
	tx.edgesUpdated++
	return nil
}

// PutMeta stages a metadata blob.
func (tx *Tx) PutMeta(key string, value []byte) {
	s := tx.s
	prev, had := s.meta[key]
	s.meta[key] = append([]byte(nil), value...)
	tx.undo = append(tx.undo, func() {
		if had {
			s.meta[key] = prev
		} else {
			delete(s.meta, key)
		}
	})
	tx.meta[key] = struct{}{}
}

// Stats returns the counters accumulated by the transaction so far.
func (tx *Tx) Stats() (nodesCreated, nodesUpdated, edgesCreated, edgesUpdated int) {
	return tx.nodesCreated, tx.nodesUpdated, tx.edgesCreated, tx.edgesUpdated
}

// nodeIndex converts an ID to an arena index. Caller holds the lock.
func (s *Store) nodeIndex(id int64) (int, bool) {
	idx := int(id - 1)
	if idx < 0 || idx >= len(s.nodes) {
		return 0, false
	}
	return idx, true
}
