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
	"fmt"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"
)

// contextCheckInterval is how often scans check for cancellation.
const contextCheckInterval = 1000

var validate = validator.New(validator.WithRequiredStructEnabled())

// NodeFilter selects nodes. Empty fields match everything; set fields are
// combined with AND.
type NodeFilter struct {
	// Types restricts node types.
	Types []NodeType `json:"types,omitempty" validate:"dive,oneof=file external builtin symbol"`

	// Namespace restricts to nodes carrying this label.
	Namespace string `json:"namespace,omitempty" validate:"max=256"`

	// SourceFiles restricts to nodes whose SourceFile is in the set.
	SourceFiles []string `json:"source_files,omitempty" validate:"dive,required"`

	// Identifiers restricts to the given identifiers.
	Identifiers []string `json:"identifiers,omitempty" validate:"dive,required"`

	// Exists, when set, restricts to analyzed (true) or stub (false) nodes.
	Exists *bool `json:"exists,omitempty"`
}

// QueryFilter selects a subgraph for bulk consumption.
type QueryFilter struct {
	NodeFilter

	// EdgeTypes restricts edge types. Empty means all.
	EdgeTypes []EdgeType `json:"edge_types,omitempty" validate:"dive,oneof=imports calls extends implements depends_on defines"`

	// Limit caps the number of nodes returned. 0 means unlimited.
	Limit int `json:"limit,omitempty" validate:"gte=0"`
}

// EdgeFilter selects edges.
type EdgeFilter struct {
	Types []EdgeType `json:"types,omitempty" validate:"dive,oneof=imports calls extends implements depends_on defines"`

	// CrossNamespaceOnly keeps edges whose endpoint namespaces differ.
	CrossNamespaceOnly bool `json:"cross_namespace_only,omitempty"`

	// Derived, when set, restricts to inferred (true) or physical (false) edges.
	Derived *bool `json:"derived,omitempty"`
}

// Snapshot is a copy of a (sub)graph. Safe to use without locking.
type Snapshot struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Truncated bool   `json:"truncated,omitempty"`
	Revision  uint64 `json:"revision"`
}

// Stats summarizes the store contents.
type Stats struct {
	TotalNodes     int              `json:"total_nodes"`
	TotalEdges     int              `json:"total_edges"`
	NodeTypeCounts map[NodeType]int `json:"node_type_counts"`
	EdgeTypeCounts map[EdgeType]int `json:"edge_type_counts"`
	StubNodes      int              `json:"stub_nodes"`
	Revision       uint64           `json:"revision"`
}

func validateFilter(f any) error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return nil
}

func validateEdgeTypes(types []EdgeType) error {
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown edge type %q", ErrInvalidFilter, t)
		}
	}
	return nil
}

// matcher is a compiled NodeFilter.
type matcher struct {
	types       map[NodeType]bool
	namespace   string
	sourceFiles map[string]bool
	identifiers map[string]bool
	exists      *bool
}

func compileNodeFilter(f NodeFilter) matcher {
	m := matcher{namespace: f.Namespace, exists: f.Exists}
	if len(f.Types) > 0 {
		m.types = make(map[NodeType]bool, len(f.Types))
		for _, t := range f.Types {
			m.types[t] = true
		}
	}
	if len(f.SourceFiles) > 0 {
		m.sourceFiles = make(map[string]bool, len(f.SourceFiles))
		for _, p := range f.SourceFiles {
			m.sourceFiles[p] = true
		}
	}
	if len(f.Identifiers) > 0 {
		m.identifiers = make(map[string]bool, len(f.Identifiers))
		for _, id := range f.Identifiers {
			m.identifiers[id] = true
		}
	}
	return m
}

func (m matcher) match(n *Node) bool {
	if m.types != nil && !m.types[n.Type] {
		return false
	}
	if m.namespace != "" && !n.Metadata.HasNamespace(m.namespace) {
		return false
	}
	if m.sourceFiles != nil && !m.sourceFiles[n.SourceFile] {
		return false
	}
	if m.identifiers != nil && !m.identifiers[n.Identifier] {
		return false
	}
	if m.exists != nil && n.Metadata.Exists != *m.exists {
		return false
	}
	return true
}

func edgeTypeSet(types []EdgeType) map[EdgeType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EdgeType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

// =============================================================================
// Point lookups
// =============================================================================

// GetNode returns the node with the given ID.
func (s *Store) GetNode(id int64) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.nodeIndex(id)
	if !ok {
		return Node{}, false
	}
	return cloneNode(s.nodes[idx]), true
}

// NodeByIdentifier returns the node with the given identifier.
func (s *Store) NodeByIdentifier(identifier string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byIdentifier[identifier]
	if !ok {
		return Node{}, false
	}
	return cloneNode(s.nodes[idx]), true
}

// GetEdge returns the edge with the given ID.
func (s *Store) GetEdge(id int64) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := int(id - 1)
	if idx < 0 || idx >= len(s.edges) {
		return Edge{}, false
	}
	return cloneEdge(s.edges[idx]), true
}

// =============================================================================
// Scans
// =============================================================================

// FindNodes returns the nodes matching f in ID order.
//
// Outputs:
//
//	[]Node - Matching nodes (copies).
//	error - ErrInvalidFilter for bad parameters, or ctx.Err().
func (s *Store) FindNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	m := compileNodeFilter(f)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Node, 0)
	for i := range s.nodes {
		if i%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if m.match(&s.nodes[i]) {
			result = append(result, cloneNode(s.nodes[i]))
		}
	}
	return result, nil
}

// FindEdges returns the edges matching f in ID order.
func (s *Store) FindEdges(ctx context.Context, f EdgeFilter) ([]Edge, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	types := edgeTypeSet(f.Types)

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Edge, 0)
	for i := range s.edges {
		if i%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e := &s.edges[i]
		if types != nil && !types[e.Type] {
			continue
		}
		if f.CrossNamespaceOnly && !e.Metadata.CrossesNamespace() {
			continue
		}
		if f.Derived != nil && e.Metadata.Derived != *f.Derived {
			continue
		}
		result = append(result, cloneEdge(*e))
	}
	return result, nil
}

// FindNodeDependencies returns the nodes one outgoing edge away from id,
// deduplicated and sorted by identifier.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	id - The source node ID.
//	edgeTypes - Optional edge type filter. Empty means all types.
//
// Outputs:
//
//	[]Node - Dependency nodes.
//	error - ErrNodeNotFound if id is unknown, ErrInvalidFilter for unknown
//	        edge types.
func (s *Store) FindNodeDependencies(ctx context.Context, id int64, edgeTypes ...EdgeType) ([]Node, error) {
	return s.neighbors(ctx, id, true, edgeTypes)
}

// FindNodeDependents returns the nodes with an edge into id. It is the
// exact inverse of FindNodeDependencies.
func (s *Store) FindNodeDependents(ctx context.Context, id int64, edgeTypes ...EdgeType) ([]Node, error) {
	return s.neighbors(ctx, id, false, edgeTypes)
}

func (s *Store) neighbors(ctx context.Context, id int64, outgoing bool, edgeTypes []EdgeType) ([]Node, error) {
	if err := validateEdgeTypes(edgeTypes); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	types := edgeTypeSet(edgeTypes)

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.nodeIndex(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	adj := s.in[idx]
	if outgoing {
		adj = s.out[idx]
	}

	seen := make(map[int64]bool, len(adj))
	result := make([]Node, 0, len(adj))
	for _, ei := range adj {
		e := &s.edges[ei]
		if types != nil && !types[e.Type] {
			continue
		}
		other := e.FromNodeID
		if outgoing {
			other = e.ToNodeID
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		result = append(result, cloneNode(s.nodes[other-1]))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Identifier < result[j].Identifier
	})
	return result, nil
}

// OutgoingEdges returns the edges leaving id, optionally filtered by type.
// Unknown edge types simply match nothing.
func (s *Store) OutgoingEdges(id int64, edgeTypes ...EdgeType) []Edge {
	return s.adjacentEdges(id, true, edgeTypes)
}

// IncomingEdges returns the edges entering id, optionally filtered by type.
func (s *Store) IncomingEdges(id int64, edgeTypes ...EdgeType) []Edge {
	return s.adjacentEdges(id, false, edgeTypes)
}

func (s *Store) adjacentEdges(id int64, outgoing bool, edgeTypes []EdgeType) []Edge {
	types := edgeTypeSet(edgeTypes)

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.nodeIndex(id)
	if !ok {
		return nil
	}
	adj := s.in[idx]
	if outgoing {
		adj = s.out[idx]
	}
	result := make([]Edge, 0, len(adj))
	for _, ei := range adj {
		if types != nil && !types[s.edges[ei].Type] {
			continue
		}
		result = append(result, cloneEdge(s.edges[ei]))
	}
	return result
}

// HasEdge returns true if the (fromID, toID, edgeType) edge exists.
func (s *Store) HasEdge(fromID, toID int64, edgeType EdgeType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byKey[edgeKey{from: fromID, to: toID, typ: edgeType}]
	return ok
}

// Query returns a consistent snapshot of the subgraph selected by f.
//
// Description:
//
//	Nodes are selected by the embedded NodeFilter (capped by Limit).
//	Edges are included when both endpoints are selected and the edge type
//	passes EdgeTypes. The snapshot is taken under one read lock, so it
//	never mixes two commits.
func (s *Store) Query(ctx context.Context, f QueryFilter) (*Snapshot, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	m := compileNodeFilter(f.NodeFilter)
	types := edgeTypeSet(f.EdgeTypes)

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Nodes:    make([]Node, 0),
		Edges:    make([]Edge, 0),
		Revision: s.revision,
	}
	selected := make(map[int64]bool)
	for i := range s.nodes {
		if i%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if !m.match(&s.nodes[i]) {
			continue
		}
		if f.Limit > 0 && len(snap.Nodes) >= f.Limit {
			snap.Truncated = true
			break
		}
		snap.Nodes = append(snap.Nodes, cloneNode(s.nodes[i]))
		selected[s.nodes[i].ID] = true
	}

	for i := range s.edges {
		if i%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e := &s.edges[i]
		if types != nil && !types[e.Type] {
			continue
		}
		if selected[e.FromNodeID] && selected[e.ToNodeID] {
			snap.Edges = append(snap.Edges, cloneEdge(*e))
		}
	}
	return snap, nil
}

// Stats returns totals and per-type counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalNodes:     len(s.nodes),
		TotalEdges:     len(s.edges),
		NodeTypeCounts: make(map[NodeType]int),
		EdgeTypeCounts: make(map[EdgeType]int),
		Revision:       s.revision,
	}
	for i := range s.nodes {
		st.NodeTypeCounts[s.nodes[i].Type]++
		if s.nodes[i].Type == NodeTypeFile && !s.nodes[i].Metadata.Exists {
			st.StubNodes++
		}
	}
	for i := range s.edges {
		st.EdgeTypeCounts[s.edges[i].Type]++
	}
	return st
}

// MetaKeys returns the names of all stored metadata blobs, sorted.
func (s *Store) MetaKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.meta))
	for k := range s.meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
