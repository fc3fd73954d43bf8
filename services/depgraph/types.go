// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depgraph

import (
	"slices"
	"strings"

	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/namespace"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// =============================================================================
// Analyzer results
// =============================================================================

// FileDependencies is a file's direct neighborhood.
type FileDependencies struct {
	// File is the file node itself.
	File store.Node `json:"file"`

	// Dependencies are the targets of the file's outgoing edges.
	Dependencies []store.Node `json:"dependencies"`

	// Dependents are the sources of edges into the file.
	Dependents []store.Node `json:"dependents"`
}

// ProjectStats summarizes the whole graph.
type ProjectStats struct {
	TotalNodes     int                    `json:"total_nodes"`
	TotalEdges     int                    `json:"total_edges"`
	NodeTypeCounts map[store.NodeType]int `json:"node_type_counts"`
	EdgeTypeCounts map[store.EdgeType]int `json:"edge_type_counts"`
	StubNodes      int                    `json:"stub_nodes"`
	Namespaces     int                    `json:"namespaces"`
	CrossEdges     int                    `json:"cross_namespace_edges"`
	Persistent     bool                   `json:"persistent"`
	Revision       uint64                 `json:"revision"`
}

// NodeListing is the result of ListAllNodes.
type NodeListing struct {
	Nodes       []store.Node           `json:"nodes"`
	StatsByType map[store.NodeType]int `json:"stats_by_type"`
}

// CycleScope restricts cycle detection. The zero value means file nodes
// connected by imports edges across all namespaces.
type CycleScope struct {
	Namespace string           `json:"namespace,omitempty"`
	NodeTypes []store.NodeType `json:"node_types,omitempty"`
	EdgeTypes []store.EdgeType `json:"edge_types,omitempty"`
}

func (s CycleScope) options() cycles.Options {
	return cycles.Options{
		Namespace: s.Namespace,
		NodeTypes: slices.Clone(s.NodeTypes),
		EdgeTypes: slices.Clone(s.EdgeTypes),
	}
}

// key is a canonical string for cache lookups; type order does not matter.
func (s CycleScope) key() string {
	nodeTypes := make([]string, len(s.NodeTypes))
	for i, t := range s.NodeTypes {
		nodeTypes[i] = string(t)
	}
	edgeTypes := make([]string, len(s.EdgeTypes))
	for i, t := range s.EdgeTypes {
		edgeTypes[i] = string(t)
	}
	slices.Sort(nodeTypes)
	slices.Sort(edgeTypes)
	return s.Namespace + "|" + strings.Join(nodeTypes, ",") + "|" + strings.Join(edgeTypes, ",")
}

// CrossNamespaceDependency is an edge whose endpoints sit in different
// namespaces.
type CrossNamespaceDependency = namespace.CrossEdge

// TransitiveResult is the result of InferTransitive.
type TransitiveResult struct {
	Start    store.Node          `json:"start"`
	EdgeType store.EdgeType      `json:"edge_type"`
	Reached  []inference.Reached `json:"reached"`
}

// =============================================================================
// HTTP request and response bodies
// =============================================================================

// AnalyzeBatchRequest is the body of POST /analyze/batch.
type AnalyzeBatchRequest struct {
	Files []pipeline.FileFacts `json:"files" binding:"required"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Types       []store.NodeType `json:"types,omitempty"`
	EdgeTypes   []store.EdgeType `json:"edge_types,omitempty"`
	Namespace   string           `json:"namespace,omitempty"`
	SourceFiles []string         `json:"source_files,omitempty"`
	Identifiers []string         `json:"identifiers,omitempty"`
	Exists      *bool            `json:"exists,omitempty"`
	Limit       int              `json:"limit,omitempty"`
}

func (r QueryRequest) filter() store.QueryFilter {
	return store.QueryFilter{
		NodeFilter: store.NodeFilter{
			Types:       r.Types,
			Namespace:   r.Namespace,
			SourceFiles: r.SourceFiles,
			Identifiers: r.Identifiers,
			Exists:      r.Exists,
		},
		EdgeTypes: r.EdgeTypes,
		Limit:     r.Limit,
	}
}

// HierarchicalRequest is the body of POST /infer/hierarchical.
type HierarchicalRequest struct {
	Containment store.EdgeType        `json:"containment" binding:"required"`
	Relation    store.EdgeType        `json:"relation" binding:"required"`
	MaxHops     int                   `json:"max_hops,omitempty"`
	Container   string                `json:"container,omitempty"`
	Composition inference.Composition `json:"composition,omitempty"`
	Materialize bool                  `json:"materialize,omitempty"`
}

// HierarchicalResponse is returned by POST /infer/hierarchical.
type HierarchicalResponse struct {
	Derived      []inference.DerivedEdge      `json:"derived"`
	Materialized *inference.MaterializeResult `json:"materialized,omitempty"`
}

// NamespacesRequest is the body of PUT /namespaces.
type NamespacesRequest struct {
	Namespaces []namespace.Namespace `json:"namespaces"`

	// Replace swaps the whole definition set instead of merging by name.
	Replace bool `json:"replace,omitempty"`
}

// NamespacesResponse is returned by PUT /namespaces.
type NamespacesResponse struct {
	Namespaces []namespace.Namespace    `json:"namespaces"`
	Relabeled  *namespace.RelabelResult `json:"relabeled"`
}

// CyclesResponse is returned by GET /cycles.
type CyclesResponse struct {
	Cycles [][]string `json:"cycles"`
	Count  int        `json:"count"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Persistent bool   `json:"persistent"`
	Nodes      int    `json:"nodes"`
	Edges      int    `json:"edges"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable, machine-readable error code.
	Code string `json:"code,omitempty"`

	// RequestID echoes the X-Request-ID header.
	RequestID string `json:"request_id,omitempty"`
}
