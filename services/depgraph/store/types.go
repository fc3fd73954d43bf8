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
	"fmt"
	"maps"
	"slices"
)

// NodeType classifies what a node stands for.
type NodeType string

const (
	// NodeTypeFile is a project source file.
	NodeTypeFile NodeType = "file"

	// NodeTypeExternal is a third-party package reference.
	NodeTypeExternal NodeType = "external"

	// NodeTypeBuiltin is a platform/standard library module reference.
	NodeTypeBuiltin NodeType = "builtin"

	// NodeTypeSymbol is a declaration inside a file.
	NodeTypeSymbol NodeType = "symbol"
)

// NodeTypes lists every valid node type in display order.
var NodeTypes = []NodeType{NodeTypeFile, NodeTypeExternal, NodeTypeBuiltin, NodeTypeSymbol}

// Valid returns true if t is a known node type.
func (t NodeType) Valid() bool {
	return slices.Contains(NodeTypes, t)
}

// ParseNodeType converts a string into a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown node type %q", ErrInvalidFilter, s)
	}
	return t, nil
}

// EdgeType classifies a directed relationship between two nodes.
type EdgeType string

const (
	// EdgeTypeImports indicates a file imports another project file.
	EdgeTypeImports EdgeType = "imports"

	// EdgeTypeCalls indicates a symbol calls another symbol.
	EdgeTypeCalls EdgeType = "calls"

	// EdgeTypeExtends indicates a type extends another type.
	EdgeTypeExtends EdgeType = "extends"

	// EdgeTypeImplements indicates a type implements an interface.
	EdgeTypeImplements EdgeType = "implements"

	// EdgeTypeDependsOn is the generic dependency relation, used for
	// external and builtin package references.
	EdgeTypeDependsOn EdgeType = "depends_on"

	// EdgeTypeDefines is the containment relation (file -> symbol).
	EdgeTypeDefines EdgeType = "defines"
)

// EdgeTypes lists every valid edge type.
var EdgeTypes = []EdgeType{
	EdgeTypeImports,
	EdgeTypeCalls,
	EdgeTypeExtends,
	EdgeTypeImplements,
	EdgeTypeDependsOn,
	EdgeTypeDefines,
}

// Valid returns true if t is a known edge type.
func (t EdgeType) Valid() bool {
	return slices.Contains(EdgeTypes, t)
}

// ParseEdgeType converts a string into an EdgeType.
func ParseEdgeType(s string) (EdgeType, error) {
	t := EdgeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown edge type %q", ErrInvalidFilter, s)
	}
	return t, nil
}

// Location is a line/column span inside a source file. Lines are 1-based.
type Location struct {
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column,omitempty"`
	EndLine     int `json:"end_line,omitempty"`
	EndColumn   int `json:"end_column,omitempty"`
}

// NodeMetadata holds the typed attributes attached to a node.
type NodeMetadata struct {
	// Namespaces are the partition labels owning this node, primary first.
	Namespaces []string `json:"namespaces,omitempty"`

	// Exists is true once the node has been analyzed as a file itself.
	// Stub nodes created only as dependency targets have Exists=false.
	Exists bool `json:"exists"`

	// IsExternal is true for third-party package references.
	IsExternal bool `json:"is_external,omitempty"`

	// ImportString is the target as originally written in source.
	ImportString string `json:"import_string,omitempty"`

	// Extra carries collaborator-defined attributes.
	Extra map[string]string `json:"extra,omitempty"`
}

// PrimaryNamespace returns the first namespace label, or "".
func (m NodeMetadata) PrimaryNamespace() string {
	if len(m.Namespaces) == 0 {
		return ""
	}
	return m.Namespaces[0]
}

// HasNamespace returns true if the node carries the given label.
func (m NodeMetadata) HasNamespace(name string) bool {
	return slices.Contains(m.Namespaces, name)
}

// Node is a graph vertex: a file, package reference, builtin module or symbol.
type Node struct {
	// ID is assigned by the store and stable for its lifetime.
	ID int64 `json:"id"`

	// Identifier is the caller-supplied unique key.
	Identifier string `json:"identifier"`

	Type       NodeType     `json:"type"`
	Name       string       `json:"name"`
	SourceFile string       `json:"source_file,omitempty"`
	Language   string       `json:"language,omitempty"`
	Metadata   NodeMetadata `json:"metadata"`
	Location   *Location    `json:"location,omitempty"`
}

// EdgeMetadata holds the typed attributes attached to an edge.
type EdgeMetadata struct {
	SourceNamespace string `json:"source_namespace,omitempty"`
	TargetNamespace string `json:"target_namespace,omitempty"`

	// ImportStatement is the literal statement text that produced the edge.
	ImportStatement string `json:"import_statement,omitempty"`

	// Line is the 1-based source line of the statement, 0 if unknown.
	Line int `json:"line,omitempty"`

	// Derived is true for edges materialized from inference results.
	Derived bool `json:"derived,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// CrossesNamespace returns true when both endpoints are labeled and differ.
func (m EdgeMetadata) CrossesNamespace() bool {
	return m.SourceNamespace != "" && m.TargetNamespace != "" && m.SourceNamespace != m.TargetNamespace
}

// Edge is a directed dependency relationship.
type Edge struct {
	ID         int64        `json:"id"`
	FromNodeID int64        `json:"from_node_id"`
	ToNodeID   int64        `json:"to_node_id"`
	Type       EdgeType     `json:"type"`
	Label      string       `json:"label,omitempty"`
	Weight     float64      `json:"weight"`
	SourceFile string       `json:"source_file,omitempty"`
	Metadata   EdgeMetadata `json:"metadata"`
}

// EdgeAttrs are the mutable attributes supplied on edge upsert.
type EdgeAttrs struct {
	Label      string
	Weight     float64
	SourceFile string
	Metadata   EdgeMetadata
}

// edgeKey is the uniqueness key of an edge.
type edgeKey struct {
	from int64
	to   int64
	typ  EdgeType
}

func (k edgeKey) String() string {
	return fmt.Sprintf("%d-[%s]->%d", k.from, k.typ, k.to)
}

// mergeNode applies the upsert merge rules of incoming onto existing.
//
// Type and IsExternal are overwritten. Non-empty strings overwrite.
// Exists is sticky so a later stub reference never demotes an analyzed file.
// Namespaces overwrite when the incoming slice is non-nil. Extra keys merge.
func mergeNode(existing, incoming Node) Node {
	out := existing
	out.Type = incoming.Type
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.SourceFile != "" {
		out.SourceFile = incoming.SourceFile
	}
	if incoming.Language != "" {
		out.Language = incoming.Language
	}
	if incoming.Location != nil {
		loc := *incoming.Location
		out.Location = &loc
	}

	out.Metadata.Exists = existing.Metadata.Exists || incoming.Metadata.Exists
	out.Metadata.IsExternal = incoming.Metadata.IsExternal
	if incoming.Metadata.Namespaces != nil {
		out.Metadata.Namespaces = slices.Clone(incoming.Metadata.Namespaces)
	}
	if incoming.Metadata.ImportString != "" {
		out.Metadata.ImportString = incoming.Metadata.ImportString
	}
	out.Metadata.Extra = mergeExtra(existing.Metadata.Extra, incoming.Metadata.Extra)
	return out
}

// mergeEdge applies attrs onto an existing edge. Zero values keep the old value.
func mergeEdge(existing Edge, attrs EdgeAttrs) Edge {
	out := existing
	if attrs.Label != "" {
		out.Label = attrs.Label
	}
	if attrs.Weight != 0 {
		out.Weight = attrs.Weight
	}
	if attrs.SourceFile != "" {
		out.SourceFile = attrs.SourceFile
	}
	m := attrs.Metadata
	if m.SourceNamespace != "" || m.TargetNamespace != "" {
		out.Metadata.SourceNamespace = m.SourceNamespace
		out.Metadata.TargetNamespace = m.TargetNamespace
	}
	if m.ImportStatement != "" {
		out.Metadata.ImportStatement = m.ImportStatement
	}
	if m.Line > 0 {
		out.Metadata.Line = m.Line
	}
	out.Metadata.Derived = existing.Metadata.Derived && m.Derived
	out.Metadata.Extra = mergeExtra(existing.Metadata.Extra, m.Extra)
	return out
}

func mergeExtra(a, b map[string]string) map[string]string {
	if len(b) == 0 {
		return cloneExtra(a)
	}
	out := make(map[string]string, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

func cloneExtra(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// cloneNode returns a deep copy so callers can never alias arena memory.
func cloneNode(n Node) Node {
	out := n
	out.Metadata.Namespaces = slices.Clone(n.Metadata.Namespaces)
	out.Metadata.Extra = cloneExtra(n.Metadata.Extra)
	if n.Location != nil {
		loc := *n.Location
		out.Location = &loc
	}
	return out
}

func cloneEdge(e Edge) Edge {
	out := e
	out.Metadata.Extra = cloneExtra(e.Metadata.Extra)
	return out
}
