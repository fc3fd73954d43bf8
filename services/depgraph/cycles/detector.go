// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycles finds circular dependencies in a committed graph.
package cycles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// ErrPartialResult is returned when detection was interrupted. It wraps
// the context error and is distinct from an empty (acyclic) result.
var ErrPartialResult = errors.New("cycle detection interrupted, no result available")

var tracer = otel.Tracer("depgraph.cycles")

// Options scopes detection to a subgraph.
type Options struct {
	// NodeTypes restricts the node types considered. Default: file.
	NodeTypes []store.NodeType `json:"node_types,omitempty"`

	// EdgeTypes restricts the edge types followed. Default: imports.
	EdgeTypes []store.EdgeType `json:"edge_types,omitempty"`

	// Namespace restricts to nodes carrying this label. Empty means all.
	Namespace string `json:"namespace,omitempty"`
}

func (o Options) withDefaults() Options {
	if len(o.NodeTypes) == 0 {
		o.NodeTypes = []store.NodeType{store.NodeTypeFile}
	}
	if len(o.EdgeTypes) == 0 {
		o.EdgeTypes = []store.EdgeType{store.EdgeTypeImports}
	}
	return o
}

// Cycle is one strongly connected component with more than one member,
// or a single node importing itself.
//
// Identifiers start at the lexicographically smallest member and follow
// depth-first traversal order (edges visited in identifier order). For a
// simple cycle the last member has an edge back to the first.
type Cycle struct {
	Identifiers []string `json:"identifiers"`
	NodeIDs     []int64  `json:"node_ids"`
}

// Len returns the number of members.
func (c Cycle) Len() int {
	return len(c.Identifiers)
}

// Detector runs cycle detection against a store.
//
// Thread Safety: Safe for concurrent use. Each call works on its own
// snapshot and never blocks ingestion for longer than the snapshot copy.
type Detector struct {
	store  *store.Store
	logger *slog.Logger
}

// NewDetector creates a detector for s. A nil logger uses slog.Default().
func NewDetector(s *store.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: s, logger: logger}
}

// subgraph is a dense, identifier-sorted copy of the scoped graph.
type subgraph struct {
	ids         []int64
	identifiers []string
	adj         [][]int
	selfLoop    []bool
}

func buildSubgraph(snap *store.Snapshot) *subgraph {
	nodes := slices.Clone(snap.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Identifier < nodes[j].Identifier })

	g := &subgraph{
		ids:         make([]int64, len(nodes)),
		identifiers: make([]string, len(nodes)),
		adj:         make([][]int, len(nodes)),
		selfLoop:    make([]bool, len(nodes)),
	}
	local := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		g.ids[i] = n.ID
		g.identifiers[i] = n.Identifier
		local[n.ID] = i
	}

	seen := make(map[[2]int]bool, len(snap.Edges))
	for _, e := range snap.Edges {
		from, ok1 := local[e.FromNodeID]
		to, ok2 := local[e.ToNodeID]
		if !ok1 || !ok2 {
			continue
		}
		if from == to {
			g.selfLoop[from] = true
			continue
		}
		key := [2]int{from, to}
		if seen[key] {
			continue
		}
		seen[key] = true
		g.adj[from] = append(g.adj[from], to)
	}
	// Local indexes follow identifier order, so sorting ints sorts targets
	// by identifier.
	for i := range g.adj {
		slices.Sort(g.adj[i])
	}
	return g
}

// Detect finds every cycle in the scoped subgraph.
//
// Description:
//
//	Takes a consistent snapshot through store.Query, then runs Tarjan's
//	strongly connected components algorithm with an explicit call stack.
//	Nodes and edges are visited in identifier order, so the result for a
//	fixed snapshot is identical across runs.
//
//	Time complexity: O(V + E)
//	Space complexity: O(V)
//
// Inputs:
//
//	ctx - Context for cancellation, checked per visited node.
//	opts - Scope. Zero value means file nodes and imports edges.
//
// Outputs:
//
//	[]Cycle - Cycles sorted by first identifier. Empty, never nil, when
//	          the subgraph is acyclic.
//	error - ErrPartialResult on cancellation, store.ErrInvalidFilter for
//	        bad options.
func (d *Detector) Detect(ctx context.Context, opts Options) ([]Cycle, error) {
	opts = opts.withDefaults()
	ctx, span := tracer.Start(ctx, "Detector.Detect",
		trace.WithAttributes(attribute.String("depgraph.namespace", opts.Namespace)),
	)
	defer span.End()
	start := time.Now()

	snap, err := d.store.Query(ctx, store.QueryFilter{
		NodeFilter: store.NodeFilter{Types: opts.NodeTypes, Namespace: opts.Namespace},
		EdgeTypes:  opts.EdgeTypes,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot failed")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrPartialResult, ctx.Err())
		}
		return nil, err
	}

	g := buildSubgraph(snap)
	sccs, err := tarjan(ctx, g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "interrupted")
		return nil, err
	}

	cycles := make([]Cycle, 0, len(sccs))
	for _, scc := range sccs {
		cycles = append(cycles, g.order(scc))
	}
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Identifiers[0] < cycles[j].Identifiers[0]
	})

	span.SetAttributes(
		attribute.Int("depgraph.nodes", len(g.ids)),
		attribute.Int("depgraph.cycles", len(cycles)),
	)
	d.logger.Debug("cycle detection finished",
		slog.Int("nodes", len(g.ids)),
		slog.Int("cycles", len(cycles)),
		slog.Uint64("revision", snap.Revision),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return cycles, nil
}

// tarjan returns the strongly connected components that form cycles.
func tarjan(ctx context.Context, g *subgraph) ([][]int, error) {
	n := len(g.ids)
	index := make([]int, n)
	lowLink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	next := 0
	sccStack := make([]int, 0)
	sccs := make([][]int, 0)

	type callFrame struct {
		node      int
		edgeIndex int
		phase     int // 0=enter, 1=edges, 2=after child, 3=finish
		child     int
	}

	for root := 0; root < n; root++ {
		if index[root] >= 0 {
			continue
		}
		callStack := []callFrame{{node: root}}

		for len(callStack) > 0 {
			frame := &callStack[len(callStack)-1]

			switch frame.phase {
			case 0:
				if err := ctx.Err(); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrPartialResult, err)
				}
				index[frame.node] = next
				lowLink[frame.node] = next
				next++
				sccStack = append(sccStack, frame.node)
				onStack[frame.node] = true
				frame.phase = 1

			case 1:
				pushed := false
				for frame.edgeIndex < len(g.adj[frame.node]) {
					to := g.adj[frame.node][frame.edgeIndex]
					frame.edgeIndex++
					if index[to] < 0 {
						frame.phase = 2
						frame.child = to
						callStack = append(callStack, callFrame{node: to})
						pushed = true
						break
					}
					if onStack[to] && index[to] < lowLink[frame.node] {
						lowLink[frame.node] = index[to]
					}
				}
				if !pushed {
					frame.phase = 3
				}

			case 2:
				if lowLink[frame.child] < lowLink[frame.node] {
					lowLink[frame.node] = lowLink[frame.child]
				}
				frame.phase = 1

			case 3:
				if lowLink[frame.node] == index[frame.node] {
					scc := make([]int, 0)
					for {
						w := sccStack[len(sccStack)-1]
						sccStack = sccStack[:len(sccStack)-1]
						onStack[w] = false
						scc = append(scc, w)
						if w == frame.node {
							break
						}
					}
					if len(scc) > 1 || g.selfLoop[scc[0]] {
						sccs = append(sccs, scc)
					}
				}
				callStack = callStack[:len(callStack)-1]
			}
		}
	}
	return sccs, nil
}

// order lays out an SCC as a depth-first walk from its smallest member,
// restricted to edges inside the component.
func (g *subgraph) order(scc []int) Cycle {
	member := make(map[int]bool, len(scc))
	first := scc[0]
	for _, v := range scc {
		member[v] = true
		if v < first {
			first = v
		}
	}

	visited := make(map[int]bool, len(scc))
	out := Cycle{
		Identifiers: make([]string, 0, len(scc)),
		NodeIDs:     make([]int64, 0, len(scc)),
	}
	stack := []int{first}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[v] {
			continue
		}
		visited[v] = true
		out.Identifiers = append(out.Identifiers, g.identifiers[v])
		out.NodeIDs = append(out.NodeIDs, g.ids[v])

		// Push in reverse so the smallest neighbor is visited first.
		for i := len(g.adj[v]) - 1; i >= 0; i-- {
			w := g.adj[v][i]
			if member[w] && !visited[w] {
				stack = append(stack, w)
			}
		}
	}
	return out
}
