// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference derives relationships that are implied by, but not
// physically stored in, the dependency graph.
//
// Transitive inference follows one edge type to a fixed point. Hierarchical
// inference composes one containment hop (for example file defines symbol)
// with the closure of a relation (for example depends_on). Both are
// read-only; derived edges are only written when the caller asks for
// Materialize.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// ErrPartialResult is returned when inference was interrupted. It wraps
// the context error and is distinct from an empty result.
var ErrPartialResult = errors.New("inference interrupted, no result available")

var tracer = otel.Tracer("depgraph.inference")

// Direction selects which way edges are followed.
type Direction string

const (
	// Outgoing follows edges from source to target (dependencies).
	Outgoing Direction = "outgoing"

	// Incoming follows edges from target to source (dependents).
	Incoming Direction = "incoming"
)

func (d Direction) validate() error {
	switch d {
	case "", Outgoing, Incoming:
		return nil
	default:
		return fmt.Errorf("%w: unknown direction %q", store.ErrInvalidFilter, d)
	}
}

// TransitiveOptions bounds a transitive query.
type TransitiveOptions struct {
	// MaxHops bounds the search depth. 0 or less means unbounded; cycles
	// still terminate because visited nodes are never revisited.
	MaxHops int `json:"max_hops,omitempty"`

	// Direction defaults to Outgoing.
	Direction Direction `json:"direction,omitempty"`
}

// Reached is a node found by transitive inference.
type Reached struct {
	Node store.Node `json:"node"`

	// Hops is the shortest distance from the start node.
	Hops int `json:"hops"`
}

// Engine runs inference queries against a store.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

// NewEngine creates an engine for s. A nil logger uses slog.Default().
func NewEngine(s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger}
}

// Transitive returns every node reachable from startID by repeatedly
// following edges of edgeType.
//
// Description:
//
//	Breadth-first search with an explicit queue and visited set. The start
//	node is never part of the result, even when a cycle leads back to it.
//	An unknown edge type yields an empty result, not an error.
//
// Inputs:
//
//	ctx - Context for cancellation, checked per dequeued node.
//	startID - The node to start from.
//	edgeType - The relation to follow.
//	opts - Hop bound and direction.
//
// Outputs:
//
//	[]Reached - Reached nodes ordered by hops, then identifier.
//	error - store.ErrNodeNotFound for an unknown start node,
//	        ErrPartialResult on cancellation.
func (e *Engine) Transitive(ctx context.Context, startID int64, edgeType store.EdgeType, opts TransitiveOptions) ([]Reached, error) {
	ctx, span := tracer.Start(ctx, "Engine.Transitive",
		trace.WithAttributes(
			attribute.Int64("depgraph.start_id", startID),
			attribute.String("depgraph.edge_type", string(edgeType)),
			attribute.Int("depgraph.max_hops", opts.MaxHops),
		),
	)
	defer span.End()

	if err := opts.Direction.validate(); err != nil {
		return nil, err
	}
	if _, ok := e.store.GetNode(startID); !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrNodeNotFound, startID)
	}
	if !edgeType.Valid() {
		return []Reached{}, nil
	}

	hops, err := e.closure(ctx, startID, edgeType, opts.Direction, opts.MaxHops)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]Reached, 0, len(hops))
	for id, h := range hops {
		n, ok := e.store.GetNode(id)
		if !ok {
			continue
		}
		out = append(out, Reached{Node: n, Hops: h})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Node.Identifier < out[j].Node.Identifier
	})
	span.SetAttributes(attribute.Int("depgraph.reached", len(out)))
	return out, nil
}

// closure runs the BFS and returns node ID -> hop distance, excluding start.
func (e *Engine) closure(ctx context.Context, startID int64, edgeType store.EdgeType, dir Direction, maxHops int) (map[int64]int, error) {
	type item struct {
		id   int64
		hops int
	}

	visited := map[int64]bool{startID: true}
	reached := make(map[int64]int)
	queue := []item{{id: startID}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPartialResult, err)
		}
		cur := queue[0]
		queue = queue[1:]

		if maxHops > 0 && cur.hops >= maxHops {
			continue
		}

		var edges []store.Edge
		if dir == Incoming {
			edges = e.store.IncomingEdges(cur.id, edgeType)
		} else {
			edges = e.store.OutgoingEdges(cur.id, edgeType)
		}
		for _, edge := range edges {
			next := edge.ToNodeID
			if dir == Incoming {
				next = edge.FromNodeID
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			reached[next] = cur.hops + 1
			queue = append(queue, item{id: next, hops: cur.hops + 1})
		}
	}
	return reached, nil
}
