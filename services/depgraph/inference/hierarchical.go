// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// Composition selects which derivations Hierarchical produces.
type Composition string

const (
	// Upward derives container -> target for every target a member reaches.
	Upward Composition = "upward"

	// Downward derives member -> target for every target its container reaches.
	Downward Composition = "downward"

	// Both derives in both directions.
	Both Composition = "both"
)

// HierarchicalRequest describes a hierarchical inference.
type HierarchicalRequest struct {
	// Containment is the container -> member edge type, e.g. defines.
	Containment store.EdgeType `json:"containment"`

	// Relation is the edge type whose closure is composed, e.g. depends_on.
	Relation store.EdgeType `json:"relation"`

	// MaxHops bounds the relation closure. 0 or less means unbounded.
	MaxHops int `json:"max_hops,omitempty"`

	// ContainerID restricts inference to one container. 0 means every node
	// with an outgoing containment edge.
	ContainerID int64 `json:"container_id,omitempty"`

	// Composition defaults to Both.
	Composition Composition `json:"composition,omitempty"`
}

// DerivedEdge is an inferred relationship that is not stored.
type DerivedEdge struct {
	FromID int64          `json:"from_id"`
	ToID   int64          `json:"to_id"`
	From   string         `json:"from"`
	To     string         `json:"to"`
	Type   store.EdgeType `json:"type"`

	// Via is the identifier of the member (upward) or container (downward)
	// the relationship was inherited through.
	Via string `json:"via"`

	Composition Composition `json:"composition"`

	// Hops is the relation distance from Via to To.
	Hops int `json:"hops"`
}

// Hierarchical composes one containment hop with the relation closure.
//
// Description:
//
//	Upward: a container inherits whatever its members reach, so for a
//	member m of container c and every t in closure(m), c -relation-> t.
//	Downward: a member inherits whatever its container reaches, so for
//	every t in closure(c), m -relation-> t.
//	Self edges, edges to the container's own members (upward) or to the
//	member's own container (downward), and edges already stored are
//	excluded. Unknown edge types yield an empty result.
//
// Outputs:
//
//	[]DerivedEdge - Sorted by From, then To. Not persisted.
//	error - ErrPartialResult on cancellation, store.ErrNodeNotFound for an
//	        unknown ContainerID.
func (e *Engine) Hierarchical(ctx context.Context, req HierarchicalRequest) ([]DerivedEdge, error) {
	if req.Composition == "" {
		req.Composition = Both
	}
	ctx, span := tracer.Start(ctx, "Engine.Hierarchical",
		trace.WithAttributes(
			attribute.String("depgraph.containment", string(req.Containment)),
			attribute.String("depgraph.relation", string(req.Relation)),
			attribute.String("depgraph.composition", string(req.Composition)),
		),
	)
	defer span.End()

	switch req.Composition {
	case Upward, Downward, Both:
	default:
		return nil, fmt.Errorf("%w: unknown composition %q", store.ErrInvalidFilter, req.Composition)
	}
	if req.ContainerID != 0 {
		if _, ok := e.store.GetNode(req.ContainerID); !ok {
			return nil, fmt.Errorf("%w: container %d", store.ErrNodeNotFound, req.ContainerID)
		}
	}
	if !req.Containment.Valid() || !req.Relation.Valid() {
		return []DerivedEdge{}, nil
	}

	containers, err := e.containers(ctx, req)
	if err != nil {
		return nil, err
	}

	type pair struct{ from, to int64 }
	derived := make(map[pair]DerivedEdge)
	add := func(from, to int64, via string, comp Composition, hops int) {
		if from == to {
			return
		}
		key := pair{from, to}
		// Keep the shortest derivation; ties go to the smallest Via.
		if prev, ok := derived[key]; ok && (prev.Hops < hops || (prev.Hops == hops && prev.Via <= via)) {
			return
		}
		if e.store.HasEdge(from, to, req.Relation) {
			return
		}
		derived[key] = DerivedEdge{FromID: from, ToID: to, Type: req.Relation, Via: via, Composition: comp, Hops: hops}
	}

	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPartialResult, err)
		}
		members := memberSet(e.store.OutgoingEdges(c.ID, req.Containment))

		if req.Composition == Upward || req.Composition == Both {
			for m := range members {
				reach, err := e.closure(ctx, m, req.Relation, Outgoing, req.MaxHops)
				if err != nil {
					return nil, err
				}
				mNode, _ := e.store.GetNode(m)
				for t, hops := range reach {
					if members[t] {
						continue
					}
					add(c.ID, t, mNode.Identifier, Upward, hops)
				}
			}
		}

		if req.Composition == Downward || req.Composition == Both {
			reach, err := e.closure(ctx, c.ID, req.Relation, Outgoing, req.MaxHops)
			if err != nil {
				return nil, err
			}
			for m := range members {
				for t, hops := range reach {
					if t == c.ID {
						continue
					}
					add(m, t, c.Identifier, Downward, hops)
				}
			}
		}
	}

	out := make([]DerivedEdge, 0, len(derived))
	for _, d := range derived {
		from, _ := e.store.GetNode(d.FromID)
		to, _ := e.store.GetNode(d.ToID)
		d.From = from.Identifier
		d.To = to.Identifier
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})

	span.SetAttributes(attribute.Int("depgraph.derived", len(out)))
	e.logger.Debug("hierarchical inference finished",
		slog.Int("containers", len(containers)),
		slog.Int("derived", len(out)),
	)
	return out, nil
}

func (e *Engine) containers(ctx context.Context, req HierarchicalRequest) ([]store.Node, error) {
	if req.ContainerID != 0 {
		n, _ := e.store.GetNode(req.ContainerID)
		return []store.Node{n}, nil
	}

	edges, err := e.store.FindEdges(ctx, store.EdgeFilter{Types: []store.EdgeType{req.Containment}})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrPartialResult, ctx.Err())
		}
		return nil, err
	}
	seen := make(map[int64]bool)
	out := make([]store.Node, 0)
	for _, edge := range edges {
		if seen[edge.FromNodeID] {
			continue
		}
		seen[edge.FromNodeID] = true
		if n, ok := e.store.GetNode(edge.FromNodeID); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func memberSet(edges []store.Edge) map[int64]bool {
	set := make(map[int64]bool, len(edges))
	for _, edge := range edges {
		set[edge.ToNodeID] = true
	}
	return set
}

// MaterializeResult reports what Materialize wrote.
type MaterializeResult struct {
	EdgesCreated int `json:"edges_created"`
	EdgesUpdated int `json:"edges_updated"`

	// EdgesSkipped counts derived edges that already exist as physical
	// (non-derived) edges; those are left untouched.
	EdgesSkipped int `json:"edges_skipped"`
}

// Materialize persists derived edges.
//
// Description:
//
//	New edges carry Metadata.Derived=true, the "inferred" label and the
//	Via identifier in Metadata.Extra["via"]. Re-materializing a derived
//	edge refreshes its metadata. A physical edge between the same
//	endpoints is skipped and keeps its label and Derived=false.
//
//	Every endpoint is checked before anything is written. Writes commit
//	in chunks bounded by the store's transaction budget; each chunk is
//	atomic and repeating the call after a failure is safe.
//
// Outputs:
//
//	*MaterializeResult - Created, updated and skipped counts.
//	error - store.ErrNodeNotFound for an unknown endpoint, or the store
//	        error of the failing chunk.
func (e *Engine) Materialize(ctx context.Context, edges []DerivedEdge) (*MaterializeResult, error) {
	for _, d := range edges {
		if _, ok := e.store.GetNode(d.FromID); !ok {
			return nil, fmt.Errorf("%w: %d", store.ErrNodeNotFound, d.FromID)
		}
		if _, ok := e.store.GetNode(d.ToID); !ok {
			return nil, fmt.Errorf("%w: %d", store.ErrNodeNotFound, d.ToID)
		}
	}

	result := &MaterializeResult{}
	for next := 0; next < len(edges); {
		err := e.store.Update(ctx, func(tx *store.Tx) error {
			for ; next < len(edges) && !tx.Full(); next++ {
				d := edges[next]
				if existing, ok := tx.EdgeBetween(d.FromID, d.ToID, d.Type); ok && !existing.Metadata.Derived {
					result.EdgesSkipped++
					continue
				}
				from, _ := tx.GetNode(d.FromID)
				to, _ := tx.GetNode(d.ToID)
				res, err := tx.UpsertEdge(d.FromID, d.ToID, d.Type, store.EdgeAttrs{
					Label: "inferred",
					Metadata: store.EdgeMetadata{
						SourceNamespace: from.Metadata.PrimaryNamespace(),
						TargetNamespace: to.Metadata.PrimaryNamespace(),
						Derived:         true,
						Extra:           map[string]string{"via": d.Via, "composition": string(d.Composition)},
					},
				})
				if err != nil {
					return err
				}
				if res.Created {
					result.EdgesCreated++
				} else {
					result.EdgesUpdated++
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	e.logger.Info("inferred edges materialized",
		slog.Int("created", result.EdgesCreated),
		slog.Int("updated", result.EdgesUpdated),
		slog.Int("skipped", result.EdgesSkipped),
	)
	return result, nil
}
