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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

type fixture struct {
	t   *testing.T
	s   *store.Store
	ids map[string]int64
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, s: store.New(), ids: make(map[string]int64)}
}

func (f *fixture) node(identifier string, typ store.NodeType) int64 {
	f.t.Helper()
	if id, ok := f.ids[identifier]; ok {
		return id
	}
	id, err := f.s.UpsertNode(context.Background(), store.Node{Identifier: identifier, Type: typ})
	require.NoError(f.t, err)
	f.ids[identifier] = id
	return id
}

func (f *fixture) link(from, to string, typ store.EdgeType) {
	f.t.Helper()
	fromType, toType := store.NodeTypeFile, store.NodeTypeFile
	if typ == store.EdgeTypeDefines {
		toType = store.NodeTypeSymbol
	}
	_, err := f.s.UpsertEdge(context.Background(), f.node(from, fromType), f.node(to, toType), typ, store.EdgeAttrs{})
	require.NoError(f.t, err)
}

func reachedIdentifiers(r []Reached) []string {
	out := make([]string, len(r))
	for i, x := range r {
		out[i] = x.Node.Identifier
	}
	return out
}

func TestTransitive_Chain(t *testing.T) {
	f := newFixture(t)
	f.link("A", "B", store.EdgeTypeImports)
	f.link("B", "C", store.EdgeTypeImports)
	f.link("C", "D", store.EdgeTypeImports)
	e := NewEngine(f.s, nil)
	ctx := context.Background()

	all, err := e.Transitive(ctx, f.ids["A"], store.EdgeTypeImports, TransitiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "D"}, reachedIdentifiers(all))
	assert.Equal(t, []int{1, 2, 3}, []int{all[0].Hops, all[1].Hops, all[2].Hops})

	bounded, err := e.Transitive(ctx, f.ids["A"], store.EdgeTypeImports, TransitiveOptions{MaxHops: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, reachedIdentifiers(bounded))

	up, err := e.Transitive(ctx, f.ids["D"], store.EdgeTypeImports, TransitiveOptions{Direction: Incoming})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, reachedIdentifiers(up))
}

func TestTransitive_TerminatesOnCycles(t *testing.T) {
	f := newFixture(t)
	f.link("A", "B", store.EdgeTypeImports)
	f.link("B", "C", store.EdgeTypeImports)
	f.link("C", "A", store.EdgeTypeImports)
	f.link("C", "C", store.EdgeTypeImports)

	got, err := NewEngine(f.s, nil).Transitive(context.Background(), f.ids["A"], store.EdgeTypeImports, TransitiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, reachedIdentifiers(got), "start node excluded")
}

func TestTransitive_FollowsOnlyEdgeType(t *testing.T) {
	f := newFixture(t)
	f.link("A", "B", store.EdgeTypeImports)
	f.link("B", "C", store.EdgeTypeCalls)

	got, err := NewEngine(f.s, nil).Transitive(context.Background(), f.ids["A"], store.EdgeTypeImports, TransitiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, reachedIdentifiers(got))
}

func TestTransitive_UnknownEdgeTypeIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.link("A", "B", store.EdgeTypeImports)

	got, err := NewEngine(f.s, nil).Transitive(context.Background(), f.ids["A"], "requires", TransitiveOptions{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTransitive_Errors(t *testing.T) {
	f := newFixture(t)
	f.link("A", "B", store.EdgeTypeImports)
	e := NewEngine(f.s, nil)

	_, err := e.Transitive(context.Background(), 999, store.EdgeTypeImports, TransitiveOptions{})
	assert.ErrorIs(t, err, store.ErrNodeNotFound)

	_, err = e.Transitive(context.Background(), f.ids["A"], store.EdgeTypeImports, TransitiveOptions{Direction: "sideways"})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := e.Transitive(ctx, f.ids["A"], store.EdgeTypeImports, TransitiveOptions{})
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrPartialResult)
	assert.ErrorIs(t, err, context.Canceled)
}

// hierarchy:
//
//	file a.go defines a.Run, file b.go defines b.Helper
//	a.Run  depends_on b.Helper
//	b.Helper depends_on util (file)
//	a.go depends_on config (file)
func hierarchyFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.link("a.go", "a.Run", store.EdgeTypeDefines)
	f.link("b.go", "b.Helper", store.EdgeTypeDefines)
	f.node("util", store.NodeTypeFile)
	f.node("config", store.NodeTypeFile)
	ctx := context.Background()
	for _, pair := range [][2]string{{"a.Run", "b.Helper"}, {"b.Helper", "util"}, {"a.go", "config"}} {
		_, err := f.s.UpsertEdge(ctx, f.ids[pair[0]], f.ids[pair[1]], store.EdgeTypeDependsOn, store.EdgeAttrs{})
		require.NoError(t, err)
	}
	return f
}

func TestHierarchical_Upward(t *testing.T) {
	f := hierarchyFixture(t)
	got, err := NewEngine(f.s, nil).Hierarchical(context.Background(), HierarchicalRequest{
		Containment: store.EdgeTypeDefines,
		Relation:    store.EdgeTypeDependsOn,
		Composition: Upward,
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, DerivedEdge{
		FromID: f.ids["a.go"], ToID: f.ids["b.Helper"], From: "a.go", To: "b.Helper",
		Type: store.EdgeTypeDependsOn, Via: "a.Run", Composition: Upward, Hops: 1,
	}, got[0])
	assert.Equal(t, "a.go", got[1].From)
	assert.Equal(t, "util", got[1].To)
	assert.Equal(t, 2, got[1].Hops)
	assert.Equal(t, "b.go", got[2].From)
	assert.Equal(t, "util", got[2].To)
}

func TestHierarchical_Downward(t *testing.T) {
	f := hierarchyFixture(t)
	got, err := NewEngine(f.s, nil).Hierarchical(context.Background(), HierarchicalRequest{
		Containment: store.EdgeTypeDefines,
		Relation:    store.EdgeTypeDependsOn,
		Composition: Downward,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "a.Run", got[0].From)
	assert.Equal(t, "config", got[0].To)
	assert.Equal(t, "a.go", got[0].Via)
}

func TestHierarchical_BoundsAndScope(t *testing.T) {
	f := hierarchyFixture(t)
	e := NewEngine(f.s, nil)
	ctx := context.Background()

	bounded, err := e.Hierarchical(ctx, HierarchicalRequest{
		Containment: store.EdgeTypeDefines,
		Relation:    store.EdgeTypeDependsOn,
		MaxHops:     1,
		ContainerID: f.ids["a.go"],
	})
	require.NoError(t, err)
	pairs := make([]string, 0, len(bounded))
	for _, d := range bounded {
		pairs = append(pairs, d.From+"->"+d.To)
	}
	assert.Equal(t, []string{"a.Run->config", "a.go->b.Helper"}, pairs)

	_, err = e.Hierarchical(ctx, HierarchicalRequest{
		Containment: store.EdgeTypeDefines, Relation: store.EdgeTypeDependsOn, ContainerID: 404,
	})
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestHierarchical_ExcludesExistingEdges(t *testing.T) {
	f := hierarchyFixture(t)
	_, err := f.s.UpsertEdge(context.Background(), f.ids["a.go"], f.ids["b.Helper"], store.EdgeTypeDependsOn, store.EdgeAttrs{})
	require.NoError(t, err)

	got, err := NewEngine(f.s, nil).Hierarchical(context.Background(), HierarchicalRequest{
		Containment: store.EdgeTypeDefines, Relation: store.EdgeTypeDependsOn, Composition: Upward,
	})
	require.NoError(t, err)
	for _, d := range got {
		assert.False(t, d.From == "a.go" && d.To == "b.Helper")
	}
}

func TestHierarchical_UnknownTypesAreEmpty(t *testing.T) {
	f := hierarchyFixture(t)
	got, err := NewEngine(f.s, nil).Hierarchical(context.Background(), HierarchicalRequest{
		Containment: "contains", Relation: store.EdgeTypeDependsOn,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMaterialize(t *testing.T) {
	f := hierarchyFixture(t)
	e := NewEngine(f.s, nil)
	ctx := context.Background()

	derived, err := e.Hierarchical(ctx, HierarchicalRequest{
		Containment: store.EdgeTypeDefines, Relation: store.EdgeTypeDependsOn,
	})
	require.NoError(t, err)
	require.NotEmpty(t, derived)
	edgesBefore := f.s.EdgeCount()

	res, err := e.Materialize(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, len(derived), res.EdgesCreated)
	assert.Equal(t, edgesBefore+len(derived), f.s.EdgeCount())

	isDerived := true
	stored, err := f.s.FindEdges(ctx, store.EdgeFilter{Derived: &isDerived})
	require.NoError(t, err)
	assert.Len(t, stored, len(derived))
	assert.NotEmpty(t, stored[0].Metadata.Extra["via"])

	again, err := e.Hierarchical(ctx, HierarchicalRequest{
		Containment: store.EdgeTypeDefines, Relation: store.EdgeTypeDependsOn,
	})
	require.NoError(t, err)
	materialized := make(map[[2]int64]bool, len(derived))
	for _, d := range derived {
		materialized[[2]int64{d.FromID, d.ToID}] = true
	}
	for _, d := range again {
		assert.False(t, materialized[[2]int64{d.FromID, d.ToID}], "%s->%s derived twice", d.From, d.To)
	}
}

func TestMaterialize_UnknownNodeWritesNothing(t *testing.T) {
	f := hierarchyFixture(t)
	before := f.s.EdgeCount()

	_, err := NewEngine(f.s, nil).Materialize(context.Background(), []DerivedEdge{
		{FromID: f.ids["a.go"], ToID: f.ids["util"], Type: store.EdgeTypeDependsOn},
		{FromID: f.ids["a.go"], ToID: 999, Type: store.EdgeTypeDependsOn},
	})
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
	assert.Equal(t, before, f.s.EdgeCount())
}

func TestMaterialize_KeepsPhysicalEdges(t *testing.T) {
	f := hierarchyFixture(t)
	e := NewEngine(f.s, nil)
	ctx := context.Background()

	derived, err := e.Hierarchical(ctx, HierarchicalRequest{
		Containment: store.EdgeTypeDefines, Relation: store.EdgeTypeDependsOn, Composition: Upward,
	})
	require.NoError(t, err)
	require.Len(t, derived, 3)

	// The import is ingested between inference and materialization.
	physicalID, err := f.s.UpsertEdge(ctx, f.ids["a.go"], f.ids["util"], store.EdgeTypeDependsOn, store.EdgeAttrs{
		Label: "import './util'",
	})
	require.NoError(t, err)

	res, err := e.Materialize(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EdgesCreated)
	assert.Equal(t, 0, res.EdgesUpdated)
	assert.Equal(t, 1, res.EdgesSkipped)

	physical, ok := f.s.GetEdge(physicalID)
	require.True(t, ok)
	assert.Equal(t, "import './util'", physical.Label)
	assert.False(t, physical.Metadata.Derived)
	assert.Empty(t, physical.Metadata.Extra["via"])

	again, err := e.Materialize(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, 0, again.EdgesCreated)
	assert.Equal(t, 2, again.EdgesUpdated)
	assert.Equal(t, 1, again.EdgesSkipped)
}

func TestMaterialize_CommitsInChunks(t *testing.T) {
	f := &fixture{t: t, s: store.New(store.WithMaxTxRecords(2)), ids: make(map[string]int64)}
	names := []string{"n0", "n1", "n2", "n3", "n4", "n5"}
	for _, n := range names {
		f.node(n, store.NodeTypeFile)
	}
	var derived []DerivedEdge
	for i := 1; i < len(names); i++ {
		derived = append(derived, DerivedEdge{
			FromID: f.ids["n0"], ToID: f.ids[names[i]], From: "n0", To: names[i],
			Type: store.EdgeTypeDependsOn, Via: "n0", Composition: Upward, Hops: 1,
		})
	}
	before := f.s.Revision()

	res, err := NewEngine(f.s, nil).Materialize(context.Background(), derived)
	require.NoError(t, err)
	assert.Equal(t, 5, res.EdgesCreated)
	assert.Equal(t, 5, f.s.EdgeCount())
	assert.Equal(t, before+3, f.s.Revision(), "five edges in chunks of two")
}
