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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileNode(path string, exists bool) Node {
	return Node{
		Identifier: path,
		Type:       NodeTypeFile,
		Name:       path,
		SourceFile: path,
		Metadata:   NodeMetadata{Exists: exists},
	}
}

func mustUpsertNode(t *testing.T, s *Store, n Node) int64 {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), n)
	require.NoError(t, err)
	return id
}

func mustUpsertEdge(t *testing.T, s *Store, from, to int64, typ EdgeType) int64 {
	t.Helper()
	id, err := s.UpsertEdge(context.Background(), from, to, typ, EdgeAttrs{})
	require.NoError(t, err)
	return id
}

func TestStore_UpsertNode_AssignsDenseIDs(t *testing.T) {
	s := New()

	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	b := mustUpsertNode(t, s, fileNode("/p/b.ts", true))

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, uint64(2), s.Revision())
}

func TestStore_UpsertNode_Idempotent(t *testing.T) {
	s := New()
	first := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	second := mustUpsertNode(t, s, fileNode("/p/a.ts", true))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.NodeCount())
}

func TestStore_UpsertNode_Invalid(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, Node{Identifier: "  ", Type: NodeTypeFile})
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = s.UpsertNode(ctx, Node{Identifier: "x"})
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = s.UpsertNode(ctx, Node{Identifier: "x", Type: "module"})
	assert.ErrorIs(t, err, ErrInvalidNode)

	assert.Equal(t, 0, s.NodeCount())
	assert.Equal(t, uint64(0), s.Revision())
}

func TestStore_StubPromotion(t *testing.T) {
	s := New()

	stubID := mustUpsertNode(t, s, fileNode("/p/a.ts", false))
	stub, ok := s.GetNode(stubID)
	require.True(t, ok)
	assert.False(t, stub.Metadata.Exists)

	id := mustUpsertNode(t, s, Node{
		Identifier: "/p/a.ts",
		Type:       NodeTypeFile,
		Language:   "typescript",
		Metadata:   NodeMetadata{Exists: true, Namespaces: []string{"source"}},
	})
	assert.Equal(t, stubID, id)
	assert.Equal(t, 1, s.NodeCount())

	promoted, ok := s.NodeByIdentifier("/p/a.ts")
	require.True(t, ok)
	assert.True(t, promoted.Metadata.Exists)
	assert.Equal(t, "typescript", promoted.Language)
	assert.Equal(t, "/p/a.ts", promoted.Name, "empty name keeps old value")
	assert.Equal(t, []string{"source"}, promoted.Metadata.Namespaces)
}

func TestStore_ExistsIsSticky(t *testing.T) {
	s := New()
	mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	mustUpsertNode(t, s, fileNode("/p/a.ts", false))

	n, ok := s.NodeByIdentifier("/p/a.ts")
	require.True(t, ok)
	assert.True(t, n.Metadata.Exists)
}

func TestStore_NamespacesNilKeepsLabels(t *testing.T) {
	s := New()
	n := fileNode("/p/a.ts", true)
	n.Metadata.Namespaces = []string{"source"}
	mustUpsertNode(t, s, n)
	mustUpsertNode(t, s, fileNode("/p/a.ts", true))

	got, _ := s.NodeByIdentifier("/p/a.ts")
	assert.Equal(t, []string{"source"}, got.Metadata.Namespaces)

	n.Metadata.Namespaces = []string{}
	mustUpsertNode(t, s, n)
	got, _ = s.NodeByIdentifier("/p/a.ts")
	assert.Empty(t, got.Metadata.Namespaces)
}

func TestStore_UpsertEdge_UniqueTriple(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	b := mustUpsertNode(t, s, fileNode("/p/b.ts", true))

	e1, err := s.UpsertEdge(ctx, a, b, EdgeTypeImports, EdgeAttrs{Metadata: EdgeMetadata{Line: 3}})
	require.NoError(t, err)
	e2, err := s.UpsertEdge(ctx, a, b, EdgeTypeImports, EdgeAttrs{Metadata: EdgeMetadata{Line: 7}})
	require.NoError(t, err)
	e3 := mustUpsertEdge(t, s, a, b, EdgeTypeDependsOn)

	assert.Equal(t, e1, e2)
	assert.NotEqual(t, e1, e3)
	assert.Equal(t, 2, s.EdgeCount())

	edge, ok := s.GetEdge(e1)
	require.True(t, ok)
	assert.Equal(t, 7, edge.Metadata.Line)
	assert.Equal(t, 1.0, edge.Weight)
}

func TestStore_UpsertEdge_ReferentialIntegrity(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))

	_, err := s.UpsertEdge(ctx, a, 99, EdgeTypeImports, EdgeAttrs{})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = s.UpsertEdge(ctx, 0, a, EdgeTypeImports, EdgeAttrs{})
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = s.UpsertEdge(ctx, a, a, "uses", EdgeAttrs{})
	assert.ErrorIs(t, err, ErrInvalidEdge)

	assert.Equal(t, 0, s.EdgeCount())
}

func TestStore_Update_RollbackOnError(t *testing.T) {
	s := New()
	mustUpsertNode(t, s, fileNode("/p/existing.ts", false))
	rev := s.Revision()

	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx *Tx) error {
		a, err := tx.UpsertNode(fileNode("/p/a.ts", true))
		require.NoError(t, err)
		b, err := tx.UpsertNode(fileNode("/p/existing.ts", true))
		require.NoError(t, err)
		_, err = tx.UpsertEdge(a.ID, b.ID, EdgeTypeImports, EdgeAttrs{})
		require.NoError(t, err)
		tx.PutMeta("k", []byte("v"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, s.NodeCount())
	assert.Equal(t, 0, s.EdgeCount())
	assert.Equal(t, rev, s.Revision())
	_, ok := s.NodeByIdentifier("/p/a.ts")
	assert.False(t, ok)
	existing, _ := s.NodeByIdentifier("/p/existing.ts")
	assert.False(t, existing.Metadata.Exists)
	_, ok = s.GetMeta("k")
	assert.False(t, ok)
}

func TestStore_Update_RollbackOnPanic(t *testing.T) {
	s := New()

	assert.Panics(t, func() {
		_ = s.Update(context.Background(), func(tx *Tx) error {
			_, _ = tx.UpsertNode(fileNode("/p/a.ts", true))
			panic("bad")
		})
	})
	assert.Equal(t, 0, s.NodeCount())

	// The writer lock must have been released.
	mustUpsertNode(t, s, fileNode("/p/b.ts", true))
}

func TestStore_Update_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_Closed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())

	_, err := s.UpsertNode(context.Background(), fileNode("/p/a.ts", true))
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStore_DependentsInverseOfDependencies(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	b := mustUpsertNode(t, s, fileNode("/p/b.ts", true))
	c := mustUpsertNode(t, s, fileNode("/p/c.ts", true))
	lodash := mustUpsertNode(t, s, Node{Identifier: "package:lodash", Type: NodeTypeExternal, Name: "lodash"})

	mustUpsertEdge(t, s, a, b, EdgeTypeImports)
	mustUpsertEdge(t, s, a, c, EdgeTypeImports)
	mustUpsertEdge(t, s, b, c, EdgeTypeImports)
	mustUpsertEdge(t, s, a, lodash, EdgeTypeDependsOn)
	mustUpsertEdge(t, s, b, lodash, EdgeTypeDependsOn)

	all, err := s.FindEdges(ctx, EdgeFilter{})
	require.NoError(t, err)
	for _, e := range all {
		deps, err := s.FindNodeDependencies(ctx, e.FromNodeID)
		require.NoError(t, err)
		assert.Contains(t, ids(deps), e.ToNodeID)

		dependents, err := s.FindNodeDependents(ctx, e.ToNodeID)
		require.NoError(t, err)
		assert.Contains(t, ids(dependents), e.FromNodeID)
	}

	dependents, err := s.FindNodeDependents(ctx, lodash)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, identifiers(dependents))

	onlyImports, err := s.FindNodeDependencies(ctx, a, EdgeTypeImports)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/b.ts", "/p/c.ts"}, identifiers(onlyImports))

	_, err = s.FindNodeDependencies(ctx, 42)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = s.FindNodeDependencies(ctx, a, "bogus")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestStore_FindNodes(t *testing.T) {
	s := New()
	ctx := context.Background()

	src := fileNode("/p/src/a.ts", true)
	src.Metadata.Namespaces = []string{"source"}
	mustUpsertNode(t, s, src)
	test := fileNode("/p/test/a.test.ts", true)
	test.Metadata.Namespaces = []string{"tests"}
	mustUpsertNode(t, s, test)
	mustUpsertNode(t, s, fileNode("/p/src/stub.ts", false))
	mustUpsertNode(t, s, Node{Identifier: "builtin:fs", Type: NodeTypeBuiltin, Name: "fs"})

	files, err := s.FindNodes(ctx, NodeFilter{Types: []NodeType{NodeTypeFile}})
	require.NoError(t, err)
	assert.Len(t, files, 3)

	tests, err := s.FindNodes(ctx, NodeFilter{Namespace: "tests"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/test/a.test.ts"}, identifiers(tests))

	bySource, err := s.FindNodes(ctx, NodeFilter{SourceFiles: []string{"/p/src/a.ts", "/p/src/stub.ts"}})
	require.NoError(t, err)
	assert.Len(t, bySource, 2)

	stubs := false
	onlyStubs, err := s.FindNodes(ctx, NodeFilter{Types: []NodeType{NodeTypeFile}, Exists: &stubs})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/src/stub.ts"}, identifiers(onlyStubs))
}

func TestStore_InvalidFiltersRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.FindNodes(ctx, NodeFilter{Types: []NodeType{"module"}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = s.FindNodes(ctx, NodeFilter{Identifiers: []string{""}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = s.Query(ctx, QueryFilter{EdgeTypes: []EdgeType{"uses"}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = s.Query(ctx, QueryFilter{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestStore_Query(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	b := mustUpsertNode(t, s, fileNode("/p/b.ts", true))
	fs := mustUpsertNode(t, s, Node{Identifier: "builtin:fs", Type: NodeTypeBuiltin})
	mustUpsertEdge(t, s, a, b, EdgeTypeImports)
	mustUpsertEdge(t, s, a, fs, EdgeTypeDependsOn)

	all, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, all.Nodes, 3)
	assert.Len(t, all.Edges, 2)
	assert.Equal(t, s.Revision(), all.Revision)

	files, err := s.Query(ctx, QueryFilter{NodeFilter: NodeFilter{Types: []NodeType{NodeTypeFile}}})
	require.NoError(t, err)
	assert.Len(t, files.Nodes, 2)
	require.Len(t, files.Edges, 1)
	assert.Equal(t, EdgeTypeImports, files.Edges[0].Type)

	limited, err := s.Query(ctx, QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Nodes, 1)
	assert.True(t, limited.Truncated)
	assert.Empty(t, limited.Edges)
}

func TestStore_Stats(t *testing.T) {
	s := New()
	a := mustUpsertNode(t, s, fileNode("/p/a.ts", true))
	b := mustUpsertNode(t, s, fileNode("/p/b.ts", false))
	l := mustUpsertNode(t, s, Node{Identifier: "package:lodash", Type: NodeTypeExternal})
	mustUpsertEdge(t, s, a, b, EdgeTypeImports)
	mustUpsertEdge(t, s, a, l, EdgeTypeDependsOn)

	st := s.Stats()
	assert.Equal(t, 3, st.TotalNodes)
	assert.Equal(t, 2, st.TotalEdges)
	assert.Equal(t, 2, st.NodeTypeCounts[NodeTypeFile])
	assert.Equal(t, 1, st.NodeTypeCounts[NodeTypeExternal])
	assert.Equal(t, 1, st.EdgeTypeCounts[EdgeTypeImports])
	assert.Equal(t, 1, st.StubNodes)
}

func TestStore_ReturnedNodesAreCopies(t *testing.T) {
	s := New()
	n := fileNode("/p/a.ts", true)
	n.Metadata.Namespaces = []string{"source"}
	id := mustUpsertNode(t, s, n)

	got, _ := s.GetNode(id)
	got.Metadata.Namespaces[0] = "mutated"

	again, _ := s.GetNode(id)
	assert.Equal(t, "source", again.Metadata.Namespaces[0])
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = s.Update(ctx, func(tx *Tx) error {
					a, err := tx.UpsertNode(fileNode("/p/shared.ts", true))
					if err != nil {
						return err
					}
					b, err := tx.UpsertNode(Node{Identifier: "package:lodash", Type: NodeTypeExternal})
					if err != nil {
						return err
					}
					_, err = tx.UpsertEdge(a.ID, b.ID, EdgeTypeDependsOn, EdgeAttrs{})
					return err
				})
				_, _ = s.Query(ctx, QueryFilter{})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, 1, s.EdgeCount())
}

func ids(nodes []Node) []int64 {
	out := make([]int64, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func identifiers(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Identifier
	}
	return out
}
