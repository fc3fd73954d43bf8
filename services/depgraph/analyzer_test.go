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
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/namespace"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

func testConfig(t *testing.T, namespaces ...namespace.Namespace) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.ProjectRoot = "/p"
	cfg.Store.InMemory = true
	cfg.Pipeline.Workers = 2
	cfg.Namespaces = namespaces
	return cfg
}

func openTestAnalyzer(t *testing.T, namespaces ...namespace.Namespace) *Analyzer {
	t.Helper()
	a, err := Open(context.Background(), testConfig(t, namespaces...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func ingest(t *testing.T, a *Analyzer, files ...pipeline.FileFacts) {
	t.Helper()
	res, err := a.AnalyzeAll(context.Background(), files)
	require.NoError(t, err)
	require.True(t, res.Success(), "file errors: %v", res.FileErrors)
}

func identifiers(nodes []store.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Identifier
	}
	return out
}

func TestAnalyzer_IdempotentReingestion(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	facts := []pipeline.FileFacts{
		{FilePath: "src/index.ts", Internal: []string{"./math.ts"}, External: []string{"lodash"}},
		{FilePath: "src/math.ts", Builtin: []string{"fs"}},
	}

	ingest(t, a, facts...)
	before, err := a.GetProjectStats(ctx)
	require.NoError(t, err)

	ingest(t, a, facts...)
	after, err := a.GetProjectStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, before.TotalNodes, after.TotalNodes)
	assert.Equal(t, before.TotalEdges, after.TotalEdges)
	assert.Equal(t, before.NodeTypeCounts, after.NodeTypeCounts)
}

func TestAnalyzer_FileDependenciesAreInverse(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts", "./c.ts"}},
		pipeline.FileFacts{FilePath: "b.ts", Internal: []string{"./c.ts"}},
		pipeline.FileFacts{FilePath: "c.ts"},
	)

	edges, err := a.Store().FindEdges(ctx, store.EdgeFilter{})
	require.NoError(t, err)
	require.Len(t, edges, 3)

	for _, e := range edges {
		from, _ := a.Store().GetNode(e.FromNodeID)
		to, _ := a.Store().GetNode(e.ToNodeID)

		fromDeps, err := a.GetFileDependencies(ctx, from.Identifier)
		require.NoError(t, err)
		assert.Contains(t, identifiers(fromDeps.Dependencies), to.Identifier)

		toDeps, err := a.GetFileDependencies(ctx, to.Identifier)
		require.NoError(t, err)
		assert.Contains(t, identifiers(toDeps.Dependents), from.Identifier)
	}

	rel, err := a.GetFileDependencies(ctx, "c.ts")
	require.NoError(t, err)
	assert.Equal(t, "/p/c.ts", rel.File.Identifier)
	assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, identifiers(rel.Dependents))
	assert.Empty(t, rel.Dependencies)

	_, err = a.GetFileDependencies(ctx, "missing.ts")
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestAnalyzer_SharedExternalNode(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "x.ts", External: []string{"lodash"}},
		pipeline.FileFacts{FilePath: "y.ts", External: []string{"lodash"}},
	)

	external := store.NodeTypeExternal
	listing, err := a.ListAllNodes(ctx, &external)
	require.NoError(t, err)
	require.Len(t, listing.Nodes, 1)
	assert.Equal(t, "lodash", listing.Nodes[0].Name)
	assert.Equal(t, 1, listing.StatsByType[store.NodeTypeExternal])
	assert.Equal(t, 2, listing.StatsByType[store.NodeTypeFile])

	dependents, err := a.Store().FindNodeDependents(ctx, listing.Nodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/x.ts", "/p/y.ts"}, identifiers(dependents))
}

func TestAnalyzer_CyclesAcyclicAndSimple(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "index.ts", Internal: []string{"./math.ts"}},
		pipeline.FileFacts{FilePath: "math.ts", Internal: []string{"./utils.ts"}},
		pipeline.FileFacts{FilePath: "utils.ts"},
	)

	found, err := a.GetCircularDependencies(ctx, CycleScope{})
	require.NoError(t, err)
	assert.Empty(t, found)

	ingest(t, a,
		pipeline.FileFacts{FilePath: "A.ts", Internal: []string{"./B.ts"}},
		pipeline.FileFacts{FilePath: "B.ts", Internal: []string{"./C.ts"}},
		pipeline.FileFacts{FilePath: "C.ts", Internal: []string{"./A.ts"}},
	)

	found, err = a.GetCircularDependencies(ctx, CycleScope{})
	require.NoError(t, err, "a new revision must not return the cached acyclic result")
	require.Len(t, found, 1)
	assert.Equal(t, []string{"/p/A.ts", "/p/B.ts", "/p/C.ts"}, found[0])
}

func TestAnalyzer_CycleCache(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts"}},
		pipeline.FileFacts{FilePath: "b.ts", Internal: []string{"./a.ts"}},
	)

	first, err := a.DetectCycles(ctx, CycleScope{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, a.cycleCache.Len())

	// Mutating a returned result must not leak into the cache.
	first[0].Identifiers[0] = "mutated"
	second, err := a.DetectCycles(ctx, CycleScope{})
	require.NoError(t, err)
	assert.Equal(t, "/p/a.ts", second[0].Identifiers[0])
	assert.Equal(t, 1, a.cycleCache.Len())

	// Equivalent scopes share a key regardless of type order.
	scopeA := CycleScope{EdgeTypes: []store.EdgeType{store.EdgeTypeImports, store.EdgeTypeCalls}}
	scopeB := CycleScope{EdgeTypes: []store.EdgeType{store.EdgeTypeCalls, store.EdgeTypeImports}}
	assert.Equal(t, scopeA.key(), scopeB.key())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.DetectCycles(ctx, scopeA)
			assert.NoError(t, err)
			assert.Len(t, got, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, a.cycleCache.Len())
}

func TestAnalyzer_CyclesCancelled(t *testing.T) {
	a := openTestAnalyzer(t)
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts"}},
		pipeline.FileFacts{FilePath: "b.ts", Internal: []string{"./a.ts"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.GetCircularDependencies(ctx, CycleScope{})
	assert.ErrorIs(t, err, cycles.ErrPartialResult)
	assert.Equal(t, 0, a.cycleCache.Len())
}

func flightWaiters(a *Analyzer) int {
	a.flightMu.Lock()
	defer a.flightMu.Unlock()
	n := 0
	for _, f := range a.flights {
		n += f.waiters
	}
	return n
}

// blockingDetect replaces the detector with one that waits for release
// or for its context to end.
func blockingDetect(a *Analyzer, started chan<- struct{}, release <-chan struct{}, runs *atomic.Int32) {
	var once sync.Once
	a.detect = func(ctx context.Context, opts cycles.Options) ([]cycles.Cycle, error) {
		runs.Add(1)
		once.Do(func() { close(started) })
		select {
		case <-release:
			return a.detector.Detect(ctx, opts)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", cycles.ErrPartialResult, ctx.Err())
		}
	}
}

func TestAnalyzer_SharedDetectionSurvivesCancelledCaller(t *testing.T) {
	a := openTestAnalyzer(t)
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts"}},
		pipeline.FileFacts{FilePath: "b.ts", Internal: []string{"./a.ts"}},
	)
	started, release := make(chan struct{}), make(chan struct{})
	var runs atomic.Int32
	blockingDetect(a, started, release, &runs)

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error, 1)
	go func() {
		_, err := a.DetectCycles(impatient, CycleScope{})
		impatientErr <- err
	}()
	<-started

	type outcome struct {
		found []cycles.Cycle
		err   error
	}
	patient := make(chan outcome, 1)
	go func() {
		found, err := a.DetectCycles(context.Background(), CycleScope{})
		patient <- outcome{found, err}
	}()
	require.Eventually(t, func() bool { return flightWaiters(a) == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-impatientErr:
		assert.ErrorIs(t, err, cycles.ErrPartialResult)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case got := <-patient:
		require.NoError(t, got.err)
		require.Len(t, got.found, 1)
		assert.Equal(t, []string{"/p/a.ts", "/p/b.ts"}, got.found[0].Identifiers)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.Equal(t, int32(1), runs.Load(), "both callers shared one run")
	assert.Zero(t, flightWaiters(a))
	assert.Equal(t, 1, a.cycleCache.Len())
}

func TestAnalyzer_AbandonedDetectionIsCancelled(t *testing.T) {
	a := openTestAnalyzer(t)
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts"}},
		pipeline.FileFacts{FilePath: "b.ts", Internal: []string{"./a.ts"}},
	)
	started, release := make(chan struct{}), make(chan struct{})
	var runs atomic.Int32
	blockingDetect(a, started, release, &runs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.DetectCycles(ctx, CycleScope{})
		done <- err
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, cycles.ErrPartialResult)

	a.flightMu.Lock()
	assert.Empty(t, a.flights)
	a.flightMu.Unlock()

	assert.Zero(t, a.cycleCache.Len(), "the abandoned run caches nothing")

	// A later caller never inherits the abandoned run's cancellation.
	close(release)
	found, err := a.DetectCycles(context.Background(), CycleScope{})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Equal(t, int32(2), runs.Load())
}

func TestAnalyzer_CrossNamespaceDependencies(t *testing.T) {
	a := openTestAnalyzer(t,
		namespace.Namespace{Name: "source", Patterns: []string{"src/**"}},
		namespace.Namespace{Name: "tests", Patterns: []string{"test/**"}},
	)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "src/x.ts"},
		pipeline.FileFacts{FilePath: "src/a.ts", Internal: []string{"./x.ts"}},
		pipeline.FileFacts{FilePath: "test/y.ts", Internal: []string{"../src/x.ts"}},
	)

	deps, err := a.GetCrossNamespaceDependencies(ctx)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "/p/test/y.ts", deps[0].Source)
	assert.Equal(t, "/p/src/x.ts", deps[0].Target)
	assert.Equal(t, "tests", deps[0].SourceNamespace)
	assert.Equal(t, "source", deps[0].TargetNamespace)
	assert.Equal(t, store.EdgeTypeImports, deps[0].Type)

	summary, err := a.CrossNamespaceSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []namespace.PairCount{{SourceNamespace: "tests", TargetNamespace: "source", Count: 1}}, summary)

	stats, err := a.GetProjectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Namespaces)
	assert.Equal(t, 1, stats.CrossEdges)
}

func TestAnalyzer_DefineNamespacesRelabels(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "src/x.ts"},
		pipeline.FileFacts{FilePath: "test/y.ts", Internal: []string{"../src/x.ts"}},
	)

	deps, err := a.GetCrossNamespaceDependencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, deps)

	res, err := a.DefineNamespaces(ctx, false,
		namespace.Namespace{Name: "source", Patterns: []string{"src/**"}},
		namespace.Namespace{Name: "tests", Members: []string{"test/y.ts"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesRelabeled)
	assert.Equal(t, 1, res.EdgesRelabeled)

	deps, err = a.GetCrossNamespaceDependencies(ctx)
	require.NoError(t, err)
	require.Len(t, deps, 1)

	scoped, err := a.GetCircularDependencies(ctx, CycleScope{Namespace: "tests"})
	require.NoError(t, err)
	assert.Empty(t, scoped)

	_, err = a.DefineNamespaces(ctx, false, namespace.Namespace{Name: ""})
	assert.ErrorIs(t, err, namespace.ErrInvalidNamespace)

	_, err = a.DefineNamespaces(ctx, true, namespace.Namespace{Name: "all", Patterns: []string{"**"}})
	require.NoError(t, err)
	deps, err = a.GetCrossNamespaceDependencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, deps, "one namespace leaves nothing crossing")
}

func TestAnalyzer_InferTransitive(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	ingest(t, a,
		pipeline.FileFacts{FilePath: "A.ts", Internal: []string{"./B.ts"}},
		pipeline.FileFacts{FilePath: "B.ts", Internal: []string{"./C.ts"}},
		pipeline.FileFacts{FilePath: "C.ts", Internal: []string{"./D.ts"}},
	)

	res, err := a.InferTransitive(ctx, "A.ts", store.EdgeTypeImports, inference.TransitiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/p/A.ts", res.Start.Identifier)
	got := make([]string, len(res.Reached))
	for i, r := range res.Reached {
		got[i] = r.Node.Identifier
	}
	assert.Equal(t, []string{"/p/B.ts", "/p/C.ts", "/p/D.ts"}, got)

	res, err = a.InferTransitive(ctx, "/p/A.ts", store.EdgeTypeImports, inference.TransitiveOptions{MaxHops: 1})
	require.NoError(t, err)
	require.Len(t, res.Reached, 1)
	assert.Equal(t, "/p/B.ts", res.Reached[0].Node.Identifier)

	_, err = a.InferTransitive(ctx, "nope.ts", store.EdgeTypeImports, inference.TransitiveOptions{})
	assert.ErrorIs(t, err, store.ErrNodeNotFound)
}

func TestAnalyzer_HierarchicalAndMaterialize(t *testing.T) {
	a := openTestAnalyzer(t)
	ctx := context.Background()
	s := a.Store()

	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", External: []string{"lodash"}},
		pipeline.FileFacts{FilePath: "b.ts"},
	)
	fileA, _ := s.NodeByIdentifier("/p/a.ts")
	fileB, _ := s.NodeByIdentifier("/p/b.ts")
	sym, err := s.UpsertNode(ctx, store.Node{Identifier: "/p/b.ts#helper", Type: store.NodeTypeSymbol, SourceFile: "/p/b.ts"})
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, fileB.ID, sym, store.EdgeTypeDefines, store.EdgeAttrs{})
	require.NoError(t, err)
	_, err = s.UpsertEdge(ctx, sym, fileA.ID, store.EdgeTypeDependsOn, store.EdgeAttrs{})
	require.NoError(t, err)

	derived, err := a.InferHierarchical(ctx, "b.ts", inference.HierarchicalRequest{
		Containment: store.EdgeTypeDefines,
		Relation:    store.EdgeTypeDependsOn,
		Composition: inference.Upward,
	})
	require.NoError(t, err)
	pairs := make([]string, len(derived))
	for i, d := range derived {
		pairs[i] = d.From + "->" + d.To
	}
	assert.Equal(t, []string{"/p/b.ts->/p/a.ts", "/p/b.ts->package:lodash"}, pairs)

	res, err := a.MaterializeInferred(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EdgesCreated)

	deps, err := a.GetFileDependencies(ctx, "b.ts")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/p/a.ts", "/p/b.ts#helper", "package:lodash"}, identifiers(deps.Dependencies))
}

func TestAnalyzer_AnalyzeReader(t *testing.T) {
	a := openTestAnalyzer(t)
	body := `{"file_path":"a.ts","internal":["./b.ts"]}
{"file_path":"","internal":["./c.ts"]}
{"file_path":"b.ts"}`

	res, err := a.AnalyzeReader(context.Background(), strings.NewReader(body))
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
	require.Len(t, res.FileErrors, 1)
	assert.ErrorIs(t, res.FileErrors[0].Err, pipeline.ErrInvalidFacts)

	_, err = a.AnalyzeReader(context.Background(), strings.NewReader("{not json"))
	assert.ErrorIs(t, err, pipeline.ErrInvalidFacts)
}

func TestAnalyzer_Query(t *testing.T) {
	a := openTestAnalyzer(t)
	ingest(t, a,
		pipeline.FileFacts{FilePath: "a.ts", Internal: []string{"./b.ts"}, External: []string{"react"}},
	)

	snap, err := a.Query(context.Background(), store.QueryFilter{
		NodeFilter: store.NodeFilter{Types: []store.NodeType{store.NodeTypeFile}},
	})
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Edges, 1)

	_, err = a.Query(context.Background(), store.QueryFilter{Limit: -1})
	assert.ErrorIs(t, err, store.ErrInvalidFilter)
}

func TestAnalyzer_PersistentReopen(t *testing.T) {
	root := t.TempDir()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.ProjectRoot = root
	cfg.Store.SyncWrites = false
	cfg.Store.GCInterval = 0
	ctx := context.Background()

	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	ingest(t, a,
		pipeline.FileFacts{FilePath: "src/a.ts", Internal: []string{"./b.ts"}, External: []string{"lodash"}},
	)
	_, err = a.DefineNamespaces(ctx, false, namespace.Namespace{Name: "source", Patterns: []string{"src/**"}})
	require.NoError(t, err)
	before, err := a.GetFileDependencies(ctx, "src/a.ts")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	after, err := b.GetFileDependencies(ctx, "src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, before.File.ID, after.File.ID)
	assert.Equal(t, []string{"source"}, after.File.Metadata.Namespaces)
	assert.Equal(t, identifiers(before.Dependencies), identifiers(after.Dependencies))
	require.Len(t, b.Namespaces(), 1)

	// Ingestion continues without duplicating the shared node.
	ingest(t, b, pipeline.FileFacts{FilePath: "src/b.ts", External: []string{"lodash"}})
	external := store.NodeTypeExternal
	listing, err := b.ListAllNodes(ctx, &external)
	require.NoError(t, err)
	assert.Len(t, listing.Nodes, 1)

	stats, err := b.GetProjectStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Persistent)
}

func TestAnalyzer_Closed(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.AnalyzeFile(context.Background(), pipeline.FileFacts{FilePath: "a.ts"})
	assert.ErrorIs(t, err, ErrAnalyzerClosed)
	_, err = a.GetProjectStats(context.Background())
	assert.ErrorIs(t, err, ErrAnalyzerClosed)
}

func TestOpen_NilConfig(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
