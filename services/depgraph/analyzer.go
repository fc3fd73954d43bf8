// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depgraph is the entry point to the dependency graph core.
//
// An Analyzer owns one graph store per project root together with the
// components that read and write it:
//
//	            ┌─────────────────────────────┐
//	 facts ───► │ pipeline (workers + writer) │ ───┐
//	            └─────────────────────────────┘    ▼
//	┌───────────┐  labels   ┌──────────────────────────┐
//	│ namespace │ ────────► │ store (arena + badger)   │
//	└───────────┘           └──────────────────────────┘
//	                          │          │          │
//	                        cycles   inference    query
//
// The Analyzer is built from a config.Config, is safe for concurrent use,
// and must be closed by the caller. Handlers expose it over HTTP.
package depgraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/namespace"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	dgbadger "github.com/AleutianAI/depgraph/services/depgraph/storage/badger"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// Version is reported by the health endpoint and the CLI.
const Version = "0.1.0"

var tracer = otel.Tracer("depgraph.analyzer")

// Option is a functional option for configuring an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Analyzer is the explicit context object for one project graph.
//
// Thread Safety: Safe for concurrent use. Writes are serialized by the
// store; reads run concurrently.
type Analyzer struct {
	cfg      *config.Config
	root     string
	logger   *slog.Logger
	db       *dgbadger.DB
	store    *store.Store
	resolver pipeline.PathResolver
	tracker  *namespace.Tracker
	pipeline *pipeline.Pipeline
	detector *cycles.Detector
	engine   *inference.Engine

	// cycleCache holds detection results keyed by scope and store revision,
	// so any committed write invalidates every entry implicitly.
	cycleCache *lru.Cache[string, []cycles.Cycle]
	cycleGroup singleflight.Group

	// flights holds the detached context of each running detection. It is
	// cancelled only when every caller waiting on it has gone.
	flightMu sync.Mutex
	flights  map[string]*cycleFlight
	detect   func(context.Context, cycles.Options) ([]cycles.Cycle, error)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open builds an Analyzer from cfg.
//
// Description:
//
//	Opens (or creates) the badger store under cfg.StorePath() unless the
//	store is in memory, reloads the persisted graph and namespace
//	definitions, then applies any namespaces from cfg on top and relabels
//	the graph if they changed anything.
//
// Inputs:
//
//	ctx - Context for loading.
//	cfg - Validated configuration.
//	opts - Functional options.
//
// Outputs:
//
//	*Analyzer - Ready to use. Must be closed.
//	error - Non-nil if the store cannot be opened or is corrupt.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Analyzer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidRequest)
	}
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	a := &Analyzer{
		cfg:      cfg,
		root:     root,
		logger:   slog.Default(),
		resolver: pipeline.PathResolver{Root: root},
	}
	for _, opt := range opts {
		opt(a)
	}

	cache, err := lru.New[string, []cycles.Cycle](cfg.Cycles.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cycle cache: %w", err)
	}
	a.cycleCache = cache

	storeOpts := []store.Option{store.WithLogger(a.logger)}
	if !cfg.Store.InMemory {
		db, err := a.openDB()
		if err != nil {
			return nil, err
		}
		a.db = db
		storeOpts = append(storeOpts, store.WithDB(db))
	}

	s, err := store.Open(ctx, storeOpts...)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.store = s

	a.tracker = namespace.New(s, namespace.WithRoot(root), namespace.WithLogger(a.logger))
	a.pipeline = pipeline.New(s,
		pipeline.WithResolver(a.resolver),
		pipeline.WithLabeler(a.tracker),
		pipeline.WithWorkers(cfg.Workers()),
		pipeline.WithLogger(a.logger),
	)
	a.detector = cycles.NewDetector(s, a.logger)
	a.detect = a.detector.Detect
	a.flights = make(map[string]*cycleFlight)
	a.engine = inference.NewEngine(s, a.logger)

	if _, err := a.tracker.Load(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	if len(cfg.Namespaces) > 0 {
		if _, err := a.DefineNamespaces(ctx, false, cfg.Namespaces...); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.logger.Info("analyzer opened",
		slog.String("project_root", root),
		slog.Bool("persistent", s.Persistent()),
		slog.Int("nodes", s.NodeCount()),
		slog.Int("edges", s.EdgeCount()),
		slog.Int("namespaces", len(a.tracker.Definitions())),
	)
	return a, nil
}

func (a *Analyzer) openDB() (*dgbadger.DB, error) {
	path := a.cfg.StorePath()
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbCfg := dgbadger.DefaultConfig(path)
	dbCfg.SyncWrites = a.cfg.Store.SyncWrites
	dbCfg.Logger = a.logger
	dbCfg.GCInterval = a.cfg.Store.GCInterval
	if a.cfg.Store.GCDiscardRatio > 0 {
		dbCfg.GCDiscardRatio = a.cfg.Store.GCDiscardRatio
	}
	db, err := dgbadger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return db, nil
}

func (a *Analyzer) closeDB() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Close releases the store and its database. Safe to call twice.
func (a *Analyzer) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		var errs []error
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		errs = append(errs, a.closeDB())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *Analyzer) check() error {
	if a.closed.Load() {
		return ErrAnalyzerClosed
	}
	return nil
}

// Store exposes the underlying store for advanced read access.
func (a *Analyzer) Store() *store.Store {
	return a.store
}

// ProjectRoot returns the absolute project root.
func (a *Analyzer) ProjectRoot() string {
	return a.root
}

// =============================================================================
// Ingestion
// =============================================================================

// AnalyzeFile ingests one file's facts in a single transaction.
func (a *Analyzer) AnalyzeFile(ctx context.Context, facts pipeline.FileFacts) (*pipeline.AnalysisResult, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.pipeline.AnalyzeFile(ctx, facts)
}

// AnalyzeAll ingests many files through the worker pool. Per-file failures
// are reported in the result and never abort the batch.
func (a *Analyzer) AnalyzeAll(ctx context.Context, files []pipeline.FileFacts) (*pipeline.BatchResult, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.pipeline.AnalyzeAll(ctx, files)
}

// AnalyzeReader decodes facts (JSON array, object, or JSONL) from r and
// ingests them as one batch.
func (a *Analyzer) AnalyzeReader(ctx context.Context, r io.Reader) (*pipeline.BatchResult, error) {
	files, err := pipeline.DecodeFacts(r)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeAll(ctx, files)
}

// =============================================================================
// Queries
// =============================================================================

// GetFileDependencies returns the direct dependencies and dependents of a
// file. filePath may be absolute or relative to the project root.
//
// Outputs:
//
//	*FileDependencies - Neighbors sorted by identifier.
//	error - store.ErrNodeNotFound if the file was never seen.
func (a *Analyzer) GetFileDependencies(ctx context.Context, filePath string) (*FileDependencies, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	identifier, err := a.resolver.ResolveFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidRequest, filePath, err)
	}
	file, ok := a.store.NodeByIdentifier(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNodeNotFound, identifier)
	}

	deps, err := a.store.FindNodeDependencies(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	dependents, err := a.store.FindNodeDependents(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return &FileDependencies{File: file, Dependencies: deps, Dependents: dependents}, nil
}

// GetProjectStats summarizes the graph.
func (a *Analyzer) GetProjectStats(ctx context.Context) (*ProjectStats, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	stats := a.store.Stats()
	cross, err := a.store.FindEdges(ctx, store.EdgeFilter{CrossNamespaceOnly: true})
	if err != nil {
		return nil, err
	}
	return &ProjectStats{
		TotalNodes:     stats.TotalNodes,
		TotalEdges:     stats.TotalEdges,
		NodeTypeCounts: stats.NodeTypeCounts,
		EdgeTypeCounts: stats.EdgeTypeCounts,
		StubNodes:      stats.StubNodes,
		Namespaces:     len(a.tracker.Definitions()),
		CrossEdges:     len(cross),
		Persistent:     a.store.Persistent(),
		Revision:       stats.Revision,
	}, nil
}

// ListAllNodes returns every node, optionally restricted to one type.
// StatsByType always counts the whole graph.
func (a *Analyzer) ListAllNodes(ctx context.Context, nodeType *store.NodeType) (*NodeListing, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	filter := store.NodeFilter{}
	if nodeType != nil {
		filter.Types = []store.NodeType{*nodeType}
	}
	nodes, err := a.store.FindNodes(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &NodeListing{Nodes: nodes, StatsByType: a.store.Stats().NodeTypeCounts}, nil
}

// Query returns a consistent snapshot of matching nodes and the edges
// between them, for bulk export.
func (a *Analyzer) Query(ctx context.Context, filter store.QueryFilter) (*store.Snapshot, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.store.Query(ctx, filter)
}

// =============================================================================
// Cycles
// =============================================================================

// DetectCycles returns the cycles in scope.
//
// Description:
//
//	Results are cached per (scope, store revision) in an LRU. Concurrent
//	misses for the same key share one detection run; a caller whose ctx
//	ends stops waiting without affecting the others. Callers receive their
//	own copy.
//
// Outputs:
//
//	[]cycles.Cycle - Cycles sorted by first identifier.
//	error - cycles.ErrPartialResult on cancellation,
//	        namespace.ErrUnknownNamespace for an undefined scope namespace.
func (a *Analyzer) DetectCycles(ctx context.Context, scope CycleScope) ([]cycles.Cycle, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if scope.Namespace != "" {
		if _, err := a.tracker.Lookup(scope.Namespace); err != nil {
			return nil, err
		}
	}
	ctx, span := tracer.Start(ctx, "Analyzer.DetectCycles",
		trace.WithAttributes(attribute.String("depgraph.scope", scope.key())),
	)
	defer span.End()

	key := fmt.Sprintf("%d|%s", a.store.Revision(), scope.key())
	if cached, ok := a.cycleCache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return copyCycles(cached), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", cycles.ErrPartialResult, err)
	}

	v, shared, err := a.awaitCycles(ctx, key, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection failed")
		return nil, err
	}
	found, ok := v.([]cycles.Cycle)
	if !ok {
		return nil, fmt.Errorf("unexpected type from cycle group: %T", v)
	}
	span.SetAttributes(attribute.Bool("cache_hit", false), attribute.Bool("shared", shared))
	return copyCycles(found), nil
}

// cycleFlight is one shared detection run and the number of callers
// waiting on it.
type cycleFlight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// awaitCycles joins (or starts) the detection for key and waits for it
// or for ctx, whichever ends first.
//
// Description:
//
//	The detection runs on a context detached from every caller, so one
//	caller giving up never fails the others. The run is cancelled once
//	the last waiting caller has left. A caller that joined a run which
//	was cancelled just before it arrived retries with a fresh run.
//
// Outputs:
//
//	any - The []cycles.Cycle produced by the run.
//	bool - True if the result was shared with other callers.
//	error - cycles.ErrPartialResult wrapping ctx.Err() when ctx ends first,
//	        or the detection error.
func (a *Analyzer) awaitCycles(ctx context.Context, key string, scope CycleScope) (any, bool, error) {
	for {
		flight := a.joinFlight(ctx, key)
		ch := a.cycleGroup.DoChan(key, func() (any, error) {
			if cached, ok := a.cycleCache.Get(key); ok {
				return cached, nil
			}
			start := time.Now()
			found, err := a.detect(flight.ctx, scope.options())
			if err != nil {
				return nil, err
			}
			a.cycleCache.Add(key, found)
			a.logger.Debug("cycles computed",
				slog.String("scope", scope.key()),
				slog.Int("cycles", len(found)),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
			return found, nil
		})

		select {
		case <-ctx.Done():
			a.leaveFlight(key, flight)
			return nil, false, fmt.Errorf("%w: %w", cycles.ErrPartialResult, ctx.Err())
		case res := <-ch:
			a.leaveFlight(key, flight)
			if res.Err != nil && errors.Is(res.Err, cycles.ErrPartialResult) && ctx.Err() == nil {
				// The run was abandoned by callers that left before we joined.
				continue
			}
			return res.Val, res.Shared, res.Err
		}
	}
}

func (a *Analyzer) joinFlight(ctx context.Context, key string) *cycleFlight {
	a.flightMu.Lock()
	defer a.flightMu.Unlock()
	f, ok := a.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &cycleFlight{ctx: fctx, cancel: cancel}
		a.flights[key] = f
	}
	f.waiters++
	return f
}

func (a *Analyzer) leaveFlight(key string, f *cycleFlight) {
	a.flightMu.Lock()
	defer a.flightMu.Unlock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
		if a.flights[key] == f {
			delete(a.flights, key)
		}
	}
}

// GetCircularDependencies returns each cycle as its member identifiers.
func (a *Analyzer) GetCircularDependencies(ctx context.Context, scope CycleScope) ([][]string, error) {
	found, err := a.DetectCycles(ctx, scope)
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(found))
	for i, c := range found {
		out[i] = c.Identifiers
	}
	return out, nil
}

func copyCycles(in []cycles.Cycle) []cycles.Cycle {
	out := make([]cycles.Cycle, len(in))
	for i, c := range in {
		out[i] = cycles.Cycle{
			Identifiers: append([]string(nil), c.Identifiers...),
			NodeIDs:     append([]int64(nil), c.NodeIDs...),
		}
	}
	return out
}

// =============================================================================
// Namespaces
// =============================================================================

// GetCrossNamespaceDependencies lists every edge crossing a namespace
// boundary.
func (a *Analyzer) GetCrossNamespaceDependencies(ctx context.Context) ([]CrossNamespaceDependency, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.tracker.CrossPartitionEdges(ctx)
}

// CrossNamespaceSummary counts cross edges per namespace pair.
func (a *Analyzer) CrossNamespaceSummary(ctx context.Context) ([]namespace.PairCount, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.tracker.Summary(ctx)
}

// Namespaces returns the current definitions in order.
func (a *Analyzer) Namespaces() []namespace.Namespace {
	return a.tracker.Definitions()
}

// DefineNamespaces updates the definitions, persists them, and relabels
// every stored node and edge.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	replace - Swap the whole definition set instead of merging by name.
//	namespaces - The definitions.
//
// Outputs:
//
//	*namespace.RelabelResult - What the relabel pass changed.
//	error - namespace.ErrInvalidNamespace, or a store error.
func (a *Analyzer) DefineNamespaces(ctx context.Context, replace bool, namespaces ...namespace.Namespace) (*namespace.RelabelResult, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	var err error
	if replace {
		err = a.tracker.Replace(namespaces...)
	} else {
		err = a.tracker.Define(namespaces...)
	}
	if err != nil {
		return nil, err
	}
	if err := a.tracker.Save(ctx); err != nil {
		return nil, err
	}
	return a.tracker.Relabel(ctx)
}

// =============================================================================
// Inference
// =============================================================================

// resolveNode finds a node by exact identifier, then by file path.
func (a *Analyzer) resolveNode(identifier string) (store.Node, error) {
	if n, ok := a.store.NodeByIdentifier(identifier); ok {
		return n, nil
	}
	if p, err := a.resolver.ResolveFile(identifier); err == nil {
		if n, ok := a.store.NodeByIdentifier(p); ok {
			return n, nil
		}
	}
	return store.Node{}, fmt.Errorf("%w: %s", store.ErrNodeNotFound, identifier)
}

// InferTransitive returns every node reachable from identifier over
// edgeType. A zero MaxHops falls back to the configured default.
func (a *Analyzer) InferTransitive(ctx context.Context, identifier string, edgeType store.EdgeType, opts inference.TransitiveOptions) (*TransitiveResult, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	start, err := a.resolveNode(identifier)
	if err != nil {
		return nil, err
	}
	if opts.MaxHops == 0 {
		opts.MaxHops = a.cfg.Inference.MaxHops
	}
	reached, err := a.engine.Transitive(ctx, start.ID, edgeType, opts)
	if err != nil {
		return nil, err
	}
	return &TransitiveResult{Start: start, EdgeType: edgeType, Reached: reached}, nil
}

// InferHierarchical derives relationships through containment. When
// container is non-empty it names the single container to infer for.
func (a *Analyzer) InferHierarchical(ctx context.Context, container string, req inference.HierarchicalRequest) ([]inference.DerivedEdge, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if container != "" {
		n, err := a.resolveNode(container)
		if err != nil {
			return nil, err
		}
		req.ContainerID = n.ID
	}
	if req.MaxHops == 0 {
		req.MaxHops = a.cfg.Inference.MaxHops
	}
	return a.engine.Hierarchical(ctx, req)
}

// MaterializeInferred writes derived edges into the store.
func (a *Analyzer) MaterializeInferred(ctx context.Context, derived []inference.DerivedEdge) (*inference.MaterializeResult, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	return a.engine.Materialize(ctx, derived)
}
