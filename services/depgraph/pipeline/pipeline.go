// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// Labeler supplies namespace labels for a file identifier, primary first.
// A nil or empty result means the file belongs to no namespace.
type Labeler interface {
	NamespacesFor(filePath string) []string
}

// Options configures a Pipeline.
type Options struct {
	// Resolver normalizes file paths and internal targets.
	// Default: PathResolver{} (relative to the importing file).
	Resolver Resolver

	// Labeler attaches namespace labels. May be nil.
	Labeler Labeler

	// Workers bounds batch preparation parallelism.
	// Default: runtime.NumCPU()
	Workers int

	// Logger for ingestion messages. Default: slog.Default().
	Logger *slog.Logger
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Options)

// WithResolver sets the target resolver.
func WithResolver(r Resolver) Option {
	return func(o *Options) {
		o.Resolver = r
	}
}

// WithLabeler sets the namespace labeler.
func WithLabeler(l Labeler) Option {
	return func(o *Options) {
		o.Labeler = l
	}
}

// WithWorkers sets the batch worker count.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.Workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// AnalysisResult reports what one file's ingestion changed.
type AnalysisResult struct {
	FilePath     string        `json:"file_path"`
	NodesCreated int           `json:"nodes_created"`
	NodesUpdated int           `json:"nodes_updated"`
	EdgesCreated int           `json:"edges_created"`
	EdgesUpdated int           `json:"edges_updated"`
	Warnings     []Warning     `json:"warnings"`
	Duration     time.Duration `json:"duration_ns"`
}

// Pipeline ingests dependency facts into a store.
//
// Thread Safety: Safe for concurrent use. Commits are serialized by the
// store's writer lock.
type Pipeline struct {
	store   *store.Store
	options Options
	logger  *slog.Logger
}

// New creates a pipeline writing into s.
func New(s *store.Store, opts ...Option) *Pipeline {
	options := Options{
		Resolver: PathResolver{},
		Workers:  runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Resolver == nil {
		options.Resolver = PathResolver{}
	}
	if options.Workers <= 0 {
		options.Workers = runtime.NumCPU()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Pipeline{store: s, options: options, logger: options.Logger}
}

// target is one resolved, deduplicated dependency of a file.
type target struct {
	node      store.Node
	edgeType  store.EdgeType
	raw       string
	statement string
	line      int
}

// plan is the prepared, store-independent form of one file's facts.
type plan struct {
	index    int
	filePath string
	file     store.Node
	targets  []target
	warnings []Warning
	err      error
}

// prepare validates, resolves and labels facts without touching the store.
func (p *Pipeline) prepare(facts FileFacts) *plan {
	pl := &plan{filePath: facts.FilePath, warnings: make([]Warning, 0)}
	if err := facts.Validate(); err != nil {
		pl.err = err
		return pl
	}

	filePath, err := p.options.Resolver.ResolveFile(facts.FilePath)
	if err != nil {
		pl.err = fmt.Errorf("%w: file_path %q: %v", ErrInvalidFacts, facts.FilePath, err)
		return pl
	}
	pl.filePath = filePath
	pl.file = store.Node{
		Identifier: filePath,
		Type:       store.NodeTypeFile,
		Name:       path.Base(filePath),
		SourceFile: filePath,
		Language:   facts.Language,
		Metadata: store.NodeMetadata{
			Exists:     true,
			Namespaces: p.labels(filePath),
		},
	}

	seen := make(map[string]bool)
	for _, fact := range facts.Facts() {
		fact.Target = strings.TrimSpace(fact.Target)
		if err := validateFact(fact); err != nil {
			pl.warnings = append(pl.warnings, Warning{
				Kind:    WarningInvalidFact,
				Target:  fact.Target,
				Message: err.Error(),
			})
			continue
		}

		t, err := p.resolveTarget(filePath, facts.Language, fact)
		if err != nil {
			pl.warnings = append(pl.warnings, Warning{
				Kind:    WarningUnresolved,
				Target:  fact.Target,
				Message: err.Error(),
			})
			continue
		}

		key := string(t.edgeType) + "\x00" + t.node.Identifier
		if seen[key] {
			continue
		}
		seen[key] = true
		pl.targets = append(pl.targets, t)
	}
	return pl
}

func (p *Pipeline) resolveTarget(fromPath, language string, fact ImportFact) (target, error) {
	t := target{raw: fact.Target, statement: fact.Statement, line: fact.Line}

	switch fact.Kind {
	case ImportInternal:
		id, err := p.options.Resolver.ResolveImport(fromPath, fact.Target)
		if err != nil {
			return target{}, err
		}
		t.edgeType = store.EdgeTypeImports
		t.node = store.Node{
			Identifier: id,
			Type:       store.NodeTypeFile,
			Name:       path.Base(id),
			SourceFile: id,
			Metadata: store.NodeMetadata{
				ImportString: fact.Target,
				Namespaces:   p.labels(id),
			},
		}
	case ImportExternal, ImportBuiltin:
		typ := store.NodeTypeExternal
		if fact.Kind == ImportBuiltin {
			typ = store.NodeTypeBuiltin
		}
		t.edgeType = store.EdgeTypeDependsOn
		t.node = store.Node{
			Identifier: PackageIdentifier(fact.Kind, fact.Target),
			Type:       typ,
			Name:       fact.Target,
			Metadata: store.NodeMetadata{
				IsExternal:   fact.Kind == ImportExternal,
				ImportString: fact.Target,
			},
		}
	default:
		return target{}, fmt.Errorf("%w: unknown kind %q", ErrUnresolvable, fact.Kind)
	}
	return t, nil
}

func (p *Pipeline) labels(filePath string) []string {
	if p.options.Labeler == nil {
		return nil
	}
	ns := p.options.Labeler.NamespacesFor(filePath)
	if ns == nil {
		ns = []string{}
	}
	return ns
}

// commit writes a prepared plan in one store transaction.
func (p *Pipeline) commit(ctx context.Context, pl *plan) (*AnalysisResult, error) {
	result := &AnalysisResult{FilePath: pl.filePath, Warnings: pl.warnings}

	err := p.store.Update(ctx, func(tx *store.Tx) error {
		fileRes, err := tx.UpsertNode(pl.file)
		if err != nil {
			return err
		}
		result.count(fileRes, true)
		file, _ := tx.GetNode(fileRes.ID)
		sourceNS := file.Metadata.PrimaryNamespace()

		for _, t := range pl.targets {
			nodeRes, err := tx.UpsertNode(t.node)
			if err != nil {
				return err
			}
			result.count(nodeRes, true)

			targetNode, _ := tx.GetNode(nodeRes.ID)
			targetNS := targetNode.Metadata.PrimaryNamespace()

			edgeRes, err := tx.UpsertEdge(fileRes.ID, nodeRes.ID, t.edgeType, store.EdgeAttrs{
				Label:      t.raw,
				SourceFile: pl.filePath,
				Metadata: store.EdgeMetadata{
					SourceNamespace: sourceNS,
					TargetNamespace: targetNS,
					ImportStatement: t.statement,
					Line:            t.line,
				},
			})
			if err != nil {
				return err
			}
			result.count(edgeRes, false)

			if err := tx.SetEdgeNamespaces(edgeRes.ID, sourceNS, targetNS); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *AnalysisResult) count(res store.UpsertResult, node bool) {
	switch {
	case node && res.Created:
		r.NodesCreated++
	case node:
		r.NodesUpdated++
	case res.Created:
		r.EdgesCreated++
	default:
		r.EdgesUpdated++
	}
}

// AnalyzeFile ingests one file's facts.
//
// Description:
//
//	Upserts the file node (exists=true), a node per resolved target (stubs
//	for unanalyzed files, shared nodes for packages) and one edge per
//	target, all inside a single store transaction. Facts that fail
//	validation or resolution are reported as warnings and skipped.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	facts - The file's dependency facts.
//
// Outputs:
//
//	*AnalysisResult - Created/updated counts and warnings.
//	error - ErrInvalidFacts if the file itself is unusable, or a store
//	        error. On error nothing from this file was committed.
func (p *Pipeline) AnalyzeFile(ctx context.Context, facts FileFacts) (*AnalysisResult, error) {
	ctx, span := startFileSpan(ctx, facts.FilePath)
	defer span.End()

	start := time.Now()
	pl := p.prepare(facts)
	if pl.err != nil {
		span.RecordError(pl.err)
		span.SetStatus(codes.Error, "invalid facts")
		recordFileMetrics(ctx, time.Since(start), nil, false)
		return nil, pl.err
	}

	result, err := p.commit(ctx, pl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		recordFileMetrics(ctx, time.Since(start), nil, false)
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("file ingestion failed",
				slog.String("file", pl.filePath),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("depgraph.nodes_created", result.NodesCreated),
		attribute.Int("depgraph.edges_created", result.EdgesCreated),
		attribute.Int("depgraph.warnings", len(result.Warnings)),
	)
	recordFileMetrics(ctx, result.Duration, result.Warnings, true)

	p.logger.Debug("file ingested",
		slog.String("file", result.FilePath),
		slog.Int("nodes_created", result.NodesCreated),
		slog.Int("edges_created", result.EdgesCreated),
		slog.Int("warnings", len(result.Warnings)),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	return result, nil
}
