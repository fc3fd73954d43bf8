// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package namespace groups files into named partitions and reports the
// dependencies that cross partition boundaries.
//
// Membership is decided by explicit member lists and doublestar glob
// patterns relative to the project root. The tracker implements
// pipeline.Labeler, so labels are attached while files are ingested into
// the one unified graph; cross-partition edges are then a filter over that
// graph rather than a join of per-namespace graphs.
package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// MetaKey is the store metadata key holding namespace definitions.
const MetaKey = "namespaces"

var (
	// ErrInvalidNamespace is returned for a definition with a bad name or pattern.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrUnknownNamespace is returned when a namespace name is not defined.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Namespace is a named partition of project files.
type Namespace struct {
	Name string `json:"name" yaml:"name" validate:"required,max=128"`

	// Patterns are doublestar globs. Relative patterns match paths relative
	// to the project root; absolute patterns match absolute paths.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns" validate:"dive,required"`

	// Members are explicit file paths.
	Members []string `json:"members,omitempty" yaml:"members" validate:"dive,required"`
}

// CrossEdge is an edge whose endpoints belong to different namespaces.
type CrossEdge struct {
	EdgeID          int64          `json:"edge_id"`
	Source          string         `json:"source"`
	Target          string         `json:"target"`
	SourceNamespace string         `json:"source_namespace"`
	TargetNamespace string         `json:"target_namespace"`
	Type            store.EdgeType `json:"type"`
}

// PairCount is the number of cross edges between two namespaces.
type PairCount struct {
	SourceNamespace string `json:"source_namespace"`
	TargetNamespace string `json:"target_namespace"`
	Count           int    `json:"count"`
}

// RelabelResult reports what Relabel changed.
type RelabelResult struct {
	NodesRelabeled int `json:"nodes_relabeled"`
	EdgesRelabeled int `json:"edges_relabeled"`
}

// Option is a functional option for configuring a Tracker.
type Option func(*Tracker)

// WithRoot sets the project root used for relative patterns and members.
func WithRoot(root string) Option {
	return func(t *Tracker) {
		if root != "" {
			t.root = path.Clean(filepath.ToSlash(root))
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker holds namespace definitions for one store.
//
// Thread Safety: Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	store   *store.Store
	root    string
	defs    []Namespace
	members map[string]map[string]bool
	logger  *slog.Logger
}

// New creates a tracker for s with no namespaces defined.
func New(s *store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:   s,
		members: make(map[string]map[string]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Define adds namespaces, replacing any existing definition with the same
// name in place so definition order (and thus primary labels) is stable.
//
// Outputs:
//
//	error - ErrInvalidNamespace if any definition is invalid. Nothing is
//	        applied in that case.
func (t *Tracker) Define(namespaces ...Namespace) error {
	for _, ns := range namespaces {
		if err := validateNamespace(ns); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ns := range namespaces {
		t.define(ns)
	}
	return nil
}

func (t *Tracker) define(ns Namespace) {
	ns.Patterns = slices.Clone(ns.Patterns)
	ns.Members = slices.Clone(ns.Members)

	idx := slices.IndexFunc(t.defs, func(d Namespace) bool { return d.Name == ns.Name })
	if idx >= 0 {
		t.defs[idx] = ns
	} else {
		t.defs = append(t.defs, ns)
	}

	set := make(map[string]bool, len(ns.Members))
	for _, m := range ns.Members {
		set[t.normalize(m)] = true
	}
	t.members[ns.Name] = set
}

// Replace swaps the whole definition set.
func (t *Tracker) Replace(namespaces ...Namespace) error {
	for _, ns := range namespaces {
		if err := validateNamespace(ns); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs = nil
	t.members = make(map[string]map[string]bool)
	for _, ns := range namespaces {
		t.define(ns)
	}
	return nil
}

func validateNamespace(ns Namespace) error {
	if err := validate.Struct(ns); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidNamespace, ns.Name, err)
	}
	for _, p := range ns.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: %q: bad pattern %q", ErrInvalidNamespace, ns.Name, p)
		}
	}
	return nil
}

// SetMembership replaces the explicit member list of a namespace, defining
// the namespace if needed.
func (t *Tracker) SetMembership(name string, memberFilePaths []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.IndexFunc(t.defs, func(d Namespace) bool { return d.Name == name })
	ns := Namespace{Name: name}
	if idx >= 0 {
		ns = t.defs[idx]
	}
	ns.Members = memberFilePaths
	if err := validateNamespace(ns); err != nil {
		return err
	}
	t.define(ns)
	return nil
}

// Definitions returns a copy of the definitions in order.
func (t *Tracker) Definitions() []Namespace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Namespace, len(t.defs))
	for i, d := range t.defs {
		out[i] = Namespace{
			Name:     d.Name,
			Patterns: slices.Clone(d.Patterns),
			Members:  slices.Clone(d.Members),
		}
	}
	return out
}

// Lookup returns the definition named name.
func (t *Tracker) Lookup(name string) (Namespace, error) {
	for _, d := range t.Definitions() {
		if d.Name == name {
			return d, nil
		}
	}
	return Namespace{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, name)
}

// NamespacesFor returns the namespaces owning filePath in definition order.
// The first entry is the primary namespace.
func (t *Tracker) NamespacesFor(filePath string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	abs := t.normalize(filePath)
	rel := t.relative(abs)

	var out []string
	for _, d := range t.defs {
		if t.members[d.Name][abs] || matchAny(d.Patterns, abs, rel) {
			out = append(out, d.Name)
		}
	}
	return out
}

func matchAny(patterns []string, abs, rel string) bool {
	for _, p := range patterns {
		candidate := rel
		if strings.HasPrefix(p, "/") {
			candidate = abs
		}
		if ok, _ := doublestar.Match(p, candidate); ok {
			return true
		}
	}
	return false
}

// normalize converts p into the identifier form used by the pipeline.
func (t *Tracker) normalize(p string) string {
	p = path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
	if !path.IsAbs(p) && t.root != "" {
		p = path.Join(t.root, p)
	}
	return p
}

// relative returns abs relative to the project root, or abs without its
// leading slash when it lies outside the root.
func (t *Tracker) relative(abs string) string {
	if t.root != "" {
		if abs == t.root {
			return "."
		}
		if rel, ok := strings.CutPrefix(abs, strings.TrimSuffix(t.root, "/")+"/"); ok {
			return rel
		}
	}
	return strings.TrimPrefix(abs, "/")
}

// CrossPartitionEdges returns every stored edge whose endpoints are labeled
// with different primary namespaces, sorted by source, target and type.
func (t *Tracker) CrossPartitionEdges(ctx context.Context) ([]CrossEdge, error) {
	edges, err := t.store.FindEdges(ctx, store.EdgeFilter{CrossNamespaceOnly: true})
	if err != nil {
		return nil, err
	}

	out := make([]CrossEdge, 0, len(edges))
	for _, e := range edges {
		from, ok := t.store.GetNode(e.FromNodeID)
		if !ok {
			return nil, fmt.Errorf("%w: edge %d source %d", store.ErrNodeNotFound, e.ID, e.FromNodeID)
		}
		to, ok := t.store.GetNode(e.ToNodeID)
		if !ok {
			return nil, fmt.Errorf("%w: edge %d target %d", store.ErrNodeNotFound, e.ID, e.ToNodeID)
		}
		out = append(out, CrossEdge{
			EdgeID:          e.ID,
			Source:          from.Identifier,
			Target:          to.Identifier,
			SourceNamespace: e.Metadata.SourceNamespace,
			TargetNamespace: e.Metadata.TargetNamespace,
			Type:            e.Type,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// Summary counts cross edges per (source, target) namespace pair, sorted
// by source then target namespace.
func (t *Tracker) Summary(ctx context.Context) ([]PairCount, error) {
	edges, err := t.store.FindEdges(ctx, store.EdgeFilter{CrossNamespaceOnly: true})
	if err != nil {
		return nil, err
	}

	type pair struct{ source, target string }
	counts := make(map[pair]int)
	for _, e := range edges {
		counts[pair{e.Metadata.SourceNamespace, e.Metadata.TargetNamespace}]++
	}

	out := make([]PairCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, PairCount{SourceNamespace: p.source, TargetNamespace: p.target, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceNamespace != out[j].SourceNamespace {
			return out[i].SourceNamespace < out[j].SourceNamespace
		}
		return out[i].TargetNamespace < out[j].TargetNamespace
	})
	return out, nil
}

// Relabel reapplies the current definitions to every stored node and edge.
//
// Description:
//
//	File nodes are labeled by identifier and symbol nodes by source file;
//	package nodes stay unlabeled. Edge labels are then recomputed from the
//	primary namespace of each endpoint.
//
//	Changes commit in chunks bounded by the store's transaction budget
//	(see store.Tx.Full), so large graphs never exceed one database commit.
//	Each chunk is atomic. A failure leaves earlier chunks committed;
//	relabeling is idempotent, so calling Relabel again completes the pass.
//
// Outputs:
//
//	*RelabelResult - Counts of relabeled nodes and edges.
//	error - Context or store error from the failing chunk.
func (t *Tracker) Relabel(ctx context.Context) (*RelabelResult, error) {
	result := &RelabelResult{}
	chunks := 0

	// Nodes first: edge labels are derived from the relabeled endpoints.
	next, more := int64(1), true
	for more {
		chunks++
		err := t.store.Update(ctx, func(tx *store.Tx) error {
			more = false
			for ; ; next++ {
				n, ok := tx.GetNode(next)
				if !ok {
					return nil
				}
				labels, ok := t.labelsFor(n)
				if !ok || slices.Equal(labels, n.Metadata.Namespaces) {
					continue
				}
				n.Metadata.Namespaces = labels
				if _, err := tx.UpsertNode(n); err != nil {
					return err
				}
				result.NodesRelabeled++
				if tx.Full() {
					next++
					more = true
					return nil
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}

	next, more = 1, true
	for more {
		chunks++
		err := t.store.Update(ctx, func(tx *store.Tx) error {
			more = false
			for ; ; next++ {
				if next%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				e, ok := tx.GetEdge(next)
				if !ok {
					return nil
				}
				from, _ := tx.GetNode(e.FromNodeID)
				to, _ := tx.GetNode(e.ToNodeID)
				src, tgt := from.Metadata.PrimaryNamespace(), to.Metadata.PrimaryNamespace()
				if src == e.Metadata.SourceNamespace && tgt == e.Metadata.TargetNamespace {
					continue
				}
				if err := tx.SetEdgeNamespaces(e.ID, src, tgt); err != nil {
					return err
				}
				result.EdgesRelabeled++
				if tx.Full() {
					next++
					more = true
					return nil
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}

	t.logger.Info("namespaces relabeled",
		slog.Int("nodes", result.NodesRelabeled),
		slog.Int("edges", result.EdgesRelabeled),
		slog.Int("chunks", chunks),
	)
	return result, nil
}

// labelsFor returns the namespace labels n should carry, or ok=false for
// nodes that are never labeled.
func (t *Tracker) labelsFor(n store.Node) ([]string, bool) {
	var key string
	switch n.Type {
	case store.NodeTypeFile:
		key = n.Identifier
	case store.NodeTypeSymbol:
		key = n.SourceFile
	default:
		return nil, false
	}
	if key == "" {
		return nil, false
	}
	labels := t.NamespacesFor(key)
	if labels == nil {
		labels = []string{}
	}
	return labels, true
}

// Save persists the definitions into the store metadata area.
func (t *Tracker) Save(ctx context.Context) error {
	data, err := json.Marshal(t.Definitions())
	if err != nil {
		return fmt.Errorf("encode namespaces: %w", err)
	}
	return t.store.PutMeta(ctx, MetaKey, data)
}

// Load replaces the definitions with the persisted ones.
//
// Outputs:
//
//	bool - False if nothing was persisted; definitions are left unchanged.
//	error - Non-nil if the persisted document is invalid.
func (t *Tracker) Load(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, ok := t.store.GetMeta(MetaKey)
	if !ok {
		return false, nil
	}
	var defs []Namespace
	if err := json.Unmarshal(data, &defs); err != nil {
		return false, fmt.Errorf("%w: decode persisted namespaces: %v", store.ErrCorrupt, err)
	}
	if err := t.Replace(defs...); err != nil {
		return false, err
	}
	return true, nil
}
