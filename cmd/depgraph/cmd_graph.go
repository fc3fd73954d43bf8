// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/depgraph/services/depgraph"
	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// ingestSummary is the per-file output of the ingest command.
type ingestSummary struct {
	Source       string   `json:"source"`
	RunID        string   `json:"run_id"`
	Files        int      `json:"files"`
	Failed       int      `json:"failed"`
	NodesCreated int      `json:"nodes_created"`
	EdgesCreated int      `json:"edges_created"`
	Warnings     int      `json:"warnings"`
	Errors       []string `json:"errors,omitempty"`
}

func runIngest(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()
	summaries := make([]ingestSummary, 0, len(args))
	failed := 0

	for _, src := range args {
		res, err := ingestSource(cmd, a, src)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", src, err)
		}
		s := ingestSummary{
			Source:       src,
			RunID:        res.RunID,
			Files:        len(res.Results),
			Failed:       len(res.FileErrors),
			NodesCreated: res.NodesCreated,
			EdgesCreated: res.EdgesCreated,
			Warnings:     res.Warnings,
		}
		for _, fe := range res.FileErrors {
			s.Errors = append(s.Errors, fe.Error())
		}
		failed += s.Failed
		summaries = append(summaries, s)
		if res.Incomplete {
			return fmt.Errorf("ingest %s interrupted: %w", src, ctx.Err())
		}
	}

	if a.json {
		if err := writeJSON(a.out, summaries); err != nil {
			return err
		}
	} else {
		t := newTable(a.out, "SOURCE", "FILES", "FAILED", "NODES+", "EDGES+", "WARNINGS")
		for _, s := range summaries {
			t.row(s.Source, itoa(s.Files), itoa(s.Failed), itoa(s.NodesCreated), itoa(s.EdgesCreated), itoa(s.Warnings))
		}
		if err := t.flush(); err != nil {
			return err
		}
		for _, s := range summaries {
			for _, e := range s.Errors {
				fmt.Fprintf(a.out, "  %s: %s\n", s.Source, e)
			}
		}
	}
	if failed > 0 {
		return &findingsError{what: "rejected files", count: failed}
	}
	return nil
}

// ingestSource reads one facts document from a file, or stdin for "-".
func ingestSource(cmd *cobra.Command, a *app, src string) (*pipeline.BatchResult, error) {
	var r io.Reader = cmd.InOrStdin()
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return a.analyzer.AnalyzeReader(cmd.Context(), r)
}

func runDeps(cmd *cobra.Command, a *app, args []string) error {
	deps, err := a.analyzer.GetFileDependencies(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, deps)
	}
	fmt.Fprintf(a.out, "%s\n\n", deps.File.Identifier)
	t := newTable(a.out, "DIRECTION", "TYPE", "IDENTIFIER")
	for _, n := range deps.Dependencies {
		t.row("depends on", string(n.Type), n.Identifier)
	}
	for _, n := range deps.Dependents {
		t.row("used by", string(n.Type), n.Identifier)
	}
	return t.flush()
}

func runStats(cmd *cobra.Command, a *app, _ []string) error {
	stats, err := a.analyzer.GetProjectStats(cmd.Context())
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, stats)
	}
	t := newTable(a.out)
	t.row("nodes", itoa(stats.TotalNodes))
	t.row("edges", itoa(stats.TotalEdges))
	t.row("stub nodes", itoa(stats.StubNodes))
	t.row("namespaces", itoa(stats.Namespaces))
	t.row("cross-namespace edges", itoa(stats.CrossEdges))
	t.row("persistent", strconv.FormatBool(stats.Persistent))
	for _, k := range sortedKeys(stats.NodeTypeCounts) {
		t.row("  "+string(k)+" nodes", itoa(stats.NodeTypeCounts[k]))
	}
	for _, k := range sortedKeys(stats.EdgeTypeCounts) {
		t.row("  "+string(k)+" edges", itoa(stats.EdgeTypeCounts[k]))
	}
	return t.flush()
}

func runNodes(cmd *cobra.Command, a *app, _ []string) error {
	var nodeType *store.NodeType
	if nodesType != "" {
		nt, err := store.ParseNodeType(nodesType)
		if err != nil {
			return err
		}
		nodeType = &nt
	}
	listing, err := a.analyzer.ListAllNodes(cmd.Context(), nodeType)
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, listing)
	}
	t := newTable(a.out, "ID", "TYPE", "IDENTIFIER", "EXISTS", "NAMESPACES")
	for _, n := range listing.Nodes {
		t.row(strconv.FormatInt(n.ID, 10), string(n.Type), n.Identifier,
			strconv.FormatBool(n.Metadata.Exists), strings.Join(n.Metadata.Namespaces, ","))
	}
	return t.flush()
}

func runCycles(cmd *cobra.Command, a *app, _ []string) error {
	scope := depgraph.CycleScope{Namespace: cyclesNamespace}
	for _, raw := range cyclesNodeTypes {
		nt, err := store.ParseNodeType(raw)
		if err != nil {
			return err
		}
		scope.NodeTypes = append(scope.NodeTypes, nt)
	}
	for _, raw := range cyclesEdgeTypes {
		et, err := store.ParseEdgeType(raw)
		if err != nil {
			return err
		}
		scope.EdgeTypes = append(scope.EdgeTypes, et)
	}

	found, err := a.analyzer.GetCircularDependencies(cmd.Context(), scope)
	if err != nil {
		return err
	}
	if a.json {
		if err := writeJSON(a.out, depgraph.CyclesResponse{Cycles: found, Count: len(found)}); err != nil {
			return err
		}
	} else if len(found) == 0 {
		fmt.Fprintln(a.out, "no circular dependencies")
	} else {
		for i, c := range found {
			fmt.Fprintf(a.out, "%d. %s -> %s\n", i+1, strings.Join(c, " -> "), c[0])
		}
	}
	if len(found) > 0 {
		return &findingsError{what: "cycles", count: len(found)}
	}
	return nil
}

func runCross(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	if crossSummary {
		summary, err := a.analyzer.CrossNamespaceSummary(ctx)
		if err != nil {
			return err
		}
		if a.json {
			return writeJSON(a.out, summary)
		}
		t := newTable(a.out, "FROM", "TO", "EDGES")
		for _, p := range summary {
			t.row(p.SourceNamespace, p.TargetNamespace, itoa(p.Count))
		}
		return t.flush()
	}

	deps, err := a.analyzer.GetCrossNamespaceDependencies(ctx)
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, deps)
	}
	t := newTable(a.out, "SOURCE", "TARGET", "FROM", "TO", "TYPE")
	for _, d := range deps {
		t.row(d.Source, d.Target, d.SourceNamespace, d.TargetNamespace, string(d.Type))
	}
	return t.flush()
}

func runNamespaces(_ *cobra.Command, a *app, _ []string) error {
	defs := a.analyzer.Namespaces()
	if a.json {
		return writeJSON(a.out, defs)
	}
	t := newTable(a.out, "NAME", "PATTERNS", "MEMBERS")
	for _, ns := range defs {
		t.row(ns.Name, strings.Join(ns.Patterns, ","), itoa(len(ns.Members)))
	}
	return t.flush()
}

func runQuery(cmd *cobra.Command, a *app, _ []string) error {
	filter := store.QueryFilter{
		NodeFilter: store.NodeFilter{Namespace: queryNamespace},
		Limit:      queryLimit,
	}
	for _, raw := range queryTypes {
		nt, err := store.ParseNodeType(raw)
		if err != nil {
			return err
		}
		filter.Types = append(filter.Types, nt)
	}
	for _, raw := range queryEdgeTypes {
		et, err := store.ParseEdgeType(raw)
		if err != nil {
			return err
		}
		filter.EdgeTypes = append(filter.EdgeTypes, et)
	}
	snap, err := a.analyzer.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}
	// Snapshots are for machines; there is no table form.
	return writeJSON(a.out, snap)
}

func runInferTransitive(cmd *cobra.Command, a *app, args []string) error {
	edgeType, err := store.ParseEdgeType(transitiveEdgeType)
	if err != nil {
		return err
	}
	res, err := a.analyzer.InferTransitive(cmd.Context(), args[0], edgeType, inference.TransitiveOptions{
		MaxHops:   transitiveMaxHops,
		Direction: inference.Direction(transitiveDirection),
	})
	if err != nil {
		return err
	}
	if a.json {
		return writeJSON(a.out, res)
	}
	fmt.Fprintf(a.out, "%s (%s, %s)\n\n", res.Start.Identifier, res.EdgeType, transitiveDirection)
	t := newTable(a.out, "HOPS", "TYPE", "IDENTIFIER")
	for _, r := range res.Reached {
		t.row(itoa(r.Hops), string(r.Node.Type), r.Node.Identifier)
	}
	return t.flush()
}

func runInferHierarchical(cmd *cobra.Command, a *app, _ []string) error {
	containment, err := store.ParseEdgeType(hierContainment)
	if err != nil {
		return err
	}
	relation, err := store.ParseEdgeType(hierRelation)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	derived, err := a.analyzer.InferHierarchical(ctx, hierContainer, inference.HierarchicalRequest{
		Containment: containment,
		Relation:    relation,
		MaxHops:     hierMaxHops,
		Composition: inference.Composition(hierComposition),
	})
	if err != nil {
		return err
	}

	resp := depgraph.HierarchicalResponse{Derived: derived}
	if hierMaterialize && len(derived) > 0 {
		if resp.Materialized, err = a.analyzer.MaterializeInferred(ctx, derived); err != nil {
			return err
		}
	}
	if a.json {
		return writeJSON(a.out, resp)
	}
	t := newTable(a.out, "FROM", "TO", "VIA", "COMPOSITION", "HOPS")
	for _, d := range derived {
		t.row(d.From, d.To, d.Via, string(d.Composition), itoa(d.Hops))
	}
	if err := t.flush(); err != nil {
		return err
	}
	if resp.Materialized != nil {
		fmt.Fprintf(a.out, "\nmaterialized: %d created, %d updated, %d skipped\n",
			resp.Materialized.EdgesCreated, resp.Materialized.EdgesUpdated, resp.Materialized.EdgesSkipped)
	}
	return nil
}

func runVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "depgraph %s\n", depgraph.Version)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
