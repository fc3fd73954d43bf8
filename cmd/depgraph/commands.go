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
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Global flags
	configPath  string
	projectRoot string
	storeDir    string
	inMemory    bool
	jsonOutput  bool
	logLevel    string

	// nodes
	nodesType string

	// cycles
	cyclesNamespace string
	cyclesNodeTypes []string
	cyclesEdgeTypes []string

	// cross
	crossSummary bool

	// query
	queryTypes     []string
	queryEdgeTypes []string
	queryNamespace string
	queryLimit     int

	// infer transitive
	transitiveEdgeType  string
	transitiveMaxHops   int
	transitiveDirection string

	// infer hierarchical
	hierContainment string
	hierRelation    string
	hierContainer   string
	hierComposition string
	hierMaxHops     int
	hierMaterialize bool

	// serve
	servePort int

	// watch
	watchDebounce time.Duration
	watchNoSync   bool
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var (
	rootCmd = &cobra.Command{
		Use:   "depgraph",
		Short: "Build and query a project's dependency graph",
		Long: `depgraph ingests per-file dependency facts into a persistent graph and
answers questions about it: direct dependencies and dependents, circular
dependencies, cross-namespace edges, and inferred relationships.

Output is a table on a terminal and JSON otherwise (or with --json).

Exit codes:
  0  success
  1  completed with findings (cycles found, facts rejected)
  2  error`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest facts files (JSON array, object, or JSONL); - reads stdin",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runIngest),
	}

	depsCmd = &cobra.Command{
		Use:   "deps FILE",
		Short: "Show a file's direct dependencies and dependents",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runDeps),
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show graph statistics",
		Args:  cobra.NoArgs,
		RunE:  withApp(runStats),
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "List nodes, optionally of one type",
		Args:  cobra.NoArgs,
		RunE:  withApp(runNodes),
	}

	cyclesCmd = &cobra.Command{
		Use:   "cycles",
		Short: "Find circular dependencies (exit code 1 when any are found)",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCycles),
	}

	crossCmd = &cobra.Command{
		Use:   "cross",
		Short: "List dependencies crossing namespace boundaries",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCross),
	}

	namespacesCmd = &cobra.Command{
		Use:   "namespaces",
		Short: "List namespace definitions",
		Args:  cobra.NoArgs,
		RunE:  withApp(runNamespaces),
	}

	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Export a filtered subgraph as JSON",
		Args:  cobra.NoArgs,
		RunE:  withApp(runQuery),
	}

	inferCmd = &cobra.Command{
		Use:   "infer",
		Short: "Infer relationships that are implied but not stored",
	}

	inferTransitiveCmd = &cobra.Command{
		Use:   "transitive IDENTIFIER",
		Short: "Everything reachable from a node over one edge type",
		Long: `Compute the transitive closure from IDENTIFIER, which may be a node
identifier (package:lodash) or a file path relative to the project root.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(runInferTransitive),
	}

	inferHierarchicalCmd = &cobra.Command{
		Use:   "hierarchical",
		Short: "Derive relationships through containment",
		Long: `Compose one containment hop with the closure of a relation. Upward
composition gives a container everything its members reach; downward gives
members everything their container reaches.

Example:
  depgraph infer hierarchical --containment defines --relation depends_on --materialize`,
		Args: cobra.NoArgs,
		RunE: withApp(runInferHierarchical),
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  withApp(runServe),
	}

	watchCmd = &cobra.Command{
		Use:   "watch DIR",
		Short: "Ingest facts files in DIR, then re-ingest them as they change",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runWatch),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run:   runVersion,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file (defaults are embedded)")
	pf.StringVar(&projectRoot, "root", "", "Project root (overrides project_root)")
	pf.StringVar(&storeDir, "store", "", "Store directory (default <root>/.depgraph/store)")
	pf.BoolVar(&inMemory, "in-memory", false, "Keep the graph in memory only")
	pf.BoolVar(&jsonOutput, "json", false, "Force JSON output")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	nodesCmd.Flags().StringVar(&nodesType, "type", "", "Node type: file, external, builtin, symbol")

	cyclesCmd.Flags().StringVar(&cyclesNamespace, "namespace", "", "Restrict to one namespace")
	cyclesCmd.Flags().StringSliceVar(&cyclesNodeTypes, "node-type", nil, "Node types to include (default file)")
	cyclesCmd.Flags().StringSliceVar(&cyclesEdgeTypes, "edge-type", nil, "Edge types to follow (default imports)")

	crossCmd.Flags().BoolVar(&crossSummary, "summary", false, "Count per namespace pair instead of listing edges")

	queryCmd.Flags().StringSliceVar(&queryTypes, "type", nil, "Node types to include")
	queryCmd.Flags().StringSliceVar(&queryEdgeTypes, "edge-type", nil, "Edge types to include")
	queryCmd.Flags().StringVar(&queryNamespace, "namespace", "", "Restrict to one namespace")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum nodes (0 = unlimited)")

	inferTransitiveCmd.Flags().StringVar(&transitiveEdgeType, "edge-type", "imports", "Edge type to follow")
	inferTransitiveCmd.Flags().IntVar(&transitiveMaxHops, "max-hops", 0, "Hop bound (0 = configured default)")
	inferTransitiveCmd.Flags().StringVar(&transitiveDirection, "direction", "outgoing", "outgoing or incoming")

	inferHierarchicalCmd.Flags().StringVar(&hierContainment, "containment", "defines", "Container to member edge type")
	inferHierarchicalCmd.Flags().StringVar(&hierRelation, "relation", "", "Relation edge type to compose")
	inferHierarchicalCmd.Flags().StringVar(&hierContainer, "container", "", "Infer for this container only")
	inferHierarchicalCmd.Flags().StringVar(&hierComposition, "composition", "both", "upward, downward, or both")
	inferHierarchicalCmd.Flags().IntVar(&hierMaxHops, "max-hops", 0, "Relation hop bound (0 = configured default)")
	inferHierarchicalCmd.Flags().BoolVar(&hierMaterialize, "materialize", false, "Store the derived edges")
	_ = inferHierarchicalCmd.MarkFlagRequired("relation")

	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port (default from config)")

	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 200*time.Millisecond, "Quiet period before ingesting a change")
	watchCmd.Flags().BoolVar(&watchNoSync, "no-sync", false, "Skip ingesting existing files at startup")

	inferCmd.AddCommand(inferTransitiveCmd, inferHierarchicalCmd)
	rootCmd.AddCommand(
		ingestCmd,
		depsCmd,
		statsCmd,
		nodesCmd,
		cyclesCmd,
		crossCmd,
		namespacesCmd,
		queryCmd,
		inferCmd,
		serveCmd,
		watchCmd,
		versionCmd,
	)
}
