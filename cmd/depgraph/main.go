// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command depgraph builds and queries a project's dependency graph.
//
// Facts produced by a source extractor are ingested into a persistent
// store under <project_root>/.depgraph/store and can then be queried,
// checked for cycles, or served over HTTP.
//
// Usage:
//
//	depgraph ingest facts.jsonl
//	depgraph deps src/index.ts
//	depgraph cycles --edge-type imports
//	depgraph infer transitive src/index.ts --max-hops 2
//	depgraph serve --port 8085
//	depgraph watch ./facts
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx)
	stop()
	os.Exit(code)
}

// execute runs the root command and maps its error to an exit code.
func execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return CLIExitSuccess
	}
	var findings *findingsError
	if errors.As(err, &findings) {
		return CLIExitFindings
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return CLIExitError
}
