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
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// BatchResult contains the result of a batch ingestion run.
//
// Batches are resilient: a failing file is recorded in FileErrors and
// does not stop the others. Results holds one entry per committed file in
// input order.
type BatchResult struct {
	// RunID correlates log lines and spans of one run.
	RunID string `json:"run_id"`

	Results    []AnalysisResult `json:"results"`
	FileErrors []FileError      `json:"file_errors,omitempty"`

	NodesCreated int `json:"nodes_created"`
	NodesUpdated int `json:"nodes_updated"`
	EdgesCreated int `json:"edges_created"`
	EdgesUpdated int `json:"edges_updated"`
	Warnings     int `json:"warnings"`

	// Incomplete is true if the run was cancelled before every file was
	// processed. Files already committed stay committed.
	Incomplete bool `json:"incomplete"`

	Duration time.Duration `json:"duration_ns"`
}

// HasErrors returns true if any file failed.
func (r *BatchResult) HasErrors() bool {
	return len(r.FileErrors) > 0
}

// Success returns true if every file was committed.
func (r *BatchResult) Success() bool {
	return !r.Incomplete && !r.HasErrors()
}

type indexedResult struct {
	index  int
	result *AnalysisResult
}

// AnalyzeAll ingests many files.
//
// Description:
//
//	A pool of Workers goroutines validates, resolves and labels files in
//	parallel. Prepared plans flow over a channel to a single writer
//	goroutine that commits one file per store transaction, so commits are
//	serialized no matter how many workers run. Cancellation stops
//	dispatch; plans not yet committed are dropped and the result is
//	marked Incomplete.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	files - Facts for each file. Order only affects result ordering.
//
// Outputs:
//
//	*BatchResult - Always non-nil.
//	error - Always nil; per-file failures are in FileErrors.
func (p *Pipeline) AnalyzeAll(ctx context.Context, files []FileFacts) (*BatchResult, error) {
	runID := uuid.NewString()
	ctx, span := startBatchSpan(ctx, runID, len(files))
	defer span.End()

	start := time.Now()
	logger := p.logger.With(slog.String("run_id", runID))
	logger.Info("batch ingestion started",
		slog.Int("files", len(files)),
		slog.Int("workers", p.options.Workers),
	)

	plans := make(chan *plan, p.options.Workers)
	result := &BatchResult{RunID: runID, FileErrors: make([]FileError, 0)}
	committed := make([]indexedResult, 0, len(files))
	processed := 0

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for pl := range plans {
			if pl.err != nil {
				result.FileErrors = append(result.FileErrors, FileError{FilePath: pl.filePath, Err: pl.err})
				processed++
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			fileStart := time.Now()
			res, err := p.commit(ctx, pl)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Warn("file ingestion failed",
					slog.String("file", pl.filePath),
					slog.String("error", err.Error()),
				)
				recordFileMetrics(ctx, time.Since(fileStart), nil, false)
				result.FileErrors = append(result.FileErrors, FileError{FilePath: pl.filePath, Err: err})
				processed++
				continue
			}
			res.Duration = time.Since(fileStart)
			recordFileMetrics(ctx, res.Duration, res.Warnings, true)
			committed = append(committed, indexedResult{index: pl.index, result: res})
			processed++
		}
	}()

	var g errgroup.Group
	g.SetLimit(p.options.Workers)
	for i := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			pl := p.prepare(files[i])
			pl.index = i
			select {
			case plans <- pl:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()
	close(plans)
	<-writerDone

	sort.Slice(committed, func(i, j int) bool { return committed[i].index < committed[j].index })
	result.Results = make([]AnalysisResult, 0, len(committed))
	for _, c := range committed {
		result.Results = append(result.Results, *c.result)
		result.NodesCreated += c.result.NodesCreated
		result.NodesUpdated += c.result.NodesUpdated
		result.EdgesCreated += c.result.EdgesCreated
		result.EdgesUpdated += c.result.EdgesUpdated
		result.Warnings += len(c.result.Warnings)
	}
	result.Incomplete = processed < len(files)
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("depgraph.files_committed", len(result.Results)),
		attribute.Int("depgraph.files_failed", len(result.FileErrors)),
		attribute.Bool("depgraph.incomplete", result.Incomplete),
	)
	recordBatchMetrics(ctx, result.Duration, result.Incomplete)

	logger.Info("batch ingestion finished",
		slog.Int("committed", len(result.Results)),
		slog.Int("failed", len(result.FileErrors)),
		slog.Int("nodes_created", result.NodesCreated),
		slog.Int("edges_created", result.EdgesCreated),
		slog.Bool("incomplete", result.Incomplete),
		slog.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	return result, nil
}
