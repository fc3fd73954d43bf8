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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("depgraph.pipeline")
	meter  = otel.Meter("depgraph.pipeline")
)

var (
	fileLatency  metric.Float64Histogram
	filesTotal   metric.Int64Counter
	warningTotal metric.Int64Counter
	batchLatency metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		fileLatency, err = meter.Float64Histogram(
			"depgraph_file_ingest_duration_seconds",
			metric.WithDescription("Duration of single-file ingestion"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesTotal, err = meter.Int64Counter(
			"depgraph_files_ingested_total",
			metric.WithDescription("Files ingested, by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		warningTotal, err = meter.Int64Counter(
			"depgraph_fact_warnings_total",
			metric.WithDescription("Dependency facts skipped with a warning, by kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		batchLatency, err = meter.Float64Histogram(
			"depgraph_batch_duration_seconds",
			metric.WithDescription("Duration of batch ingestion runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordFileMetrics(ctx context.Context, duration time.Duration, warnings []Warning, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	fileLatency.Record(ctx, duration.Seconds(), attrs)
	filesTotal.Add(ctx, 1, attrs)
	for _, w := range warnings {
		warningTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(w.Kind))))
	}
}

func recordBatchMetrics(ctx context.Context, duration time.Duration, incomplete bool) {
	if err := initMetrics(); err != nil {
		return
	}
	batchLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("incomplete", incomplete)),
	)
}

func startFileSpan(ctx context.Context, filePath string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.AnalyzeFile",
		trace.WithAttributes(attribute.String("depgraph.file", filePath)),
	)
}

func startBatchSpan(ctx context.Context, runID string, fileCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.AnalyzeAll",
		trace.WithAttributes(
			attribute.String("depgraph.run_id", runID),
			attribute.Int("depgraph.file_count", fileCount),
		),
	)
}
