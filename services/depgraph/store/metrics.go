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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_store_upserts_total",
		Help: "Committed upserts by record kind and outcome",
	}, []string{"kind", "outcome"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_store_commits_total",
		Help: "Store transactions by status (ok, rollback, error)",
	}, []string{"status"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "depgraph_store_commit_duration_seconds",
		Help:    "Duration of committed store transactions",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
)
