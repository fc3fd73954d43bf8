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
	"errors"
	"net/http"

	"github.com/AleutianAI/depgraph/services/depgraph/cycles"
	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/namespace"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
)

// Sentinel errors for the analyzer.
var (
	// ErrAnalyzerClosed is returned by every operation after Close.
	ErrAnalyzerClosed = errors.New("analyzer closed")

	// ErrInvalidRequest indicates a malformed API request.
	ErrInvalidRequest = errors.New("invalid request")
)

// StatusClientClosedRequest is the non-standard status used when the
// client went away before the operation finished.
const StatusClientClosedRequest = 499

// classifyError maps an error to an HTTP status and a stable error code.
//
// Input, filter, and namespace errors are 400. Unknown nodes are 404.
// Interrupted computations are 499 when the request context is gone and
// 503 otherwise. Everything else, including store I/O, is 500.
func classifyError(ctx context.Context, err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidFacts),
		errors.Is(err, store.ErrInvalidNode),
		errors.Is(err, store.ErrInvalidEdge):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, store.ErrInvalidFilter):
		return http.StatusBadRequest, "INVALID_FILTER"
	case errors.Is(err, namespace.ErrInvalidNamespace):
		return http.StatusBadRequest, "INVALID_NAMESPACE"
	case errors.Is(err, namespace.ErrUnknownNamespace):
		return http.StatusNotFound, "UNKNOWN_NAMESPACE"
	case errors.Is(err, store.ErrNodeNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, cycles.ErrPartialResult),
		errors.Is(err, inference.ErrPartialResult),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return StatusClientClosedRequest, "CANCELLED"
		}
		return http.StatusServiceUnavailable, "INTERRUPTED"
	case errors.Is(err, ErrAnalyzerClosed), errors.Is(err, store.ErrStoreClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "STORE_ERROR"
	}
}
