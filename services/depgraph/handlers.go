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
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/depgraph/services/depgraph/inference"
	"github.com/AleutianAI/depgraph/services/depgraph/pipeline"
	"github.com/AleutianAI/depgraph/services/depgraph/store"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// Handlers contains the HTTP handlers for the depgraph API.
type Handlers struct {
	analyzer *Analyzer
	logger   *slog.Logger
}

// NewHandlers creates handlers for the given analyzer.
func NewHandlers(a *Analyzer) *Handlers {
	return &Handlers{analyzer: a, logger: a.logger}
}

// getOrCreateRequestID echoes X-Request-ID or mints a new one.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) (*slog.Logger, string) {
	requestID := getOrCreateRequestID(c)
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger)
	return logger.With("request_id", requestID, "handler", handler), requestID
}

// fail writes the error response for err.
func (h *Handlers) fail(c *gin.Context, logger *slog.Logger, requestID string, err error) {
	status, code := classifyError(c.Request.Context(), err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "status", status)
	} else {
		logger.Warn("request rejected", "error", err, "status", status)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, RequestID: requestID})
}

func (h *Handlers) badRequest(c *gin.Context, logger *slog.Logger, requestID string, msg string, err error) {
	h.fail(c, logger, requestID, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, msg, err))
}

// HandleAnalyze handles POST /v1/depgraph/analyze.
//
// Request Body:
//
//	pipeline.FileFacts
//
// Response:
//
//	200 OK: pipeline.AnalysisResult
//	400 Bad Request: Malformed body or invalid facts
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleAnalyze")

	var facts pipeline.FileFacts
	if err := c.ShouldBindJSON(&facts); err != nil {
		h.badRequest(c, logger, requestID, "invalid request body", err)
		return
	}

	result, err := h.analyzer.AnalyzeFile(c.Request.Context(), facts)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	logger.Info("file analyzed",
		"file", result.FilePath,
		"edges_created", result.EdgesCreated,
		"warnings", len(result.Warnings),
	)
	c.JSON(http.StatusOK, result)
}

// HandleAnalyzeBatch handles POST /v1/depgraph/analyze/batch.
//
// Description:
//
//	Ingests every file through the worker pool. Per-file failures are
//	reported in file_errors with status 200; 207 Multi-Status is used when
//	the batch was cut short by cancellation.
func (h *Handlers) HandleAnalyzeBatch(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleAnalyzeBatch")

	var req AnalyzeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, requestID, "invalid request body", err)
		return
	}

	result, err := h.analyzer.AnalyzeAll(c.Request.Context(), req.Files)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	status := http.StatusOK
	if result.Incomplete {
		status = http.StatusMultiStatus
	}
	logger.Info("batch analyzed",
		"run_id", result.RunID,
		"files", len(req.Files),
		"failed", len(result.FileErrors),
		"incomplete", result.Incomplete,
	)
	c.JSON(status, result)
}

// HandleFileDependencies handles GET /v1/depgraph/files/dependencies?path=.
func (h *Handlers) HandleFileDependencies(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleFileDependencies")

	filePath := c.Query("path")
	if filePath == "" {
		h.badRequest(c, logger, requestID, "missing query parameter", fmt.Errorf("path is required"))
		return
	}
	deps, err := h.analyzer.GetFileDependencies(c.Request.Context(), filePath)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, deps)
}

// HandleStats handles GET /v1/depgraph/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleStats")

	stats, err := h.analyzer.GetProjectStats(c.Request.Context())
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleNodes handles GET /v1/depgraph/nodes?type=.
func (h *Handlers) HandleNodes(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleNodes")

	var nodeType *store.NodeType
	if raw := c.Query("type"); raw != "" {
		t, err := store.ParseNodeType(raw)
		if err != nil {
			h.fail(c, logger, requestID, err)
			return
		}
		nodeType = &t
	}
	listing, err := h.analyzer.ListAllNodes(c.Request.Context(), nodeType)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// HandleCycles handles GET /v1/depgraph/cycles.
//
// Query Parameters:
//
//	namespace: Restrict to one namespace (optional)
//	node_type: Node types, repeated or comma separated (default: file)
//	edge_type: Edge types, repeated or comma separated (default: imports)
func (h *Handlers) HandleCycles(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleCycles")

	scope := CycleScope{Namespace: c.Query("namespace")}
	for _, raw := range splitList(c.QueryArray("node_type")) {
		t, err := store.ParseNodeType(raw)
		if err != nil {
			h.fail(c, logger, requestID, err)
			return
		}
		scope.NodeTypes = append(scope.NodeTypes, t)
	}
	for _, raw := range splitList(c.QueryArray("edge_type")) {
		t, err := store.ParseEdgeType(raw)
		if err != nil {
			h.fail(c, logger, requestID, err)
			return
		}
		scope.EdgeTypes = append(scope.EdgeTypes, t)
	}

	found, err := h.analyzer.GetCircularDependencies(c.Request.Context(), scope)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, CyclesResponse{Cycles: found, Count: len(found)})
}

// HandleCrossNamespace handles GET /v1/depgraph/cross-namespace.
func (h *Handlers) HandleCrossNamespace(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleCrossNamespace")

	deps, err := h.analyzer.GetCrossNamespaceDependencies(c.Request.Context())
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, deps)
}

// HandleCrossNamespaceSummary handles GET /v1/depgraph/cross-namespace/summary.
func (h *Handlers) HandleCrossNamespaceSummary(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleCrossNamespaceSummary")

	summary, err := h.analyzer.CrossNamespaceSummary(c.Request.Context())
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleQuery handles POST /v1/depgraph/query.
func (h *Handlers) HandleQuery(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleQuery")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, requestID, "invalid request body", err)
		return
	}
	snap, err := h.analyzer.Query(c.Request.Context(), req.filter())
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleTransitive handles GET /v1/depgraph/infer/transitive.
//
// Query Parameters:
//
//	identifier: Start node identifier or file path (required)
//	edge_type: Relation to follow (default: imports)
//	max_hops: Hop bound (optional, 0 = configured default)
//	direction: outgoing or incoming (default: outgoing)
func (h *Handlers) HandleTransitive(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleTransitive")

	identifier := c.Query("identifier")
	if identifier == "" {
		h.badRequest(c, logger, requestID, "missing query parameter", fmt.Errorf("identifier is required"))
		return
	}
	edgeType := store.EdgeType(c.DefaultQuery("edge_type", string(store.EdgeTypeImports)))
	opts := inference.TransitiveOptions{Direction: inference.Direction(c.Query("direction"))}
	if raw := c.Query("max_hops"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.badRequest(c, logger, requestID, "invalid max_hops", fmt.Errorf("%q", raw))
			return
		}
		opts.MaxHops = n
	}

	result, err := h.analyzer.InferTransitive(c.Request.Context(), identifier, edgeType, opts)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleHierarchical handles POST /v1/depgraph/infer/hierarchical.
//
// Description:
//
//	Derives edges through containment and, when materialize is set, writes
//	them to the store in one transaction.
func (h *Handlers) HandleHierarchical(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleHierarchical")

	var req HierarchicalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, requestID, "invalid request body", err)
		return
	}

	derived, err := h.analyzer.InferHierarchical(c.Request.Context(), req.Container, inference.HierarchicalRequest{
		Containment: req.Containment,
		Relation:    req.Relation,
		MaxHops:     req.MaxHops,
		Composition: req.Composition,
	})
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}

	resp := HierarchicalResponse{Derived: derived}
	if req.Materialize && len(derived) > 0 {
		res, err := h.analyzer.MaterializeInferred(c.Request.Context(), derived)
		if err != nil {
			h.fail(c, logger, requestID, err)
			return
		}
		resp.Materialized = res
	}
	c.JSON(http.StatusOK, resp)
}

// HandleNamespaces handles PUT /v1/depgraph/namespaces.
func (h *Handlers) HandleNamespaces(c *gin.Context) {
	logger, requestID := h.requestLogger(c, "HandleNamespaces")

	var req NamespacesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, logger, requestID, "invalid request body", err)
		return
	}

	relabeled, err := h.analyzer.DefineNamespaces(c.Request.Context(), req.Replace, req.Namespaces...)
	if err != nil {
		h.fail(c, logger, requestID, err)
		return
	}
	logger.Info("namespaces updated",
		"namespaces", len(req.Namespaces),
		"replace", req.Replace,
		"nodes_relabeled", relabeled.NodesRelabeled,
	)
	c.JSON(http.StatusOK, NamespacesResponse{
		Namespaces: h.analyzer.Namespaces(),
		Relabeled:  relabeled,
	})
}

// HandleHealth handles GET /v1/depgraph/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if err := h.analyzer.check(); err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "closed", Version: Version})
		return
	}
	s := h.analyzer.Store()
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    Version,
		Persistent: s.Persistent(),
		Nodes:      s.NodeCount(),
		Edges:      s.EdgeCount(),
	})
}

// splitList flattens repeated and comma-separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
