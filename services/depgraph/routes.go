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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/depgraph/services/depgraph/config"
	"github.com/AleutianAI/depgraph/services/depgraph/telemetry"
)

// RegisterRoutes registers all depgraph routes with the router.
//
// Description:
//
//	Registers all /v1/depgraph/* endpoints with the given Gin router group.
//	Write endpoints pass through the ingestion limiter; reads do not.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	writeLimit - Middleware applied to write endpoints. May be nil.
//
// Ingestion Endpoints:
//
//	POST /v1/depgraph/analyze - Ingest one file's facts
//	POST /v1/depgraph/analyze/batch - Ingest many files
//	PUT  /v1/depgraph/namespaces - Define namespaces and relabel
//
// Query Endpoints:
//
//	GET  /v1/depgraph/files/dependencies?path= - Direct neighbors of a file
//	GET  /v1/depgraph/stats - Graph statistics
//	GET  /v1/depgraph/nodes?type= - List nodes
//	GET  /v1/depgraph/cycles - Circular dependencies
//	GET  /v1/depgraph/cross-namespace - Cross-namespace edges
//	GET  /v1/depgraph/cross-namespace/summary - Counts per namespace pair
//	POST /v1/depgraph/query - Filtered snapshot export
//	GET  /v1/depgraph/infer/transitive - Transitive closure
//	POST /v1/depgraph/infer/hierarchical - Hierarchical inference
//
// Health Endpoints:
//
//	GET  /v1/depgraph/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, writeLimit gin.HandlerFunc) {
	depgraph := rg.Group("/depgraph")

	write := depgraph.Group("")
	if writeLimit != nil {
		write.Use(writeLimit)
	}
	{
		write.POST("/analyze", handlers.HandleAnalyze)
		write.POST("/analyze/batch", handlers.HandleAnalyzeBatch)
		write.PUT("/namespaces", handlers.HandleNamespaces)
		write.POST("/infer/hierarchical", handlers.HandleHierarchical)
	}

	{
		depgraph.GET("/files/dependencies", handlers.HandleFileDependencies)
		depgraph.GET("/stats", handlers.HandleStats)
		depgraph.GET("/nodes", handlers.HandleNodes)
		depgraph.GET("/cycles", handlers.HandleCycles)
		depgraph.GET("/cross-namespace", handlers.HandleCrossNamespace)
		depgraph.GET("/cross-namespace/summary", handlers.HandleCrossNamespaceSummary)
		depgraph.POST("/query", handlers.HandleQuery)
		depgraph.GET("/infer/transitive", handlers.HandleTransitive)
		depgraph.GET("/health", handlers.HandleHealth)
	}
}

// RateLimit rejects requests beyond the limiter's rate with 429.
func RateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			requestID := getOrCreateRequestID(c)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "ingestion rate limit exceeded",
				Code:      "RATE_LIMITED",
				RequestID: requestID,
			})
			return
		}
		c.Next()
	}
}

// MaxBody caps request bodies at n bytes.
func MaxBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// NewRouter builds the complete HTTP engine for a.
//
// Description:
//
//	Installs recovery, OpenTelemetry tracing, body size limits, the
//	ingestion rate limiter, the /v1/depgraph routes, and /metrics when the
//	Prometheus exporter is active.
func NewRouter(a *Analyzer, cfg config.ServerConfig, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	if cfg.MaxBodyBytes > 0 {
		router.Use(MaxBody(cfg.MaxBodyBytes))
	}

	var writeLimit gin.HandlerFunc
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		writeLimit = RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst))
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(a), writeLimit)

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}
