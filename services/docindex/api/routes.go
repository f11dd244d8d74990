// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
)

// RegisterRoutes registers all document index routes with the router.
//
// # Description
//
// Registers the /v1/docindex/* endpoints on rg. The group should already
// carry any required middleware.
//
// # Endpoints
//
//	GET  /v1/docindex/health - Health check
//	GET  /v1/docindex/ready - Readiness (503 until Init completes)
//	GET  /v1/docindex/nodes - All nodes, or one with ?path=
//	GET  /v1/docindex/nodes/:id - Node by id
//	GET  /v1/docindex/nodes/:id/proof - Merkle inclusion proof
//	POST /v1/docindex/nodes/:id/access - Record an access
//	GET  /v1/docindex/root - Root hash
//	GET  /v1/docindex/stats - Index statistics
//	POST /v1/docindex/verify - Integrity check (?heal=true to heal)
//	GET  /v1/docindex/duplicates - Near-duplicate groups
//	GET  /v1/docindex/transactions - Transaction log (?limit=)
//	GET  /v1/docindex/transactions/:id - One logged transaction
//	POST /v1/docindex/changes - Apply a change notification
//	GET  /v1/docindex/events - Websocket event stream (?types=)
//	GET  /v1/docindex/events/recent - Retained events (?type=)
//
// # Example
//
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, api.NewHandlers(idx))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	d := rg.Group("/docindex")
	{
		d.GET("/health", handlers.HandleHealth)
		d.GET("/ready", handlers.HandleReady)

		d.GET("/nodes", handlers.HandleNodes)
		d.GET("/nodes/:id", handlers.HandleNode)
		d.GET("/nodes/:id/proof", handlers.HandleProof)
		d.POST("/nodes/:id/access", handlers.HandleAccess)

		d.GET("/root", handlers.HandleRoot)
		d.GET("/stats", handlers.HandleStats)
		d.POST("/verify", handlers.HandleVerify)
		d.GET("/duplicates", handlers.HandleDuplicates)

		d.GET("/transactions", handlers.HandleTransactions)
		d.GET("/transactions/:id", handlers.HandleTransaction)

		d.POST("/changes", handlers.HandleChange)
		d.GET("/events", handlers.HandleEvents)
		d.GET("/events/recent", handlers.HandleRecentEvents)
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName names the otelgin spans.
	ServiceName string

	// AccessLog enables gin's request logger.
	AccessLog bool
}

// NewRouter builds the gin engine for idx with recovery, tracing, request
// metrics, request ids, the /v1/docindex routes and /metrics.
func NewRouter(idx *docindex.Index, opts RouterOptions) (*gin.Engine, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "docindex"
	}

	metrics, err := newHTTPMetrics(otel.Meter("docindex.api"))
	if err != nil {
		return nil, fmt.Errorf("create http metrics: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.AccessLog {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(metricsMiddleware(metrics))
	router.Use(requestIDMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(idx))
	return router, nil
}
