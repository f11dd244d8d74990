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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/telemetry"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/txlog"
)

// defaultTxLimit is the page size of GET /transactions without ?limit.
const defaultTxLimit = 50

// Handlers contains the HTTP handlers for the document index.
//
// # Thread Safety
//
// Safe for concurrent use. All state lives in the Index.
type Handlers struct {
	idx *docindex.Index
}

// NewHandlers creates handlers serving idx.
func NewHandlers(idx *docindex.Index) *Handlers {
	return &Handlers{idx: idx}
}

// HandleHealth handles GET /v1/docindex/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /v1/docindex/ready.
//
// # Response
//
//	200 OK: ReadyResponse (Ready=true)
//	503 Service Unavailable: ReadyResponse (Ready=false) until Init completes
func (h *Handlers) HandleReady(c *gin.Context) {
	hash, err := h.idx.GetRootHash()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true, RootHash: hash})
}

// HandleNodes handles GET /v1/docindex/nodes.
//
// # Query Parameters
//
//	path - Optional root-relative path. When set, returns that single node.
//
// # Response
//
//	200 OK: NodesResponse, or nodestore.IndexNode when path is set
//	400 Bad Request: Path escapes the root
//	404 Not Found: No node at path
func (h *Handlers) HandleNodes(c *gin.Context) {
	logger := requestLogger(c, "HandleNodes")

	if path := c.Query("path"); path != "" {
		node, err := h.idx.GetNodeByPath(path)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, node)
		return
	}

	nodes, err := h.idx.GetAllNodes()
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nodes, Count: len(nodes)})
}

// HandleNode handles GET /v1/docindex/nodes/:id.
func (h *Handlers) HandleNode(c *gin.Context) {
	logger := requestLogger(c, "HandleNode")
	node, err := h.idx.GetNode(c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleProof handles GET /v1/docindex/nodes/:id/proof.
//
// # Response
//
//	200 OK: docindex.Proof
//	404 Not Found: Unknown node id
func (h *Handlers) HandleProof(c *gin.Context) {
	logger := requestLogger(c, "HandleProof")
	proof, err := h.idx.GetMerkleProof(c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// HandleAccess handles POST /v1/docindex/nodes/:id/access.
//
// # Description
//
// Records one access to the node, promoting its cache tier when the count
// crosses a threshold. The change is committed and persisted.
func (h *Handlers) HandleAccess(c *gin.Context) {
	logger := requestLogger(c, "HandleAccess")
	node, err := h.idx.UpdateAccessFrequency(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, AccessResponse{Node: node})
}

// HandleRoot handles GET /v1/docindex/root.
func (h *Handlers) HandleRoot(c *gin.Context) {
	logger := requestLogger(c, "HandleRoot")
	hash, err := h.idx.GetRootHash()
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, RootResponse{RootHash: hash})
}

// HandleStats handles GET /v1/docindex/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	logger := requestLogger(c, "HandleStats")
	stats, err := h.idx.GetStats()
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleVerify handles POST /v1/docindex/verify.
//
// # Query Parameters
//
//	heal - When "true", a healable report is healed in the same request.
//
// # Response
//
//	200 OK: VerifyResponse. An unhealable report is still a 200 with
//	        HealError set.
//	429 Too Many Requests: Heal rate limit exceeded
func (h *Handlers) HandleVerify(c *gin.Context) {
	logger := requestLogger(c, "HandleVerify")
	ctx := c.Request.Context()

	heal, _ := strconv.ParseBool(c.Query("heal"))
	if !heal {
		report, err := h.idx.VerifyIntegrity(ctx)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, VerifyResponse{Report: report})
		return
	}

	report, healed, err := h.idx.VerifyAndHeal(ctx)
	switch {
	case err == nil:
		if healed != nil {
			logger.Info("Index healed",
				"tx_id", healed.TxID,
				"healed", len(healed.Healed),
				"skipped", len(healed.Skipped),
				"deferred", healed.Deferred)
		}
		c.JSON(http.StatusOK, VerifyResponse{Report: report, Heal: healed})
	case report != nil && errors.Is(err, integrity.ErrNotHealable):
		c.JSON(http.StatusOK, VerifyResponse{Report: report, HealError: err.Error()})
	default:
		writeError(c, logger, err)
	}
}

// HandleDuplicates handles GET /v1/docindex/duplicates.
func (h *Handlers) HandleDuplicates(c *gin.Context) {
	logger := requestLogger(c, "HandleDuplicates")
	groups, err := h.idx.Duplicates()
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// HandleRecentEvents handles GET /v1/docindex/events/recent.
//
// # Query Parameters
//
//	type - Optional event type to keep (e.g. autoHealed).
//
// # Response
//
//	200 OK: {"events": [...], "count": n}, oldest first
//	400 Bad Request: Unknown event type
func (h *Handlers) HandleRecentEvents(c *gin.Context) {
	t := events.Type(c.Query("type"))
	if t != "" && !slices.Contains(events.AllTypes, t) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown event type: " + string(t),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	recent := h.idx.RecentEvents(t)
	if recent == nil {
		recent = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
}

// HandleTransactions handles GET /v1/docindex/transactions.
//
// # Query Parameters
//
//	limit - Maximum entries, newest first (default 50).
func (h *Handlers) HandleTransactions(c *gin.Context) {
	logger := requestLogger(c, "HandleTransactions")

	limit := defaultTxLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "limit must be a positive integer",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		limit = n
	}

	txs, err := h.idx.Transactions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// HandleTransaction handles GET /v1/docindex/transactions/:id.
func (h *Handlers) HandleTransaction(c *gin.Context) {
	logger := requestLogger(c, "HandleTransaction")
	tx, err := h.idx.Transaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// HandleChange handles POST /v1/docindex/changes.
//
// # Description
//
// Applies one change notification synchronously through the ingestion
// queue, for callers that do not run the watcher.
//
// # Request Body
//
//	ChangeRequest
//
// # Response
//
//	200 OK: ingest.Result
//	400 Bad Request: Invalid body
//	503 Service Unavailable: Queue closed or index not initialized
func (h *Handlers) HandleChange(c *gin.Context) {
	logger := requestLogger(c, "HandleChange")

	var req ChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	var ev ingest.Event
	switch req.Kind {
	case ingest.KindAdded:
		ev = ingest.Added(req.Path)
	case ingest.KindChanged:
		ev = ingest.Changed(req.Path)
	default:
		ev = ingest.Removed(req.Path)
	}

	res, err := h.idx.Apply(c.Request.Context(), ev)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("Change applied",
		"path", res.RelPath,
		"outcome", res.Outcome,
		"tx_id", res.TxID)
	c.JSON(http.StatusOK, res)
}

// requestLogger returns a logger tagged with the request id, the handler
// and the active trace.
func requestLogger(c *gin.Context, handler string) *slog.Logger {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
	return telemetry.LoggerWithTrace(c.Request.Context(), logger)
}

// getOrCreateRequestID returns the X-Request-ID header, generating one if
// absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// writeError maps err to a status and code and writes an ErrorResponse.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", code)
	} else {
		logger.Debug("Request rejected", "error", err, "code", code)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, docindex.ErrNotInitialized):
		return http.StatusServiceUnavailable, "NOT_INITIALIZED"
	case errors.Is(err, nodestore.ErrNodeNotFound),
		errors.Is(err, merkle.ErrLeafNotFound),
		errors.Is(err, txlog.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, manifest.ErrPathTraversal):
		return http.StatusBadRequest, "PATH_TRAVERSAL"
	case errors.Is(err, docindex.ErrTxLogDisabled):
		return http.StatusNotImplemented, "TXLOG_DISABLED"
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, integrity.ErrHealRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, ingest.ErrQueueClosed):
		return http.StatusServiceUnavailable, "QUEUE_CLOSED"
	case errors.Is(err, integrity.ErrNotHealable):
		return http.StatusConflict, "NOT_HEALABLE"
	case errors.Is(err, transaction.ErrTransactionActive):
		return http.StatusConflict, "TRANSACTION_ACTIVE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return 499, "CANCELED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
