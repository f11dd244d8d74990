// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the document index over HTTP.
//
// Routes live under /v1/docindex. Read endpoints return the index's own
// types as JSON. The event stream is a websocket that forwards index events
// as they are emitted.
package api

import (
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// ServiceVersion is the API version reported by the health endpoint.
const ServiceVersion = "1.0.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	RootHash string `json:"rootHash,omitempty"`
}

// RootResponse is returned by GET /root.
type RootResponse struct {
	// RootHash is empty for an empty index.
	RootHash string `json:"rootHash"`
}

// NodesResponse is returned by GET /nodes.
type NodesResponse struct {
	Nodes []nodestore.IndexNode `json:"nodes"`
	Count int                   `json:"count"`
}

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	Report *integrity.Report     `json:"report"`
	Heal   *integrity.HealResult `json:"heal,omitempty"`

	// HealError explains why a requested heal did not run.
	HealError string `json:"healError,omitempty"`
}

// ChangeRequest is the body of POST /changes.
type ChangeRequest struct {
	Kind ingest.Kind `json:"kind" binding:"required,oneof=added changed removed"`
	Path string      `json:"path" binding:"required"`
}

// AccessResponse is returned by POST /nodes/:id/access.
type AccessResponse struct {
	Node nodestore.IndexNode `json:"node"`
}
