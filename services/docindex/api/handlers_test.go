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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func newTestIndex(t *testing.T, root string, tweak func(*docindex.Options)) *docindex.Index {
	t.Helper()
	opts := docindex.DefaultOptions(root)
	opts.TxLog.InMemory = true
	opts.MetricsEnabled = false
	opts.TracingEnabled = false
	opts.Integrity.HealRatePerMinute = 600
	if tweak != nil {
		tweak(&opts)
	}
	idx, err := docindex.New(opts)
	require.NoError(t, err)
	return idx
}

func setupTestRouter(t *testing.T, files map[string]string) (*gin.Engine, *docindex.Index, string) {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, files)
	idx := newTestIndex(t, root, nil)
	require.NoError(t, idx.Init(context.Background()))
	t.Cleanup(func() { _ = idx.Teardown() })

	router, err := NewRouter(idx, RouterOptions{})
	require.NoError(t, err)
	return router, idx, root
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandlers_HandleHealth(t *testing.T) {
	router, _, _ := setupTestRouter(t, nil)

	w := do(t, router, http.MethodGet, "/v1/docindex/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandlers_RequestIDEchoed(t *testing.T) {
	router, _, _ := setupTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/docindex/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestHandlers_NotInitialized(t *testing.T) {
	idx := newTestIndex(t, t.TempDir(), nil)
	router, err := NewRouter(idx, RouterOptions{})
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/v1/docindex/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, decode[ReadyResponse](t, w).Ready)

	w = do(t, router, http.MethodGet, "/v1/docindex/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NOT_INITIALIZED", decode[ErrorResponse](t, w).Code)
}

func TestHandlers_Nodes(t *testing.T) {
	router, idx, _ := setupTestRouter(t, map[string]string{
		"Getting-Started.md": "Hello",
		"guides/a.md":        "a",
	})

	w := do(t, router, http.MethodGet, "/v1/docindex/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[NodesResponse](t, w)
	assert.Equal(t, 3, list.Count)

	w = do(t, router, http.MethodGet, "/v1/docindex/nodes?path=Getting-Started.md", nil)
	require.Equal(t, http.StatusOK, w.Code)
	node := decode[nodestore.IndexNode](t, w)
	assert.Equal(t, nodestore.PriorityCritical, node.Metadata.Priority)

	w = do(t, router, http.MethodGet, "/v1/docindex/nodes/"+node.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Getting-Started.md", decode[nodestore.IndexNode](t, w).Path)

	w = do(t, router, http.MethodGet, "/v1/docindex/root", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hash, err := idx.GetRootHash()
	require.NoError(t, err)
	assert.Equal(t, hash, decode[RootResponse](t, w).RootHash)
}

func TestHandlers_NodeErrors(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]string{"a.md": "a"})

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown id",
			target:     "/v1/docindex/nodes/0000000000000000",
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "unknown path",
			target:     "/v1/docindex/nodes?path=missing.md",
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "path traversal",
			target:     "/v1/docindex/nodes?path=../outside.md",
			wantStatus: http.StatusBadRequest,
			wantCode:   "PATH_TRAVERSAL",
		},
		{
			name:       "unknown proof",
			target:     "/v1/docindex/nodes/0000000000000000/proof",
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "unknown transaction",
			target:     "/v1/docindex/transactions/nope",
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "bad limit",
			target:     "/v1/docindex/transactions?limit=0",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_Proof(t *testing.T) {
	router, idx, _ := setupTestRouter(t, map[string]string{"a.md": "a", "b.md": "b", "c.md": "c"})

	node, err := idx.GetNodeByPath("b.md")
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/v1/docindex/nodes/"+node.ID+"/proof", nil)
	require.Equal(t, http.StatusOK, w.Code)
	proof := decode[docindex.Proof](t, w)
	assert.Equal(t, node.Hash, proof.LeafHash)
	assert.True(t, proof.Verify())
}

func TestHandlers_Stats(t *testing.T) {
	router, _, root := setupTestRouter(t, map[string]string{"a.md": "a", "docs/b.md": "b"})

	w := do(t, router, http.MethodGet, "/v1/docindex/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[docindex.Stats](t, w)
	assert.Equal(t, root, stats.Root)
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 2, stats.Files)
}

func TestHandlers_VerifyAndHeal(t *testing.T) {
	router, idx, root := setupTestRouter(t, map[string]string{"a.md": "a", "b.md": "b"})

	w := do(t, router, http.MethodPost, "/v1/docindex/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[VerifyResponse](t, w).Report.Valid)

	writeFiles(t, root, map[string]string{"a.md": "drifted"})

	w = do(t, router, http.MethodPost, "/v1/docindex/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[VerifyResponse](t, w)
	assert.False(t, resp.Report.Valid)
	assert.Nil(t, resp.Heal)

	w = do(t, router, http.MethodPost, "/v1/docindex/verify?heal=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[VerifyResponse](t, w)
	require.NotNil(t, resp.Heal)
	assert.Equal(t, []string{"a.md"}, resp.Heal.Healed)

	report, err := idx.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestHandlers_VerifyUnhealable(t *testing.T) {
	router, _, root := setupTestRouter(t, map[string]string{"a.md": "a", "b.md": "b"})
	require.NoError(t, os.Remove(filepath.Join(root, "b.md")))

	w := do(t, router, http.MethodPost, "/v1/docindex/verify?heal=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[VerifyResponse](t, w)
	assert.False(t, resp.Report.Healable)
	assert.Nil(t, resp.Heal)
	assert.NotEmpty(t, resp.HealError)
}

func TestHandlers_AccessAndTransactions(t *testing.T) {
	router, idx, _ := setupTestRouter(t, map[string]string{"notes.md": "notes"})

	node, err := idx.GetNodeByPath("notes.md")
	require.NoError(t, err)

	w := do(t, router, http.MethodPost, "/v1/docindex/nodes/"+node.ID+"/access", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), decode[AccessResponse](t, w).Node.Metadata.AccessFrequency)

	w = do(t, router, http.MethodGet, "/v1/docindex/transactions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Transactions []struct {
			ID string `json:"id"`
		} `json:"transactions"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)

	w = do(t, router, http.MethodGet, "/v1/docindex/transactions/"+list.Transactions[0].ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_TransactionsDisabled(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t, root, func(o *docindex.Options) { o.TxLog.Enabled = false })
	require.NoError(t, idx.Init(context.Background()))
	t.Cleanup(func() { _ = idx.Teardown() })
	router, err := NewRouter(idx, RouterOptions{})
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/v1/docindex/transactions", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "TXLOG_DISABLED", decode[ErrorResponse](t, w).Code)
}

func TestHandlers_Change(t *testing.T) {
	router, idx, root := setupTestRouter(t, map[string]string{"a.md": "a"})

	writeFiles(t, root, map[string]string{"new.md": "new"})
	w := do(t, router, http.MethodPost, "/v1/docindex/changes", ChangeRequest{
		Kind: ingest.KindAdded,
		Path: "new.md",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[ingest.Result](t, w)
	assert.Equal(t, ingest.OutcomeCommitted, res.Outcome)

	_, err := idx.GetNodeByPath("new.md")
	require.NoError(t, err)

	w = do(t, router, http.MethodPost, "/v1/docindex/changes", map[string]string{"kind": "renamed", "path": "x.md"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_Duplicates(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]string{"a.md": "same", "b.md": "SAME", "c.md": "other"})

	w := do(t, router, http.MethodGet, "/v1/docindex/duplicates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Groups []docindex.DuplicateGroup `json:"groups"`
		Count  int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, []string{"a.md", "b.md"}, resp.Groups[0].Paths)
}

func TestHandlers_RecentEvents(t *testing.T) {
	router, _, _ := setupTestRouter(t, map[string]string{"a.md": "a"})

	type recentResponse struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
	}

	w := do(t, router, http.MethodGet, "/v1/docindex/events/recent?type=initialized", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[recentResponse](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, events.TypeInitialized, resp.Events[0].Type)

	w = do(t, router, http.MethodGet, "/v1/docindex/events/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, decode[recentResponse](t, w).Count, 1)

	w = do(t, router, http.MethodGet, "/v1/docindex/events/recent?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	router, _, _ := setupTestRouter(t, nil)

	w := do(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "docindex_integrity_root_matches"))
}
