// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence stores the index as a single JSON snapshot.
//
// The snapshot is replaced atomically: it is written to a temp file in the
// same directory, fsynced, renamed over the canonical path, and the
// directory is fsynced. A reader therefore sees either the previous
// snapshot or the new one, never a torn write.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// FormatVersion is written into every snapshot. Load accepts any snapshot
// with the same major version.
const FormatVersion = "1.0.0"

// DefaultIndexPath is the snapshot location relative to the indexed root.
const DefaultIndexPath = ".docindex/index.json"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSnapshotNotFound indicates no snapshot exists at the configured path.
	ErrSnapshotNotFound = errors.New("index snapshot not found")

	// ErrSnapshotCorrupt indicates the snapshot could not be decoded or is
	// internally inconsistent.
	ErrSnapshotCorrupt = errors.New("index snapshot corrupt")

	// ErrIncompatibleVersion indicates a snapshot from another major version.
	ErrIncompatibleVersion = errors.New("index snapshot version incompatible")
)

// PersistenceError reports a failed persistence step.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	snapshotOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docindex_snapshot_operations_total",
		Help: "Total snapshot operations by type and status",
	}, []string{"operation", "status"})

	snapshotDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docindex_snapshot_duration_seconds",
		Help:    "Time to save or load the index snapshot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	snapshotSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docindex_snapshot_size_bytes",
		Help: "Size of the most recently written snapshot in bytes",
	})
)

var tracer = otel.Tracer("docindex.persistence")

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is the on-disk form of the index.
//
// RootHash is nil for an empty index and encodes as JSON null.
type Snapshot struct {
	Version   string                         `json:"version"`
	Timestamp int64                          `json:"timestamp"`
	RootHash  *string                        `json:"rootHash"`
	Nodes     map[string]nodestore.IndexNode `json:"nodes"`
}

// NewSnapshot builds a snapshot stamped with the current time.
func NewSnapshot(rootHash string, nodes []nodestore.IndexNode) *Snapshot {
	s := &Snapshot{
		Version:   FormatVersion,
		Timestamp: time.Now().UnixMilli(),
		Nodes:     make(map[string]nodestore.IndexNode, len(nodes)),
	}
	if rootHash != "" {
		s.RootHash = &rootHash
	}
	for _, n := range nodes {
		s.Nodes[n.ID] = n.Clone()
	}
	return s
}

// Root returns the root hash or "" when absent.
func (s *Snapshot) Root() string {
	if s == nil || s.RootHash == nil {
		return ""
	}
	return *s.RootHash
}

// NodeList returns the nodes sorted by path.
func (s *Snapshot) NodeList() []nodestore.IndexNode {
	out := make([]nodestore.IndexNode, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n.Clone())
	}
	nodestore.SortByPath(out)
	return out
}

// validate checks version compatibility, key/id agreement and node hashes.
func (s *Snapshot) validate() error {
	v := "v" + s.Version
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: version %q", ErrSnapshotCorrupt, s.Version)
	}
	if semver.Major(v) != semver.Major("v"+FormatVersion) {
		return fmt.Errorf("%w: %s (supported %s)", ErrIncompatibleVersion, s.Version, FormatVersion)
	}
	for key, n := range s.Nodes {
		if key != n.ID {
			return fmt.Errorf("%w: node key %s holds id %q", ErrSnapshotCorrupt, key, n.ID)
		}
		if n.Path == "" {
			return fmt.Errorf("%w: node %s has no path", ErrSnapshotCorrupt, key)
		}
		if err := manifest.ValidateHash(n.Hash); err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrSnapshotCorrupt, key, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Layer
// -----------------------------------------------------------------------------

// Layer reads and writes the snapshot file.
//
// Thread Safety: Safe for concurrent use. Saves are serialized.
type Layer struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewLayer creates a layer writing to path.
func NewLayer(path string) *Layer {
	return &Layer{
		path:   path,
		logger: slog.Default().With(slog.String("component", "persistence.Layer")),
	}
}

// Path returns the snapshot path.
func (l *Layer) Path() string {
	return l.path
}

// Persist builds a snapshot from rootHash and nodes and saves it.
func (l *Layer) Persist(ctx context.Context, rootHash string, nodes []nodestore.IndexNode) error {
	return l.Save(ctx, NewSnapshot(rootHash, nodes))
}

// Save atomically replaces the snapshot file.
//
// Description:
//
//	Encodes snap to a temp file next to the target, fsyncs it, renames it
//	over the target and fsyncs the directory. On any failure before the
//	rename the previous snapshot is untouched and the temp file is removed.
//
// Inputs:
//
//	ctx - Context for tracing and cancellation. Checked before writing.
//	snap - The snapshot to write. Must not be nil.
//
// Outputs:
//
//	error - A *PersistenceError on failure.
func (l *Layer) Save(ctx context.Context, snap *Snapshot) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "docindex.Persistence.Save",
		trace.WithAttributes(
			attribute.String("path", l.path),
			attribute.Int("node_count", len(snap.Nodes)),
		),
	)
	defer span.End()

	fail := func(op string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		snapshotOperationsTotal.WithLabelValues("save", "error").Inc()
		return &PersistenceError{Op: op, Path: l.path, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("save", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fail("mkdir", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fail("encode", err)
	}

	tmpPath := l.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fail("create temp", err)
	}

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fail("rename", err)
	}
	cleanupTmp = false

	if err := syncDir(dir); err != nil {
		l.logger.Warn("directory sync failed (snapshot still valid)",
			slog.String("error", err.Error()),
		)
	}

	duration := time.Since(start)
	snapshotDurationHistogram.WithLabelValues("save").Observe(duration.Seconds())
	snapshotOperationsTotal.WithLabelValues("save", "success").Inc()
	snapshotSizeGauge.Set(float64(len(data)))
	span.SetAttributes(attribute.Int("bytes", len(data)))

	l.logger.Debug("snapshot saved",
		slog.String("path", l.path),
		slog.Int("nodes", len(snap.Nodes)),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", duration),
	)
	return nil
}

// Load reads and validates the snapshot.
//
// Outputs:
//
//	*Snapshot - The decoded snapshot.
//	error - ErrSnapshotNotFound, ErrSnapshotCorrupt or ErrIncompatibleVersion,
//	        wrapped in a *PersistenceError.
func (l *Layer) Load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	_, span := tracer.Start(ctx, "docindex.Persistence.Load",
		trace.WithAttributes(attribute.String("path", l.path)),
	)
	defer span.End()

	fail := func(op string, err error) (*Snapshot, error) {
		status := "error"
		if errors.Is(err, ErrSnapshotNotFound) {
			status = "not_found"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		}
		snapshotOperationsTotal.WithLabelValues("load", status).Inc()
		return nil, &PersistenceError{Op: op, Path: l.path, Err: err}
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail("load", ErrSnapshotNotFound)
		}
		return fail("read", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fail("decode", fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err))
	}
	if snap.Nodes == nil {
		snap.Nodes = map[string]nodestore.IndexNode{}
	}
	if err := snap.validate(); err != nil {
		return fail("validate", err)
	}

	snapshotDurationHistogram.WithLabelValues("load").Observe(time.Since(start).Seconds())
	snapshotOperationsTotal.WithLabelValues("load", "success").Inc()
	span.SetAttributes(attribute.Int("node_count", len(snap.Nodes)))
	return &snap, nil
}

// syncDir syncs a directory so a completed rename survives a crash.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
