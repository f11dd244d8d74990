// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integrity verifies the index against the filesystem and heals
// content drift.
//
// # Description
//
// A sweep re-reads every tracked file, checks the tree invariants and
// rebuilds the Merkle root from the live store. Hash drift is healed by a
// single UPDATE transaction; missing files and structural damage are only
// reported.
//
// # Thread Safety
//
// Monitor is safe for concurrent use. Concurrent Verify calls share one
// sweep.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
)

// Defaults for Config.
const (
	DefaultInterval                = 5 * time.Minute
	DefaultMaxHealBatch            = 100
	DefaultHealRatePerMinute       = 6
	DefaultCachePromotionThreshold = 10
)

// NodeSource is the store view the monitor reads and heals.
type NodeSource interface {
	Committed() ([]nodestore.IndexNode, []nodestore.StructureIssue)
	Get(id string) (nodestore.IndexNode, bool)
	Update(id string, fn func(n *nodestore.IndexNode)) (nodestore.IndexNode, error)
}

// FileHasher re-reads a tracked file.
type FileHasher interface {
	HashFile(root, relPath string) (manifest.FileEntry, error)
}

// Transactor runs the heal transaction. *transaction.Manager implements it.
type Transactor interface {
	Begin(ctx context.Context) (*transaction.Transaction, error)
	AddOperation(op transaction.Operation) error
	Commit(ctx context.Context) (*transaction.Transaction, error)
	Rollback(ctx context.Context, reason string) (*transaction.Transaction, error)
	RootHash() string
}

// Config configures a Monitor.
type Config struct {
	// Root is the absolute document root.
	Root string

	// Interval between periodic sweeps.
	Interval time.Duration

	// AutoHeal heals healable reports found by periodic sweeps.
	AutoHeal bool

	// MaxHealBatch caps the nodes one heal transaction rewrites. The rest
	// are left for the next sweep.
	MaxHealBatch int

	// HealRatePerMinute is the token bucket refill rate for heal attempts.
	HealRatePerMinute float64

	// CachePromotionThreshold is the access count above which a COLD node
	// yields a CACHE suggestion.
	CachePromotionThreshold int64

	// Concurrency bounds parallel file reads. Zero means GOMAXPROCS.
	Concurrency int
}

// DefaultConfig returns the default monitor configuration for root.
func DefaultConfig(root string) Config {
	return Config{
		Root:                    root,
		Interval:                DefaultInterval,
		AutoHeal:                true,
		MaxHealBatch:            DefaultMaxHealBatch,
		HealRatePerMinute:       DefaultHealRatePerMinute,
		CachePromotionThreshold: DefaultCachePromotionThreshold,
	}
}

// Deps are the collaborators a Monitor drives.
type Deps struct {
	Store NodeSource
	Files FileHasher
	Tx    Transactor

	// Writer serializes the heal transaction with every other writer and
	// keeps commits out of the window where a check reads nodes and root.
	// Optional.
	Writer sync.Locker

	// Events receives integrityViolation and autoHealed. Optional.
	Events events.Publisher
}

// Monitor runs integrity sweeps.
type Monitor struct {
	cfg     Config
	deps    Deps
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	last    *Report
}

// NewMonitor creates a monitor.
//
// # Inputs
//
//   - cfg: Monitor configuration. Zero fields take their defaults.
//   - deps: Store, Files and Tx are required.
//
// # Outputs
//
//   - *Monitor: Ready to Start, or to use on demand.
//   - error: Non-nil if a required dependency is missing.
func NewMonitor(cfg Config, deps Deps) (*Monitor, error) {
	if deps.Store == nil || deps.Files == nil || deps.Tx == nil {
		return nil, fmt.Errorf("integrity monitor requires store, files and tx")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxHealBatch <= 0 {
		cfg.MaxHealBatch = DefaultMaxHealBatch
	}
	if cfg.HealRatePerMinute <= 0 {
		cfg.HealRatePerMinute = DefaultHealRatePerMinute
	}
	if cfg.CachePromotionThreshold <= 0 {
		cfg.CachePromotionThreshold = DefaultCachePromotionThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}

	burst := int(cfg.HealRatePerMinute)
	if burst < 1 {
		burst = 1
	}

	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		limiter: rate.NewLimiter(rate.Limit(cfg.HealRatePerMinute/60), burst),
		logger:  slog.Default().With("component", "integrity.Monitor"),
	}, nil
}

// Verify checks the committed index against the filesystem and the
// committed root.
//
// Concurrent callers share a single sweep and receive the same report,
// which they must treat as read-only.
func (m *Monitor) Verify(ctx context.Context) (*Report, error) {
	v, err, _ := m.flight.Do("verify", func() (interface{}, error) {
		nodes, issues, root := m.committedState()
		return m.check(ctx, nodes, issues, root)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

// Check verifies the committed index against an explicit expected root.
//
// # Description
//
// Collects structural issues, re-reads every file node with bounded
// parallelism, and rebuilds the Merkle root from the store. Violations
// are sorted by path then kind, so two checks of an unchanged tree return
// identical reports apart from timing.
//
// # Inputs
//
//   - ctx: Cancels the file reads.
//   - expectedRoot: The root the store is supposed to produce.
//
// # Outputs
//
//   - *Report: The verification outcome.
//   - error: Non-nil only if ctx was cancelled.
func (m *Monitor) Check(ctx context.Context, expectedRoot string) (*Report, error) {
	nodes, issues, _ := m.committedState()
	return m.check(ctx, nodes, issues, expectedRoot)
}

// committedState reads the committed nodes and root together. Holding the
// writer keeps a commit from landing between the two reads; the store view
// hides an open transaction that bypassed the writer.
func (m *Monitor) committedState() ([]nodestore.IndexNode, []nodestore.StructureIssue, string) {
	if m.deps.Writer != nil {
		m.deps.Writer.Lock()
		defer m.deps.Writer.Unlock()
	}
	nodes, issues := m.deps.Store.Committed()
	return nodes, issues, m.deps.Tx.RootHash()
}

func (m *Monitor) check(ctx context.Context, nodes []nodestore.IndexNode, issues []nodestore.StructureIssue, expectedRoot string) (*Report, error) {
	start := time.Now()

	report := &Report{
		CheckedAt:    start,
		NodesChecked: len(nodes),
		Violations:   []Violation{},
		Suggestions:  []Suggestion{},
		StoredRoot:   expectedRoot,
	}

	for _, issue := range issues {
		report.Violations = append(report.Violations, Violation{
			Kind:     KindStructureCorruption,
			Severity: SeverityCritical,
			NodeID:   issue.NodeID,
			Path:     issue.Path,
			Detail:   issue.Detail,
		})
	}

	found := make([]*Violation, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found[i] = m.checkNode(nodes[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("integrity check cancelled: %w", err)
	}
	for _, v := range found {
		if v != nil {
			report.Violations = append(report.Violations, *v)
		}
	}

	report.ComputedRoot = merkle.Build(nodes).RootHash()
	report.RootMatches = report.ComputedRoot == expectedRoot

	for _, n := range nodes {
		if n.IsDir() {
			continue
		}
		if n.Metadata.Cache == nodestore.CacheCold && n.Metadata.AccessFrequency > m.cfg.CachePromotionThreshold {
			report.Suggestions = append(report.Suggestions, Suggestion{
				Kind:    SuggestionCache,
				NodeID:  n.ID,
				Path:    n.Path,
				Benefit: cacheSuggestionBenefit,
				Detail:  fmt.Sprintf("accessed %d times while COLD", n.Metadata.AccessFrequency),
			})
		}
	}

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Detail < b.Detail
	})

	report.Valid = len(report.Violations) == 0 && report.RootMatches
	report.Healable = !report.Valid && allHashMismatches(report.Violations)
	report.Duration = time.Since(start)

	recordReport(report)

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	return report, nil
}

// checkNode compares one node with the filesystem.
func (m *Monitor) checkNode(n nodestore.IndexNode) *Violation {
	if n.IsDir() {
		info, err := os.Stat(filepath.Join(m.cfg.Root, filepath.FromSlash(n.Path)))
		if err != nil || !info.IsDir() {
			detail := "directory is missing"
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				detail = err.Error()
			}
			// Files under it are reported on their own, at CRITICAL.
			return &Violation{Kind: KindMissingFile, Severity: SeverityWarning, NodeID: n.ID, Path: n.Path, Detail: detail}
		}
		return nil
	}

	entry, err := m.deps.Files.HashFile(m.cfg.Root, n.Path)
	if err != nil {
		detail := "file is missing"
		if !errors.Is(err, os.ErrNotExist) {
			detail = err.Error()
		}
		return &Violation{Kind: KindMissingFile, Severity: SeverityCritical, NodeID: n.ID, Path: n.Path, Detail: detail}
	}
	if entry.Hash != n.Hash {
		return &Violation{
			Kind:     KindHashMismatch,
			Severity: SeverityCritical,
			NodeID:   n.ID,
			Path:     n.Path,
			Expected: n.Hash,
			Actual:   entry.Hash,
		}
	}
	return nil
}

func allHashMismatches(vs []Violation) bool {
	for _, v := range vs {
		if v.Kind != KindHashMismatch {
			return false
		}
	}
	return true
}

// Heal repairs a healable report in one transaction.
//
// # Description
//
// Rewrites hash, size, tokens, modification time and semantic hash of up
// to MaxHealBatch mismatched nodes from the file as it is now, then
// commits. Committing rebuilds and persists the tree, so a root-only
// mismatch is healed by a transaction with no operations.
//
// A node whose stored hash no longer equals the report's Expected hash was
// rewritten by a later transaction and is skipped, as is a node whose file
// vanished or already matches. Skipped nodes are left to the next sweep.
//
// # Outputs
//
//   - *HealResult: The committed heal. Nil for a valid report.
//   - error: ErrNotHealable, ErrHealRateLimited, or a transaction error.
//     A failed heal is rolled back.
func (m *Monitor) Heal(ctx context.Context, report *Report) (*HealResult, error) {
	if report == nil || report.Valid {
		return nil, nil
	}
	if !report.Healable {
		healsTotal.WithLabelValues("refused").Inc()
		return nil, ErrNotHealable
	}
	if !m.limiter.Allow() {
		healsTotal.WithLabelValues("rate_limited").Inc()
		return nil, ErrHealRateLimited
	}

	if m.deps.Writer != nil {
		m.deps.Writer.Lock()
		defer m.deps.Writer.Unlock()
	}

	batch := report.Violations
	deferred := 0
	if len(batch) > m.cfg.MaxHealBatch {
		deferred = len(batch) - m.cfg.MaxHealBatch
		batch = batch[:m.cfg.MaxHealBatch]
	}

	tx, err := m.deps.Tx.Begin(ctx)
	if err != nil {
		healsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("begin heal: %w", err)
	}

	healed := make([]string, 0, len(batch))
	var skipped []string
	for _, v := range batch {
		ok, err := m.healOne(v)
		if err != nil {
			m.logger.Warn("heal aborted", "tx_id", tx.ID, "path", v.Path, "error", err)
			if _, rbErr := m.deps.Tx.Rollback(ctx, "heal failed: "+err.Error()); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			healsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if !ok {
			skipped = append(skipped, v.Path)
			continue
		}
		healed = append(healed, v.Path)
	}

	done, err := m.deps.Tx.Commit(ctx)
	if err != nil {
		healsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit heal: %w", err)
	}

	result := &HealResult{
		TxID:     done.ID,
		Healed:   healed,
		Skipped:  skipped,
		Deferred: deferred,
		RootHash: done.RootAfter,
	}
	healsTotal.WithLabelValues("healed").Inc()
	healedNodesTotal.Add(float64(len(healed)))
	m.logger.Info("auto-heal committed",
		"tx_id", done.ID,
		"healed", len(healed),
		"skipped", len(skipped),
		"deferred", deferred,
		"root", done.RootAfter)

	if m.deps.Events != nil {
		m.deps.Events.Emit(events.TypeAutoHealed, events.HealData{
			TxID:     result.TxID,
			Healed:   result.Healed,
			Skipped:  result.Skipped,
			Deferred: result.Deferred,
			RootHash: result.RootHash,
		})
	}
	return result, nil
}

// healOne rewrites one node from its file. It reports false, without
// error, when the node changed since the check or the file no longer
// differs from it.
func (m *Monitor) healOne(v Violation) (bool, error) {
	prev, ok := m.deps.Store.Get(v.NodeID)
	if !ok {
		return false, fmt.Errorf("%w: %s", nodestore.ErrNodeNotFound, v.NodeID)
	}
	if prev.Hash != v.Expected {
		m.logger.Debug("heal skipped, node changed since check", "path", v.Path)
		return false, nil
	}
	obs, err := m.deps.Files.HashFile(m.cfg.Root, v.Path)
	if err != nil {
		m.logger.Debug("heal skipped, file unreadable", "path", v.Path, "error", err)
		return false, nil
	}
	if obs.Hash == prev.Hash {
		return false, nil
	}

	updated, err := m.deps.Store.Update(v.NodeID, func(n *nodestore.IndexNode) {
		n.Hash = obs.Hash
		n.Size = obs.Size
		n.Tokens = obs.Tokens
		n.LastModified = obs.ModTimeMilli
		n.Metadata.SemanticHash = obs.SemanticHash
	})
	if err != nil {
		return false, err
	}
	return true, m.deps.Tx.AddOperation(transaction.Operation{
		Kind:     transaction.OpUpdate,
		Path:     v.Path,
		NodeID:   v.NodeID,
		Data:     &updated,
		Previous: &prev,
	})
}

// Sweep verifies, reports and, when configured, heals.
//
// Violations are emitted as an integrityViolation event carrying the
// report. Failures are logged and returned; they never stop the loop.
func (m *Monitor) Sweep(ctx context.Context) (*Report, *HealResult, error) {
	report, err := m.Verify(ctx)
	if err != nil {
		m.logger.Error("integrity sweep failed", "error", err)
		return nil, nil, err
	}

	if report.Valid {
		m.logger.Debug("integrity sweep clean", "nodes", report.NodesChecked, "duration", report.Duration)
		return report, nil, nil
	}

	m.logger.Warn("integrity violations found",
		"violations", len(report.Violations),
		"root_matches", report.RootMatches,
		"healable", report.Healable,
		"error", errors.Join(report.Errors()...))
	if m.deps.Events != nil {
		m.deps.Events.Emit(events.TypeIntegrityViolation, report)
	}

	if !m.cfg.AutoHeal || !report.Healable {
		return report, nil, nil
	}

	healed, err := m.Heal(ctx, report)
	if err != nil {
		if errors.Is(err, ErrHealRateLimited) {
			m.logger.Info("auto-heal deferred by rate limit")
			return report, nil, nil
		}
		m.logger.Error("auto-heal failed", "error", err)
		return report, nil, err
	}
	return report, healed, nil
}

// Start runs periodic sweeps until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMonitorRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.logger.Info("integrity monitor starting", "interval", m.cfg.Interval.String())

	m.wg.Add(1)
	go m.runLoop(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
// Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("integrity monitor stopped")
}

// Running reports whether the periodic loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastReport returns the most recent report, or nil before the first check.
func (m *Monitor) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, _ = m.Sweep(ctx)
		}
	}
}
