// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docindex is a content-addressable index over a tree of documents.
//
// An Index keeps one node per tracked file and directory, a Merkle root
// over their content hashes, and an on-disk snapshot that always matches
// the committed root. Every mutation runs as a transaction. Change events
// are applied in arrival order through a bounded queue, and an integrity
// monitor compares the index to the filesystem and heals hash drift.
//
// Typical use:
//
//	idx, err := docindex.New(docindex.DefaultOptions("/srv/docs"))
//	if err != nil { ... }
//	if err := idx.Init(ctx); err != nil { ... }
//	defer idx.Teardown()
//
//	unsubscribe := idx.Subscribe(func(ev events.Event) { ... })
//	_ = idx.Submit(ingest.Changed("guides/Guide.md"))
package docindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/persistence"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/txlog"
)

// Sentinel errors.
var (
	// ErrNotInitialized is returned by the query surface before Init or
	// after Teardown.
	ErrNotInitialized = errors.New("index not initialized")

	// ErrAlreadyInitialized is returned by Init on a running index.
	ErrAlreadyInitialized = errors.New("index already initialized")

	// ErrTxLogDisabled is returned by Transactions when no log is kept.
	ErrTxLogDisabled = errors.New("transaction log disabled")
)

// Init sources reported in the initialized event.
const (
	SourceSnapshot = "snapshot"
	SourceHealed   = "healed"
	SourceRescan   = "rescan"
)

// Index is one explicitly owned document index.
//
// # Description
//
// New wires nothing that touches the disk. Init loads the snapshot (or
// rescans), verifies it, starts the ingestion worker and, when configured,
// the monitor and watcher. Teardown stops all of them. An Index can be
// initialized again after Teardown, which is what PostUpdateHook does.
//
// The event registry lives for the whole Index, so subscribers may attach
// before Init and keep their subscription across re-initialization.
//
// # Thread Safety
//
// Safe for concurrent use. Event handlers run synchronously on the
// goroutine that produced the event and must not call Init, Teardown or
// any method that opens a transaction.
type Index struct {
	opts    Options
	files   *manifest.ManifestManager
	layer   *persistence.Layer
	emitter *events.Emitter
	logger  *slog.Logger

	lifeMu sync.Mutex
	cur    atomic.Pointer[engine]
}

// engine is the state of one Init..Teardown cycle.
type engine struct {
	store     *nodestore.Store
	tx        *transaction.Manager
	log       *txlog.Log
	monitor   *integrity.Monitor
	processor *ingest.Processor
	queue     *ingest.Queue
	watcher   *ingest.FileWatcher

	// writer serializes every transaction of the index.
	writer sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	status   atomic.Pointer[initStatus]
	counters ingestCounters
}

// initStatus records how a cycle came up.
type initStatus struct {
	Source string
	At     time.Time
}

type ingestCounters struct {
	committed  atomic.Int64
	rolledBack atomic.Int64
	noops      atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

// New creates an index for opts.Root.
//
// # Inputs
//
//   - opts: Index options. Zero fields take their defaults.
//
// # Outputs
//
//   - *Index: Ready for Subscribe and Init.
//   - error: Non-nil if the root cannot be resolved.
func New(opts Options) (*Index, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Index{
		opts: opts,
		files: manifest.NewManifestManager(
			manifest.WithExtensions(opts.Extensions...),
			manifest.WithExcludes(opts.Excludes...),
		),
		layer:   persistence.NewLayer(opts.IndexPath),
		emitter: events.NewEmitter(events.WithBufferSize(opts.EventBuffer)),
		logger:  slog.Default().With("component", "docindex.Index", "root", opts.Root),
	}, nil
}

// Root returns the absolute document root.
func (i *Index) Root() string {
	return i.opts.Root
}

// IndexPath returns the absolute snapshot path.
func (i *Index) IndexPath() string {
	return i.opts.IndexPath
}

// Events returns the event registry.
func (i *Index) Events() *events.Emitter {
	return i.emitter
}

// Init brings the index up.
//
// # Description
//
// Loads the snapshot and verifies it against the filesystem. A valid
// snapshot is used as is; a healable one is healed in one transaction;
// anything else, including a missing or corrupt snapshot, triggers a full
// rescan that is persisted directly. After a load or heal, tracked files
// that appeared while the index was down are fed through ingestion. The
// initialized event is emitted last.
//
// # Inputs
//
//   - ctx: Bounds loading, verification and reconciliation. Background
//     workers outlive it and stop on Teardown.
//
// # Outputs
//
//   - error: ErrAlreadyInitialized, or the failure that prevented start-up.
//     On error nothing is left running.
func (i *Index) Init(ctx context.Context) error {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()

	if i.cur.Load() != nil {
		return ErrAlreadyInitialized
	}

	start := time.Now()
	e, err := i.open(ctx)
	if err != nil {
		return err
	}
	// Published early so events raised during start-up can be queried.
	i.cur.Store(e)

	if err := i.bootstrap(ctx, e); err != nil {
		i.cur.Store(nil)
		i.shutdown(e)
		return err
	}
	status := e.status.Load()

	root := e.tx.RootHash()
	i.logger.Info("index initialized",
		"source", status.Source,
		"nodes", e.store.Len(),
		"root", root,
		"duration", time.Since(start))
	i.emitter.Emit(events.TypeInitialized, events.InitializedData{
		Source:    status.Source,
		NodeCount: e.store.Len(),
		RootHash:  root,
	})
	return nil
}

// open builds the components of one cycle.
func (i *Index) open(ctx context.Context) (*engine, error) {
	e := &engine{store: nodestore.New()}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if i.opts.TxLog.Enabled {
		log, err := txlog.Open(txlog.Config{
			Path:       i.opts.txlogPath(),
			InMemory:   i.opts.TxLog.InMemory,
			MaxEntries: i.opts.TxLog.MaxEntries,
		})
		if err != nil {
			e.cancel()
			return nil, fmt.Errorf("open transaction log: %w", err)
		}
		e.log = log
	}

	fail := func(err error) (*engine, error) {
		i.shutdown(e)
		return nil, err
	}

	tx, err := transaction.NewManager(transaction.Config{
		MetricsEnabled: i.opts.MetricsEnabled,
		TracingEnabled: i.opts.TracingEnabled,
		Recorder:       &recorder{log: e.log, events: i.emitter, logger: i.logger},
	}, e.store, i.layer)
	if err != nil {
		return fail(err)
	}
	e.tx = tx

	e.monitor, err = integrity.NewMonitor(i.opts.Integrity, integrity.Deps{
		Store:  e.store,
		Files:  i.files,
		Tx:     tx,
		Writer: &e.writer,
		Events: i.emitter,
	})
	if err != nil {
		return fail(err)
	}

	e.processor, err = ingest.NewProcessor(ingest.ProcessorDeps{
		Root:   i.opts.Root,
		Store:  e.store,
		Files:  i.files,
		Tx:     tx,
		Writer: &e.writer,
		Events: i.emitter,
	})
	if err != nil {
		return fail(err)
	}
	e.queue = ingest.NewQueue(i.opts.QueueSize, e.processor, e.countResult)

	if i.opts.Watch {
		e.watcher, err = ingest.NewFileWatcher(i.opts.Root, i.files.Matcher(), e.queue, &ingest.WatcherOptions{
			Debounce: i.opts.Debounce,
		})
		if err != nil {
			return fail(fmt.Errorf("create watcher: %w", err))
		}
	}
	return e, nil
}

// bootstrap loads or rebuilds the tree and starts the workers.
func (i *Index) bootstrap(ctx context.Context, e *engine) error {
	source, err := i.load(ctx, e)
	if err != nil {
		return err
	}
	e.queue.Start(e.ctx)
	if source != SourceRescan {
		if err := i.reconcile(ctx, e); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	if i.opts.Monitor {
		if err := e.monitor.Start(e.ctx); err != nil {
			return err
		}
	}
	if e.watcher != nil {
		if err := e.watcher.Start(e.ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	e.status.Store(&initStatus{Source: source, At: time.Now()})
	return nil
}

// load restores the snapshot, verifies it and falls back to a rescan.
func (i *Index) load(ctx context.Context, e *engine) (string, error) {
	snap, err := i.layer.Load(ctx)
	if err != nil {
		if !errors.Is(err, persistence.ErrSnapshotNotFound) {
			i.logger.Warn("snapshot unusable, rescanning", "error", err)
		}
		return SourceRescan, i.rescan(ctx, e)
	}

	if err := e.store.Replace(snap.NodeList()); err != nil {
		i.logger.Warn("snapshot rejected by store, rescanning", "error", err)
		return SourceRescan, i.rescan(ctx, e)
	}
	e.tx.Rebuild()

	report, err := e.monitor.Check(ctx, snap.Root())
	if err != nil {
		return "", fmt.Errorf("verify snapshot: %w", err)
	}

	switch {
	case report.Valid:
		return SourceSnapshot, nil
	case report.Healable:
		healed, err := e.monitor.Heal(ctx, report)
		if err != nil {
			i.logger.Warn("snapshot heal failed, rescanning", "error", err)
			return SourceRescan, i.rescan(ctx, e)
		}
		if healed != nil && (healed.Deferred > 0 || len(healed.Skipped) > 0) {
			i.logger.Warn("snapshot drift left after heal, rescanning",
				"healed", len(healed.Healed),
				"skipped", len(healed.Skipped),
				"deferred", healed.Deferred)
			return SourceRescan, i.rescan(ctx, e)
		}
		return SourceHealed, nil
	default:
		i.logger.Warn("snapshot does not match the filesystem, rescanning",
			"violations", len(report.Violations),
			"root_matches", report.RootMatches)
		return SourceRescan, i.rescan(ctx, e)
	}
}

// rescan rebuilds the store from a full manifest scan and persists it.
func (i *Index) rescan(ctx context.Context, e *engine) error {
	m, err := i.files.Scan(ctx, i.opts.Root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", i.opts.Root, err)
	}
	if m.Incomplete {
		return fmt.Errorf("scan %s: %w", i.opts.Root, ctx.Err())
	}
	i.logScanErrors(m)

	if err := e.store.Replace(BuildNodes(m)); err != nil {
		return fmt.Errorf("load scanned nodes: %w", err)
	}
	tree := e.tx.Rebuild()
	if err := i.layer.Persist(ctx, tree.RootHash(), e.store.All()); err != nil {
		return err
	}
	return nil
}

// reconcile diffs the restored files against a fresh scan and feeds the
// differences through ingestion, then waits for them to apply.
func (i *Index) reconcile(ctx context.Context, e *engine) error {
	m, err := i.files.Scan(ctx, i.opts.Root)
	if err != nil {
		return err
	}
	if m.Incomplete {
		return fmt.Errorf("scan %s: %w", i.opts.Root, ctx.Err())
	}
	i.logScanErrors(m)

	restored := e.store.All()
	changes := i.files.Diff(restoredManifest(i.opts.Root, restored), m)

	// A file that failed to hash is still on disk.
	unreadable := make(map[string]struct{}, len(m.Errors))
	for _, se := range m.Errors {
		unreadable[se.Path] = struct{}{}
	}

	var pending []ingest.Event
	for _, dir := range m.Dirs {
		if _, ok := e.store.ByPath(dir); !ok {
			pending = append(pending, ingest.Added(dir))
		}
	}
	for _, path := range changes.Added {
		pending = append(pending, ingest.Added(path))
	}
	for _, path := range changes.Modified {
		pending = append(pending, ingest.Changed(path))
	}
	var deleted int
	for _, path := range changes.Deleted {
		if _, ok := unreadable[path]; ok {
			continue
		}
		pending = append(pending, ingest.Removed(path))
		deleted++
	}
	staleDirs := staleDirectories(restored, m.Dirs)
	for _, dir := range staleDirs {
		pending = append(pending, ingest.Removed(dir))
	}
	if len(pending) == 0 {
		return nil
	}

	i.logger.Info("reconciling changes made while the index was down",
		"files", changes.Count(),
		"added", len(changes.Added),
		"modified", len(changes.Modified),
		"deleted", deleted,
		"stale_dirs", len(staleDirs),
		"events", len(pending))
	for _, ev := range pending {
		if err := e.queue.SubmitWait(ctx, ev); err != nil {
			return err
		}
	}
	return e.queue.Flush(ctx)
}

// logScanErrors warns about files a scan could not hash.
func (i *Index) logScanErrors(m *manifest.Manifest) {
	if !m.HasErrors() {
		return
	}
	for _, se := range m.Errors {
		i.logger.Warn("file skipped during scan", "path", se.Path, "error", se.Err)
	}
}

// restoredManifest describes the file nodes of a restored index as a
// manifest so it can be diffed against a scan.
func restoredManifest(root string, nodes []nodestore.IndexNode) *manifest.Manifest {
	m := manifest.NewManifest(root)
	for _, n := range nodes {
		if n.IsDir() {
			m.Dirs = append(m.Dirs, n.Path)
			continue
		}
		m.Files[n.Path] = manifest.FileEntry{
			Path:         n.Path,
			Hash:         n.Hash,
			SemanticHash: n.Metadata.SemanticHash,
			Size:         n.Size,
			Tokens:       n.Tokens,
			ModTimeMilli: n.LastModified,
		}
	}
	return m
}

// staleDirectories returns the outermost restored directories a scan no
// longer found. Removing one removes its subtree.
func staleDirectories(restored []nodestore.IndexNode, scanned []string) []string {
	present := make(map[string]struct{}, len(scanned))
	for _, d := range scanned {
		present[d] = struct{}{}
	}
	gone := make(map[string]struct{})
	for _, n := range restored {
		if n.IsDir() {
			if _, ok := present[n.Path]; !ok {
				gone[n.Path] = struct{}{}
			}
		}
	}

	var out []string
	for dir := range gone {
		outermost := true
		for p := nodestore.ParentPath(dir); p != ""; p = nodestore.ParentPath(p) {
			if _, ok := gone[p]; ok {
				outermost = false
				break
			}
		}
		if outermost {
			out = append(out, dir)
		}
	}
	sort.Strings(out)
	return out
}

// Teardown stops the workers and releases the transaction log. Any open
// transaction is rolled back. Safe to call more than once.
func (i *Index) Teardown() error {
	i.lifeMu.Lock()
	defer i.lifeMu.Unlock()

	e := i.cur.Swap(nil)
	if e == nil {
		return nil
	}
	err := i.shutdown(e)
	i.logger.Info("index torn down")
	return err
}

// shutdown stops the components of e in dependency order.
func (i *Index) shutdown(e *engine) error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.queue != nil {
		e.queue.Stop()
	}

	var errs []error
	if e.tx != nil {
		if err := e.tx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transactions: %w", err))
		}
	}
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transaction log: %w", err))
		}
	}
	e.cancel()
	return errors.Join(errs...)
}

// running returns the current state or ErrNotInitialized.
func (i *Index) running() (*engine, error) {
	e := i.cur.Load()
	if e == nil {
		return nil, ErrNotInitialized
	}
	return e, nil
}

// countResult tallies queue outcomes for Stats.
func (e *engine) countResult(res *ingest.Result, _ error) {
	if res == nil {
		return
	}
	switch res.Outcome {
	case ingest.OutcomeCommitted:
		e.counters.committed.Add(1)
	case ingest.OutcomeRolledBack:
		e.counters.rolledBack.Add(1)
	case ingest.OutcomeNoop:
		e.counters.noops.Add(1)
	case ingest.OutcomeSkipped:
		e.counters.skipped.Add(1)
	case ingest.OutcomeFailed:
		e.counters.failed.Add(1)
	}
}

// BuildNodes turns a manifest into a linked node set: one directory node
// per scanned directory (and per ancestor of a scanned file), one file
// node per entry, with Parent and Children filled in.
func BuildNodes(m *manifest.Manifest) []nodestore.IndexNode {
	dirs := make(map[string]struct{}, len(m.Dirs))
	for _, d := range m.Dirs {
		dirs[d] = struct{}{}
	}
	for path := range m.Files {
		for dir := nodestore.ParentPath(path); dir != ""; dir = nodestore.ParentPath(dir) {
			dirs[dir] = struct{}{}
		}
	}

	nodes := make([]nodestore.IndexNode, 0, len(dirs)+len(m.Files))
	for d := range dirs {
		nodes = append(nodes, ingest.DirNode(d))
	}
	for path, entry := range m.Files {
		entry.Path = path
		n := ingest.FileNode(entry)
		if dir := nodestore.ParentPath(path); dir != "" {
			n.Parent = manifest.NodeID(dir)
		}
		nodes = append(nodes, n)
	}

	pos := make(map[string]int, len(nodes))
	for idx, n := range nodes {
		pos[n.ID] = idx
	}
	for _, n := range nodes {
		if n.Parent == "" {
			continue
		}
		p := pos[n.Parent]
		nodes[p].Children = append(nodes[p].Children, n.ID)
	}
	for idx := range nodes {
		sort.Strings(nodes[idx].Children)
	}
	nodestore.SortByPath(nodes)
	return nodes
}
