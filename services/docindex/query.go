// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
)

// Proof is a Merkle inclusion proof for one node.
type Proof struct {
	NodeID   string             `json:"nodeId"`
	Path     string             `json:"path"`
	LeafHash string             `json:"leafHash"`
	Steps    []merkle.ProofStep `json:"steps"`
	RootHash string             `json:"rootHash"`
}

// Verify checks the proof against its own root.
func (p *Proof) Verify() bool {
	return merkle.Verify(p.LeafHash, p.Steps, p.RootHash)
}

// Stats summarizes the index.
type Stats struct {
	Root          string                          `json:"root"`
	IndexPath     string                          `json:"indexPath"`
	RootHash      string                          `json:"rootHash"`
	Nodes         int                             `json:"nodes"`
	Files         int                             `json:"files"`
	Directories   int                             `json:"directories"`
	TotalSize     int64                           `json:"totalSize"`
	TotalTokens   int                             `json:"totalTokens"`
	// ByPriority and ByCache count every node, directories included.
	ByPriority    map[nodestore.Priority]int      `json:"byPriority"`
	ByCache       map[nodestore.CacheTier]int     `json:"byCache"`
	Source        string                          `json:"source"`
	InitializedAt time.Time                       `json:"initializedAt"`
	QueueDepth    int                             `json:"queueDepth"`
	QueueCapacity int                             `json:"queueCapacity"`
	Ingest        IngestStats                     `json:"ingest"`
	Watching      bool                            `json:"watching"`
	Monitoring    bool                            `json:"monitoring"`
	LastCheck     *integrity.Report               `json:"lastCheck,omitempty"`
	TxLogEntries  int                             `json:"txlogEntries"`
	Violations    map[integrity.ViolationKind]int `json:"violations,omitempty"`
	Subscribers   int                             `json:"subscribers"`
	EventsDropped uint64                          `json:"eventsDropped"`
}

// IngestStats counts queue outcomes since Init.
type IngestStats struct {
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolledBack"`
	Noops      int64 `json:"noops"`
	Skipped    int64 `json:"skipped"`
	Failed     int64 `json:"failed"`
}

// DuplicateGroup is a set of files with the same normalized text.
type DuplicateGroup struct {
	SemanticHash string   `json:"semanticHash"`
	Paths        []string `json:"paths"`
}

// GetNode returns the node with the given id.
//
// # Outputs
//
//   - nodestore.IndexNode: A copy.
//   - error: ErrNotInitialized or nodestore.ErrNodeNotFound.
func (i *Index) GetNode(id string) (nodestore.IndexNode, error) {
	e, err := i.running()
	if err != nil {
		return nodestore.IndexNode{}, err
	}
	n, ok := e.store.Get(id)
	if !ok {
		return nodestore.IndexNode{}, fmt.Errorf("%w: %s", nodestore.ErrNodeNotFound, id)
	}
	return n, nil
}

// GetNodeByPath returns the node at path, absolute or root-relative.
func (i *Index) GetNodeByPath(path string) (nodestore.IndexNode, error) {
	e, err := i.running()
	if err != nil {
		return nodestore.IndexNode{}, err
	}
	rel, err := manifest.RelPath(i.opts.Root, path)
	if err != nil {
		return nodestore.IndexNode{}, err
	}
	n, ok := e.store.ByPath(rel)
	if !ok {
		return nodestore.IndexNode{}, fmt.Errorf("%w: %s", nodestore.ErrNodeNotFound, rel)
	}
	return n, nil
}

// GetAllNodes returns every node sorted by path.
func (i *Index) GetAllNodes() ([]nodestore.IndexNode, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}
	nodes := e.store.All()
	nodestore.SortByPath(nodes)
	return nodes, nil
}

// GetRootHash returns the committed Merkle root, "" for an empty index.
func (i *Index) GetRootHash() (string, error) {
	e, err := i.running()
	if err != nil {
		return "", err
	}
	return e.tx.RootHash(), nil
}

// GetMerkleProof returns the inclusion proof of a node against the
// committed tree.
//
// # Outputs
//
//   - *Proof: Leaf hash, side-tagged steps and root from one tree.
//   - error: ErrNotInitialized or merkle.ErrLeafNotFound.
func (i *Index) GetMerkleProof(id string) (*Proof, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}
	tree := e.tx.Tree()
	leafHash, ok := tree.LeafHash(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", merkle.ErrLeafNotFound, id)
	}
	steps, err := tree.Proof(id)
	if err != nil {
		return nil, err
	}
	proof := &Proof{
		NodeID:   id,
		LeafHash: leafHash,
		Steps:    steps,
		RootHash: tree.RootHash(),
	}
	if n, ok := e.store.Get(id); ok {
		proof.Path = n.Path
	}
	return proof, nil
}

// GetStats summarizes the index.
func (i *Index) GetStats() (*Stats, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Root:          i.opts.Root,
		IndexPath:     i.opts.IndexPath,
		RootHash:      e.tx.RootHash(),
		ByPriority:    make(map[nodestore.Priority]int),
		ByCache:       make(map[nodestore.CacheTier]int),
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
		Ingest: IngestStats{
			Committed:  e.counters.committed.Load(),
			RolledBack: e.counters.rolledBack.Load(),
			Noops:      e.counters.noops.Load(),
			Skipped:    e.counters.skipped.Load(),
			Failed:     e.counters.failed.Load(),
		},
		Monitoring:    e.monitor.Running(),
		Subscribers:   i.emitter.SubscriptionCount(),
		EventsDropped: i.emitter.Dropped(),
	}
	if st := e.status.Load(); st != nil {
		s.Source = st.Source
		s.InitializedAt = st.At
	}
	if e.watcher != nil {
		s.Watching = e.watcher.IsWatching()
	}
	if e.log != nil {
		s.TxLogEntries = e.log.Len()
	}
	if last := e.monitor.LastReport(); last != nil {
		s.LastCheck = last
		s.Violations = last.CountByKind()
	}

	for _, n := range e.store.All() {
		s.Nodes++
		s.ByPriority[n.Metadata.Priority]++
		s.ByCache[n.Metadata.Cache]++
		if n.IsDir() {
			s.Directories++
			continue
		}
		s.Files++
		s.TotalSize += n.Size
		s.TotalTokens += n.Tokens
	}
	return s, nil
}

// VerifyIntegrity compares the index to the filesystem and the committed
// root. Concurrent calls share one sweep. Nothing is healed.
func (i *Index) VerifyIntegrity(ctx context.Context) (*integrity.Report, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}
	return e.monitor.Verify(ctx)
}

// VerifyAndHeal verifies and heals a healable report regardless of the
// auto-heal setting.
//
// # Outputs
//
//   - *integrity.Report: The verification before healing.
//   - *integrity.HealResult: The committed heal, nil if nothing was healed.
//   - error: Verification failure, ErrNotHealable, ErrHealRateLimited or a
//     transaction failure.
func (i *Index) VerifyAndHeal(ctx context.Context) (*integrity.Report, *integrity.HealResult, error) {
	e, err := i.running()
	if err != nil {
		return nil, nil, err
	}
	report, err := e.monitor.Verify(ctx)
	if err != nil {
		return nil, nil, err
	}
	if report.Valid {
		return report, nil, nil
	}
	healed, err := e.monitor.Heal(ctx, report)
	return report, healed, err
}

// UpdateAccessFrequency records one access to a node.
//
// # Description
//
// Increments the access count and promotes the cache tier (COLD to WARM
// above 10, WARM to HOT above 50) in one UPDATE transaction, so the
// snapshot on disk carries the new count.
//
// # Outputs
//
//   - nodestore.IndexNode: The updated node.
//   - error: ErrNotInitialized, nodestore.ErrNodeNotFound or a
//     transaction failure (rolled back).
func (i *Index) UpdateAccessFrequency(ctx context.Context, id string) (nodestore.IndexNode, error) {
	e, err := i.running()
	if err != nil {
		return nodestore.IndexNode{}, err
	}

	e.writer.Lock()
	defer e.writer.Unlock()

	prev, ok := e.store.Get(id)
	if !ok {
		return nodestore.IndexNode{}, fmt.Errorf("%w: %s", nodestore.ErrNodeNotFound, id)
	}

	if _, err := e.tx.Begin(ctx); err != nil {
		return nodestore.IndexNode{}, err
	}
	updated, err := e.store.Update(id, func(n *nodestore.IndexNode) {
		n.Metadata.AccessFrequency++
		n.Metadata.Cache = nodestore.Promote(n.Metadata.Cache, n.Metadata.AccessFrequency)
	})
	if err == nil {
		err = e.tx.AddOperation(transaction.Operation{
			Kind:     transaction.OpUpdate,
			Path:     prev.Path,
			NodeID:   id,
			Data:     &updated,
			Previous: &prev,
		})
	}
	if err != nil {
		if _, rbErr := e.tx.Rollback(ctx, err.Error()); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nodestore.IndexNode{}, err
	}
	if _, err := e.tx.Commit(ctx); err != nil {
		return nodestore.IndexNode{}, err
	}
	return updated, nil
}

// Duplicates groups files whose normalized text is identical. Groups are
// sorted by their first path and paths within a group are sorted.
func (i *Index) Duplicates() ([]DuplicateGroup, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}

	byHash := make(map[string][]string)
	for _, n := range e.store.All() {
		if n.IsDir() || n.Metadata.SemanticHash == "" {
			continue
		}
		byHash[n.Metadata.SemanticHash] = append(byHash[n.Metadata.SemanticHash], n.Path)
	}

	groups := make([]DuplicateGroup, 0)
	for h, paths := range byHash {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		groups = append(groups, DuplicateGroup{SemanticHash: h, Paths: paths})
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].Paths[0] < groups[b].Paths[0] })
	return groups, nil
}

// Transactions returns up to n logged transactions, newest first.
func (i *Index) Transactions(ctx context.Context, n int) ([]*transaction.Transaction, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}
	if e.log == nil {
		return nil, ErrTxLogDisabled
	}
	return e.log.Recent(ctx, n)
}

// Transaction returns one logged transaction by id.
func (i *Index) Transaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}
	if e.log == nil {
		return nil, ErrTxLogDisabled
	}
	return e.log.Find(ctx, id)
}

// Subscribe registers handler for the given event types (all when none)
// and returns the function that removes it.
func (i *Index) Subscribe(handler events.Handler, types ...events.Type) func() {
	return i.emitter.Subscribe(handler, types...)
}

// RecentEvents returns the retained events, oldest first. A non-empty
// eventType keeps only events of that type. Works before Init.
func (i *Index) RecentEvents(eventType events.Type) []events.Event {
	if eventType == "" {
		return i.emitter.Recent()
	}
	return i.emitter.RecentByType(eventType)
}

// SubscribeChan delivers events on a buffered channel. Events that do not
// fit are dropped. The returned function closes the channel.
func (i *Index) SubscribeChan(buf int, types ...events.Type) (<-chan events.Event, func()) {
	return i.emitter.SubscribeChan(buf, types...)
}

// Submit enqueues a change event without blocking.
//
// # Outputs
//
//   - error: ErrNotInitialized, ingest.ErrQueueFull or ingest.ErrQueueClosed.
func (i *Index) Submit(ev ingest.Event) error {
	e, err := i.running()
	if err != nil {
		return err
	}
	return e.queue.Submit(ev)
}

// SubmitWait enqueues a change event, blocking while the queue is full.
func (i *Index) SubmitWait(ctx context.Context, ev ingest.Event) error {
	e, err := i.running()
	if err != nil {
		return err
	}
	return e.queue.SubmitWait(ctx, ev)
}

// Flush waits until every event submitted so far has been applied.
func (i *Index) Flush(ctx context.Context) error {
	e, err := i.running()
	if err != nil {
		return err
	}
	return e.queue.Flush(ctx)
}

// Apply enqueues ev and waits for it to be applied, returning its result.
func (i *Index) Apply(ctx context.Context, ev ingest.Event) (*ingest.Result, error) {
	e, err := i.running()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *ingest.Result
		err error
	}
	done := make(chan outcome, 1)
	ev.OnDone = func(res *ingest.Result, err error) {
		done <- outcome{res, err}
	}
	if err := e.queue.SubmitWait(ctx, ev); err != nil {
		return nil, err
	}
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
