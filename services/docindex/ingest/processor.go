// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
)

// Store is the node store view the processor mutates.
type Store interface {
	Get(id string) (nodestore.IndexNode, bool)
	ByPath(path string) (nodestore.IndexNode, bool)
	Upsert(node nodestore.IndexNode) error
	Update(id string, fn func(n *nodestore.IndexNode)) (nodestore.IndexNode, error)
	Remove(id string) (nodestore.IndexNode, error)
	Subtree(id string) ([]nodestore.IndexNode, error)
}

// Files reads tracked documents.
type Files interface {
	Tracked(relPath string) bool
	HashFile(root, relPath string) (manifest.FileEntry, error)
	Matcher() *manifest.GlobMatcher
}

// Transactor opens and closes transactions. *transaction.Manager implements it.
type Transactor interface {
	Begin(ctx context.Context) (*transaction.Transaction, error)
	AddOperation(op transaction.Operation) error
	Commit(ctx context.Context) (*transaction.Transaction, error)
	Rollback(ctx context.Context, reason string) (*transaction.Transaction, error)
}

// ProcessorDeps are the collaborators a Processor drives.
type ProcessorDeps struct {
	Root  string
	Store Store
	Files Files
	Tx    Transactor

	// Writer serializes every transaction of the index. Optional.
	Writer sync.Locker

	// Events receives error events. Optional.
	Events events.Publisher
}

// Processor applies change events to the index.
type Processor struct {
	deps   ProcessorDeps
	logger *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(deps ProcessorDeps) (*Processor, error) {
	if deps.Root == "" || deps.Store == nil || deps.Files == nil || deps.Tx == nil {
		return nil, fmt.Errorf("processor requires root, store, files and tx")
	}
	return &Processor{
		deps:   deps,
		logger: slog.Default().With("component", "ingest.Processor"),
	}, nil
}

// Apply runs one event.
//
// # Description
//
// Added and Changed read the file first. Content equal to the indexed hash
// is a no-op and opens no transaction. Otherwise one transaction creates
// missing ancestor directories and creates or updates the node. Removed
// deletes the node and, for a directory, its whole subtree children first.
// A failure after Begin rolls the transaction back. Every failure emits an
// error event.
//
// # Outputs
//
//   - *Result: What the event did. Never nil.
//   - error: The failure, if any.
func (p *Processor) Apply(ctx context.Context, ev Event) (*Result, error) {
	res := &Result{Event: ev}

	rel, err := manifest.RelPath(p.deps.Root, ev.Path)
	if err != nil {
		return p.fail(res, err)
	}
	res.RelPath = rel

	var out *Result
	switch ev.Kind {
	case KindAdded, KindChanged:
		out, err = p.upsert(ctx, res)
	case KindRemoved:
		out, err = p.remove(ctx, res)
	default:
		return p.fail(res, fmt.Errorf("unknown event kind %q", ev.Kind))
	}
	eventsTotal.WithLabelValues(string(ev.Kind), string(out.Outcome)).Inc()
	return out, err
}

func (p *Processor) upsert(ctx context.Context, res *Result) (*Result, error) {
	rel := res.RelPath
	full := filepath.Join(p.deps.Root, filepath.FromSlash(rel))

	info, statErr := os.Stat(full)
	if statErr == nil && info.IsDir() {
		if !p.deps.Files.Matcher().MatchDir(rel) {
			res.Outcome = OutcomeSkipped
			return res, nil
		}
		if _, ok := p.deps.Store.ByPath(rel); ok {
			res.Outcome = OutcomeNoop
			return res, nil
		}
		return p.run(ctx, res, func() error {
			return p.ensureDirs(append(ancestors(rel), rel))
		})
	}

	if !p.deps.Files.Tracked(rel) {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	entry, err := p.deps.Files.HashFile(p.deps.Root, rel)
	if err != nil {
		return p.fail(res, fmt.Errorf("read %s: %w", rel, err))
	}

	existing, exists := p.deps.Store.ByPath(rel)
	if exists && existing.Hash == entry.Hash {
		res.Outcome = OutcomeNoop
		return res, nil
	}

	return p.run(ctx, res, func() error {
		if exists {
			updated, err := p.deps.Store.Update(existing.ID, func(n *nodestore.IndexNode) {
				n.Hash = entry.Hash
				n.Size = entry.Size
				n.Tokens = entry.Tokens
				n.LastModified = entry.ModTimeMilli
				n.Metadata.SemanticHash = entry.SemanticHash
			})
			if err != nil {
				return err
			}
			return p.deps.Tx.AddOperation(transaction.Operation{
				Kind:     transaction.OpUpdate,
				Path:     rel,
				NodeID:   existing.ID,
				Data:     &updated,
				Previous: &existing,
			})
		}

		if err := p.ensureDirs(ancestors(rel)); err != nil {
			return err
		}
		node := FileNode(entry)
		if dir := nodestore.ParentPath(rel); dir != "" {
			node.Parent = manifest.NodeID(dir)
		}
		if err := p.deps.Store.Upsert(node); err != nil {
			return err
		}
		created, _ := p.deps.Store.Get(node.ID)
		return p.deps.Tx.AddOperation(transaction.Operation{
			Kind:   transaction.OpCreate,
			Path:   rel,
			NodeID: node.ID,
			Data:   &created,
		})
	})
}

func (p *Processor) remove(ctx context.Context, res *Result) (*Result, error) {
	node, ok := p.deps.Store.ByPath(res.RelPath)
	if !ok {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	return p.run(ctx, res, func() error {
		doomed, err := p.deps.Store.Subtree(node.ID)
		if err != nil {
			return err
		}
		for _, n := range doomed {
			removed, err := p.deps.Store.Remove(n.ID)
			if err != nil {
				return err
			}
			if err := p.deps.Tx.AddOperation(transaction.Operation{
				Kind:     transaction.OpDelete,
				Path:     removed.Path,
				NodeID:   removed.ID,
				Previous: &removed,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ensureDirs creates directory nodes for dirs (parents first) that are
// not yet indexed.
func (p *Processor) ensureDirs(dirs []string) error {
	for _, dir := range dirs {
		if _, ok := p.deps.Store.ByPath(dir); ok {
			continue
		}
		node := DirNode(dir)
		if err := p.deps.Store.Upsert(node); err != nil {
			return err
		}
		created, _ := p.deps.Store.Get(node.ID)
		if err := p.deps.Tx.AddOperation(transaction.Operation{
			Kind:   transaction.OpCreate,
			Path:   dir,
			NodeID: node.ID,
			Data:   &created,
		}); err != nil {
			return err
		}
	}
	return nil
}

// run wraps mutate in one transaction.
func (p *Processor) run(ctx context.Context, res *Result, mutate func() error) (*Result, error) {
	if p.deps.Writer != nil {
		p.deps.Writer.Lock()
		defer p.deps.Writer.Unlock()
	}

	tx, err := p.deps.Tx.Begin(ctx)
	if err != nil {
		return p.fail(res, fmt.Errorf("begin: %w", err))
	}
	res.TxID = tx.ID

	if err := mutate(); err != nil {
		done, rbErr := p.deps.Tx.Rollback(ctx, err.Error())
		if done != nil {
			res.Ops = done.OpCount()
		}
		res.Outcome = OutcomeRolledBack
		if rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		p.emitError(res, err)
		return res, err
	}

	done, err := p.deps.Tx.Commit(ctx)
	if done != nil {
		res.Ops = done.OpCount()
	}
	if err != nil {
		res.Outcome = OutcomeRolledBack
		p.emitError(res, err)
		return res, err
	}
	res.Outcome = OutcomeCommitted
	p.logger.Debug("event applied",
		"kind", res.Event.Kind,
		"path", res.RelPath,
		"tx_id", res.TxID,
		"ops", res.Ops)
	return res, nil
}

func (p *Processor) fail(res *Result, err error) (*Result, error) {
	res.Outcome = OutcomeFailed
	p.emitError(res, err)
	return res, err
}

func (p *Processor) emitError(res *Result, err error) {
	p.logger.Warn("ingest event failed",
		"kind", res.Event.Kind,
		"path", res.Event.Path,
		"tx_id", res.TxID,
		"error", err)
	if p.deps.Events != nil {
		p.deps.Events.Emit(events.TypeError, events.ErrorData{
			Op:      "ingest." + string(res.Event.Kind),
			Path:    res.Event.Path,
			Message: err.Error(),
		})
	}
}

// FileNode builds a fresh file node from a scanned entry. Parent is left
// empty for the caller to link.
func FileNode(e manifest.FileEntry) nodestore.IndexNode {
	return nodestore.IndexNode{
		ID:           manifest.NodeID(e.Path),
		Path:         e.Path,
		Kind:         nodestore.KindFile,
		Hash:         e.Hash,
		Size:         e.Size,
		Tokens:       e.Tokens,
		LastModified: e.ModTimeMilli,
		Children:     []string{},
		Metadata:     nodestore.NewMetadata(e.Path, e.SemanticHash),
	}
}

// DirNode builds a directory node linked to its parent directory.
func DirNode(path string) nodestore.IndexNode {
	n := nodestore.IndexNode{
		ID:       manifest.NodeID(path),
		Path:     path,
		Kind:     nodestore.KindDirectory,
		Hash:     manifest.EmptyHash,
		Children: []string{},
		Metadata: nodestore.NewMetadata(path, ""),
	}
	if parent := nodestore.ParentPath(path); parent != "" {
		n.Parent = manifest.NodeID(parent)
	}
	return n
}

// ancestors returns the directory prefixes of a slash path, shallowest
// first. "a/b/c.md" yields "a", "a/b".
func ancestors(rel string) []string {
	parts := strings.Split(rel, "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}
