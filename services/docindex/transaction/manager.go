// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/persistence"
)

// Store is the journaled node store the manager drives.
type Store interface {
	All() []nodestore.IndexNode
	BeginJournal() error
	CommitJournal() (nodestore.Snapshot, error)
	RollbackJournal() (nodestore.Snapshot, error)
}

// Persister writes a committed snapshot.
type Persister interface {
	Persist(ctx context.Context, rootHash string, nodes []nodestore.IndexNode) error
}

// Recorder keeps finished transactions. Record failures are logged only.
type Recorder interface {
	Record(ctx context.Context, tx *Transaction) error
}

// Manager provides atomic index mutation with journal-based rollback.
//
// # Description
//
// Manager owns the current Merkle tree. Begin opens a store journal,
// Commit rebuilds the tree and persists it, Rollback restores the journal
// and rebuilds the tree. The tree and the persisted root therefore always
// describe the same committed store state.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
// Only one transaction may be active at a time.
type Manager struct {
	config            Config
	store             Store
	persister         Persister
	activeTransaction *Transaction
	tree              atomic.Pointer[merkle.Tree]
	closed            bool
	mu                sync.Mutex
	logger            *slog.Logger
	tracer            *Tracer
}

// NewManager creates a transaction manager.
//
// # Inputs
//
//   - config: Manager configuration. Use DefaultConfig() for defaults.
//   - store: The journaled node store. Must not be nil.
//   - persister: Snapshot writer. Must not be nil.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager with a tree built from the store.
//   - error: Non-nil if a dependency is missing.
func NewManager(config Config, store Store, persister Persister) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if persister == nil {
		return nil, fmt.Errorf("persister is required")
	}

	logger := slog.Default().With("component", "transaction.Manager")

	SetMetricsEnabled(config.MetricsEnabled)
	tracer := NewTracer(logger, config.TracingEnabled)

	m := &Manager{
		config:    config,
		store:     store,
		persister: persister,
		logger:    logger,
		tracer:    tracer,
	}
	m.tree.Store(merkle.Build(store.All()))
	return m, nil
}

// Tree returns the tree of the last committed or restored state.
func (m *Manager) Tree() *merkle.Tree {
	return m.tree.Load()
}

// RootHash returns the current root hash, or "" for an empty index.
func (m *Manager) RootHash() string {
	return m.tree.Load().RootHash()
}

// Rebuild recomputes the tree from the store. Used after a bulk Replace,
// which happens outside any transaction.
func (m *Manager) Rebuild() *merkle.Tree {
	t := merkle.Build(m.store.All())
	m.tree.Store(t)
	return t
}

// Begin starts a new transaction.
//
// # Inputs
//
//   - ctx: Context for tracing.
//
// # Outputs
//
//   - *Transaction: A copy of the new PENDING transaction.
//   - error: ErrTransactionActive if one is open, ErrManagerClosed after Close.
func (m *Manager) Begin(ctx context.Context) (tx *Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.StartBegin(ctx)
	defer func() { m.tracer.EndBegin(span, tx, err) }()

	logger := LoggerWithTrace(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Begin: %v", r)
			logger.Error("panic in Begin", "panic", r)
		}
	}()

	defer func() {
		recordBegin(ctx, err == nil)
		if err == nil {
			incActive(ctx)
		}
	}()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.activeTransaction != nil {
		return nil, ErrTransactionActive
	}
	if err := m.store.BeginJournal(); err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	active := &Transaction{
		ID:         uuid.New().String(),
		StartedAt:  time.Now(),
		Status:     StatusPending,
		Operations: []Operation{},
		RootBefore: m.tree.Load().RootHash(),
	}
	m.activeTransaction = active

	logger.Debug("transaction started", "tx_id", active.ID)
	return active.Clone(), nil
}

// AddOperation appends op to the open transaction.
//
// # Outputs
//
//   - error: ErrNoTransaction if none is open.
func (m *Manager) AddOperation(op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeTransaction == nil {
		return ErrNoTransaction
	}
	m.activeTransaction.Operations = append(m.activeTransaction.Operations, op.clone())
	return nil
}

// Commit finalizes the open transaction.
//
// # Description
//
// Rebuilds the Merkle tree from the store and persists the snapshot. On
// success the journal is closed, the new tree becomes current and the
// transaction is COMMITTED. If persistence fails the transaction is rolled
// back and the returned error wraps a *persistence.PersistenceError.
//
// # Outputs
//
//   - *Transaction: The terminal transaction, COMMITTED or, after a
//     persistence failure, ROLLED_BACK. Nil only for ErrNoTransaction.
//   - error: ErrNoTransaction, or the persistence failure.
func (m *Manager) Commit(ctx context.Context) (done *Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeTransaction == nil {
		return nil, ErrNoTransaction
	}
	tx := m.activeTransaction

	ctx, span := m.tracer.StartCommit(ctx, tx)
	var result *Result
	defer func() { m.tracer.EndCommit(span, result, err) }()

	logger := LoggerWithTrace(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Commit: %v", r)
			logger.Error("panic in Commit", "panic", r, "tx_id", tx.ID)
			if m.activeTransaction == tx {
				_, _ = m.rollbackInternal(context.Background(), tx, ReasonPanic)
				m.activeTransaction = nil
				done = tx.Clone()
			}
		}
	}()

	defer func() {
		recordCommit(ctx, tx.Duration(), tx.OpCount(), err == nil)
		decActive(ctx)
	}()

	nodes := m.store.All()
	tree := merkle.Build(nodes)
	root := tree.RootHash()

	ctx, persistSpan := m.tracer.StartPersist(ctx, tx.ID)
	persistErr := m.persister.Persist(ctx, root, nodes)
	m.tracer.EndPersist(persistSpan, persistErr)

	if persistErr != nil {
		var pe *persistence.PersistenceError
		if !errors.As(persistErr, &pe) {
			persistErr = &persistence.PersistenceError{Op: "commit", Err: persistErr}
		}
		tx.Error = persistErr.Error()
		logger.Error("persist failed, rolling back",
			"tx_id", tx.ID,
			"error", persistErr)

		rb, rbErr := m.rollbackInternal(context.Background(), tx, ReasonPersistenceFailure)
		m.activeTransaction = nil
		if rbErr != nil {
			return tx.Clone(), errors.Join(persistErr, rbErr)
		}
		recordRollback(ctx, rb.Duration, rb.Operations, ReasonPersistenceFailure)
		return tx.Clone(), persistErr
	}

	snap, err := m.store.CommitJournal()
	if err != nil {
		m.activeTransaction = nil
		return nil, fmt.Errorf("closing journal: %w", err)
	}

	m.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, StatusCommitted, time.Since(tx.StartedAt))
	tx.Status = StatusCommitted
	tx.EndedAt = time.Now()
	tx.Snapshot = snap
	tx.RootAfter = root
	m.tree.Store(tree)
	m.activeTransaction = nil

	result = &Result{
		TransactionID: tx.ID,
		Status:        StatusCommitted,
		Duration:      tx.Duration(),
		Operations:    tx.OpCount(),
		RootHash:      root,
	}
	m.record(ctx, tx)

	logger.Info("transaction committed",
		"tx_id", tx.ID,
		"duration", result.Duration,
		"operations", result.Operations,
		"root", root)

	return tx.Clone(), nil
}

// Rollback discards the open transaction's changes.
//
// # Description
//
// Restores every journaled node, rebuilds the tree and marks the
// transaction ROLLED_BACK. Uses a background context internally so the
// restore completes even if ctx is cancelled.
//
// # Outputs
//
//   - *Transaction: The rolled-back transaction.
//   - error: ErrNoTransaction, or ErrRollbackFailed.
func (m *Manager) Rollback(ctx context.Context, reason string) (done *Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeTransaction == nil {
		return nil, ErrNoTransaction
	}
	tx := m.activeTransaction

	ctx, span := m.tracer.StartRollback(ctx, tx, reason)
	var result *Result
	defer func() { m.tracer.EndRollback(span, result, err) }()

	defer func() {
		if result != nil {
			recordRollback(ctx, result.Duration, result.Operations, reason)
		}
		decActive(ctx)
	}()

	result, err = m.rollbackInternal(context.Background(), tx, reason)
	m.activeTransaction = nil
	if err != nil {
		return tx.Clone(), err
	}
	return tx.Clone(), nil
}

// rollbackInternal restores the journal (must be called with lock held).
func (m *Manager) rollbackInternal(ctx context.Context, tx *Transaction, reason string) (result *Result, err error) {
	logger := LoggerWithTrace(ctx, m.logger)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRollbackFailed, r)
			logger.Error("CRITICAL: panic during rollback",
				"panic", r,
				"tx_id", tx.ID)
		}
	}()

	tx.RollbackReason = reason
	logger.Warn("rolling back transaction",
		"tx_id", tx.ID,
		"reason", reason,
		"operations", tx.OpCount())

	snap, err := m.store.RollbackJournal()
	if err != nil {
		tx.Error = err.Error()
		logger.Error("CRITICAL: rollback failed",
			"tx_id", tx.ID,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	m.tracer.RecordStateTransition(ctx, tx.ID, tx.Status, StatusRolledBack, time.Since(tx.StartedAt))
	tx.Status = StatusRolledBack
	tx.EndedAt = time.Now()
	tx.Snapshot = snap

	tree := merkle.Build(m.store.All())
	m.tree.Store(tree)
	tx.RootAfter = tree.RootHash()

	result = &Result{
		TransactionID:  tx.ID,
		Status:         StatusRolledBack,
		Duration:       tx.Duration(),
		Operations:     tx.OpCount(),
		RootHash:       tx.RootAfter,
		RollbackReason: reason,
	}
	m.record(ctx, tx)

	logger.Info("transaction rolled back",
		"tx_id", tx.ID,
		"reason", reason,
		"duration", result.Duration)

	return result, nil
}

// record hands a terminal transaction to the recorder.
func (m *Manager) record(ctx context.Context, tx *Transaction) {
	if m.config.Recorder == nil {
		return
	}
	if err := m.config.Recorder.Record(ctx, tx.Clone()); err != nil {
		m.logger.Warn("failed to record transaction",
			"tx_id", tx.ID,
			"error", err)
	}
}

// Active returns a copy of the open transaction, or nil if none.
func (m *Manager) Active() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeTransaction == nil {
		return nil
	}
	return m.activeTransaction.Clone()
}

// IsActive returns true if a transaction is open.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTransaction != nil
}

// Close rolls back any open transaction and refuses further Begins.
//
// # Outputs
//
//   - error: Non-nil if the rollback fails.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.activeTransaction != nil {
		tx := m.activeTransaction
		m.logger.Warn("rolling back active transaction on close", "tx_id", tx.ID)
		_, err := m.rollbackInternal(context.Background(), tx, ReasonManagerClosed)
		m.activeTransaction = nil
		decActive(context.Background())
		if err != nil {
			return fmt.Errorf("rollback on close: %w", err)
		}
	}
	return nil
}
