// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction makes index mutations atomic.
//
// # Description
//
// A transaction opens a journal on the node store, collects the operations
// the caller applies, and on Commit rebuilds the Merkle tree and persists
// the snapshot. If persistence fails the journal is rolled back, so memory
// and disk never diverge.
//
// # Nested Transactions
//
// Nested transactions are NOT supported. Calling Begin while a transaction
// is open returns ErrTransactionActive.
package transaction

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// Sentinel errors.
var (
	// ErrTransactionActive is returned by Begin while a transaction is open.
	ErrTransactionActive = errors.New("transaction already in progress")

	// ErrNoTransaction is returned when no transaction is open.
	ErrNoTransaction = errors.New("no active transaction")

	// ErrRollbackFailed is returned when the journal could not be restored.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("transaction manager closed")
)

// Rollback reasons with a fixed meaning. Any other string is accepted.
const (
	ReasonPersistenceFailure = "persistence failure"
	ReasonManagerClosed      = "manager closed"
	ReasonPanic              = "panic"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// OpKind is the kind of a recorded operation.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"

	// OpMove is reserved. File watchers report a rename as a removal and an
	// addition, so the index never records moves itself.
	OpMove OpKind = "MOVE"
)

// Operation is one mutation within a transaction.
type Operation struct {
	Kind     OpKind               `json:"kind"`
	Path     string               `json:"path"`
	NodeID   string               `json:"nodeId"`
	Data     *nodestore.IndexNode `json:"data,omitempty"`
	Previous *nodestore.IndexNode `json:"previous,omitempty"`
}

// Transaction is a unit of atomic index mutation.
//
// Snapshot holds the before-image of every node the transaction touched,
// captured by the store journal. It is filled in when the transaction ends
// and is not serialized.
type Transaction struct {
	ID             string             `json:"id"`
	StartedAt      time.Time          `json:"startedAt"`
	EndedAt        time.Time          `json:"endedAt,omitempty"`
	Status         Status             `json:"status"`
	Operations     []Operation        `json:"operations"`
	RootBefore     string             `json:"rootBefore,omitempty"`
	RootAfter      string             `json:"rootAfter,omitempty"`
	RollbackReason string             `json:"rollbackReason,omitempty"`
	Error          string             `json:"error,omitempty"`
	Snapshot       nodestore.Snapshot `json:"-"`
}

// Duration returns how long the transaction was (or has been) open.
func (tx *Transaction) Duration() time.Duration {
	if !tx.EndedAt.IsZero() {
		return tx.EndedAt.Sub(tx.StartedAt)
	}
	return time.Since(tx.StartedAt)
}

// OpCount returns the number of recorded operations.
func (tx *Transaction) OpCount() int {
	return len(tx.Operations)
}

// Clone returns a deep copy of tx.
func (tx *Transaction) Clone() *Transaction {
	c := *tx
	c.Operations = make([]Operation, len(tx.Operations))
	for i, op := range tx.Operations {
		c.Operations[i] = op.clone()
	}
	if tx.Snapshot != nil {
		c.Snapshot = tx.Snapshot.Clone()
	}
	return &c
}

func (op Operation) clone() Operation {
	c := op
	if op.Data != nil {
		d := op.Data.Clone()
		c.Data = &d
	}
	if op.Previous != nil {
		p := op.Previous.Clone()
		c.Previous = &p
	}
	return c
}

// Result summarizes a finished transaction.
type Result struct {
	TransactionID  string
	Status         Status
	Duration       time.Duration
	Operations     int
	RootHash       string
	RollbackReason string
}

// Config configures the Manager.
type Config struct {
	// MetricsEnabled turns on otel metric recording.
	MetricsEnabled bool

	// TracingEnabled turns on otel spans. When false spans are noops.
	TracingEnabled bool

	// Recorder receives every terminal transaction. Optional.
	Recorder Recorder
}

// DefaultConfig returns a config with metrics and tracing on.
func DefaultConfig() Config {
	return Config{
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}
