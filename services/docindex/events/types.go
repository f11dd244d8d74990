// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events lets callers observe index activity.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeInitialized is emitted once Init has loaded or rebuilt the index.
	TypeInitialized Type = "initialized"

	// TypeNodeAdded is emitted for every node created by a committed transaction.
	TypeNodeAdded Type = "nodeAdded"

	// TypeNodeUpdated is emitted for every node changed by a committed transaction.
	TypeNodeUpdated Type = "nodeUpdated"

	// TypeNodeRemoved is emitted for every node deleted by a committed transaction.
	TypeNodeRemoved Type = "nodeRemoved"

	// TypeTransactionCommitted is emitted after a successful commit.
	TypeTransactionCommitted Type = "transactionCommitted"

	// TypeTransactionRolledBack is emitted after a rollback.
	TypeTransactionRolledBack Type = "transactionRolledBack"

	// TypeIntegrityViolation is emitted when a sweep finds violations or a
	// root mismatch.
	TypeIntegrityViolation Type = "integrityViolation"

	// TypeAutoHealed is emitted after a heal transaction commits.
	TypeAutoHealed Type = "autoHealed"

	// TypeError is emitted when an operation fails.
	TypeError Type = "error"
)

// AllTypes lists every event type.
var AllTypes = []Type{
	TypeInitialized,
	TypeNodeAdded,
	TypeNodeUpdated,
	TypeNodeRemoved,
	TypeTransactionCommitted,
	TypeTransactionRolledBack,
	TypeIntegrityViolation,
	TypeAutoHealed,
	TypeError,
}

// Event is one notification.
//
// Data holds one of the typed structs below, chosen by Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// InitializedData accompanies TypeInitialized.
type InitializedData struct {
	// Source is "snapshot", "healed" or "rescan".
	Source    string `json:"source"`
	NodeCount int    `json:"nodeCount"`
	RootHash  string `json:"rootHash"`
}

// NodeData accompanies the node events. Previous is set for updates and
// removals.
type NodeData struct {
	Node     nodestore.IndexNode  `json:"node"`
	Previous *nodestore.IndexNode `json:"previous,omitempty"`
	TxID     string               `json:"txId"`
}

// TransactionData accompanies the transaction events.
type TransactionData struct {
	TxID       string `json:"txId"`
	Operations int    `json:"operations"`
	RootBefore string `json:"rootBefore,omitempty"`
	RootAfter  string `json:"rootAfter,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HealData accompanies TypeAutoHealed.
type HealData struct {
	TxID     string   `json:"txId"`
	Healed   []string `json:"healed"`
	Skipped  []string `json:"skipped,omitempty"`
	Deferred int      `json:"deferred"`
	RootHash string   `json:"rootHash"`
}

// ErrorData accompanies TypeError.
type ErrorData struct {
	Op      string `json:"op"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}
