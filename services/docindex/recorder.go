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
	"log/slog"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/transaction"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/txlog"
)

// recorder fans a terminal transaction out to the transaction log and the
// event registry.
//
// It runs under the transaction manager's lock, so it never calls back
// into the manager.
type recorder struct {
	log    *txlog.Log
	events events.Publisher
	logger *slog.Logger
}

// Record implements transaction.Recorder.
//
// Node events are emitted only for committed transactions, one per
// operation in order, followed by the transaction event. Log failures are
// reported to the manager, which logs them; events are still emitted.
func (r *recorder) Record(ctx context.Context, tx *transaction.Transaction) error {
	var logErr error
	if r.log != nil {
		logErr = r.log.Record(ctx, tx)
	}

	switch tx.Status {
	case transaction.StatusCommitted:
		for _, op := range tx.Operations {
			r.emitOperation(tx.ID, op)
		}
		r.events.Emit(events.TypeTransactionCommitted, events.TransactionData{
			TxID:       tx.ID,
			Operations: tx.OpCount(),
			RootBefore: tx.RootBefore,
			RootAfter:  tx.RootAfter,
		})
	case transaction.StatusRolledBack:
		r.events.Emit(events.TypeTransactionRolledBack, events.TransactionData{
			TxID:       tx.ID,
			Operations: tx.OpCount(),
			RootBefore: tx.RootBefore,
			RootAfter:  tx.RootAfter,
			Reason:     tx.RollbackReason,
		})
	}
	return logErr
}

func (r *recorder) emitOperation(txID string, op transaction.Operation) {
	switch op.Kind {
	case transaction.OpCreate:
		if op.Data == nil {
			return
		}
		r.events.Emit(events.TypeNodeAdded, events.NodeData{Node: *op.Data, TxID: txID})
	case transaction.OpUpdate:
		if op.Data == nil {
			return
		}
		r.events.Emit(events.TypeNodeUpdated, events.NodeData{Node: *op.Data, Previous: op.Previous, TxID: txID})
	case transaction.OpDelete:
		if op.Previous == nil {
			return
		}
		r.events.Emit(events.TypeNodeRemoved, events.NodeData{Node: *op.Previous, Previous: op.Previous, TxID: txID})
	default:
		r.logger.Debug("no event for operation", "kind", op.Kind, "path", op.Path)
	}
}
