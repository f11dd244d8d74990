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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for transaction metrics.
var meter = otel.Meter("docindex.transaction")

// Metric instruments for transaction operations.
var (
	beginTotal          metric.Int64Counter
	commitTotal         metric.Int64Counter
	rollbackTotal       metric.Int64Counter
	transactionDuration metric.Float64Histogram
	operationsPerTx     metric.Int64Histogram
	activeGauge         metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		beginTotal, err = meter.Int64Counter(
			"docindex_transaction_begin_total",
			metric.WithDescription("Total number of transaction begin operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"docindex_transaction_commit_total",
			metric.WithDescription("Total number of transaction commit operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"docindex_transaction_rollback_total",
			metric.WithDescription("Total number of transaction rollback operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"docindex_transaction_duration_seconds",
			metric.WithDescription("Duration of transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationsPerTx, err = meter.Int64Histogram(
			"docindex_transaction_operations",
			metric.WithDescription("Number of node operations per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeGauge, err = meter.Int64UpDownCounter(
			"docindex_transaction_active",
			metric.WithDescription("Number of currently open transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordBegin records a transaction begin operation.
func recordBegin(ctx context.Context, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	beginTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", statusLabel(success)),
	))
}

// recordCommit records a transaction commit operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was open.
//   - ops: Number of operations recorded.
//   - success: Whether the commit succeeded.
func recordCommit(ctx context.Context, duration time.Duration, ops int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", statusLabel(success)))

	commitTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsPerTx.Record(ctx, int64(ops), attrs)
}

// recordRollback records a transaction rollback operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - duration: How long the transaction was open.
//   - ops: Number of operations recorded.
//   - reason: Why the rollback occurred.
func recordRollback(ctx context.Context, duration time.Duration, ops int, reason string) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	normalizedReason := normalizeRollbackReason(reason)

	attrs := metric.WithAttributes(
		attribute.String("status", "rolled_back"),
		attribute.String("reason", normalizedReason),
	)

	rollbackTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", normalizedReason),
	))
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	operationsPerTx.Record(ctx, int64(ops), attrs)
}

// normalizeRollbackReason maps free-form reasons to a bounded label set.
func normalizeRollbackReason(reason string) string {
	switch reason {
	case ReasonPersistenceFailure:
		return "persistence"
	case ReasonManagerClosed:
		return "manager_close"
	case ReasonPanic:
		return "panic"
	default:
		return "caller"
	}
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// incActive increments the open transaction gauge.
func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, 1)
}

// decActive decrements the open transaction gauge.
func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	activeGauge.Add(ctx, -1)
}
