// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest turns filesystem change notifications into index
// transactions.
//
// # Description
//
// Events flow from a FileWatcher (or any other source) into a bounded
// FIFO Queue. A single worker hands each event to the Processor, which
// runs it as one begin, mutate, commit cycle.
//
// # Thread Safety
//
// Queue, Processor and FileWatcher are safe for concurrent use.
package ingest

import (
	"errors"
	"time"
)

// Sentinel errors for ingestion.
var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	// Callers may retry with SubmitWait to block instead.
	ErrQueueFull = errors.New("ingest queue full")

	// ErrQueueClosed is returned after the queue has been stopped.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Kind is the kind of change.
type Kind string

const (
	KindAdded   Kind = "added"
	KindChanged Kind = "changed"
	KindRemoved Kind = "removed"
)

// Event is one change notification.
//
// Path may be absolute (under the document root) or root-relative.
type Event struct {
	Kind Kind      `json:"kind"`
	Path string    `json:"path"`
	At   time.Time `json:"at"`

	// OnDone, when set, is called by the queue worker once the event has
	// been applied, or with ErrQueueClosed if it is discarded. It must not
	// block.
	OnDone func(res *Result, err error) `json:"-"`

	// barrier is set on internal flush markers.
	barrier chan struct{}
}

// Added returns an added event for path.
func Added(path string) Event { return Event{Kind: KindAdded, Path: path, At: time.Now()} }

// Changed returns a changed event for path.
func Changed(path string) Event { return Event{Kind: KindChanged, Path: path, At: time.Now()} }

// Removed returns a removed event for path.
func Removed(path string) Event { return Event{Kind: KindRemoved, Path: path, At: time.Now()} }

// Outcome classifies how an event was handled.
type Outcome string

const (
	// OutcomeCommitted means a transaction committed.
	OutcomeCommitted Outcome = "committed"

	// OutcomeRolledBack means a transaction was opened and rolled back.
	OutcomeRolledBack Outcome = "rolled_back"

	// OutcomeNoop means the event changed nothing (same content hash).
	OutcomeNoop Outcome = "noop"

	// OutcomeSkipped means the path is not tracked or not indexed.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means the event failed before a transaction opened.
	OutcomeFailed Outcome = "failed"
)

// Result reports what one event did.
type Result struct {
	Event   Event   `json:"event"`
	RelPath string  `json:"relPath"`
	Outcome Outcome `json:"outcome"`
	TxID    string  `json:"txId,omitempty"`
	Ops     int     `json:"ops"`
}
