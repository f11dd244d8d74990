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
	"log/slog"
	"sync"
)

// DefaultQueueSize is the queue capacity when none is given.
const DefaultQueueSize = 256

// Applier handles one event. *Processor implements it.
type Applier interface {
	Apply(ctx context.Context, ev Event) (*Result, error)
}

// ResultHandler observes every applied event. It runs on the worker
// goroutine and must not block.
type ResultHandler func(res *Result, err error)

// Queue is a bounded FIFO of change events drained by a single worker.
//
// # Description
//
// Events are applied strictly in arrival order. Submit never blocks and
// rejects with ErrQueueFull at capacity; SubmitWait blocks until there is
// room. Stop ends the worker after the event in flight; events still
// queued are discarded and counted.
//
// # Thread Safety
//
// Safe for concurrent use.
type Queue struct {
	ch       chan Event
	applier  Applier
	onResult ResultHandler
	logger   *slog.Logger

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewQueue creates a queue of the given capacity.
func NewQueue(size int, applier Applier, onResult ResultHandler) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:       make(chan Event, size),
		applier:  applier,
		onResult: onResult,
		logger:   slog.Default().With("component", "ingest.Queue"),
		quit:     make(chan struct{}),
	}
}

// Start launches the worker. It runs until Stop or ctx cancellation.
// Calling Start more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(1)
	go q.run(ctx)
}

// Submit enqueues ev without blocking.
//
// # Outputs
//
//   - error: ErrQueueFull at capacity, ErrQueueClosed after Stop.
func (q *Queue) Submit(ev Event) error {
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- ev:
		queueDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.quit:
		return ErrQueueClosed
	default:
		rejectedTotal.Inc()
		return ErrQueueFull
	}
}

// SubmitWait enqueues ev, blocking until there is room, ctx is done or
// the queue stops.
func (q *Queue) SubmitWait(ctx context.Context, ev Event) error {
	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- ev:
		queueDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush blocks until every event submitted before the call has been
// applied.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := q.SubmitWait(ctx, Event{barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-q.quit:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Stop ends the worker and waits for it. Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.quit)
	})
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	defer q.discard()

	for {
		// Shutdown wins over pending events.
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case ev := <-q.ch:
			queueDepth.Set(float64(len(q.ch)))
			if ev.barrier != nil {
				close(ev.barrier)
				continue
			}
			res, err := q.applier.Apply(ctx, ev)
			if q.onResult != nil {
				q.onResult(res, err)
			}
			if ev.OnDone != nil {
				ev.OnDone(res, err)
			}
		}
	}
}

// discard drops events left in the buffer when the worker exits.
func (q *Queue) discard() {
	dropped := 0
	for {
		select {
		case ev := <-q.ch:
			if ev.barrier != nil {
				continue
			}
			if ev.OnDone != nil {
				ev.OnDone(nil, ErrQueueClosed)
			}
			dropped++
		default:
			queueDepth.Set(0)
			if dropped > 0 {
				droppedTotal.Add(float64(dropped))
				q.logger.Warn("ingest queue stopped with pending events", "dropped", dropped)
			}
			return
		}
	}
}
