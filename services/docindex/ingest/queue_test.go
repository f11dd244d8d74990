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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// gateApplier records paths and, when gated, blocks each Apply until
// released.
type gateApplier struct {
	mu      sync.Mutex
	paths   []string
	started chan string
	release chan struct{}
}

func newGateApplier(gated bool) *gateApplier {
	a := &gateApplier{started: make(chan string, 16)}
	if gated {
		a.release = make(chan struct{})
	}
	return a
}

func (a *gateApplier) Apply(ctx context.Context, ev Event) (*Result, error) {
	a.started <- ev.Path
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
		}
	}
	a.mu.Lock()
	a.paths = append(a.paths, ev.Path)
	a.mu.Unlock()
	return &Result{Event: ev, Outcome: OutcomeCommitted}, nil
}

func (a *gateApplier) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.paths...)
}

func TestQueue_PreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newGateApplier(false)
	var results []*Result
	var mu sync.Mutex
	q := NewQueue(8, a, func(res *Result, err error) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	})
	q.Start(context.Background())
	defer q.Stop()

	want := []string{"a.md", "b.md", "c.md", "d.md", "e.md"}
	for _, p := range want {
		require.NoError(t, q.Submit(Changed(p)))
	}
	require.NoError(t, q.Flush(context.Background()))

	assert.Equal(t, want, a.seen())
	mu.Lock()
	assert.Len(t, results, 5)
	mu.Unlock()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 8, q.Cap())
}

func TestQueue_FullRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newGateApplier(true)
	q := NewQueue(1, a, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Submit(Added("first.md")))
	assert.Equal(t, "first.md", <-a.started)

	require.NoError(t, q.Submit(Added("second.md")))
	assert.ErrorIs(t, q.Submit(Added("third.md")), ErrQueueFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.SubmitWait(ctx, Added("third.md")), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- q.SubmitWait(context.Background(), Added("third.md")) }()

	close(a.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitWait did not unblock")
	}
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, []string{"first.md", "second.md", "third.md"}, a.seen())
}

func TestQueue_StopRejectsAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(4, newGateApplier(false), nil)
	q.Start(context.Background())
	q.Start(context.Background())
	q.Stop()
	q.Stop()

	assert.ErrorIs(t, q.Submit(Added("a.md")), ErrQueueClosed)
	assert.ErrorIs(t, q.SubmitWait(context.Background(), Added("a.md")), ErrQueueClosed)
	assert.ErrorIs(t, q.Flush(context.Background()), ErrQueueClosed)
}

func TestQueue_StopDiscardsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newGateApplier(true)
	q := NewQueue(4, a, nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Submit(Added("a.md")))
	<-a.started
	require.NoError(t, q.Submit(Added("b.md")))
	require.NoError(t, q.Submit(Added("c.md")))

	cancel()
	q.Stop()
	assert.Equal(t, []string{"a.md"}, a.seen())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ContextCancelStopsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(4, newGateApplier(false), nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()
	q.Stop()
}

func TestQueue_OnDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(4, newGateApplier(false), nil)
	q.Start(context.Background())
	defer q.Stop()

	done := make(chan *Result, 1)
	ev := Changed("a.md")
	ev.OnDone = func(res *Result, err error) {
		assert.NoError(t, err)
		done <- res
	}
	require.NoError(t, q.Submit(ev))

	select {
	case res := <-done:
		assert.Equal(t, "a.md", res.Event.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDone not called")
	}
}

func TestQueue_OnDoneOnDiscard(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := newGateApplier(true)
	q := NewQueue(4, a, nil)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Submit(Added("a.md")))
	<-a.started

	errs := make(chan error, 1)
	ev := Added("b.md")
	ev.OnDone = func(_ *Result, err error) { errs <- err }
	require.NoError(t, q.Submit(ev))

	cancel()
	q.Stop()
	assert.ErrorIs(t, <-errs, ErrQueueClosed)
}
