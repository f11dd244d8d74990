// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the number of recent events an Emitter retains.
const DefaultBufferSize = 256

// Handler processes events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(event Event)

// Publisher is the emitting side of an Emitter.
type Publisher interface {
	Emit(eventType Type, data any)
}

type subscription struct {
	handler Handler
	types   map[Type]struct{}
}

// Emitter broadcasts events to subscribers.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
	dropped       map[string]uint64
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many recent events are retained.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		bufferSize:    DefaultBufferSize,
		dropped:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bufferSize < 0 {
		e.bufferSize = 0
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers handler for the given types (all types when none
// are given).
//
// Outputs:
//
//	func() - Removes the subscription. Safe to call more than once.
func (e *Emitter) Subscribe(handler Handler, types ...Type) func() {
	id := uuid.NewString()
	sub := &subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subscriptions[id] = sub
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscriptions, id)
		delete(e.dropped, id)
		e.mu.Unlock()
	}
}

// SubscribeChan delivers events on a buffered channel.
//
// Description:
//
//	Events are sent without blocking; when the channel is full the event is
//	dropped for this subscriber and counted. The returned cancel function
//	unsubscribes and closes the channel.
//
// Inputs:
//
//	buf - Channel capacity. Values below 1 are raised to 1.
//	types - Event types to receive (all when empty).
func (e *Emitter) SubscribeChan(buf int, types ...Type) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Event, buf)
	id := uuid.NewString()

	var closeOnce sync.Once
	var chMu sync.Mutex
	closed := false

	sub := &subscription{
		handler: func(ev Event) {
			chMu.Lock()
			defer chMu.Unlock()
			if closed {
				return
			}
			select {
			case ch <- ev:
			default:
				e.mu.Lock()
				e.dropped[id]++
				e.mu.Unlock()
			}
		},
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subscriptions[id] = sub
	e.mu.Unlock()

	cancel := func() {
		closeOnce.Do(func() {
			e.mu.Lock()
			delete(e.subscriptions, id)
			delete(e.dropped, id)
			e.mu.Unlock()

			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}
	return ch, cancel
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Creates the event, appends it to the recent-events buffer and invokes
//	each matching handler. Handler panics are recovered so one failing
//	handler cannot stop the others.
func (e *Emitter) Emit(eventType Type, data any) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	e.mu.Lock()
	if e.bufferSize > 0 {
		if len(e.buffer) >= e.bufferSize {
			e.buffer = e.buffer[1:]
		}
		e.buffer = append(e.buffer, event)
	}
	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[eventType]; !ok {
				continue
			}
		}
		safeInvokeHandler(sub.handler, event)
	}
}

// safeInvokeHandler invokes a handler with panic recovery.
func safeInvokeHandler(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// Recent returns a copy of the buffered events, oldest first.
func (e *Emitter) Recent() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// RecentByType returns buffered events of one type.
func (e *Emitter) RecentByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Dropped returns the total events dropped across channel subscribers.
func (e *Emitter) Dropped() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total uint64
	for _, n := range e.dropped {
		total += n
	}
	return total
}
