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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
)

// DefaultDebounce is the quiescence window before changes are forwarded.
const DefaultDebounce = 300 * time.Millisecond

// Submitter accepts change events. *Queue implements it.
type Submitter interface {
	Submit(ev Event) error
	SubmitWait(ctx context.Context, ev Event) error
}

// FileWatcher watches the document root and forwards debounced changes.
//
// # Description
//
// Watches the root and every non-hidden, non-excluded subdirectory.
// Raw notifications are collected until the debounce window passes with
// no new activity, deduplicated per path keeping the latest operation,
// and submitted as Added, Changed or Removed events. A full queue is
// treated as back-pressure: the watcher blocks until there is room.
//
// # Thread Safety
//
// Safe for concurrent use. Submission happens from a single goroutine.
type FileWatcher struct {
	root     string
	matcher  *manifest.GlobMatcher
	sink     Submitter
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	changes  chan fsnotify.Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// WatcherOptions configures a FileWatcher.
type WatcherOptions struct {
	// Debounce is the quiescence window. Default: DefaultDebounce.
	Debounce time.Duration

	// BufferSize is the raw notification buffer. Default: 1000.
	BufferSize int
}

// NewFileWatcher creates a watcher for root.
//
// # Inputs
//
//   - root: Absolute document root.
//   - matcher: Decides which files and directories are tracked.
//   - sink: Receives the change events.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *FileWatcher: Ready to Start.
//   - error: Non-nil if the fsnotify watcher could not be created.
func NewFileWatcher(root string, matcher *manifest.GlobMatcher, sink Submitter, opts *WatcherOptions) (*FileWatcher, error) {
	o := WatcherOptions{Debounce: DefaultDebounce, BufferSize: 1000}
	if opts != nil {
		if opts.Debounce > 0 {
			o.Debounce = opts.Debounce
		}
		if opts.BufferSize > 0 {
			o.BufferSize = opts.BufferSize
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		root:     root,
		matcher:  matcher,
		sink:     sink,
		debounce: o.Debounce,
		watcher:  w,
		logger:   slog.Default().With("component", "ingest.FileWatcher"),
		changes:  make(chan fsnotify.Event, o.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start adds the watches and launches the event and debounce goroutines.
// Both exit on Stop or ctx cancellation.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching document root", "root", w.root, "debounce", w.debounce)
	return nil
}

// Stop closes the watcher and waits for its goroutines.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()

	w.mu.Lock()
	w.watching = false
	w.mu.Unlock()
}

// IsWatching returns true while the watcher is active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *FileWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root {
			rel, ok := w.rel(path)
			if !ok || !w.matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
		}
		return w.watcher.Add(path)
	})
}

func (w *FileWatcher) rel(path string) (string, bool) {
	rel, err := manifest.RelPath(w.root, path)
	if err != nil {
		return "", false
	}
	return rel, true
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			rel, ok := w.rel(ev.Name)
			if !ok || manifest.IsHidden(rel) || w.matcher.Excluded(rel) {
				continue
			}
			select {
			case w.changes <- ev:
			default:
				w.logger.Warn("watcher buffer full, change dropped", "path", rel)
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						w.logger.Warn("watch new directory failed", "path", rel, "error", err)
					}
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var batch []fsnotify.Event
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.forward(ctx, dedupe(batch))
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev := <-w.changes:
			batch = append(batch, ev)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// forward maps raw notifications to events and submits them.
func (w *FileWatcher) forward(ctx context.Context, batch []fsnotify.Event) {
	for _, raw := range batch {
		for _, ev := range w.translate(raw) {
			if err := w.submit(ctx, ev); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
					w.logger.Warn("submit change failed", "path", ev.Path, "error", err)
				}
				return
			}
			watcherEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
}

func (w *FileWatcher) submit(ctx context.Context, ev Event) error {
	err := w.sink.Submit(ev)
	if !errors.Is(err, ErrQueueFull) {
		return err
	}
	w.logger.Debug("ingest queue full, waiting", "path", ev.Path)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	return w.sink.SubmitWait(waitCtx, ev)
}

// translate turns one raw notification into zero or more events. A new
// directory yields an event for itself and for every tracked file in it,
// since files created before its watch was added produce no notification.
func (w *FileWatcher) translate(raw fsnotify.Event) []Event {
	now := time.Now()
	switch {
	case raw.Has(fsnotify.Remove) || raw.Has(fsnotify.Rename):
		return []Event{{Kind: KindRemoved, Path: raw.Name, At: now}}

	case raw.Has(fsnotify.Create):
		info, err := os.Stat(raw.Name)
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			if rel, ok := w.rel(raw.Name); ok && w.matcher.Match(rel) {
				return []Event{{Kind: KindAdded, Path: raw.Name, At: now}}
			}
			return nil
		}
		out := []Event{{Kind: KindAdded, Path: raw.Name, At: now}}
		var files []string
		_ = filepath.WalkDir(raw.Name, func(path string, d fs.DirEntry, err error) error {
			if err != nil || path == raw.Name {
				return nil
			}
			rel, ok := w.rel(path)
			if !ok {
				return nil
			}
			if d.IsDir() {
				if !w.matcher.MatchDir(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if w.matcher.Match(rel) {
				files = append(files, path)
			}
			return nil
		})
		sort.Strings(files)
		for _, f := range files {
			out = append(out, Event{Kind: KindAdded, Path: f, At: now})
		}
		return out

	case raw.Has(fsnotify.Write):
		if rel, ok := w.rel(raw.Name); ok && w.matcher.Match(rel) {
			return []Event{{Kind: KindChanged, Path: raw.Name, At: now}}
		}
	}
	return nil
}

// dedupe keeps the latest notification per path, in first-seen order. A
// write following a create stays a create.
func dedupe(batch []fsnotify.Event) []fsnotify.Event {
	seen := make(map[string]int, len(batch))
	out := make([]fsnotify.Event, 0, len(batch))
	for _, ev := range batch {
		if i, ok := seen[ev.Name]; ok {
			if out[i].Has(fsnotify.Create) && ev.Has(fsnotify.Write) {
				continue
			}
			out[i] = ev
			continue
		}
		seen[ev.Name] = len(out)
		out = append(out, ev)
	}
	return out
}
