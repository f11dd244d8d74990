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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	full   int
}

func (s *recordingSink) Submit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full > 0 {
		s.full--
		return ErrQueueFull
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) SubmitWait(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) has(kind Kind, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind && ev.Path == path {
			return true
		}
	}
	return false
}

func (s *recordingSink) hasPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Path == path {
			return true
		}
	}
	return false
}

func defaultMatcher() *manifest.GlobMatcher {
	return manifest.NewGlobMatcher(manifest.IncludesForExtensions(manifest.DefaultExtensions), manifest.DefaultExcludes)
}

func TestFileWatcher_ForwardsChanges(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.md")
	require.NoError(t, os.WriteFile(existing, []byte("v1"), 0o644))

	sink := &recordingSink{}
	w, err := NewFileWatcher(root, defaultMatcher(), sink, &WatcherOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	created := filepath.Join(root, "new.md")
	require.NoError(t, os.WriteFile(created, []byte("hello"), 0o644))
	assert.Eventually(t, func() bool { return sink.has(KindAdded, created) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(existing, []byte("v2"), 0o644))
	assert.Eventually(t, func() bool { return sink.has(KindChanged, existing) }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(existing))
	assert.Eventually(t, func() bool { return sink.has(KindRemoved, existing) }, 3*time.Second, 10*time.Millisecond)

	hidden := filepath.Join(root, ".scratch.md")
	ignored := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(hidden, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(ignored, []byte("x"), 0o644))
	marker := filepath.Join(root, "marker.md")
	require.NoError(t, os.WriteFile(marker, []byte("m"), 0o644))
	assert.Eventually(t, func() bool { return sink.hasPath(marker) }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, sink.hasPath(hidden))
	assert.False(t, sink.hasPath(ignored))
}

func TestFileWatcher_NewDirectory(t *testing.T) {
	root := t.TempDir()
	sink := &recordingSink{}
	w, err := NewFileWatcher(root, defaultMatcher(), sink, &WatcherOptions{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	dir := filepath.Join(root, "guides")
	require.NoError(t, os.Mkdir(dir, 0o755))
	file := filepath.Join(dir, "Guide.md")
	require.NoError(t, os.WriteFile(file, []byte("g"), 0o644))

	assert.Eventually(t, func() bool { return sink.has(KindAdded, dir) }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return sink.hasPath(file) }, 3*time.Second, 10*time.Millisecond)
}

func TestFileWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewFileWatcher(t.TempDir(), defaultMatcher(), &recordingSink{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
	assert.False(t, w.IsWatching())
}

func TestFileWatcher_SubmitFallsBackToWait(t *testing.T) {
	sink := &recordingSink{full: 1}
	w, err := NewFileWatcher(t.TempDir(), defaultMatcher(), sink, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.submit(context.Background(), Added("a.md")))
	assert.True(t, sink.has(KindAdded, "a.md"))
}

func TestDedupe(t *testing.T) {
	batch := []fsnotify.Event{
		{Name: "a", Op: fsnotify.Create},
		{Name: "b", Op: fsnotify.Write},
		{Name: "a", Op: fsnotify.Write},
		{Name: "b", Op: fsnotify.Remove},
		{Name: "c", Op: fsnotify.Write},
	}
	got := dedupe(batch)
	require.Len(t, got, 3)
	assert.Equal(t, fsnotify.Create, got[0].Op, "write after create stays create")
	assert.Equal(t, fsnotify.Remove, got[1].Op)
	assert.Equal(t, "c", got[2].Name)
}

func TestTranslate(t *testing.T) {
	root := t.TempDir()
	w, err := NewFileWatcher(root, defaultMatcher(), &recordingSink{}, nil)
	require.NoError(t, err)
	defer w.Stop()

	doc := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(doc, []byte("a"), 0o644))
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "vendor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.md"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.txt"), []byte("c"), 0o644))

	got := w.translate(fsnotify.Event{Name: doc, Op: fsnotify.Create})
	require.Len(t, got, 1)
	assert.Equal(t, KindAdded, got[0].Kind)

	got = w.translate(fsnotify.Event{Name: doc, Op: fsnotify.Write})
	require.Len(t, got, 1)
	assert.Equal(t, KindChanged, got[0].Kind)

	got = w.translate(fsnotify.Event{Name: filepath.Join(root, "gone.md"), Op: fsnotify.Rename})
	require.Len(t, got, 1)
	assert.Equal(t, KindRemoved, got[0].Kind)

	got = w.translate(fsnotify.Event{Name: sub, Op: fsnotify.Create})
	require.Len(t, got, 2)
	assert.Equal(t, sub, got[0].Path)
	assert.Equal(t, filepath.Join(sub, "b.md"), got[1].Path)

	assert.Empty(t, w.translate(fsnotify.Event{Name: filepath.Join(sub, "c.txt"), Op: fsnotify.Write}))
}
