// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ManagerOption is a functional option for configuring ManifestManager.
type ManagerOption func(*ManifestManager)

// ManifestManager scans document roots and compares manifests.
//
// Thread Safety: ManifestManager is safe for concurrent use.
type ManifestManager struct {
	hasher      Hasher
	matcher     *GlobMatcher
	maxFileSize int64
	maxRetries  int
	concurrency int
}

// NewManifestManager creates a new ManifestManager with the given options.
//
// Default configuration:
//   - maxFileSize: DefaultMaxFileSize
//   - maxRetries: DefaultMaxRetries
//   - includes: IncludesForExtensions(DefaultExtensions)
//   - excludes: DefaultExcludes
//   - concurrency: GOMAXPROCS
func NewManifestManager(opts ...ManagerOption) *ManifestManager {
	m := &ManifestManager{
		maxFileSize: DefaultMaxFileSize,
		maxRetries:  DefaultMaxRetries,
		concurrency: runtime.GOMAXPROCS(0),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.hasher == nil {
		m.hasher = NewSHA256Hasher(m.maxFileSize)
	}
	if m.matcher == nil {
		m.matcher = NewGlobMatcher(IncludesForExtensions(DefaultExtensions), DefaultExcludes)
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}

	return m
}

// WithExtensions tracks files with the given extensions.
func WithExtensions(exts ...string) ManagerOption {
	return WithIncludes(IncludesForExtensions(exts)...)
}

// WithIncludes sets the include glob patterns.
func WithIncludes(patterns ...string) ManagerOption {
	return func(m *ManifestManager) {
		if m.matcher == nil {
			m.matcher = NewGlobMatcher(patterns, DefaultExcludes)
		} else {
			m.matcher = NewGlobMatcher(patterns, m.matcher.excludes)
		}
	}
}

// WithExcludes sets the exclude glob patterns.
func WithExcludes(patterns ...string) ManagerOption {
	return func(m *ManifestManager) {
		if m.matcher == nil {
			m.matcher = NewGlobMatcher(IncludesForExtensions(DefaultExtensions), patterns)
		} else {
			m.matcher = NewGlobMatcher(m.matcher.includes, patterns)
		}
	}
}

// WithMaxFileSize sets the maximum file size for hashing.
func WithMaxFileSize(bytes int64) ManagerOption {
	return func(m *ManifestManager) {
		m.maxFileSize = bytes
	}
}

// WithMaxRetries sets the maximum retry count for atomic hashing.
func WithMaxRetries(n int) ManagerOption {
	return func(m *ManifestManager) {
		m.maxRetries = n
	}
}

// WithConcurrency bounds the number of files hashed in parallel.
func WithConcurrency(n int) ManagerOption {
	return func(m *ManifestManager) {
		m.concurrency = n
	}
}

// Matcher returns the include/exclude matcher in use.
func (m *ManifestManager) Matcher() *GlobMatcher {
	return m.matcher
}

// Tracked reports whether a relative path names a tracked document.
func (m *ManifestManager) Tracked(relPath string) bool {
	return m.matcher.Match(relPath)
}

// HashFile hashes one file under root and stamps its relative path.
//
// Inputs:
//
//	root - Absolute document root.
//	relPath - Slash-separated path relative to root.
//
// Outputs:
//
//	FileEntry - Entry with Path set to relPath.
//	error - ErrPathTraversal or any hashing error.
func (m *ManifestManager) HashFile(root, relPath string) (FileEntry, error) {
	if err := validatePath(root, relPath); err != nil {
		return FileEntry{}, err
	}
	entry, err := m.hasher.HashFileAtomic(filepath.Join(root, filepath.FromSlash(relPath)), m.maxRetries)
	if err != nil {
		return FileEntry{}, err
	}
	entry.Path = relPath
	return entry, nil
}

// RelPath converts an absolute or root-relative path to the canonical
// slash-separated relative form.
//
// Outputs:
//
//	string - Relative path, never starting with "./".
//	error - ErrPathTraversal if the path escapes root, or if it is root itself.
func RelPath(root, path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(root, path))
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == "." {
		return "", fmt.Errorf("%w: %s is the root", ErrPathTraversal, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes root", ErrPathTraversal, path)
	}
	return filepath.ToSlash(rel), nil
}

// validatePath ensures a path is within the document root.
func validatePath(root, path string) error {
	_, err := RelPath(root, path)
	return err
}

// Scan walks a document root and creates a manifest of all tracked files.
//
// Description:
//
//	Walks the directory tree, skipping hidden entries, excluded directories
//	and symlinks, then hashes every matching file with bounded parallelism.
//	Non-fatal errors (permission denied, large files) are recorded in the
//	manifest's Errors field.
//
// Inputs:
//
//	ctx - Context for cancellation. If cancelled, returns a partial manifest.
//	root - Path to the document root directory.
//
// Outputs:
//
//	*Manifest - The scan result. Never nil when error is nil.
//	error - Non-nil if root is invalid or cannot be accessed.
//
// Behavior:
//
//   - Symlinks are never followed
//   - Files larger than maxFileSize are skipped (added to Errors)
//   - Context cancellation sets Incomplete=true and returns partial result
//   - Dirs and Errors are sorted by path for deterministic output
func (m *ManifestManager) Scan(ctx context.Context, root string) (*Manifest, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", ErrInvalidRoot)
	}

	manifest := NewManifest(absRoot)
	var files []string

	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == absRoot {
			return err
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			manifest.Errors = append(manifest.Errors, ScanError{Path: path, Err: relErr})
			return nil
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			manifest.Errors = append(manifest.Errors, ScanError{Path: rel, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			if !m.matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
			manifest.Dirs = append(manifest.Dirs, rel)
			return nil
		}

		if m.matcher.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			manifest.Incomplete = true
			return manifest, nil
		}
		return manifest, walkErr
	}

	if err := m.hashAll(ctx, absRoot, files, manifest); err != nil {
		if ctx.Err() != nil {
			manifest.Incomplete = true
			return manifest, nil
		}
		return manifest, err
	}

	sort.Strings(manifest.Dirs)
	sort.Slice(manifest.Errors, func(i, j int) bool {
		return manifest.Errors[i].Path < manifest.Errors[j].Path
	})
	manifest.UpdatedAtMilli = time.Now().UnixMilli()
	return manifest, nil
}

// hashAll hashes files in parallel, bounded by m.concurrency.
func (m *ManifestManager) hashAll(ctx context.Context, root string, files []string, manifest *Manifest) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := m.HashFile(root, rel)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				manifest.Errors = append(manifest.Errors, ScanError{Path: rel, Err: err})
				return nil
			}
			manifest.Files[rel] = entry
			return nil
		})
	}

	return g.Wait()
}

// Diff compares two manifests and returns the changes.
//
// Description:
//
//	Compares the Files maps of old and new manifests to identify
//	added, modified, and deleted files. Comparison is by content hash.
//
// Inputs:
//
//	old - The previous manifest (may be nil).
//	new - The current manifest (must not be nil).
//
// Outputs:
//
//	*Changes - The differences, each list sorted. Never nil.
func (m *ManifestManager) Diff(old, new *Manifest) *Changes {
	changes := &Changes{
		Added:    make([]string, 0),
		Modified: make([]string, 0),
		Deleted:  make([]string, 0),
	}

	if old == nil {
		for path := range new.Files {
			changes.Added = append(changes.Added, path)
		}
		sort.Strings(changes.Added)
		return changes
	}

	for path, newEntry := range new.Files {
		oldEntry, exists := old.Files[path]
		if !exists {
			changes.Added = append(changes.Added, path)
		} else if oldEntry.Hash != newEntry.Hash {
			changes.Modified = append(changes.Modified, path)
		}
	}

	for path := range old.Files {
		if _, exists := new.Files[path]; !exists {
			changes.Deleted = append(changes.Deleted, path)
		}
	}

	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Deleted)
	return changes
}
