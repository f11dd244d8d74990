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
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// DefaultExtensions are the tracked document extensions.
	DefaultExtensions = []string{".md", ".maus"}

	// DefaultExcludes specifies commonly excluded directories.
	// Hidden entries are always skipped and need no pattern.
	DefaultExcludes = []string{
		"node_modules/**",
		"vendor/**",
	}
)

// IncludesForExtensions turns extensions into recursive include patterns.
//
//	IncludesForExtensions([]string{".md"}) // []string{"**/*.md"}
func IncludesForExtensions(exts []string) []string {
	patterns := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		patterns = append(patterns, "**/*"+ext)
	}
	return patterns
}

// GlobMatcher matches slash-separated relative paths against include and
// exclude patterns using doublestar syntax (** crosses directories).
//
// Thread Safety: GlobMatcher is safe for concurrent use after creation.
type GlobMatcher struct {
	includes []string
	excludes []string
}

// NewGlobMatcher creates a matcher with the given include and exclude patterns.
//
// If includes is empty, all files are included.
// Invalid patterns never match.
func NewGlobMatcher(includes, excludes []string) *GlobMatcher {
	return &GlobMatcher{
		includes: normalizePatterns(includes),
		excludes: normalizePatterns(excludes),
	}
}

// Match returns true if the file path should be tracked.
//
// A path is tracked if it is not hidden, is not excluded (directly or via
// an excluded ancestor directory) and matches an include pattern.
func (m *GlobMatcher) Match(path string) bool {
	path = filepath.ToSlash(path)
	if IsHidden(path) || m.Excluded(path) {
		return false
	}
	if len(m.includes) == 0 {
		return true
	}
	for _, pattern := range m.includes {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Excluded reports whether path or any ancestor directory of path matches
// an exclude pattern.
func (m *GlobMatcher) Excluded(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range m.excludes {
		if matchWithAncestors(pattern, path) {
			return true
		}
	}
	return false
}

// MatchDir reports whether a directory should be walked and indexed.
func (m *GlobMatcher) MatchDir(path string) bool {
	path = filepath.ToSlash(path)
	return !IsHidden(path) && !m.Excluded(path)
}

// Includes returns a copy of the include patterns.
func (m *GlobMatcher) Includes() []string {
	return append([]string(nil), m.includes...)
}

// Excludes returns a copy of the exclude patterns.
func (m *GlobMatcher) Excludes() []string {
	return append([]string(nil), m.excludes...)
}

// IsHidden reports whether any segment of a slash path starts with a dot.
func IsHidden(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}

// matchWithAncestors tries the pattern on the path and on "dir/" forms of
// each ancestor so "vendor/**" excludes "vendor" itself.
func matchWithAncestors(pattern, path string) bool {
	if ok, err := doublestar.Match(pattern, path); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(pattern, path+"/"); err == nil && ok {
		return true
	}
	for i := 0; i < len(path); i++ {
		if path[i] != '/' {
			continue
		}
		dir := path[:i]
		if ok, err := doublestar.Match(pattern, dir); err == nil && ok {
			return true
		}
	}
	return false
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		if p == "" || !doublestar.ValidatePattern(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
