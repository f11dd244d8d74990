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
	"fmt"
	"sort"
	"time"
)

// Manifest is the result of scanning a document root.
//
// Paths are slash-separated and relative to Root. Directories are recorded
// separately from files so the index can build the parent/child tree.
type Manifest struct {
	// Root is the absolute path to the scanned document root.
	Root string `json:"root"`

	// Files maps relative file paths to their entries.
	Files map[string]FileEntry `json:"files"`

	// Dirs lists every non-hidden, non-excluded directory below Root.
	// Root itself is not included.
	Dirs []string `json:"dirs"`

	// Errors contains files that failed during scanning.
	// These files are not included in Files.
	Errors []ScanError `json:"errors,omitempty"`

	// CreatedAtMilli is the Unix timestamp in milliseconds when the
	// manifest was created.
	CreatedAtMilli int64 `json:"created_at_milli"`

	// UpdatedAtMilli is the Unix timestamp in milliseconds when the
	// scan finished.
	UpdatedAtMilli int64 `json:"updated_at_milli"`

	// Incomplete is true if the scan was cancelled before completion.
	Incomplete bool `json:"incomplete,omitempty"`
}

// NewManifest creates an empty manifest for the given root.
func NewManifest(root string) *Manifest {
	now := time.Now().UnixMilli()
	return &Manifest{
		Root:           root,
		Files:          make(map[string]FileEntry),
		Dirs:           make([]string, 0),
		Errors:         make([]ScanError, 0),
		CreatedAtMilli: now,
		UpdatedAtMilli: now,
	}
}

// FileCount returns the number of successfully scanned files.
func (m *Manifest) FileCount() int {
	return len(m.Files)
}

// HasErrors returns true if any files failed scanning.
func (m *Manifest) HasErrors() bool {
	return len(m.Errors) > 0
}

// SortedPaths returns the file paths in lexicographic order.
func (m *Manifest) SortedPaths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileEntry holds the content-derived facts for a single tracked file.
type FileEntry struct {
	// Path is the slash-separated path relative to the document root.
	Path string `json:"path"`

	// Hash is the SHA-256 of the raw file bytes.
	// Format: 64 lowercase hexadecimal characters.
	Hash string `json:"hash"`

	// SemanticHash is the hash of the normalized text. See SemanticHash.
	SemanticHash string `json:"semantic_hash"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// Tokens is the estimated token count. See TokenCount.
	Tokens int `json:"tokens"`

	// ModTimeMilli is the modification time in Unix milliseconds.
	ModTimeMilli int64 `json:"mod_time_milli"`
}

// ValidateHash reports whether h is a well-formed content hash.
func ValidateHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("%w: expected 64 chars, got %d", ErrInvalidHash, len(h))
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return fmt.Errorf("%w: invalid character %q", ErrInvalidHash, c)
		}
	}
	return nil
}

// Changes represents the differences between two manifests.
type Changes struct {
	// Added contains paths present only in the new manifest.
	Added []string `json:"added,omitempty"`

	// Modified contains paths present in both with different hashes.
	Modified []string `json:"modified,omitempty"`

	// Deleted contains paths present only in the old manifest.
	Deleted []string `json:"deleted,omitempty"`
}

// HasChanges returns true if there are any added, modified, or deleted files.
func (c *Changes) HasChanges() bool {
	return len(c.Added) > 0 || len(c.Modified) > 0 || len(c.Deleted) > 0
}

// Count returns the total number of changes.
func (c *Changes) Count() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}
