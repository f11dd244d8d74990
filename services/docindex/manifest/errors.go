// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest hashes tracked documents and scans a document root.
//
// It owns the content-derived facts about a file: the SHA-256 content hash,
// the whitespace and case insensitive semantic hash, the token estimate and
// the stable node identifier derived from the root-relative path. Scan walks
// a root and produces a Manifest of every tracked file and directory, which
// the index turns into nodes.
//
// # Thread Safety
//
// ManifestManager is safe for concurrent use. Individual Manifest structs are
// NOT safe for concurrent modification after creation.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for manifest operations.
var (
	// ErrPathTraversal is returned when a path escapes the document root.
	ErrPathTraversal = errors.New("path escapes document root")

	// ErrFileTooLarge is returned when a file exceeds the configured maximum size.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrFileUnstable is returned when a file keeps changing while it is
	// being hashed and every retry has been used.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrInvalidHash is returned when a stored hash is malformed.
	// Valid content hashes are exactly 64 lowercase hexadecimal characters.
	ErrInvalidHash = errors.New("invalid hash format")

	// ErrInvalidRoot is returned when the document root is invalid.
	ErrInvalidRoot = errors.New("invalid document root")

	// ErrNotRegularFile is returned when a hashed path is a directory,
	// device or other non-regular file.
	ErrNotRegularFile = errors.New("not a regular file")
)

// ScanError represents a non-fatal error during scanning.
//
// When a file cannot be processed (e.g., permission denied), it is recorded
// as a ScanError and scanning continues.
type ScanError struct {
	// Path is the slash-separated relative path that failed.
	Path string `json:"path"`

	// Err is the underlying error.
	Err error `json:"error"`
}

// Error implements the error interface.
func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e ScanError) Unwrap() error {
	return e.Err
}

// MarshalJSON serializes the error as its string representation.
func (e ScanError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	}{Path: e.Path, Error: msg})
}
