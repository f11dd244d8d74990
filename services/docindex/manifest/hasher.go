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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf16"
)

const (
	// DefaultMaxFileSize is the largest file the hasher will read (32MB).
	DefaultMaxFileSize int64 = 32 << 20

	// DefaultMaxRetries is how many times HashFileAtomic re-reads a file
	// that changed underneath it.
	DefaultMaxRetries = 3

	// NodeIDLength is the number of hex characters kept for node ids.
	NodeIDLength = 16

	// SemanticHashLength is the number of hex characters kept for semantic hashes.
	SemanticHashLength = 32

	// charsPerToken is the fixed token estimation ratio.
	charsPerToken = 4
)

// EmptyHash is the content hash of zero bytes. Directory nodes carry it.
var EmptyHash = ContentHash(nil)

// Hasher computes content-derived facts for files.
//
// Implementations must be safe for concurrent use.
type Hasher interface {
	// HashFileAtomic reads path and returns its entry, retrying when the
	// file changes during the read. The returned entry has an empty Path.
	HashFileAtomic(path string, maxRetries int) (FileEntry, error)
}

// SHA256Hasher is the default Hasher.
//
// Thread Safety: SHA256Hasher is stateless after creation and safe for
// concurrent use.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher that refuses files above maxFileSize.
// A maxFileSize of zero or less disables the limit.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFileAtomic reads a file and derives its entry.
//
// Description:
//
//	Stats the file, reads it, and stats it again. If size or modification
//	time moved during the read the file is re-read, up to maxRetries extra
//	attempts. A file that changes between the final stat and a later use is
//	still possible; callers accept that window.
//
// Inputs:
//
//	path - Absolute path to the file.
//	maxRetries - Extra attempts after the first read. Negative means zero.
//
// Outputs:
//
//	FileEntry - Hash, SemanticHash, Size, Tokens and ModTimeMilli populated.
//	error - ErrFileTooLarge, ErrFileUnstable, ErrNotRegularFile or an os error.
func (h *SHA256Hasher) HashFileAtomic(path string, maxRetries int) (FileEntry, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, err
		}
		if !before.Mode().IsRegular() {
			return FileEntry{}, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
		}
		if h.maxFileSize > 0 && before.Size() > h.maxFileSize {
			return FileEntry{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, before.Size())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return FileEntry{}, err
		}

		after, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, err
		}
		if before.Size() != after.Size() || !before.ModTime().Equal(after.ModTime()) ||
			int64(len(data)) != after.Size() {
			continue
		}

		return EntryFromBytes(data, after.ModTime().UnixMilli()), nil
	}

	return FileEntry{}, fmt.Errorf("%w: %s", ErrFileUnstable, path)
}

// EntryFromBytes derives an entry from already-read content.
func EntryFromBytes(data []byte, modTimeMilli int64) FileEntry {
	text := string(data)
	return FileEntry{
		Hash:         ContentHash(data),
		SemanticHash: SemanticHash(text),
		Size:         int64(len(data)),
		Tokens:       TokenCount(text),
		ModTimeMilli: modTimeMilli,
	}
}

// ContentHash returns the lowercase hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CombineHashes returns the hex SHA-256 of the concatenated hex strings.
//
// This is the Merkle parent rule: the inputs are hashed as text, not as
// decoded bytes.
func CombineHashes(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// SemanticHash hashes text after collapsing whitespace runs to a single
// space, lower-casing and trimming. Two documents that differ only in
// layout or case share a semantic hash.
func SemanticHash(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(unicode.ToLower(r))
	}
	full := ContentHash([]byte(b.String()))
	return full[:SemanticHashLength]
}

// TokenCount estimates tokens as ceil(n / 4), where n is the length of
// text in UTF-16 code units. Characters outside the Basic Multilingual
// Plane count as two.
func TokenCount(text string) int {
	n := 0
	for _, r := range text {
		n += utf16.RuneLen(r)
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// NodeID derives the stable node identifier for a relative path.
//
// The path is normalized to forward slashes first so the same file gets the
// same id on every platform.
func NodeID(relPath string) string {
	full := ContentHash([]byte(filepath.ToSlash(relPath)))
	return full[:NodeIDLength]
}
