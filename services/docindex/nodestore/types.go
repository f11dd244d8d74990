// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodestore

import (
	"sort"
	"strings"
)

// Kind distinguishes document nodes from directory nodes.
type Kind string

const (
	// KindFile is a tracked document.
	KindFile Kind = "file"

	// KindDirectory is a directory. Its hash is the hash of empty content.
	KindDirectory Kind = "directory"
)

// Priority ranks a node by how central it is to a reader.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// CacheTier is the suggested cache residency for a node.
type CacheTier string

const (
	CacheHot  CacheTier = "HOT"
	CacheWarm CacheTier = "WARM"
	CacheCold CacheTier = "COLD"
)

// Access-frequency thresholds for cache promotion. Counts must exceed the
// threshold, not merely reach it.
const (
	WarmPromotionThreshold int64 = 10
	HotPromotionThreshold  int64 = 50
)

// Metadata carries derived, non-content attributes of a node.
type Metadata struct {
	Priority        Priority  `json:"priority"`
	Cache           CacheTier `json:"cache"`
	AccessFrequency int64     `json:"accessFrequency"`
	SemanticHash    string    `json:"semanticHash,omitempty"`
}

// IndexNode is one entry of the document tree.
//
// ID is derived from Path and never changes for a given path. Parent is
// empty for top-level nodes. Children is kept sorted and duplicate free;
// its order carries no meaning.
type IndexNode struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"`
	Kind         Kind     `json:"kind"`
	Hash         string   `json:"hash"`
	Size         int64    `json:"size"`
	Tokens       int      `json:"tokens"`
	LastModified int64    `json:"lastModified"`
	Parent       string   `json:"parent,omitempty"`
	Children     []string `json:"children"`
	Metadata     Metadata `json:"metadata"`
}

// Clone returns a deep copy of n.
func (n IndexNode) Clone() IndexNode {
	c := n
	if n.Children != nil {
		c.Children = append(make([]string, 0, len(n.Children)), n.Children...)
	} else {
		c.Children = []string{}
	}
	return c
}

// IsDir reports whether the node is a directory.
func (n IndexNode) IsDir() bool {
	return n.Kind == KindDirectory
}

// Equal reports field-for-field equality, treating nil and empty Children alike.
func (n IndexNode) Equal(o IndexNode) bool {
	if n.ID != o.ID || n.Path != o.Path || n.Kind != o.Kind || n.Hash != o.Hash ||
		n.Size != o.Size || n.Tokens != o.Tokens || n.LastModified != o.LastModified ||
		n.Parent != o.Parent || n.Metadata != o.Metadata {
		return false
	}
	if len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Children {
		if n.Children[i] != o.Children[i] {
			return false
		}
	}
	return true
}

// PriorityForPath classifies a path by keyword. Matching is case sensitive
// and checks the whole relative path, so a keyword in a directory name
// applies to everything under it.
func PriorityForPath(path string) Priority {
	switch {
	case strings.Contains(path, "Getting-Started") || strings.Contains(path, "Installation"):
		return PriorityCritical
	case strings.Contains(path, "Guide") || strings.Contains(path, "Overview"):
		return PriorityHigh
	case strings.Contains(path, "Advanced") || strings.Contains(path, "reference"):
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// CacheForPriority returns the initial cache tier for a priority.
func CacheForPriority(p Priority) CacheTier {
	switch p {
	case PriorityCritical:
		return CacheHot
	case PriorityHigh:
		return CacheWarm
	default:
		return CacheCold
	}
}

// Promote returns the tier after an access brings the count to freq.
// Tiers only move up: COLD to WARM above WarmPromotionThreshold, WARM to
// HOT above HotPromotionThreshold.
func Promote(tier CacheTier, freq int64) CacheTier {
	switch {
	case tier == CacheCold && freq > WarmPromotionThreshold:
		return CacheWarm
	case tier == CacheWarm && freq > HotPromotionThreshold:
		return CacheHot
	default:
		return tier
	}
}

// NewMetadata returns the metadata a freshly indexed node starts with.
func NewMetadata(path, semanticHash string) Metadata {
	p := PriorityForPath(path)
	return Metadata{
		Priority:     p,
		Cache:        CacheForPriority(p),
		SemanticHash: semanticHash,
	}
}

// SortByPath orders nodes by path ascending (byte-wise).
func SortByPath(nodes []IndexNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
}

// ParentPath returns the slash-separated parent directory of path, or ""
// for a top-level entry.
func ParentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

// insertSorted adds id to a sorted slice if absent.
func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// removeSorted deletes id from a sorted slice if present.
func removeSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
