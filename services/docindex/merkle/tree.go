// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package merkle builds a binary hash tree over indexed nodes.
//
// # Description
//
// Leaves are the nodes' content hashes in path order. Each level pairs
// neighbours as sha256(left.hex + right.hex); an odd last node is paired
// with itself and its Right stays nil. The root hash is therefore a pure
// function of the path-sorted leaf hashes and does not depend on insertion
// order.
//
// # Thread Safety
//
// A Tree is immutable after Build and safe for concurrent reads.
package merkle

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// ErrLeafNotFound is returned by Proof when the id is not a leaf of the tree.
var ErrLeafNotFound = errors.New("leaf not found in merkle tree")

// Side says which side of the running hash a proof sibling sits on.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Node is one vertex of the tree. Leaves carry NodeID and Path; internal
// nodes always have Left, and Right is nil when the level was odd.
type Node struct {
	Hash   string `json:"hash"`
	Left   *Node  `json:"left,omitempty"`
	Right  *Node  `json:"right,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
	Path   string `json:"path,omitempty"`
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Side Side   `json:"side"`
}

// Tree is a built Merkle tree.
type Tree struct {
	root   *Node
	leaves []*Node
	levels [][]*Node
	index  map[string]int
}

// Build constructs the tree from nodes.
//
// Description:
//
//	Nodes are sorted by path (byte-wise) on a private copy; the caller's
//	slice is not reordered. Directory nodes take part like files, with the
//	hash of empty content.
//
// Inputs:
//
//	nodes - The nodes to cover. May be empty.
//
// Outputs:
//
//	*Tree - Never nil. An empty input yields a tree with a nil root.
func Build(nodes []nodestore.IndexNode) *Tree {
	sorted := make([]nodestore.IndexNode, len(nodes))
	copy(sorted, nodes)
	nodestore.SortByPath(sorted)

	t := &Tree{
		leaves: make([]*Node, len(sorted)),
		index:  make(map[string]int, len(sorted)),
	}
	for i, n := range sorted {
		t.leaves[i] = &Node{Hash: n.Hash, NodeID: n.ID, Path: n.Path}
		t.index[n.ID] = i
	}
	if len(t.leaves) == 0 {
		return t
	}

	level := t.leaves
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			if i+1 < len(level) {
				right := level[i+1]
				next = append(next, &Node{
					Hash:  manifest.CombineHashes(left.Hash, right.Hash),
					Left:  left,
					Right: right,
				})
				continue
			}
			next = append(next, &Node{
				Hash: manifest.CombineHashes(left.Hash, left.Hash),
				Left: left,
			})
		}
		level = next
		t.levels = append(t.levels, level)
	}
	t.root = level[0]
	return t
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree) Root() *Node {
	if t == nil {
		return nil
	}
	return t.root
}

// RootHash returns the root hash, or "" for an empty tree.
func (t *Tree) RootHash() string {
	if t == nil || t.root == nil {
		return ""
	}
	return t.root.Hash
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	if t == nil {
		return 0
	}
	return len(t.leaves)
}

// LeafHash returns the hash the tree holds for nodeID.
func (t *Tree) LeafHash(nodeID string) (string, bool) {
	if t == nil {
		return "", false
	}
	pos, ok := t.index[nodeID]
	if !ok {
		return "", false
	}
	return t.leaves[pos].Hash, true
}

// Proof returns the siblings needed to recompute the root from a leaf.
//
// Description:
//
//	Steps run from the leaf level upward. When a level had an odd count and
//	the node was paired with itself, the step repeats the running hash as a
//	Right sibling so Verify can recombine it the same way Build did. A tree
//	with a single leaf yields an empty proof.
//
// Outputs:
//
//	[]ProofStep - Ordered leaf to root.
//	error - ErrLeafNotFound when nodeID is not covered by the tree.
func (t *Tree) Proof(nodeID string) ([]ProofStep, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, nodeID)
	}
	pos, ok := t.index[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, nodeID)
	}

	steps := []ProofStep{}
	for _, level := range t.levels[:len(t.levels)-1] {
		if pos%2 == 0 {
			if pos+1 < len(level) {
				steps = append(steps, ProofStep{Hash: level[pos+1].Hash, Side: SideRight})
			} else {
				steps = append(steps, ProofStep{Hash: level[pos].Hash, Side: SideRight})
			}
		} else {
			steps = append(steps, ProofStep{Hash: level[pos-1].Hash, Side: SideLeft})
		}
		pos /= 2
	}
	return steps, nil
}

// Verify recomputes the root from leafHash and proof and compares it to root.
func Verify(leafHash string, proof []ProofStep, root string) bool {
	if root == "" {
		return false
	}
	h := leafHash
	for _, step := range proof {
		switch step.Side {
		case SideLeft:
			h = manifest.CombineHashes(step.Hash, h)
		case SideRight:
			h = manifest.CombineHashes(h, step.Hash)
		default:
			return false
		}
	}
	return h == root
}

// MarshalJSON encodes the tree as its root node, or null when empty.
func (t *Tree) MarshalJSON() ([]byte, error) {
	if t == nil || t.root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(t.root)
}
