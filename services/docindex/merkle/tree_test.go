// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

func leaf(path, content string) nodestore.IndexNode {
	return nodestore.IndexNode{
		ID:   manifest.NodeID(path),
		Path: path,
		Kind: nodestore.KindFile,
		Hash: manifest.ContentHash([]byte(content)),
	}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestBuild_Empty(t *testing.T) {
	tree := Build(nil)
	assert.Nil(t, tree.Root())
	assert.Equal(t, "", tree.RootHash())
	assert.Equal(t, 0, tree.LeafCount())

	data, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	_, err = tree.Proof("anything")
	assert.ErrorIs(t, err, ErrLeafNotFound)
}

func TestBuild_SingleLeaf(t *testing.T) {
	n := leaf("a.md", "Hello")
	tree := Build([]nodestore.IndexNode{n})

	assert.Equal(t, n.Hash, tree.RootHash())
	assert.True(t, tree.Root().IsLeaf())

	proof, err := tree.Proof(n.ID)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, Verify(n.Hash, proof, tree.RootHash()))
}

func TestBuild_KnownShapes(t *testing.T) {
	a, b, c := leaf("a.md", "a"), leaf("b.md", "b"), leaf("c.md", "c")

	t.Run("two leaves", func(t *testing.T) {
		tree := Build([]nodestore.IndexNode{b, a})
		assert.Equal(t, sha(a.Hash+b.Hash), tree.RootHash())
	})

	t.Run("odd count duplicates last", func(t *testing.T) {
		tree := Build([]nodestore.IndexNode{c, a, b})
		ab := sha(a.Hash + b.Hash)
		cc := sha(c.Hash + c.Hash)
		assert.Equal(t, sha(ab+cc), tree.RootHash())

		root := tree.Root()
		require.NotNil(t, root.Right)
		assert.Nil(t, root.Right.Right, "self-paired node has no right child")
		assert.Equal(t, c.ID, root.Right.Left.NodeID)
	})
}

func TestBuild_OrderIndependent(t *testing.T) {
	nodes := []nodestore.IndexNode{
		leaf("z.md", "z"), leaf("docs/a.md", "a"), leaf("m.md", "m"), leaf("b.md", "b"),
	}
	reversed := make([]nodestore.IndexNode, len(nodes))
	for i := range nodes {
		reversed[len(nodes)-1-i] = nodes[i]
	}

	assert.Equal(t, Build(nodes).RootHash(), Build(reversed).RootHash())
	assert.Equal(t, "z.md", nodes[0].Path, "caller slice is not reordered")
}

func TestBuild_LeavesSortedByPath(t *testing.T) {
	a, b := leaf("a.md", "1"), leaf("b.md", "2")
	tree := Build([]nodestore.IndexNode{b, a})
	assert.Equal(t, manifest.CombineHashes(a.Hash, b.Hash), tree.RootHash())
}

func TestProof_VerifiesForEveryLeaf(t *testing.T) {
	for _, count := range []int{2, 3, 4, 5, 7, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", count), func(t *testing.T) {
			var nodes []nodestore.IndexNode
			for i := 0; i < count; i++ {
				nodes = append(nodes, leaf(fmt.Sprintf("doc-%02d.md", i), fmt.Sprintf("content %d", i)))
			}
			tree := Build(nodes)
			root := tree.RootHash()

			for _, n := range nodes {
				proof, err := tree.Proof(n.ID)
				require.NoError(t, err)
				assert.True(t, Verify(n.Hash, proof, root), "proof for %s", n.Path)
				assert.False(t, Verify(sha("tampered"), proof, root), "tampered leaf %s", n.Path)
			}
		})
	}
}

func TestProof_SideTags(t *testing.T) {
	a, b, c := leaf("a.md", "a"), leaf("b.md", "b"), leaf("c.md", "c")
	tree := Build([]nodestore.IndexNode{a, b, c})

	proof, err := tree.Proof(c.ID)
	require.NoError(t, err)
	require.Len(t, proof, 2)
	assert.Equal(t, ProofStep{Hash: c.Hash, Side: SideRight}, proof[0])
	assert.Equal(t, ProofStep{Hash: sha(a.Hash + b.Hash), Side: SideLeft}, proof[1])

	proof, err = tree.Proof(b.ID)
	require.NoError(t, err)
	assert.Equal(t, SideLeft, proof[0].Side)
	assert.Equal(t, a.Hash, proof[0].Hash)
}

func TestVerify_Rejects(t *testing.T) {
	a, b := leaf("a.md", "a"), leaf("b.md", "b")
	tree := Build([]nodestore.IndexNode{a, b})
	proof, err := tree.Proof(a.ID)
	require.NoError(t, err)

	assert.False(t, Verify(a.Hash, proof, ""))
	assert.False(t, Verify(a.Hash, []ProofStep{{Hash: b.Hash, Side: "up"}}, tree.RootHash()))

	flipped := []ProofStep{{Hash: b.Hash, Side: SideLeft}}
	assert.False(t, Verify(a.Hash, flipped, tree.RootHash()), "wrong side recombines differently")
}

func TestMarshalJSON_Root(t *testing.T) {
	a := leaf("a.md", "a")
	data, err := json.Marshal(Build([]nodestore.IndexNode{a}))
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, a.Hash, decoded.Hash)
	assert.Equal(t, a.ID, decoded.NodeID)
}

func TestLeafHash(t *testing.T) {
	a := leaf("a.md", "alpha")
	tree := Build([]nodestore.IndexNode{a, leaf("b.md", "beta")})

	got, ok := tree.LeafHash(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.Hash, got)

	_, ok = tree.LeafHash("missing")
	assert.False(t, ok)

	var empty *Tree
	_, ok = empty.LeafHash(a.ID)
	assert.False(t, ok)
}
