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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
)

func dirNode(path, parent string) IndexNode {
	return IndexNode{
		ID:       manifest.NodeID(path),
		Path:     path,
		Kind:     KindDirectory,
		Hash:     manifest.EmptyHash,
		Parent:   parent,
		Metadata: NewMetadata(path, ""),
	}
}

func fileNode(path, parent, content string) IndexNode {
	e := manifest.EntryFromBytes([]byte(content), 1000)
	return IndexNode{
		ID:           manifest.NodeID(path),
		Path:         path,
		Kind:         KindFile,
		Hash:         e.Hash,
		Size:         e.Size,
		Tokens:       e.Tokens,
		LastModified: e.ModTimeMilli,
		Parent:       parent,
		Metadata:     NewMetadata(path, e.SemanticHash),
	}
}

// buildTree returns a store holding docs/, docs/a.md and top.md.
func buildTree(t *testing.T) (*Store, IndexNode, IndexNode, IndexNode) {
	t.Helper()
	s := New()
	docs := dirNode("docs", "")
	a := fileNode("docs/a.md", docs.ID, "alpha")
	top := fileNode("top.md", "", "top")
	require.NoError(t, s.Upsert(docs))
	require.NoError(t, s.Upsert(a))
	require.NoError(t, s.Upsert(top))
	return s, docs, a, top
}

func TestStore_UpsertLinksParent(t *testing.T) {
	s, docs, a, _ := buildTree(t)

	got, ok := s.Get(docs.ID)
	require.True(t, ok)
	assert.Equal(t, []string{a.ID}, got.Children)

	byPath, ok := s.ByPath("docs/a.md")
	require.True(t, ok)
	assert.Equal(t, a.ID, byPath.ID)
	assert.Equal(t, docs.ID, byPath.Parent)
	_, issues := s.Committed()
	assert.Empty(t, issues)
	assert.Equal(t, 3, s.Len())
}

func TestStore_UpsertErrors(t *testing.T) {
	s := New()

	err := s.Upsert(IndexNode{Path: "x.md"})
	assert.ErrorIs(t, err, ErrInvalidNode)

	err = s.Upsert(fileNode("x.md", "missing", "x"))
	assert.ErrorIs(t, err, ErrParentNotFound)

	n := fileNode("x.md", "", "x")
	require.NoError(t, s.Upsert(n))
	clash := n
	clash.ID = "ffffffffffffffff"
	assert.ErrorIs(t, s.Upsert(clash), ErrPathConflict)
}

func TestStore_UpsertKeepsChildrenOnUpdate(t *testing.T) {
	s, docs, a, _ := buildTree(t)

	replacement := docs
	replacement.LastModified = 42
	replacement.Children = nil
	require.NoError(t, s.Upsert(replacement))

	got, _ := s.Get(docs.ID)
	assert.Equal(t, []string{a.ID}, got.Children)
	assert.Equal(t, int64(42), got.LastModified)
}

func TestStore_Update(t *testing.T) {
	s, _, a, _ := buildTree(t)

	updated, err := s.Update(a.ID, func(n *IndexNode) {
		n.Hash = "changed"
		n.Path = "ignored.md"
		n.Parent = ""
	})
	require.NoError(t, err)
	assert.Equal(t, "changed", updated.Hash)
	assert.Equal(t, "docs/a.md", updated.Path)
	assert.NotEmpty(t, updated.Parent)

	_, err = s.Update("nope", func(*IndexNode) {})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, docs, _, _ := buildTree(t)

	got, _ := s.Get(docs.ID)
	got.Children[0] = "tampered"
	got.Hash = "tampered"

	again, _ := s.Get(docs.ID)
	assert.NotEqual(t, "tampered", again.Children[0])
	assert.Equal(t, manifest.EmptyHash, again.Hash)
}

func TestStore_Remove(t *testing.T) {
	s, docs, a, _ := buildTree(t)

	_, err := s.Remove(docs.ID)
	assert.ErrorIs(t, err, ErrHasChildren)

	removed, err := s.Remove(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)

	got, _ := s.Get(docs.ID)
	assert.Empty(t, got.Children)
	_, ok := s.ByPath("docs/a.md")
	assert.False(t, ok)
	_, issues := s.Committed()
	assert.Empty(t, issues)
}

func TestStore_Subtree(t *testing.T) {
	s, docs, _, _ := buildTree(t)
	deep := dirNode("docs/deep", docs.ID)
	require.NoError(t, s.Upsert(deep))
	b := fileNode("docs/deep/b.md", deep.ID, "b")
	require.NoError(t, s.Upsert(b))

	sub, err := s.Subtree(docs.ID)
	require.NoError(t, err)
	require.Len(t, sub, 4)
	assert.Equal(t, docs.ID, sub[len(sub)-1].ID, "root of subtree comes last")

	for _, n := range sub {
		_, err := s.Remove(n.ID)
		require.NoError(t, err, "removing %s", n.Path)
	}
	assert.Equal(t, 1, s.Len())
}

func TestStore_AllSortedByPath(t *testing.T) {
	s, _, _, _ := buildTree(t)
	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "docs", all[0].Path)
	assert.Equal(t, "docs/a.md", all[1].Path)
	assert.Equal(t, "top.md", all[2].Path)
}

func TestStore_JournalRollbackRestoresState(t *testing.T) {
	s, docs, a, top := buildTree(t)
	before := s.All()

	require.NoError(t, s.BeginJournal())
	assert.ErrorIs(t, s.BeginJournal(), ErrJournalActive)

	_, err := s.Update(a.ID, func(n *IndexNode) { n.Hash = "new" })
	require.NoError(t, err)
	_, err = s.Remove(top.ID)
	require.NoError(t, err)
	added := fileNode("docs/c.md", docs.ID, "c")
	require.NoError(t, s.Upsert(added))

	snap, err := s.RollbackJournal()
	require.NoError(t, err)
	assert.Nil(t, snap[added.ID], "new node journaled as absent")
	require.NotNil(t, snap[a.ID])
	assert.Equal(t, a.Hash, snap[a.ID].Hash)

	after := s.All()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Equal(after[i]), "node %s differs after rollback", before[i].Path)
	}
	_, ok := s.ByPath("docs/c.md")
	assert.False(t, ok)
	_, issues := s.Committed()
	assert.Empty(t, issues)
	assert.False(t, s.JournalActive())
}

func TestStore_JournalCommitKeepsChanges(t *testing.T) {
	s, _, a, _ := buildTree(t)

	require.NoError(t, s.BeginJournal())
	_, err := s.Update(a.ID, func(n *IndexNode) { n.Hash = "new" })
	require.NoError(t, err)
	_, err = s.Update(a.ID, func(n *IndexNode) { n.Hash = "newer" })
	require.NoError(t, err)

	snap, err := s.CommitJournal()
	require.NoError(t, err)
	assert.Equal(t, a.Hash, snap[a.ID].Hash, "first touch wins")

	got, _ := s.Get(a.ID)
	assert.Equal(t, "newer", got.Hash)

	_, err = s.CommitJournal()
	assert.ErrorIs(t, err, ErrNoJournal)
	_, err = s.RollbackJournal()
	assert.ErrorIs(t, err, ErrNoJournal)
}

func TestStore_CommittedHidesJournal(t *testing.T) {
	s, docs, a, top := buildTree(t)
	before := s.All()

	nodes, issues := s.Committed()
	assert.Equal(t, before, nodes)
	assert.Empty(t, issues)

	require.NoError(t, s.BeginJournal())
	_, err := s.Update(a.ID, func(n *IndexNode) { n.Hash = "pending" })
	require.NoError(t, err)
	require.NoError(t, s.Upsert(fileNode("docs/b.md", docs.ID, "beta")))
	_, err = s.Remove(top.ID)
	require.NoError(t, err)

	nodes, issues = s.Committed()
	assert.Equal(t, before, nodes, "open journal must not leak")
	assert.Empty(t, issues)
	assert.Equal(t, 3, s.Len(), "live view still holds the pending writes")

	_, err = s.CommitJournal()
	require.NoError(t, err)
	nodes, _ = s.Committed()
	assert.Equal(t, s.All(), nodes)
}

func TestStore_ReplaceRefusedDuringJournal(t *testing.T) {
	s := New()
	require.NoError(t, s.BeginJournal())
	assert.ErrorIs(t, s.Replace(nil), ErrJournalActive)
}

func TestStore_StructureIssues(t *testing.T) {
	docs := dirNode("docs", "")
	a := fileNode("docs/a.md", docs.ID, "a")

	t.Run("asymmetric link", func(t *testing.T) {
		s := New()
		require.NoError(t, s.Replace([]IndexNode{docs, a}))
		_, issues := s.Committed()
		require.Len(t, issues, 1)
		assert.Equal(t, a.ID, issues[0].NodeID)
	})

	t.Run("dangling child", func(t *testing.T) {
		d := docs
		d.Children = []string{"0000000000000000"}
		s := New()
		require.NoError(t, s.Replace([]IndexNode{d}))
		_, issues := s.Committed()
		require.Len(t, issues, 1)
		assert.Contains(t, issues[0].Detail, "does not exist")
	})

	t.Run("id mismatch", func(t *testing.T) {
		bad := fileNode("x.md", "", "x")
		bad.ID = "1234567890abcdef"
		s := New()
		require.NoError(t, s.Replace([]IndexNode{bad}))
		_, issues := s.Committed()
		require.Len(t, issues, 1)
		assert.Contains(t, issues[0].Detail, "path-derived")
	})

	t.Run("sound tree", func(t *testing.T) {
		d := docs
		d.Children = []string{a.ID}
		s := New()
		require.NoError(t, s.Replace([]IndexNode{d, a}))
		_, issues := s.Committed()
		assert.Empty(t, issues)
	})
}
