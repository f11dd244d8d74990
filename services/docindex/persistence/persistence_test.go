// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

func sampleNodes() []nodestore.IndexNode {
	docs := nodestore.IndexNode{
		ID:       manifest.NodeID("docs"),
		Path:     "docs",
		Kind:     nodestore.KindDirectory,
		Hash:     manifest.EmptyHash,
		Metadata: nodestore.NewMetadata("docs", ""),
	}
	e := manifest.EntryFromBytes([]byte("Hello"), 1700000000000)
	file := nodestore.IndexNode{
		ID:           manifest.NodeID("docs/Getting-Started.md"),
		Path:         "docs/Getting-Started.md",
		Kind:         nodestore.KindFile,
		Hash:         e.Hash,
		Size:         e.Size,
		Tokens:       e.Tokens,
		LastModified: e.ModTimeMilli,
		Parent:       docs.ID,
		Children:     []string{},
		Metadata:     nodestore.NewMetadata("docs/Getting-Started.md", e.SemanticHash),
	}
	docs.Children = []string{file.ID}
	return []nodestore.IndexNode{docs, file}
}

func TestLayer_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".docindex", "index.json")
	layer := NewLayer(path)
	assert.NoFileExists(t, path)

	nodes := sampleNodes()
	root := merkle.Build(nodes).RootHash()
	require.NoError(t, layer.Persist(ctx, root, nodes))
	assert.FileExists(t, path)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file removed after rename")

	snap, err := layer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, snap.Version)
	assert.Equal(t, root, snap.Root())

	loaded := snap.NodeList()
	require.Len(t, loaded, len(nodes))
	for i := range nodes {
		assert.True(t, nodes[i].Equal(loaded[i]), "node %s", nodes[i].Path)
	}
	assert.Equal(t, root, merkle.Build(loaded).RootHash())
}

func TestLayer_EmptyIndexHasNullRoot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.json")
	layer := NewLayer(path)

	require.NoError(t, layer.Persist(ctx, "", nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Contains(t, generic, "rootHash")
	assert.Nil(t, generic["rootHash"])

	snap, err := layer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", snap.Root())
	assert.Empty(t, snap.Nodes)
}

func TestLayer_LoadErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"garbage", "{not json", ErrSnapshotCorrupt},
		{"bad version", `{"version":"one","timestamp":1,"rootHash":null,"nodes":{}}`, ErrSnapshotCorrupt},
		{"future major", `{"version":"2.0.0","timestamp":1,"rootHash":null,"nodes":{}}`, ErrIncompatibleVersion},
		{"key mismatch", `{"version":"1.0.0","timestamp":1,"rootHash":null,"nodes":{"abc":{"id":"def","path":"a.md"}}}`, ErrSnapshotCorrupt},
		{"malformed hash", `{"version":"1.0.0","timestamp":1,"rootHash":null,"nodes":{"abc":{"id":"abc","path":"a.md","hash":"xyz"}}}`, ErrSnapshotCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "index.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := NewLayer(path).Load(ctx)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *PersistenceError
			assert.ErrorAs(t, err, &pe)
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := NewLayer(filepath.Join(t.TempDir(), "nope.json")).Load(ctx)
		assert.ErrorIs(t, err, ErrSnapshotNotFound)
	})
}

func TestLayer_MinorVersionAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	content := `{"version":"1.4.2","timestamp":1,"rootHash":null,"nodes":{}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	snap, err := NewLayer(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", snap.Version)
}

func TestLayer_SaveFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	layer := NewLayer(path)

	nodes := sampleNodes()
	require.NoError(t, layer.Persist(ctx, "abc", nodes))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := layer.Persist(cancelled, "def", nil)
	require.Error(t, err)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, path, pe.Path)

	snap, err := layer.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Root())
	assert.Len(t, snap.Nodes, len(nodes))
}

func TestLayer_SaveIntoUnwritableTarget(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the rename fail.
	path := filepath.Join(dir, "index.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0755))

	err := NewLayer(path).Persist(context.Background(), "", nil)
	require.Error(t, err)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)

	_, statErr := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}
