// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/merkle"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/persistence"
)

// fakePersister records persisted roots and can be told to fail.
type fakePersister struct {
	mu    sync.Mutex
	roots []string
	fail  error
}

func (f *fakePersister) Persist(_ context.Context, root string, _ []nodestore.IndexNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.roots = append(f.roots, root)
	return nil
}

type fakeRecorder struct {
	mu  sync.Mutex
	txs []*Transaction
	err error
}

func (f *fakeRecorder) Record(_ context.Context, tx *Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
	return f.err
}

func fileNode(path, content string) nodestore.IndexNode {
	e := manifest.EntryFromBytes([]byte(content), 1)
	return nodestore.IndexNode{
		ID:       manifest.NodeID(path),
		Path:     path,
		Kind:     nodestore.KindFile,
		Hash:     e.Hash,
		Size:     e.Size,
		Tokens:   e.Tokens,
		Metadata: nodestore.NewMetadata(path, e.SemanticHash),
	}
}

func newTestManager(t *testing.T) (*Manager, *nodestore.Store, *fakePersister, *fakeRecorder) {
	t.Helper()
	store := nodestore.New()
	require.NoError(t, store.Upsert(fileNode("a.md", "Hello")))

	p := &fakePersister{}
	r := &fakeRecorder{}
	cfg := Config{Recorder: r}
	m, err := NewManager(cfg, store, p)
	require.NoError(t, err)
	return m, store, p, r
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(DefaultConfig(), nil, &fakePersister{})
	assert.Error(t, err)
	_, err = NewManager(DefaultConfig(), nodestore.New(), nil)
	assert.Error(t, err)
}

func TestManager_SinglePendingTransaction(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.NotEmpty(t, tx.ID)
	assert.True(t, m.IsActive())

	_, err = m.Begin(ctx)
	assert.ErrorIs(t, err, ErrTransactionActive)

	_, err = m.Rollback(ctx, "test")
	require.NoError(t, err)
	assert.False(t, m.IsActive())

	_, err = m.Commit(ctx)
	assert.ErrorIs(t, err, ErrNoTransaction)
	_, err = m.Rollback(ctx, "again")
	assert.ErrorIs(t, err, ErrNoTransaction)
	assert.ErrorIs(t, m.AddOperation(Operation{Kind: OpCreate}), ErrNoTransaction)
}

func TestManager_CommitRebuildsAndPersists(t *testing.T) {
	ctx := context.Background()
	m, store, p, r := newTestManager(t)
	rootBefore := m.RootHash()

	_, err := m.Begin(ctx)
	require.NoError(t, err)

	n := fileNode("b.md", "World")
	require.NoError(t, store.Upsert(n))
	require.NoError(t, m.AddOperation(Operation{Kind: OpCreate, Path: n.Path, NodeID: n.ID, Data: &n}))

	tx, err := m.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, tx.Status)
	assert.Equal(t, rootBefore, tx.RootBefore)
	assert.NotEqual(t, rootBefore, tx.RootAfter)
	require.Len(t, tx.Operations, 1)
	assert.Contains(t, tx.Snapshot, n.ID)
	assert.Nil(t, tx.Snapshot[n.ID], "created node journaled as absent")

	want := merkle.Build(store.All()).RootHash()
	assert.Equal(t, want, m.RootHash())
	assert.Equal(t, []string{want}, p.roots)

	require.Len(t, r.txs, 1)
	assert.Equal(t, StatusCommitted, r.txs[0].Status)
	assert.False(t, store.JournalActive())
}

func TestManager_RollbackRestoresStore(t *testing.T) {
	ctx := context.Background()
	m, store, p, r := newTestManager(t)
	before := store.All()
	rootBefore := m.RootHash()

	_, err := m.Begin(ctx)
	require.NoError(t, err)
	a := fileNode("a.md", "Hello")
	_, err = store.Update(a.ID, func(n *nodestore.IndexNode) { n.Hash = "edited" })
	require.NoError(t, err)
	require.NoError(t, store.Upsert(fileNode("c.md", "new")))

	tx, err := m.Rollback(ctx, "caller abort")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Equal(t, "caller abort", tx.RollbackReason)
	assert.Equal(t, a.Hash, tx.Snapshot[a.ID].Hash)

	after := store.All()
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Equal(after[i]))
	}
	assert.Equal(t, rootBefore, m.RootHash())
	assert.Empty(t, p.roots, "rollback never persists")
	require.Len(t, r.txs, 1)
	assert.Equal(t, StatusRolledBack, r.txs[0].Status)
}

func TestManager_PersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m, store, p, _ := newTestManager(t)
	p.fail = errors.New("disk full")
	rootBefore := m.RootHash()

	_, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(fileNode("b.md", "World")))

	tx, err := m.Commit(ctx)
	require.Error(t, err)

	var pe *persistence.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "commit", pe.Op)

	require.NotNil(t, tx)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Equal(t, ReasonPersistenceFailure, tx.RollbackReason)
	assert.Contains(t, tx.Error, "disk full")

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, rootBefore, m.RootHash())
	assert.False(t, m.IsActive())
	assert.False(t, store.JournalActive())
}

func TestManager_PersistenceErrorPassesThrough(t *testing.T) {
	ctx := context.Background()
	m, _, p, _ := newTestManager(t)
	p.fail = &persistence.PersistenceError{Op: "rename", Path: "/x", Err: errors.New("boom")}

	_, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = m.Commit(ctx)

	var pe *persistence.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "rename", pe.Op)
}

func TestManager_RecorderFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	m, _, _, r := newTestManager(t)
	r.err = errors.New("log unavailable")

	_, err := m.Begin(ctx)
	require.NoError(t, err)
	tx, err := m.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, tx.Status)
}

func TestManager_ReturnedTransactionIsCopy(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newTestManager(t)

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	tx.Operations = append(tx.Operations, Operation{Kind: OpDelete})

	active := m.Active()
	require.NotNil(t, active)
	assert.Empty(t, active.Operations)
	_, err = m.Rollback(ctx, "done")
	require.NoError(t, err)
	assert.Nil(t, m.Active())
}

func TestManager_CloseRollsBackActive(t *testing.T) {
	ctx := context.Background()
	m, store, _, r := newTestManager(t)

	_, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(fileNode("z.md", "z")))

	require.NoError(t, m.Close())
	assert.Equal(t, 1, store.Len())
	require.Len(t, r.txs, 1)
	assert.Equal(t, ReasonManagerClosed, r.txs[0].RollbackReason)

	_, err = m.Begin(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, m.Close(), "close is idempotent")
}

func TestManager_Rebuild(t *testing.T) {
	m, store, _, _ := newTestManager(t)
	require.NoError(t, store.Replace([]nodestore.IndexNode{fileNode("x.md", "x"), fileNode("y.md", "y")}))

	tree := m.Rebuild()
	assert.Equal(t, 2, tree.LeafCount())
	assert.Equal(t, tree.RootHash(), m.RootHash())
	assert.Same(t, tree, m.Tree())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusCommitted.IsTerminal())
	assert.True(t, StatusRolledBack.IsTerminal())
}
