// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodestore holds the in-memory document tree.
//
// # Description
//
// Store maps node ids to nodes, keeps a path index for O(1) lookup by path
// and maintains parent/children links so that
//
//	child.Parent == p.ID  <=>  child.ID in p.Children
//
// holds after every public call returns. Callers never receive pointers into
// the store: every read returns a copy and every write goes through a store
// method.
//
// # Journaling
//
// While a journal is open the store records the before-image of each node
// the first time it is touched (nil when the node did not exist yet).
// RollbackJournal restores exactly those entries, which returns the store to
// its state at BeginJournal field for field while costing O(touched nodes).
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations are serialized by the
// caller's transaction; the store's own lock only protects readers.
package nodestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Sentinel errors for store operations.
var (
	// ErrNodeNotFound is returned when an id is not in the store.
	ErrNodeNotFound = errors.New("node not found")

	// ErrInvalidNode is returned when a node is missing its id or path.
	ErrInvalidNode = errors.New("invalid node")

	// ErrPathConflict is returned when a path is already owned by another id.
	ErrPathConflict = errors.New("path already indexed under another id")

	// ErrParentNotFound is returned when a node names a parent that does not exist.
	ErrParentNotFound = errors.New("parent node not found")

	// ErrHasChildren is returned when removing a node that still has children.
	ErrHasChildren = errors.New("node has children")

	// ErrJournalActive is returned by BeginJournal when a journal is open,
	// and by Replace while one is open.
	ErrJournalActive = errors.New("journal already active")

	// ErrNoJournal is returned when committing or rolling back without a journal.
	ErrNoJournal = errors.New("no active journal")
)

// Snapshot maps node id to its before-image. A nil value means the node did
// not exist when the journal was opened.
type Snapshot map[string]*IndexNode

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, n := range s {
		if n == nil {
			out[id] = nil
			continue
		}
		c := n.Clone()
		out[id] = &c
	}
	return out
}

// Store is the id-indexed node tree.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*IndexNode
	byPath  map[string]string
	journal Snapshot
}

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes:  make(map[string]*IndexNode),
		byPath: make(map[string]string),
	}
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Get returns a copy of the node with the given id.
func (s *Store) Get(id string) (IndexNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return IndexNode{}, false
	}
	return n.Clone(), true
}

// ByPath returns a copy of the node indexed under path.
func (s *Store) ByPath(path string) (IndexNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[path]
	if !ok {
		return IndexNode{}, false
	}
	return s.nodes[id].Clone(), true
}

// Children returns copies of the children of id, sorted by path.
func (s *Store) Children(id string) ([]IndexNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	out := make([]IndexNode, 0, len(n.Children))
	for _, cid := range n.Children {
		if c, ok := s.nodes[cid]; ok {
			out = append(out, c.Clone())
		}
	}
	SortByPath(out)
	return out, nil
}

// All returns copies of every node sorted by path.
func (s *Store) All() []IndexNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	SortByPath(out)
	return out
}

// Subtree returns id and all its descendants, deepest first, so removing
// them in order never strands a child.
func (s *Store) Subtree(id string) ([]IndexNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var out []IndexNode
	var visit func(string)
	visit = func(cur string) {
		n, ok := s.nodes[cur]
		if !ok {
			return
		}
		for _, cid := range n.Children {
			visit(cid)
		}
		out = append(out, n.Clone())
	}
	visit(id)
	return out, nil
}

// Upsert inserts a new node or replaces an existing one.
//
// Description:
//
//	For a new node the Children field is ignored and starts empty; children
//	attach themselves through their Parent field. For an existing node the
//	stored children are kept and every other field is replaced. If Parent
//	changed, the node moves from the old parent's children to the new one.
//
// Outputs:
//
//	error - ErrInvalidNode, ErrPathConflict or ErrParentNotFound.
func (s *Store) Upsert(node IndexNode) error {
	if node.ID == "" || node.Path == "" {
		return fmt.Errorf("%w: id and path are required", ErrInvalidNode)
	}
	if node.Parent == node.ID {
		return fmt.Errorf("%w: node %s is its own parent", ErrInvalidNode, node.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byPath[node.Path]; ok && owner != node.ID {
		return fmt.Errorf("%w: %s", ErrPathConflict, node.Path)
	}
	if node.Parent != "" {
		if _, ok := s.nodes[node.Parent]; !ok {
			return fmt.Errorf("%w: %s", ErrParentNotFound, node.Parent)
		}
	}

	next := node.Clone()
	existing, exists := s.nodes[node.ID]
	if exists {
		next.Children = append([]string{}, existing.Children...)
	} else {
		next.Children = []string{}
	}

	s.touch(node.ID)
	if exists && existing.Parent != next.Parent && existing.Parent != "" {
		if old, ok := s.nodes[existing.Parent]; ok {
			s.touch(old.ID)
			old.Children = removeSorted(old.Children, node.ID)
		}
	}
	if exists && existing.Path != next.Path {
		delete(s.byPath, existing.Path)
	}

	s.nodes[node.ID] = &next
	s.byPath[next.Path] = node.ID

	if next.Parent != "" {
		p := s.nodes[next.Parent]
		s.touch(p.ID)
		p.Children = insertSorted(p.Children, node.ID)
	}
	return nil
}

// Update applies fn to a copy of the node and stores the result.
//
// ID, Path, Parent and Children are structural and are restored after fn
// runs; use Upsert to move a node.
func (s *Store) Update(id string, fn func(n *IndexNode)) (IndexNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes[id]
	if !ok {
		return IndexNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	next := cur.Clone()
	fn(&next)
	next.ID = cur.ID
	next.Path = cur.Path
	next.Parent = cur.Parent
	next.Children = append([]string{}, cur.Children...)

	s.touch(id)
	s.nodes[id] = &next
	return next.Clone(), nil
}

// Remove deletes a leaf node and detaches it from its parent.
//
// Outputs:
//
//	IndexNode - The removed node.
//	error - ErrNodeNotFound, or ErrHasChildren when children remain.
func (s *Store) Remove(id string) (IndexNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return IndexNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if len(n.Children) > 0 {
		return IndexNode{}, fmt.Errorf("%w: %s has %d", ErrHasChildren, n.Path, len(n.Children))
	}

	s.touch(id)
	if n.Parent != "" {
		if p, ok := s.nodes[n.Parent]; ok {
			s.touch(p.ID)
			p.Children = removeSorted(p.Children, id)
		}
	}
	delete(s.nodes, id)
	if s.byPath[n.Path] == id {
		delete(s.byPath, n.Path)
	}
	return n.Clone(), nil
}

// Replace discards the store's contents and loads nodes as given.
//
// Children lists are taken verbatim (sorted and de-duplicated) so a loaded
// snapshot can be checked with Committed before it is trusted.
func (s *Store) Replace(nodes []IndexNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal != nil {
		return ErrJournalActive
	}

	s.nodes = make(map[string]*IndexNode, len(nodes))
	s.byPath = make(map[string]string, len(nodes))
	for _, n := range nodes {
		c := n.Clone()
		sort.Strings(c.Children)
		c.Children = dedupSorted(c.Children)
		s.nodes[c.ID] = &c
		s.byPath[c.Path] = c.ID
	}
	return nil
}

// BeginJournal starts recording before-images.
func (s *Store) BeginJournal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		return ErrJournalActive
	}
	s.journal = make(Snapshot)
	return nil
}

// JournalActive reports whether a journal is open.
func (s *Store) JournalActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal != nil
}

// CommitJournal closes the journal, keeping all changes, and returns the
// before-images it recorded.
func (s *Store) CommitJournal() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	snap := s.journal
	s.journal = nil
	return snap, nil
}

// RollbackJournal restores every journaled node to its before-image,
// closes the journal and returns the before-images.
func (s *Store) RollbackJournal() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	snap := s.journal
	s.journal = nil

	// Drop current path entries first; a restored node may reclaim a path.
	for id := range snap {
		if cur, ok := s.nodes[id]; ok && s.byPath[cur.Path] == id {
			delete(s.byPath, cur.Path)
		}
	}
	for id, before := range snap {
		if before == nil {
			delete(s.nodes, id)
			continue
		}
		c := before.Clone()
		s.nodes[id] = &c
	}
	for id, before := range snap {
		if before != nil {
			s.byPath[before.Path] = id
		}
	}
	return snap, nil
}

// touch records the before-image of id if a journal is open and id has not
// been recorded yet. Must be called with s.mu held.
func (s *Store) touch(id string) {
	if s.journal == nil {
		return
	}
	if _, seen := s.journal[id]; seen {
		return
	}
	if cur, ok := s.nodes[id]; ok {
		c := cur.Clone()
		s.journal[id] = &c
	} else {
		s.journal[id] = nil
	}
}

func dedupSorted(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
