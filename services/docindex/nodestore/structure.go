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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
)

// StructureIssue describes one broken structural invariant.
type StructureIssue struct {
	NodeID string `json:"nodeId"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// Committed returns the nodes as of the last committed transaction, sorted
// by path, with every broken tree invariant among them. No issues means
// the tree is sound.
//
// Checked:
//   - ID equals the id derived from Path
//   - every Parent exists and lists the node among its children
//   - every listed child exists and names the node as its parent
//   - the path index maps each path to the node that holds it
//
// Issues are sorted by path then detail. While a journal is open, every
// journaled node is replaced by its before-image (or dropped if it did not
// exist), so uncommitted writes are never visible.
func (s *Store) Committed() ([]IndexNode, []StructureIssue) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes, byPath := s.nodes, s.byPath
	if s.journal != nil {
		nodes = make(map[string]*IndexNode, len(s.nodes))
		for id, n := range s.nodes {
			nodes[id] = n
		}
		for id, before := range s.journal {
			if before == nil {
				delete(nodes, id)
			} else {
				nodes[id] = before
			}
		}
		byPath = make(map[string]string, len(nodes))
		for id, n := range nodes {
			if owner, taken := byPath[n.Path]; !taken || id < owner {
				byPath[n.Path] = id
			}
		}
	}

	out := make([]IndexNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Clone())
	}
	SortByPath(out)
	return out, checkStructure(nodes, byPath)
}

func checkStructure(nodes map[string]*IndexNode, byPath map[string]string) []StructureIssue {
	var issues []StructureIssue
	add := func(n *IndexNode, format string, args ...any) {
		issues = append(issues, StructureIssue{NodeID: n.ID, Path: n.Path, Detail: fmt.Sprintf(format, args...)})
	}

	for id, n := range nodes {
		if want := manifest.NodeID(n.Path); id != want || n.ID != id {
			add(n, "id %s does not match path-derived id %s", id, want)
		}
		if owner := byPath[n.Path]; owner != id {
			add(n, "path indexed under %q", owner)
		}

		if n.Parent != "" {
			p, ok := nodes[n.Parent]
			switch {
			case !ok:
				add(n, "parent %s does not exist", n.Parent)
			case !containsSorted(p.Children, id):
				add(n, "parent %s does not list node as child", n.Parent)
			}
		}

		for _, cid := range n.Children {
			c, ok := nodes[cid]
			switch {
			case !ok:
				add(n, "child %s does not exist", cid)
			case c.Parent != id:
				add(n, "child %s names parent %q", cid, c.Parent)
			}
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return issues[i].Detail < issues[j].Detail
	})
	return issues
}

func containsSorted(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}
