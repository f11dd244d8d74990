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
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeTree creates files relative to root. Keys ending in "/" create directories.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if rel[len(rel)-1] == '/' {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatalf("MkdirAll: %v", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestManifestManager_Scan(t *testing.T) {
	t.Run("empty root", func(t *testing.T) {
		m := NewManifestManager()
		got, err := m.Scan(context.Background(), t.TempDir())
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if got.FileCount() != 0 || len(got.Dirs) != 0 {
			t.Errorf("expected empty manifest, got %d files %d dirs", got.FileCount(), len(got.Dirs))
		}
	})

	t.Run("tracks documents and directories", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"Getting-Started.md":      "Hello",
			"docs/Guide.md":           "guide",
			"docs/api/reference.md":   "ref",
			"docs/image.png":          "png",
			".docindex/index.json":    "{}",
			".hidden/secret.md":       "x",
			"node_modules/pkg/doc.md": "x",
			"empty/":                  "",
		})

		m := NewManifestManager()
		got, err := m.Scan(context.Background(), root)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}

		wantFiles := []string{"Getting-Started.md", "docs/Guide.md", "docs/api/reference.md"}
		if !reflect.DeepEqual(got.SortedPaths(), wantFiles) {
			t.Errorf("files = %v, want %v", got.SortedPaths(), wantFiles)
		}
		wantDirs := []string{"docs", "docs/api", "empty"}
		if !reflect.DeepEqual(got.Dirs, wantDirs) {
			t.Errorf("dirs = %v, want %v", got.Dirs, wantDirs)
		}
		if got.Files["Getting-Started.md"].Hash != ContentHash([]byte("Hello")) {
			t.Errorf("wrong hash for Getting-Started.md")
		}
		if got.Files["docs/Guide.md"].Path != "docs/Guide.md" {
			t.Errorf("entry path not stamped")
		}
	})

	t.Run("records oversize files as errors", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"big.md": "0123456789"})

		m := NewManifestManager(WithMaxFileSize(4))
		got, err := m.Scan(context.Background(), root)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if got.FileCount() != 0 || len(got.Errors) != 1 {
			t.Fatalf("files=%d errors=%d, want 0 and 1", got.FileCount(), len(got.Errors))
		}
		if !errors.Is(got.Errors[0], ErrFileTooLarge) {
			t.Errorf("error = %v, want ErrFileTooLarge", got.Errors[0])
		}
	})

	t.Run("cancelled context marks incomplete", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.md": "a", "b/c.md": "c"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got, err := NewManifestManager().Scan(ctx, root)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if !got.Incomplete {
			t.Errorf("Incomplete = false, want true")
		}
	})

	t.Run("invalid root", func(t *testing.T) {
		_, err := NewManifestManager().Scan(context.Background(), filepath.Join(t.TempDir(), "missing"))
		if !errors.Is(err, ErrInvalidRoot) {
			t.Errorf("err = %v, want ErrInvalidRoot", err)
		}
	})

	t.Run("custom extensions", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.md": "a", "b.txt": "b"})

		got, err := NewManifestManager(WithExtensions(".txt")).Scan(context.Background(), root)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if !reflect.DeepEqual(got.SortedPaths(), []string{"b.txt"}) {
			t.Errorf("files = %v, want [b.txt]", got.SortedPaths())
		}
	})
}

func TestManifestManager_Diff(t *testing.T) {
	m := NewManifestManager()

	old := NewManifest("/r")
	old.Files["a.md"] = FileEntry{Path: "a.md", Hash: "1"}
	old.Files["b.md"] = FileEntry{Path: "b.md", Hash: "2"}
	old.Files["c.md"] = FileEntry{Path: "c.md", Hash: "3"}

	next := NewManifest("/r")
	next.Files["a.md"] = FileEntry{Path: "a.md", Hash: "1"}
	next.Files["b.md"] = FileEntry{Path: "b.md", Hash: "changed"}
	next.Files["d.md"] = FileEntry{Path: "d.md", Hash: "4"}

	changes := m.Diff(old, next)
	if !reflect.DeepEqual(changes.Added, []string{"d.md"}) {
		t.Errorf("Added = %v", changes.Added)
	}
	if !reflect.DeepEqual(changes.Modified, []string{"b.md"}) {
		t.Errorf("Modified = %v", changes.Modified)
	}
	if !reflect.DeepEqual(changes.Deleted, []string{"c.md"}) {
		t.Errorf("Deleted = %v", changes.Deleted)
	}
	if changes.Count() != 3 || !changes.HasChanges() {
		t.Errorf("Count = %d", changes.Count())
	}

	all := m.Diff(nil, next)
	if len(all.Added) != 3 {
		t.Errorf("Diff(nil) Added = %v", all.Added)
	}
}

func TestManifestManager_TrackedDefaults(t *testing.T) {
	m := NewManifestManager()

	for path, want := range map[string]bool{
		"a.md":             true,
		"a.maus":           true,
		"docs/deep/b.maus": true,
		"a.markdown":       false,
		"a.txt":            false,
	} {
		if got := m.Tracked(path); got != want {
			t.Errorf("Tracked(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRelPath(t *testing.T) {
	root := filepath.FromSlash("/srv/docs")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.md", "a.md", false},
		{"sub/a.md", "sub/a.md", false},
		{filepath.FromSlash("/srv/docs/sub/a.md"), "sub/a.md", false},
		{"./sub/../a.md", "a.md", false},
		{"../escape.md", "", true},
		{filepath.FromSlash("/etc/passwd"), "", true},
		{".", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := RelPath(root, tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrPathTraversal) {
					t.Errorf("err = %v, want ErrPathTraversal", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RelPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("RelPath = %q, want %q", got, tt.want)
			}
		})
	}
}
