// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/config"
)

// setupWorkspace creates a document root, makes it the working directory
// and returns it.
func setupWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	t.Chdir(root)
	t.Setenv(config.EnvRoot, "")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	return root
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestConfigInit(t *testing.T) {
	root := setupWorkspace(t, nil)

	out, err := run(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, config.FileName)
	assert.FileExists(t, filepath.Join(root, config.FileName))

	_, err = run(t, "config", "init")
	assert.Error(t, err, "existing file needs --force")

	_, err = run(t, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	setupWorkspace(t, nil)

	out, err := run(t, "config", "show", "--log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "index_path: .docindex/index.json")
	assert.Contains(t, out, "level: warn")
}

func TestMissingExplicitConfig(t *testing.T) {
	setupWorkspace(t, nil)

	_, err := run(t, "stats", "--config", "nope.yaml")
	assert.Error(t, err)
}

func TestScanAndStats(t *testing.T) {
	root := setupWorkspace(t, map[string]string{
		"README.md":       "# Readme",
		"guides/setup.md": "Install it.",
		"notes.txt":       "ignored",
	})

	out, err := run(t, "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 files")
	assert.FileExists(t, filepath.Join(root, ".docindex", "index.json"))

	out, err = run(t, "stats")
	require.NoError(t, err)
	var stats struct {
		Files    int    `json:"files"`
		RootHash string `json:"rootHash"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 2, stats.Files)
	assert.NotEmpty(t, stats.RootHash)

	_, err = run(t, "scan", "--force")
	require.NoError(t, err)
}

func TestNodeAndProof(t *testing.T) {
	setupWorkspace(t, map[string]string{"a.md": "alpha", "b.md": "beta"})

	out, err := run(t, "node", "a.md")
	require.NoError(t, err)
	var node struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &node))
	assert.Equal(t, "a.md", node.Path)

	out, err = run(t, "node", node.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"path": "a.md"`)

	out, err = run(t, "proof", "b.md")
	require.NoError(t, err)
	assert.Contains(t, out, `"rootHash"`)

	_, err = run(t, "node", "missing.md")
	assert.Error(t, err)
}

func TestDuplicates(t *testing.T) {
	setupWorkspace(t, map[string]string{"a.md": "same text", "b.md": "same text", "c.md": "other"})

	out, err := run(t, "duplicates")
	require.NoError(t, err)
	assert.Contains(t, out, "  a.md\n")
	assert.Contains(t, out, "  b.md\n")
	assert.NotContains(t, out, "c.md")
}

func TestVerify_Valid(t *testing.T) {
	setupWorkspace(t, map[string]string{"a.md": "alpha"})

	out, err := run(t, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Index valid")

	out, err = run(t, "verify", "--json")
	require.NoError(t, err)
	var body struct {
		Report struct {
			Valid bool `json:"valid"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.True(t, body.Report.Valid)
}

func TestTxLog(t *testing.T) {
	setupWorkspace(t, map[string]string{"a.md": "alpha"})

	out, err := run(t, "txlog", "-n", "5")
	require.NoError(t, err)
	var txs []map[string]any
	assert.NoError(t, json.Unmarshal([]byte(out), &txs))

	_, err = run(t, "txlog", "--id", "no-such-tx")
	assert.Error(t, err)
}

func TestHookHelpers(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.md": "alpha"})

	out, err := run(t, "hook", "gitattributes")
	require.NoError(t, err)
	assert.Equal(t, ".docindex/index.json merge=ours\n.docindex/*.cache merge=ours\n*.maus filter=lfs diff=lfs merge=lfs -text\n", out)

	out, err = run(t, "hook", "gitignore")
	require.NoError(t, err)
	assert.Contains(t, out, "txlog/")

	_, err = run(t, "hook", "install")
	assert.Error(t, err, "no .git directory yet")

	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	out, err = run(t, "hook", "install")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(".git", "hooks", "pre-commit"))
	assert.FileExists(t, filepath.Join(root, ".git", "hooks", "post-merge"))
}

func TestHookPreCommitAndPostMerge(t *testing.T) {
	root := setupWorkspace(t, map[string]string{"a.md": "alpha"})

	_, err := run(t, "hook", "pre-commit")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("beta"), 0o644))
	out, err := run(t, "hook", "post-merge")
	require.NoError(t, err)
	assert.Contains(t, out, "index refreshed")

	out, err = run(t, "node", "b.md")
	require.NoError(t, err)
	assert.Contains(t, out, `"path": "b.md"`)
}

func TestExitError(t *testing.T) {
	err := error(&exitError{code: 3})
	var exit *exitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 3, exit.code)
	assert.Equal(t, "exit status 3", err.Error())
	assert.Equal(t, "refused", (&exitError{code: 1, msg: "refused"}).Error())
}
