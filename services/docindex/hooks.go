// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
)

// Git hook names installed by InstallGitHooks.
const (
	HookPreCommit = "pre-commit"
	HookPostMerge = "post-merge"
)

// PreCommitHook verifies the index before a commit.
//
// # Outputs
//
//   - bool: True when the commit may proceed (the report is valid).
//   - *integrity.Report: The verification, for listing violations.
//   - error: Verification failure. The commit should be refused.
func (i *Index) PreCommitHook(ctx context.Context) (bool, *integrity.Report, error) {
	report, err := i.VerifyIntegrity(ctx)
	if err != nil {
		return false, nil, err
	}
	if !report.Valid {
		for _, v := range report.Violations {
			i.logger.Warn("pre-commit integrity violation",
				"kind", v.Kind,
				"path", v.Path,
				"detail", v.Detail)
		}
	}
	return report.Valid, report, nil
}

// PostUpdateHook re-initializes the index after the working tree changed
// under it, typically after a pull or merge.
func (i *Index) PostUpdateHook(ctx context.Context) error {
	if err := i.Teardown(); err != nil {
		i.logger.Warn("teardown before re-init failed", "error", err)
	}
	return i.Init(ctx)
}

// indexDirRel is the snapshot directory relative to the root, or "" when
// the snapshot lives outside the root.
func (i *Index) indexDirRel() string {
	rel, err := filepath.Rel(i.opts.Root, filepath.Dir(i.opts.IndexPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// GitAttributes returns .gitattributes lines that keep the local snapshot
// on merge conflicts and store .maus documents in LFS.
func (i *Index) GitAttributes() string {
	var b strings.Builder
	if dir := i.indexDirRel(); dir != "" {
		fmt.Fprintf(&b, "%s/%s merge=ours\n", dir, filepath.Base(i.opts.IndexPath))
		fmt.Fprintf(&b, "%s/*.cache merge=ours\n", dir)
	}
	b.WriteString("*.maus filter=lfs diff=lfs merge=lfs -text\n")
	return b.String()
}

// GitIgnore returns .gitignore lines for the index's scratch files.
func (i *Index) GitIgnore() string {
	dir := i.indexDirRel()
	if dir == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/cache/\n", dir)
	fmt.Fprintf(&b, "%s/*.tmp\n", dir)
	fmt.Fprintf(&b, "%s/logs/\n", dir)
	fmt.Fprintf(&b, "%s/txlog/\n", dir)
	return b.String()
}

// hookScript is the shell script a git hook runs.
func hookScript(binary, hook string) string {
	return fmt.Sprintf("#!/bin/sh\n# Installed by docindex.\nexec %s hook %s \"$@\"\n", binary, hook)
}

// InstallGitHooks writes pre-commit and post-merge scripts into
// <gitDir>/hooks that call binary.
//
// # Inputs
//
//   - gitDir: The repository's .git directory.
//   - binary: The docindex executable, as the hooks should invoke it.
//   - force: Overwrite hooks that were not written by docindex.
//
// # Outputs
//
//   - []string: The paths written.
//   - error: Non-nil if a foreign hook exists and force is false, or on
//     write failure.
func InstallGitHooks(gitDir, binary string, force bool) ([]string, error) {
	hooksDir := filepath.Join(gitDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create hooks directory: %w", err)
	}

	var written []string
	for _, hook := range []string{HookPreCommit, HookPostMerge} {
		path := filepath.Join(hooksDir, hook)
		if existing, err := os.ReadFile(path); err == nil && !force &&
			!strings.Contains(string(existing), "Installed by docindex.") {
			return written, fmt.Errorf("%s exists and was not installed by docindex", path)
		}
		if err := os.WriteFile(path, []byte(hookScript(binary, hook)), 0o755); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
