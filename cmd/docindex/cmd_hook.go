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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
)

func (a *app) newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Git integration",
	}
	cmd.AddCommand(
		a.newPreCommitCmd(),
		a.newPostMergeCmd(),
		a.newHookInstallCmd(),
		a.newGitAttributesCmd(),
		a.newGitIgnoreCmd(),
	)
	return cmd
}

func (a *app) newPreCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   docindex.HookPreCommit,
		Short: "Refuse the commit when the index does not verify",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Init heals or rescans first, so only drift it could not
			// repair blocks the commit.
			idx, err := a.openIndex(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			allow, report, err := idx.PreCommitHook(cmd.Context())
			if err != nil {
				return err
			}
			if !allow {
				printReport(cmd.ErrOrStderr(), report, nil)
				return &exitError{code: 1, msg: "docindex: index integrity check failed, commit refused"}
			}
			return nil
		},
	}
}

func (a *app) newPostMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   docindex.HookPostMerge,
		Short: "Re-initialize the index after the working tree changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			idx, err := docindex.New(opts)
			if err != nil {
				return err
			}
			if err := idx.PostUpdateHook(cmd.Context()); err != nil {
				return err
			}
			defer idx.Teardown()

			root, err := idx.GetRootHash()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "docindex: index refreshed, root %s\n", displayHash(root))
			return nil
		},
	}
}

func (a *app) newHookInstallCmd() *cobra.Command {
	var force bool
	var gitDir string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the pre-commit and post-merge hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if gitDir == "" {
				root, err := a.cfg.AbsRoot()
				if err != nil {
					return err
				}
				gitDir = filepath.Join(root, ".git")
			}
			if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
				return fmt.Errorf("%s is not a git directory", gitDir)
			}

			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate docindex binary: %w", err)
			}
			written, err := docindex.InstallGitHooks(gitDir, binary, force)
			for _, p := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", p)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite hooks not written by docindex")
	cmd.Flags().StringVar(&gitDir, "git-dir", "", "git directory (default <root>/.git)")
	return cmd
}

func (a *app) newGitAttributesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gitattributes",
		Short: "Print .gitattributes lines for the index files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.newIndex()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), idx.GitAttributes())
			return nil
		},
	}
}

func (a *app) newGitIgnoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gitignore",
		Short: "Print .gitignore lines for the index scratch files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.newIndex()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), idx.GitIgnore())
			return nil
		},
	}
}

// newIndex creates an index without initializing it.
func (a *app) newIndex() (*docindex.Index, error) {
	opts, err := a.options()
	if err != nil {
		return nil, err
	}
	return docindex.New(opts)
}
