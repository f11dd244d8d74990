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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/config"
)

func (a *app) newScanCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Build or refresh the index and print a summary",
		Long: `Loads the snapshot (healing drift, or rescanning when it is missing or
corrupt), indexes files added since it was written, and persists the result.
With --force the snapshot is discarded and the tree is rescanned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			idx, err := docindex.New(opts)
			if err != nil {
				return err
			}
			if force {
				if err := os.Remove(idx.IndexPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("remove snapshot: %w", err)
				}
			}
			if err := idx.Init(cmd.Context()); err != nil {
				return fmt.Errorf("initialize index: %w", err)
			}
			defer idx.Teardown()

			stats, err := idx.GetStats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %d files in %d directories (%s)\n", stats.Files, stats.Directories, stats.Source)
			fmt.Fprintf(out, "Root hash: %s\n", displayHash(stats.RootHash))
			fmt.Fprintf(out, "Snapshot:  %s\n", stats.IndexPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard the snapshot and rescan")
	return cmd
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex(cmd.Context(), readOnly)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			stats, err := idx.GetStats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func (a *app) newNodeCmd() *cobra.Command {
	var access bool

	cmd := &cobra.Command{
		Use:   "node <id|path>",
		Short: "Print one node as JSON",
		Long: `Prints the node with the given id or root-relative path. With --access
the lookup counts as an access and may promote the node's cache tier.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tweak := readOnly
			if access {
				tweak = nil
			}
			idx, err := a.openIndex(cmd.Context(), tweak)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			node, err := resolveNode(idx, args[0])
			if err != nil {
				return err
			}
			if access {
				if node, err = idx.UpdateAccessFrequency(cmd.Context(), node.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), node)
		},
	}
	cmd.Flags().BoolVar(&access, "access", false, "record an access")
	return cmd
}

func (a *app) newProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proof <id|path>",
		Short: "Print a Merkle inclusion proof for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex(cmd.Context(), readOnly)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			node, err := resolveNode(idx, args[0])
			if err != nil {
				return err
			}
			proof, err := idx.GetMerkleProof(node.ID)
			if err != nil {
				return err
			}
			if !proof.Verify() {
				return fmt.Errorf("proof for %s does not verify against root %s", node.Path, proof.RootHash)
			}
			return printJSON(cmd.OutOrStdout(), proof)
		},
	}
}

func (a *app) newDuplicatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "List files whose normalized text is identical",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex(cmd.Context(), readOnly)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			groups, err := idx.Duplicates()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(groups) == 0 {
				fmt.Fprintln(out, "No duplicates.")
				return nil
			}
			for _, g := range groups {
				fmt.Fprintf(out, "%s\n", g.SemanticHash)
				for _, p := range g.Paths {
					fmt.Fprintf(out, "  %s\n", p)
				}
			}
			return nil
		},
	}
}

func (a *app) newTxLogCmd() *cobra.Command {
	var limit int
	var id string

	cmd := &cobra.Command{
		Use:   "txlog",
		Short: "Print logged transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			if id != "" {
				tx, err := idx.Transaction(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tx)
			}
			txs, err := idx.Transactions(cmd.Context(), limit)
			if err != nil {
				if errors.Is(err, docindex.ErrTxLogDisabled) {
					return fmt.Errorf("%w: set txlog.enabled in %s", err, a.configFileName())
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), txs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	cmd.Flags().StringVar(&id, "id", "", "print one transaction by id")
	return cmd
}

// configFileName names the config file for messages.
func (a *app) configFileName() string {
	if a.configPath != "" {
		return a.configPath
	}
	return "./" + config.FileName
}

func displayHash(h string) string {
	if h == "" {
		return "(empty)"
	}
	return h
}
