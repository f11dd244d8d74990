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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
)

func (a *app) newVerifyCmd() *cobra.Command {
	var heal, asJSON bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the index against the files on disk",
		Long: `Recomputes every file hash and the Merkle root and reports violations.
With --heal, healable drift is repaired in a single transaction. Exits 1
when the index does not verify.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tweak := readOnly
			if heal {
				tweak = nil
			}
			idx, err := a.openIndex(cmd.Context(), tweak)
			if err != nil {
				return err
			}
			defer idx.Teardown()

			out := cmd.OutOrStdout()
			var (
				report *integrity.Report
				result *integrity.HealResult
			)
			if heal {
				report, result, err = idx.VerifyAndHeal(cmd.Context())
				if err != nil && (report == nil || !errors.Is(err, integrity.ErrNotHealable)) {
					return err
				}
			} else {
				if report, err = idx.VerifyIntegrity(cmd.Context()); err != nil {
					return err
				}
			}

			if asJSON {
				if err := printJSON(out, struct {
					Report *integrity.Report     `json:"report"`
					Heal   *integrity.HealResult `json:"heal,omitempty"`
				}{report, result}); err != nil {
					return err
				}
			} else {
				printReport(out, report, result)
			}

			if result != nil && result.Deferred == 0 && len(result.Skipped) == 0 {
				return nil
			}
			if !report.Valid {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&heal, "heal", false, "repair healable drift")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, report *integrity.Report, result *integrity.HealResult) {
	status := "valid"
	if !report.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(w, "Index %s: %d nodes checked in %s\n", status, report.NodesChecked, report.Duration)
	fmt.Fprintf(w, "  stored root:   %s\n", displayHash(report.StoredRoot))
	fmt.Fprintf(w, "  computed root: %s\n", displayHash(report.ComputedRoot))

	for _, v := range report.Violations {
		fmt.Fprintf(w, "  [%s] %s %s", v.Severity, v.Kind, v.Path)
		if v.Detail != "" {
			fmt.Fprintf(w, ": %s", v.Detail)
		}
		fmt.Fprintln(w)
	}
	for _, s := range report.Suggestions {
		fmt.Fprintf(w, "  suggestion %s %s (benefit %.2f)\n", s.Kind, s.Path, s.Benefit)
	}
	if result != nil {
		fmt.Fprintf(w, "Healed %d nodes in %s, new root %s\n", len(result.Healed), result.TxID, displayHash(result.RootHash))
		if len(result.Skipped) > 0 {
			fmt.Fprintf(w, "%d nodes changed since the check and were skipped\n", len(result.Skipped))
		}
		if result.Deferred > 0 {
			fmt.Fprintf(w, "%d nodes deferred to a later heal\n", result.Deferred)
		}
	} else if !report.Valid && report.Healable {
		fmt.Fprintln(w, "Run with --heal to repair.")
	}
}
