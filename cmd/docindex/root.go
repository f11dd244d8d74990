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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDocIndex/pkg/logging"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/config"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/nodestore"
)

// app holds the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	rootDir    string
	logLevel   string
	jsonLogs   bool

	cfg    *config.Config
	logger *logging.Logger
}

// newRootCmd builds the command tree. Each call returns an independent tree
// so tests can run commands without shared flag state.
func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "docindex",
		Short: "Content-addressed index of a documentation tree",
		Long: `docindex keeps a Merkle-tree index of the markdown files under a root
directory. Every change is applied as a transaction, the snapshot on disk
always matches the committed tree, and an integrity monitor detects and
heals drift between the index and the files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ./"+config.FileName+")")
	flags.StringVarP(&a.rootDir, "root", "r", "", "document root (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "write logs as JSON")

	root.AddCommand(
		a.newScanCmd(),
		a.newStatsCmd(),
		a.newNodeCmd(),
		a.newProofCmd(),
		a.newDuplicatesCmd(),
		a.newTxLogCmd(),
		a.newVerifyCmd(),
		a.newWatchCmd(),
		a.newServeCmd(),
		a.newHookCmd(),
		a.newConfigCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides and installs logging.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.rootDir != "" {
		cfg.Root = a.rootDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.jsonLogs {
		cfg.Logging.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "docindex",
		JSON:    cfg.Logging.JSON || !stderrIsTerminal(),
		Output:  cmd.ErrOrStderr(),
	})
	a.logger.SetDefault()
	return nil
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// options maps the loaded configuration onto index options.
func (a *app) options() (docindex.Options, error) {
	return docindex.OptionsFromConfig(a.cfg)
}

// openIndex creates and initializes the index. tweak adjusts the options
// before New.
func (a *app) openIndex(ctx context.Context, tweak func(*docindex.Options)) (*docindex.Index, error) {
	opts, err := a.options()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(&opts)
	}
	idx, err := docindex.New(opts)
	if err != nil {
		return nil, err
	}
	if err := idx.Init(ctx); err != nil {
		return nil, fmt.Errorf("initialize index: %w", err)
	}
	return idx, nil
}

// readOnly leaves the transaction log closed so one-shot queries do not
// contend with a running daemon for the log's directory lock.
func readOnly(o *docindex.Options) {
	o.TxLog.Enabled = false
}

// resolveNode accepts a node id or a root-relative path.
func resolveNode(idx *docindex.Index, ref string) (nodestore.IndexNode, error) {
	node, err := idx.GetNode(ref)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, nodestore.ErrNodeNotFound) {
		return node, err
	}
	return idx.GetNodeByPath(ref)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
