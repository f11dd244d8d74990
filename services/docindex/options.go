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
	"fmt"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianDocIndex/services/docindex/config"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/events"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/ingest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/integrity"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/manifest"
	"github.com/AleutianAI/AleutianDocIndex/services/docindex/persistence"
)

// Options configures an Index.
type Options struct {
	// Root is the document root. Made absolute by New.
	Root string

	// IndexPath is the snapshot file. Relative paths resolve against Root.
	// Default: persistence.DefaultIndexPath.
	IndexPath string

	// Extensions are the tracked extensions. Default: manifest.DefaultExtensions.
	Extensions []string

	// Excludes are doublestar patterns never indexed. Default: manifest.DefaultExcludes.
	Excludes []string

	// Integrity configures the monitor. Root is filled in by New.
	Integrity integrity.Config

	// Monitor starts periodic integrity sweeps on Init.
	Monitor bool

	// Watch starts a filesystem watcher on Init.
	Watch bool

	// Debounce is the watcher quiescence window.
	Debounce time.Duration

	// QueueSize bounds the ingestion queue.
	QueueSize int

	// EventBuffer is how many recent events RecentEvents retains.
	// Default: events.DefaultBufferSize.
	EventBuffer int

	// TxLog configures the transaction history.
	TxLog TxLogOptions

	// MetricsEnabled and TracingEnabled switch transaction telemetry.
	MetricsEnabled bool
	TracingEnabled bool
}

// TxLogOptions configures the transaction history.
type TxLogOptions struct {
	Enabled    bool
	InMemory   bool
	MaxEntries int
}

// DefaultOptions returns options for indexing root with the monitor and
// watcher off.
func DefaultOptions(root string) Options {
	return Options{
		Root:           root,
		IndexPath:      persistence.DefaultIndexPath,
		Extensions:     manifest.DefaultExtensions,
		Excludes:       manifest.DefaultExcludes,
		Integrity:      integrity.DefaultConfig(root),
		Debounce:       ingest.DefaultDebounce,
		QueueSize:      ingest.DefaultQueueSize,
		EventBuffer:    events.DefaultBufferSize,
		TxLog:          TxLogOptions{Enabled: true, MaxEntries: 1000},
		MetricsEnabled: true,
		TracingEnabled: true,
	}
}

// OptionsFromConfig maps a loaded configuration onto Options.
//
// # Inputs
//
//   - cfg: A validated configuration.
//
// # Outputs
//
//   - Options: With absolute Root and IndexPath.
//   - error: Non-nil if the paths cannot be resolved.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	root, err := cfg.AbsRoot()
	if err != nil {
		return Options{}, fmt.Errorf("resolve root: %w", err)
	}
	indexPath, err := cfg.AbsIndexPath()
	if err != nil {
		return Options{}, fmt.Errorf("resolve index path: %w", err)
	}

	opts := DefaultOptions(root)
	opts.IndexPath = indexPath
	opts.Extensions = cfg.Extensions
	opts.Excludes = cfg.Excludes
	opts.Integrity = integrity.Config{
		Root:                    root,
		Interval:                cfg.Integrity.Interval.Std(),
		AutoHeal:                cfg.Integrity.AutoHeal,
		MaxHealBatch:            cfg.Integrity.MaxHealBatch,
		HealRatePerMinute:       cfg.Integrity.HealRatePerMinute,
		CachePromotionThreshold: cfg.Integrity.CachePromotionThreshold,
	}
	opts.Debounce = cfg.Ingest.Debounce.Std()
	opts.QueueSize = cfg.Ingest.QueueSize
	opts.TxLog = TxLogOptions{
		Enabled:    cfg.TxLog.Enabled,
		InMemory:   cfg.TxLog.InMemory,
		MaxEntries: cfg.TxLog.MaxEntries,
	}
	return opts, nil
}

// normalize fills defaults and resolves paths.
func (o Options) normalize() (Options, error) {
	if o.Root == "" {
		return o, fmt.Errorf("root is required")
	}
	root, err := filepath.Abs(o.Root)
	if err != nil {
		return o, fmt.Errorf("resolve root: %w", err)
	}
	o.Root = root

	if o.IndexPath == "" {
		o.IndexPath = persistence.DefaultIndexPath
	}
	if !filepath.IsAbs(o.IndexPath) {
		o.IndexPath = filepath.Join(root, filepath.FromSlash(o.IndexPath))
	}
	if len(o.Extensions) == 0 {
		o.Extensions = manifest.DefaultExtensions
	}
	if o.Excludes == nil {
		o.Excludes = manifest.DefaultExcludes
	}
	o.Integrity.Root = root
	if o.QueueSize <= 0 {
		o.QueueSize = ingest.DefaultQueueSize
	}
	if o.Debounce <= 0 {
		o.Debounce = ingest.DefaultDebounce
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = events.DefaultBufferSize
	}
	return o, nil
}

// txlogPath is the badger directory next to the snapshot.
func (o Options) txlogPath() string {
	return filepath.Join(filepath.Dir(o.IndexPath), "txlog")
}
