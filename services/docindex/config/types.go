// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads docindex settings from YAML and the environment.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up at the document root.
const FileName = ".docindex.yaml"

// Config is the full docindex configuration.
type Config struct {
	// Root is the document root. Relative roots resolve against the
	// working directory.
	Root string `yaml:"root" validate:"required"`

	// IndexPath is the snapshot location, relative to Root unless absolute.
	IndexPath string `yaml:"index_path" validate:"required"`

	// Extensions are the tracked document extensions.
	Extensions []string `yaml:"extensions" validate:"required,min=1,dive,required"`

	// Excludes are doublestar patterns skipped by scans and the watcher.
	Excludes []string `yaml:"excludes"`

	Integrity IntegrityConfig `yaml:"integrity"`
	Ingest    IngestConfig    `yaml:"ingest"`
	TxLog     TxLogConfig     `yaml:"txlog"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// IntegrityConfig configures the integrity monitor.
type IntegrityConfig struct {
	Interval                Duration `yaml:"interval" validate:"gt=0"`
	AutoHeal                bool     `yaml:"auto_heal"`
	MaxHealBatch            int      `yaml:"max_heal_batch" validate:"gte=1,lte=10000"`
	HealRatePerMinute       float64  `yaml:"heal_rate_per_minute" validate:"gt=0"`
	CachePromotionThreshold int64    `yaml:"cache_promotion_threshold" validate:"gte=0"`
}

// IngestConfig configures change ingestion.
type IngestConfig struct {
	QueueSize int      `yaml:"queue_size" validate:"gte=1,lte=1000000"`
	Debounce  Duration `yaml:"debounce" validate:"gte=0"`
}

// TxLogConfig configures the transaction history.
type TxLogConfig struct {
	Enabled    bool `yaml:"enabled"`
	InMemory   bool `yaml:"in_memory"`
	MaxEntries int  `yaml:"max_entries" validate:"gte=1"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=stdout otlp none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Root:       ".",
		IndexPath:  ".docindex/index.json",
		Extensions: []string{".md", ".maus"},
		Excludes:   []string{"node_modules/**", "vendor/**"},
		Integrity: IntegrityConfig{
			Interval:                Duration(5 * time.Minute),
			AutoHeal:                true,
			MaxHealBatch:            100,
			HealRatePerMinute:       6,
			CachePromotionThreshold: 10,
		},
		Ingest: IngestConfig{
			QueueSize: 256,
			Debounce:  Duration(300 * time.Millisecond),
		},
		TxLog: TxLogConfig{
			Enabled:    true,
			MaxEntries: 1000,
		},
		Server: ServerConfig{Port: 8088},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "stdout",
			MetricExporter: "prometheus",
		},
	}
}

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string or an integer of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
